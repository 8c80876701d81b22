// Package sanitize reduces HTML from inbound mail to text and makes values
// safe for outbound mail headers.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// HTMLText reduces an HTML mail body to its text. Entities are decoded again
// since the result is stored as plain chat text.
func HTMLText(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// Header makes s safe for a single-line mail header.
func Header(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

