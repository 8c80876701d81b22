package main

import (
	"bytes"
	"embed"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mark3748/helpdesk-realtime/internal/queue"
	"github.com/mark3748/helpdesk-realtime/internal/sanitize"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var mailTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// smtpSendMail is swapped out in tests.
var smtpSendMail = smtp.SendMail

var validate = validator.New()

// cleanAddress strips header breaking characters and checks the result is
// a bare email address.
func cleanAddress(addr string) (string, error) {
	addr = strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(addr))
	if err := validate.Var(addr, "required,email"); err != nil {
		return "", fmt.Errorf("invalid email address %q", addr)
	}
	return addr, nil
}

// renderEmail executes the <template>_subject and <template>_body pair.
func renderEmail(j queue.EmailJob) (subject string, body []byte, err error) {
	var subj, b bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&subj, j.Template+"_subject", j.Data); err != nil {
		return "", nil, err
	}
	if err := mailTemplates.ExecuteTemplate(&b, j.Template+"_body", j.Data); err != nil {
		return "", nil, err
	}
	return sanitize.Header(subj.String()), b.Bytes(), nil
}

func sendEmail(c Config, j queue.EmailJob) error {
	to, err := cleanAddress(j.To)
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}
	from, err := cleanAddress(c.SMTPFrom)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	subject, body, err := renderEmail(j)
	if err != nil {
		return fmt.Errorf("render %s: %w", j.Template, err)
	}

	var msg bytes.Buffer
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.Write(body)

	var auth smtp.Auth
	if c.SMTPUser != "" {
		auth = smtp.PlainAuth("", c.SMTPUser, c.SMTPPass, c.SMTPHost)
	}
	return smtpSendMail(c.SMTPHost+":"+c.SMTPPort, auth, from, []string{to}, msg.Bytes())
}
