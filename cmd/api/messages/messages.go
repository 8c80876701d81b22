package messages

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

// Lister reads a ticket's chat history.
type Lister interface {
	ListMessages(ctx context.Context, ticketID string, before time.Time, limit int) ([]store.Message, error)
}

// List returns a page of a ticket's chat thread, oldest first. Older pages
// are fetched with ?before=<createdAt of the first message>.
func List(l Lister) gin.HandlerFunc {
	return func(c *gin.Context) {
		var before time.Time
		if v := c.Query("before"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				app.AbortError(c, http.StatusBadRequest, "invalid_query", "before must be an RFC 3339 timestamp", map[string]string{"before": "rfc3339"})
				return
			}
			before = t
		}
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				app.AbortError(c, http.StatusBadRequest, "invalid_query", "limit must be a positive integer", map[string]string{"limit": "min=1"})
				return
			}
			limit = n
		}
		out, err := l.ListMessages(c.Request.Context(), c.Param("id"), before, limit)
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("ticket_id", c.Param("id")).Msg("list messages")
			app.AbortError(c, http.StatusInternalServerError, "internal", "could not load messages", nil)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
