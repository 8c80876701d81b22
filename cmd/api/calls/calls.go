package calls

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	callspkg "github.com/mark3748/helpdesk-realtime/internal/calls"
)

type Lister interface {
	ListCalls(ctx context.Context, ticketID string) ([]callspkg.Session, error)
}

// List returns the call history recorded on a ticket, newest first.
func List(l Lister) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := l.ListCalls(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("ticket_id", c.Param("id")).Msg("list calls")
			app.AbortError(c, http.StatusInternalServerError, "internal", "could not load calls", nil)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
