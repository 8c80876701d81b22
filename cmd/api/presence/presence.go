package presence

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

// Reader is the read side of the socket presence registry.
type Reader interface {
	Online() []string
	Connections(userID string) []string
	Status(userID string) (string, bool)
}

type UserFinder interface {
	FindUser(ctx context.Context, id string) (store.User, error)
}

type Status struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

// List returns the ids of users with at least one live socket.
func List(r Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userIds": r.Online()})
	}
}

// Get reports the live connection count and the status chosen for the
// current session, which may be a deliberate offline. A user without
// connections is reported offline whatever was stored last.
func Get(r Reader, users UserFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("userID")
		u, err := users.FindUser(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			app.AbortError(c, http.StatusNotFound, "not_found", "user not found", nil)
			return
		}
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("user_id", id).Msg("load user")
			app.AbortError(c, http.StatusInternalServerError, "internal", "could not load user", nil)
			return
		}
		n := len(r.Connections(u.ID))
		st := Status{UserID: u.ID, Name: u.Name, Status: store.StatusOffline, Online: n > 0, Connections: n}
		if live, ok := r.Status(u.ID); ok && n > 0 {
			st.Status = live
		}
		c.JSON(http.StatusOK, st)
	}
}
