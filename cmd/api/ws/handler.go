package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/cmd/api/auth"
	"github.com/mark3748/helpdesk-realtime/cmd/api/metrics"
)

// NewUpgrader accepts any origin when origins is empty, otherwise only the
// listed ones. Requests without an Origin header (non-browser clients) pass.
func NewUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			if len(origins) == 0 || o == "" {
				return true
			}
			for _, allowed := range origins {
				if strings.EqualFold(allowed, o) {
					return true
				}
			}
			return false
		},
	}
}

// Serve authenticates the handshake and, only when that succeeds, upgrades
// the connection and hands it to the hub.
func Serve(h *Hub, g *auth.Gate, up *websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		user, err := g.Authenticate(ctx, auth.BearerToken(c.Request))
		if err != nil {
			code := auth.Code(err)
			metrics.HandshakeFailures.WithLabelValues(code).Inc()
			log.Ctx(ctx).Warn().Err(err).Str("code", code).Msg("socket handshake rejected")
			msg := err.Error()
			if auth.Status(err) >= http.StatusInternalServerError {
				msg = "authentication unavailable"
			}
			c.AbortWithStatusJSON(auth.Status(err), app.Envelope{Error: &app.Error{Code: code, Message: msg}})
			return
		}
		c.Set(app.UserIDKey, user.ID)
		conn, err := up.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			metrics.HandshakeFailures.WithLabelValues("upgrade").Inc()
			log.Ctx(ctx).Warn().Err(err).Str("user_id", user.ID).Msg("socket upgrade failed")
			return
		}
		client := NewClient(h, conn, user)
		if !h.Register(client) {
			_ = conn.Close()
			return
		}
		go client.WritePump()
		client.ReadPump()
	}
}
