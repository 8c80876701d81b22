package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mark3748/helpdesk-realtime/cmd/api/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Client is one authenticated socket connection.
type Client struct {
	ID   string
	User auth.AuthUser

	hub     *Hub
	conn    *websocket.Conn
	send    chan Event
	limiter *rate.Limiter
}

// NewClient wraps an upgraded connection for user.
func NewClient(h *Hub, conn *websocket.Conn, user auth.AuthUser) *Client {
	lim := rate.NewLimiter(rate.Inf, 0)
	if h.opts.EventRPS > 0 {
		lim = rate.NewLimiter(rate.Limit(h.opts.EventRPS), h.opts.EventBurst)
	}
	return &Client{
		ID:      uuid.NewString(),
		User:    user,
		hub:     h,
		conn:    conn,
		send:    make(chan Event, sendBuffer),
		limiter: lim,
	}
}

// ReadPump decodes client frames and hands them to the hub until the
// connection fails, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("conn_id", c.ID).Str("user_id", c.User.ID).Msg("socket read")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
			c.hub.Reject(c, CodeInvalidPayload, "frames must be {\"type\": ..., \"data\": ...}")
			continue
		}
		if !c.limiter.Allow() {
			c.hub.Reject(c, CodeRateLimited, "too many events")
			continue
		}
		c.hub.Handle(c, f.Type, f.Data)
	}
}

// WritePump drains the send queue onto the connection and keeps it alive
// with pings. It exits when the hub closes the queue or stops.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.hub.quit:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("event", ev.Type).Msg("encode event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
