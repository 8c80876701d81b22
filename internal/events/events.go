// Package events carries realtime notifications published by other processes
// (the worker, admin tooling) to the socket hub over Redis pub/sub.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel the hub subscribes to.
const Channel = "events"

// Server to client event names. Publishers use these so their events read
// the same as the ones the hub produces itself.
const (
	MessageReceived   = "message_received"
	UserStatusChanged = "user_status_changed"
	OnlineUsers       = "online_users"
	CallStarted       = "call_started"
	Error             = "error"
)

// Event is a notification for connected clients. Events with a TicketID go
// to that ticket's room only; the rest go to every connection.
type Event struct {
	Type     string          `json:"type"`
	TicketID string          `json:"ticket_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Publish encodes data and publishes it on Channel.
func Publish(ctx context.Context, rdb *redis.Client, typ, ticketID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Event{Type: typ, TicketID: ticketID, Data: raw})
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, Channel, b).Err()
}

// Decode parses a pub/sub payload.
func Decode(payload string) (Event, error) {
	var ev Event
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
