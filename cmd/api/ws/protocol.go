package ws

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mark3748/helpdesk-realtime/internal/events"
)

// Client -> server events.
const (
	EventJoinTicket   = "join_ticket"
	EventLeaveTicket  = "leave_ticket"
	EventNewMessage   = "new_message"
	EventStatusChange = "status_change"
	EventCallRequest  = "call_request"
	EventSignal       = "signal"
	EventCallAccept   = "call_accept"
	EventCallReject   = "call_reject"
	EventCallEnd      = "call_end"
)

// Server -> client events. Call events are forwarded under their inbound name.
const (
	EventMessageReceived   = events.MessageReceived
	EventUserStatusChanged = events.UserStatusChanged
	EventOnlineUsers       = events.OnlineUsers
	EventCallStarted       = events.CallStarted
	EventError             = events.Error
)

// Error codes carried by EventError.
const (
	CodePersistenceFailure = "persistence_failure"
	CodeRecipientOffline   = "recipient_offline"
	CodeInvalidPayload     = "invalid_payload"
	CodeRateLimited        = "rate_limited"
	CodeUnknownEvent       = "unknown_event"
)

// Event is a frame sent to a client.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// frame is a frame received from a client; Data is decoded per event type.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

type CallStartedPayload struct {
	CallID   string `json:"callId"`
	To       string `json:"to"`
	TicketID string `json:"ticketId,omitempty"`
}

// MessageSubmission is the new_message payload.
type MessageSubmission struct {
	TicketID string `json:"ticketId" validate:"required"`
	Content  string `json:"content" validate:"required,max=10000"`
	Type     string `json:"type" validate:"omitempty,oneof=text image file"`
	FileURL  string `json:"fileUrl" validate:"omitempty,max=2048"`
}

var knownEvents = map[string]bool{
	EventJoinTicket: true, EventLeaveTicket: true, EventNewMessage: true, EventStatusChange: true,
	EventCallRequest: true, EventSignal: true, EventCallAccept: true, EventCallReject: true, EventCallEnd: true,
}

// normalizeEvent accepts the hyphenated spellings older clients use.
func normalizeEvent(typ string) string {
	return strings.ReplaceAll(strings.TrimSpace(typ), "-", "_")
}

var errPayload = errors.New("malformed payload")

// stringOrField decodes data that is either a bare JSON string or an object
// holding the string under field.
func stringOrField(data json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", errPayload
	}
	raw, ok := obj[field]
	if !ok {
		return "", nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errPayload
	}
	return strings.TrimSpace(s), nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage renders validator errors as "field rule" pairs.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		p := fe.Field() + " " + fe.Tag()
		if fe.Param() != "" {
			p += "=" + fe.Param()
		}
		parts = append(parts, p)
	}
	return "invalid payload: " + strings.Join(parts, ", ")
}
