// Package calls tracks the lifecycle of one-to-one voice/video calls.
package calls

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a call.
type State string

const (
	Initiated State = "initiated"
	Ringing   State = "ringing"
	Active    State = "active"
	Ended     State = "ended"
	Missed    State = "missed"
	Declined  State = "declined"
)

var ErrInvalidTransition = errors.New("invalid call state transition")

// transitions lists the states reachable from each state. Missed, declined
// and ended have no outgoing edges.
var transitions = map[State][]State{
	Initiated: {Ringing},
	Ringing:   {Active, Missed, Declined},
	Active:    {Ended},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is a single call between two users, optionally attached to a ticket.
type Session struct {
	ID         string     `json:"id"`
	TicketID   string     `json:"ticket_id,omitempty"`
	CallerID   string     `json:"caller_id"`
	CalleeID   string     `json:"callee_id"`
	State      State      `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// New returns a session in the initiated state.
func New(id, ticketID, callerID, calleeID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		TicketID:  ticketID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		State:     Initiated,
		StartedAt: now,
	}
}

// Transition moves the session to state to, stamping answer and end times.
func (s *Session) Transition(to State, now time.Time) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	switch to {
	case Active:
		s.AnsweredAt = &now
	case Ended, Missed, Declined:
		s.EndedAt = &now
	}
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s *Session) Terminal() bool {
	return len(transitions[s.State]) == 0
}

func (s *Session) Involves(userID string) bool {
	return userID != "" && (s.CallerID == userID || s.CalleeID == userID)
}

// Peer returns the other participant, or "" when userID is not part of the call.
func (s *Session) Peer(userID string) string {
	switch userID {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	}
	return ""
}

// Duration is the talk time of a call that was answered and has ended.
func (s *Session) Duration() time.Duration {
	if s.AnsweredAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.AnsweredAt)
}
