package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mark3748/helpdesk-realtime/cmd/api/metrics"
	"github.com/mark3748/helpdesk-realtime/internal/calls"
	"github.com/mark3748/helpdesk-realtime/internal/queue"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

func (h *Hub) submitMessage(c *Client, data json.RawMessage) {
	var in MessageSubmission
	if err := json.Unmarshal(data, &in); err != nil {
		h.fail(c, CodeInvalidPayload, "new_message requires {ticketId, content}")
		return
	}
	if err := validate.Struct(in); err != nil {
		h.fail(c, CodeInvalidPayload, validationMessage(err))
		return
	}
	content := strings.TrimSpace(in.Content)
	switch {
	case content == "":
		h.fail(c, CodeInvalidPayload, "message content is empty")
		return
	case !utf8.ValidString(content):
		h.fail(c, CodeInvalidPayload, "message content must be UTF-8")
		return
	}
	if in.Type == "" {
		in.Type = store.TypeText
	}
	nm := store.NewMessage{
		TicketID: in.TicketID,
		SenderID: c.User.ID,
		Content:  content,
		Type:     in.Type,
		FileURL:  in.FileURL,
	}
	h.spawn(func(ctx context.Context) func() {
		if lim := h.opts.MessageLimiter; lim != nil {
			ok, err := lim.Allow(ctx, c.User.ID)
			if err != nil {
				log.Error().Err(err).Str("user_id", c.User.ID).Msg("message rate limiter unavailable")
			} else if !ok {
				return func() { h.fail(c, CodeRateLimited, "too many messages, slow down") }
			}
		}
		msg, err := h.persist(ctx, nm)
		if err != nil {
			return func() {
				log.Error().Err(err).Str("user_id", c.User.ID).Str("ticket_id", nm.TicketID).Msg("persist message")
				h.fail(c, CodePersistenceFailure, "message could not be saved")
			}
		}
		return func() {
			metrics.MessagesRelayed.Inc()
			h.broadcastRoom(msg.TicketID, Event{Type: EventMessageReceived, Data: msg})
		}
	})
}

// persist stores m and reads it back enriched with the sender.
func (h *Hub) persist(ctx context.Context, m store.NewMessage) (store.Message, error) {
	id, err := h.opts.Messages.CreateMessage(ctx, m)
	if err != nil {
		return store.Message{}, fmt.Errorf("create message: %w", err)
	}
	msg, err := h.opts.Messages.GetMessage(ctx, id)
	if err != nil {
		return store.Message{}, fmt.Errorf("load message %s: %w", id, err)
	}
	return msg, nil
}

// recipients resolves the connections an envelope goes to. The sending
// connection never receives its own envelope.
func (h *Hub) recipients(c *Client, env Envelope) []*Client {
	var out []*Client
	for _, id := range h.presence.Connections(env.To) {
		if id == c.ID || (env.ToConnection != "" && id != env.ToConnection) {
			continue
		}
		if cl, ok := h.clients[id]; ok {
			out = append(out, cl)
		}
	}
	return out
}

func (h *Hub) relaySignal(c *Client, event string, data json.RawMessage) {
	env, err := parseEnvelope(event, data)
	if err != nil {
		h.fail(c, CodeInvalidPayload, err.Error())
		return
	}
	env.From, env.FromConnection, env.FromName = c.User.ID, c.ID, c.User.DisplayName

	var sess *calls.Session
	if event != EventCallRequest && env.CallID != "" {
		sess = h.sessions[env.CallID]
	}

	targets := h.recipients(c, env)
	if len(targets) == 0 {
		h.fail(c, CodeRecipientOffline, "recipient "+env.To+" is not connected")
		if sess != nil {
			h.advanceCall(sess, c.User.ID, event)
		}
		return
	}
	if event == EventCallRequest {
		sess = h.startCall(c, &env)
	}
	ev := Event{Type: event, Data: env}
	for _, t := range targets {
		h.sendTo(t, ev)
	}
	metrics.SignalsForwarded.WithLabelValues(env.Kind).Inc()

	switch event {
	case EventCallRequest:
		h.sendTo(c, Event{Type: EventCallStarted, Data: CallStartedPayload{CallID: sess.ID, To: env.To, TicketID: env.TicketID}})
	case EventCallAccept, EventCallReject, EventCallEnd:
		if sess != nil {
			h.advanceCall(sess, c.User.ID, event)
		}
	}
}

// startCall opens a ringing session for a call_request and stamps its id on
// the envelope. A client supplied id is kept when it is a fresh uuid.
func (h *Hub) startCall(c *Client, env *Envelope) *calls.Session {
	id := env.CallID
	if _, err := uuid.Parse(id); err != nil || h.sessions[id] != nil {
		id = uuid.NewString()
	}
	env.CallID = id
	now := h.now()
	s := calls.New(id, env.TicketID, c.User.ID, env.To, now)
	_ = s.Transition(calls.Ringing, now)
	h.sessions[id] = s
	metrics.CallOutcomes.WithLabelValues(string(calls.Ringing)).Inc()
	h.persistCall(s, true)

	if d := h.opts.RingTimeout; d > 0 {
		h.timers[id] = time.AfterFunc(d, func() {
			h.post(func() { h.ringExpired(id) })
		})
	}
	log.Info().Str("call_id", id).Str("caller_id", s.CallerID).Str("callee_id", s.CalleeID).Str("ticket_id", s.TicketID).Msg("call ringing")
	return s
}

// advanceCall applies a participant's accept/reject/end to the session.
// Moves that do not fit the current state are logged and ignored; the
// envelope itself has already been forwarded.
func (h *Hub) advanceCall(s *calls.Session, actor, event string) {
	if !s.Involves(actor) {
		log.Warn().Str("call_id", s.ID).Str("user_id", actor).Msg("call event from non-participant")
		return
	}
	var to calls.State
	switch event {
	case EventCallAccept:
		to = calls.Active
	case EventCallReject:
		to = calls.Declined
	case EventCallEnd:
		switch {
		case s.State == calls.Active:
			to = calls.Ended
		case actor == s.CallerID:
			to = calls.Missed
		default:
			to = calls.Declined
		}
	default:
		return
	}
	if (to == calls.Active || event == EventCallReject) && actor != s.CalleeID {
		log.Warn().Str("call_id", s.ID).Str("user_id", actor).Str("event", event).Msg("only the callee can answer a call")
		return
	}
	if err := s.Transition(to, h.now()); err != nil {
		log.Debug().Err(err).Str("call_id", s.ID).Msg("ignoring call event")
		return
	}
	h.settle(s)
}

func (h *Hub) ringExpired(id string) {
	delete(h.timers, id)
	s := h.sessions[id]
	if s == nil || s.State != calls.Ringing {
		return
	}
	if err := s.Transition(calls.Missed, h.now()); err != nil {
		return
	}
	log.Info().Str("call_id", id).Msg("call not answered")
	h.notifyCallEnd(s, s.CallerID, "", "missed")
	h.notifyCallEnd(s, s.CalleeID, "", "missed")
	h.settle(s)
}

// endCallsFor closes the open calls of a user who has gone offline.
func (h *Hub) endCallsFor(userID, reason string) {
	for _, s := range h.sessions {
		if !s.Involves(userID) || s.Terminal() {
			continue
		}
		to := calls.Missed
		if s.State == calls.Active {
			to = calls.Ended
		}
		if err := s.Transition(to, h.now()); err != nil {
			continue
		}
		h.notifyCallEnd(s, s.Peer(userID), userID, reason)
		h.settle(s)
	}
}

func (h *Hub) notifyCallEnd(s *calls.Session, to, from, reason string) {
	h.sendToUser(to, Event{Type: EventCallEnd, Data: Envelope{
		Kind:     KindCallEnd,
		To:       to,
		From:     from,
		TicketID: s.TicketID,
		CallID:   s.ID,
		Reason:   reason,
	}})
}

// settle records a transition: persistence, ticket system messages, missed
// call email and, for terminal states, forgetting the session.
func (h *Hub) settle(s *calls.Session) {
	metrics.CallOutcomes.WithLabelValues(string(s.State)).Inc()
	log.Info().Str("call_id", s.ID).Str("state", string(s.State)).Msg("call state changed")
	h.persistCall(s, false)
	switch s.State {
	case calls.Active:
		h.postSystemMessage(s, store.TypeCallStart, "Call started")
	case calls.Ended:
		h.postSystemMessage(s, store.TypeCallEnd, fmt.Sprintf("Call ended after %s", s.Duration().Round(time.Second)))
	case calls.Missed:
		h.postSystemMessage(s, store.TypeCallEnd, "Missed call")
		h.notifyMissed(s)
	case calls.Declined:
		h.postSystemMessage(s, store.TypeCallEnd, "Call declined")
	}
	if s.Terminal() {
		if t := h.timers[s.ID]; t != nil {
			t.Stop()
			delete(h.timers, s.ID)
		}
		delete(h.sessions, s.ID)
	}
}

func (h *Hub) persistCall(s *calls.Session, create bool) {
	if h.opts.Calls == nil {
		return
	}
	snap := *s
	h.enqueueWrite(func(ctx context.Context) error {
		if create {
			return h.opts.Calls.CreateCall(ctx, snap)
		}
		return h.opts.Calls.UpdateCall(ctx, snap)
	}, func(err error) {
		if err != nil {
			log.Error().Err(err).Str("call_id", snap.ID).Str("state", string(snap.State)).Msg("persist call session")
		}
	})
}

// postSystemMessage records a call event on the ticket thread and shows it
// to the room.
func (h *Hub) postSystemMessage(s *calls.Session, typ, content string) {
	if s.TicketID == "" {
		return
	}
	nm := store.NewMessage{TicketID: s.TicketID, SenderID: s.CallerID, Content: content, Type: typ}
	h.spawn(func(ctx context.Context) func() {
		msg, err := h.persist(ctx, nm)
		if err != nil {
			return func() {
				log.Error().Err(err).Str("call_id", s.ID).Str("ticket_id", nm.TicketID).Msg("persist call message")
			}
		}
		return func() { h.broadcastRoom(msg.TicketID, Event{Type: EventMessageReceived, Data: msg}) }
	})
}

// notifyMissed queues a missed call email for the callee.
func (h *Hub) notifyMissed(s *calls.Session) {
	rdb := h.opts.Redis
	if rdb == nil {
		return
	}
	snap := *s
	h.spawn(func(ctx context.Context) func() {
		callee, err := h.opts.Users.FindUser(ctx, snap.CalleeID)
		if err != nil || callee.Email == "" {
			return nil
		}
		callerName := snap.CallerID
		if caller, err := h.opts.Users.FindUser(ctx, snap.CallerID); err == nil && caller.Name != "" {
			callerName = caller.Name
		}
		err = queue.EnqueueEmail(ctx, rdb, queue.EmailJob{
			To:       callee.Email,
			Template: "missed_call",
			Data: map[string]any{
				"CalleeName": callee.Name,
				"CallerName": callerName,
				"TicketID":   snap.TicketID,
				"At":         snap.StartedAt.UTC().Format(time.RFC1123),
			},
		})
		if err != nil {
			return func() { log.Error().Err(err).Str("call_id", snap.ID).Msg("enqueue missed call email") }
		}
		return nil
	})
}
