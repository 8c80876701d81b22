// Package ws is the realtime socket core: presence, ticket rooms, chat relay,
// status broadcast and call signaling.
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mark3748/helpdesk-realtime/cmd/api/metrics"
	"github.com/mark3748/helpdesk-realtime/internal/calls"
	"github.com/mark3748/helpdesk-realtime/internal/events"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

type UserStore interface {
	FindUser(ctx context.Context, id string) (store.User, error)
	SetStatus(ctx context.Context, id, status string) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m store.NewMessage) (string, error)
	GetMessage(ctx context.Context, id string) (store.Message, error)
}

type CallStore interface {
	CreateCall(ctx context.Context, s calls.Session) error
	UpdateCall(ctx context.Context, s calls.Session) error
}

// Limiter throttles chat messages per user; *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Options configures a Hub. Users and Messages are required.
type Options struct {
	Users    UserStore
	Messages MessageStore
	Calls    CallStore
	// Redis enables the events ingress subscription and missed-call emails.
	Redis          *redis.Client
	MessageLimiter Limiter
	RingTimeout    time.Duration
	EventRPS       float64
	EventBurst     int
}

// write is a store write that must not be reordered with other writes.
type write struct {
	do   func(ctx context.Context) error
	done func(error)
}

// Hub owns every connection, room and call session. All of that state is
// mutated on the Run goroutine only; blocking work runs elsewhere and posts a
// continuation back through tasks.
type Hub struct {
	opts     Options
	presence *Registry
	rooms    *Rooms

	clients  map[string]*Client
	sessions map[string]*calls.Session
	timers   map[string]*time.Timer
	writes   []write
	writing  bool

	register   chan *Client
	unregister chan *Client
	tasks      chan func()
	quit       chan struct{}

	ctx context.Context
	now func() time.Time
}

func NewHub(opts Options) *Hub {
	return &Hub{
		opts:       opts,
		presence:   NewRegistry(),
		rooms:      NewRooms(),
		clients:    make(map[string]*Client),
		sessions:   make(map[string]*calls.Session),
		timers:     make(map[string]*time.Timer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		tasks:      make(chan func(), 256),
		quit:       make(chan struct{}),
		ctx:        context.Background(),
		now:        time.Now,
	}
}

// Presence exposes the registry for read-only use by REST handlers.
func (h *Hub) Presence() *Registry { return h.presence }

// Rooms exposes room membership for read-only use.
func (h *Hub) Rooms() *Rooms { return h.rooms }

// Run processes hub events until ctx is done. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	h.ctx = ctx
	defer func() {
		for _, t := range h.timers {
			t.Stop()
		}
		close(h.quit)
	}()

	var ingress <-chan *redis.Message
	if h.opts.Redis != nil {
		sub := h.opts.Redis.Subscribe(ctx, events.Channel)
		defer sub.Close()
		ingress = sub.Channel()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ingress:
			if !ok {
				ingress = nil
				continue
			}
			h.deliverIngress(msg.Payload)
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case fn := <-h.tasks:
			fn()
		}
	}
}

// Register adds an authenticated client. It reports false once the hub has
// stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Handle queues an inbound client event for the loop.
func (h *Hub) Handle(c *Client, typ string, data json.RawMessage) {
	h.post(func() { h.dispatch(c, typ, data) })
}

// Reject reports a frame-level problem to the client from the loop.
func (h *Hub) Reject(c *Client, code, msg string) {
	h.post(func() { h.fail(c, code, msg) })
}

func (h *Hub) post(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.quit:
	}
}

// spawn runs work off the loop and applies the continuation it returns on
// the loop.
func (h *Hub) spawn(work func(ctx context.Context) func()) {
	ctx := h.ctx
	go func() {
		if next := work(ctx); next != nil {
			h.post(next)
		}
	}()
}

// enqueueWrite applies store writes one at a time in submission order.
func (h *Hub) enqueueWrite(do func(ctx context.Context) error, done func(error)) {
	h.writes = append(h.writes, write{do: do, done: done})
	h.pumpWrites()
}

func (h *Hub) pumpWrites() {
	if h.writing || len(h.writes) == 0 {
		return
	}
	w := h.writes[0]
	h.writes = h.writes[1:]
	h.writing = true
	h.spawn(func(ctx context.Context) func() {
		err := w.do(ctx)
		return func() {
			h.writing = false
			if w.done != nil {
				w.done(err)
			}
			h.pumpWrites()
		}
	})
}

func (h *Hub) add(c *Client) {
	h.clients[c.ID] = c
	metrics.WSClients.Inc()
	first := h.presence.Register(c.User.ID, c.ID)
	log.Info().Str("user_id", c.User.ID).Str("conn_id", c.ID).Bool("first", first).Msg("socket connected")

	h.sendTo(c, Event{Type: EventOnlineUsers, Data: OnlineUsersPayload{UserIDs: h.presence.Online()}})
	if first {
		metrics.OnlineUsers.Inc()
		h.storeStatus(c.User.ID, store.StatusOnline, nil)
		h.broadcastAll(Event{Type: EventUserStatusChanged, Data: StatusPayload{UserID: c.User.ID, Status: store.StatusOnline}})
	}
}

// remove destroys a connection: rooms first, then presence, then the
// offline broadcast and call cleanup when it was the user's last one.
func (h *Hub) remove(c *Client) {
	if h.clients[c.ID] != c {
		return
	}
	delete(h.clients, c.ID)
	close(c.send)
	metrics.WSClients.Dec()

	left := h.rooms.LeaveAll(c.ID)
	userID, last := h.presence.Unregister(c.ID)
	log.Info().Str("user_id", userID).Str("conn_id", c.ID).Strs("rooms", left).Bool("last", last).Msg("socket disconnected")
	if !last {
		return
	}
	metrics.OnlineUsers.Dec()
	h.storeStatus(userID, store.StatusOffline, nil)
	h.broadcastAll(Event{Type: EventUserStatusChanged, Data: StatusPayload{UserID: userID, Status: store.StatusOffline}})
	h.endCallsFor(userID, "disconnected")
}

// sendTo queues ev for c. A client whose queue is full is evicted.
func (h *Hub) sendTo(c *Client, ev Event) {
	if h.clients[c.ID] != c {
		return
	}
	select {
	case c.send <- ev:
	default:
		metrics.SlowConsumers.Inc()
		log.Warn().Str("user_id", c.User.ID).Str("conn_id", c.ID).Str("event", ev.Type).Msg("send queue full, dropping connection")
		h.remove(c)
	}
}

func (h *Hub) broadcastAll(ev Event) {
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	for _, c := range targets {
		h.sendTo(c, ev)
	}
}

func (h *Hub) broadcastRoom(ticketID string, ev Event) {
	for _, id := range h.rooms.Members(ticketID) {
		if c, ok := h.clients[id]; ok {
			h.sendTo(c, ev)
		}
	}
}

// sendToUser delivers ev to every connection of userID and reports how many
// connections it reached.
func (h *Hub) sendToUser(userID string, ev Event) int {
	n := 0
	for _, id := range h.presence.Connections(userID) {
		if c, ok := h.clients[id]; ok {
			h.sendTo(c, ev)
			n++
		}
	}
	return n
}

func (h *Hub) fail(c *Client, code, msg string) {
	metrics.SocketErrors.WithLabelValues(code).Inc()
	log.Warn().Str("user_id", c.User.ID).Str("conn_id", c.ID).Str("code", code).Msg(msg)
	h.sendTo(c, Event{Type: EventError, Data: ErrorPayload{Code: code, Message: msg}})
}

func (h *Hub) dispatch(c *Client, typ string, data json.RawMessage) {
	if h.clients[c.ID] != c {
		return
	}
	ev := normalizeEvent(typ)
	label := ev
	if !knownEvents[ev] {
		label = "unknown"
	}
	metrics.InboundEvents.WithLabelValues(label).Inc()

	switch ev {
	case EventJoinTicket:
		h.joinTicket(c, data)
	case EventLeaveTicket:
		h.leaveTicket(c, data)
	case EventNewMessage:
		h.submitMessage(c, data)
	case EventStatusChange:
		h.changeStatus(c, data)
	case EventCallRequest, EventSignal, EventCallAccept, EventCallReject, EventCallEnd:
		h.relaySignal(c, ev, data)
	default:
		h.fail(c, CodeUnknownEvent, "unknown event "+typ)
	}
}

func (h *Hub) joinTicket(c *Client, data json.RawMessage) {
	ticketID, err := stringOrField(data, "ticketId")
	if err != nil || ticketID == "" {
		h.fail(c, CodeInvalidPayload, "join_ticket requires a ticket id")
		return
	}
	added := h.rooms.Join(c.ID, ticketID)
	log.Info().Str("user_id", c.User.ID).Str("conn_id", c.ID).Str("ticket_id", ticketID).Bool("added", added).Msg("joined ticket room")
}

func (h *Hub) leaveTicket(c *Client, data json.RawMessage) {
	ticketID, err := stringOrField(data, "ticketId")
	if err != nil || ticketID == "" {
		h.fail(c, CodeInvalidPayload, "leave_ticket requires a ticket id")
		return
	}
	if h.rooms.Leave(c.ID, ticketID) {
		log.Info().Str("user_id", c.User.ID).Str("conn_id", c.ID).Str("ticket_id", ticketID).Msg("left ticket room")
	}
}

func (h *Hub) changeStatus(c *Client, data json.RawMessage) {
	status, err := stringOrField(data, "status")
	if err != nil || !store.ValidStatus(status) {
		h.fail(c, CodeInvalidPayload, "status must be one of online, away, busy, offline")
		return
	}
	userID := c.User.ID
	h.storeStatus(userID, status, func(err error) {
		if err != nil {
			h.fail(c, CodePersistenceFailure, "could not update status")
			return
		}
		h.presence.SetStatus(userID, status)
		h.broadcastAll(Event{Type: EventUserStatusChanged, Data: StatusPayload{UserID: userID, Status: status}})
	})
}

// storeStatus persists a status through the ordered write queue. done runs
// on the loop; without it failures are only logged.
func (h *Hub) storeStatus(userID, status string, done func(error)) {
	h.enqueueWrite(func(ctx context.Context) error {
		return h.opts.Users.SetStatus(ctx, userID, status)
	}, func(err error) {
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Str("status", status).Msg("persist status")
		}
		if done != nil {
			done(err)
		}
	})
}

func (h *Hub) deliverIngress(payload string) {
	metrics.IngressEvents.Inc()
	ev, err := events.Decode(payload)
	if err != nil || ev.Type == "" {
		log.Warn().Err(err).Msg("discarding malformed ingress event")
		return
	}
	out := Event{Type: ev.Type, Data: ev.Data}
	if ev.TicketID != "" {
		h.broadcastRoom(ev.TicketID, out)
		return
	}
	h.broadcastAll(out)
}
