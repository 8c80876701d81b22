package ws

import (
	"sort"
	"sync"

	"github.com/mark3748/helpdesk-realtime/internal/store"
)

// Registry maps users to their live connections and the status they chose
// for the current session. The hub loop is the only writer; REST handlers
// read it concurrently.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[string]struct{}
	conns  map[string]string
	status map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]map[string]struct{}),
		conns:  make(map[string]string),
		status: make(map[string]string),
	}
}

// Register records connID for userID and reports whether it is the user's
// first live connection. Registering a known connection is a no-op.
func (r *Registry) Register(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return false
	}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	r.conns[connID] = userID
	if !ok {
		r.status[userID] = store.StatusOnline
	}
	return !ok
}

// Unregister removes connID. last is true when it was the owner's final
// connection, in which case the user is no longer online.
func (r *Registry) Unregister(connID string) (userID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)
	set := r.users[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
		delete(r.status, userID)
		return userID, true
	}
	return userID, false
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// SetStatus records the session status of an online user. It reports false
// when the user has no live connection.
func (r *Registry) SetStatus(userID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[userID]; !ok {
		return false
	}
	r.status[userID] = status
	return true
}

// Status returns the session status of an online user.
func (r *Registry) Status(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[userID]
	return st, ok
}

// Connections lists the user's connection ids in a stable order.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Online lists the ids of all online users, sorted.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
