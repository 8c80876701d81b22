package ws

import (
	"sort"
	"sync"
)

// Rooms tracks ticket room membership. Each connection also keeps its own
// room set so disconnect cleanup does not scan every room.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // ticket -> connections
	joined  map[string]map[string]struct{} // connection -> tickets
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join adds connID to the ticket room. It reports false when the connection
// was already a member.
func (r *Rooms) Join(connID, ticketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[ticketID]
	if !ok {
		m = make(map[string]struct{})
		r.members[ticketID] = m
	}
	if _, ok := m[connID]; ok {
		return false
	}
	m[connID] = struct{}{}
	j, ok := r.joined[connID]
	if !ok {
		j = make(map[string]struct{})
		r.joined[connID] = j
	}
	j[ticketID] = struct{}{}
	return true
}

func (r *Rooms) Leave(connID, ticketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leave(connID, ticketID)
}

func (r *Rooms) leave(connID, ticketID string) bool {
	m, ok := r.members[ticketID]
	if !ok {
		return false
	}
	if _, ok := m[connID]; !ok {
		return false
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(r.members, ticketID)
	}
	if j := r.joined[connID]; j != nil {
		delete(j, ticketID)
		if len(j) == 0 {
			delete(r.joined, connID)
		}
	}
	return true
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Rooms) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for t := range r.joined[connID] {
		left = append(left, t)
	}
	for _, t := range left {
		r.leave(connID, t)
	}
	sort.Strings(left)
	return left
}

// Members lists the connections in a room, sorted.
func (r *Rooms) Members(ticketID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members[ticketID]))
	for id := range r.members[ticketID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Rooms) Size(ticketID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[ticketID])
}

// Joined lists the rooms a connection belongs to.
func (r *Rooms) Joined(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.joined[connID]))
	for t := range r.joined[connID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
