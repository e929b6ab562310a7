package chathub

import "sync"

// SubscriptionRegistry tracks which connections receive pushes for which rooms.
// The in-memory Registry is the single-process implementation.
type SubscriptionRegistry interface {
	Subscribe(connID, roomID string) bool
	Unsubscribe(connID, roomID string)
	UnsubscribeAll(connID string) []string
	Subscribers(roomID string) []string
	Rooms(connID string) []string
}

// Registry keeps both directions of the connection/room relation.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]map[string]struct{}
	byRoom map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]map[string]struct{}),
		byRoom: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the pair and reports whether it was new.
func (r *Registry) Subscribe(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.byConn[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.byConn[connID] = rooms
	}
	if _, exists := rooms[roomID]; exists {
		return false
	}
	rooms[roomID] = struct{}{}

	conns, ok := r.byRoom[roomID]
	if !ok {
		conns = make(map[string]struct{})
		r.byRoom[roomID] = conns
	}
	conns[connID] = struct{}{}
	return true
}

func (r *Registry) Unsubscribe(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(connID, roomID)
}

// UnsubscribeAll drops every subscription of connID and returns the rooms it left.
func (r *Registry) UnsubscribeAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.byConn[connID]))
	for roomID := range r.byConn[connID] {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		r.remove(connID, roomID)
	}
	delete(r.byConn, connID)
	return rooms
}

func (r *Registry) remove(connID, roomID string) {
	if rooms, ok := r.byConn[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.byConn, connID)
		}
	}
	if conns, ok := r.byRoom[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

func (r *Registry) Subscribers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]string, 0, len(r.byRoom[roomID]))
	for connID := range r.byRoom[roomID] {
		conns = append(conns, connID)
	}
	return conns
}

func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.byConn[connID]))
	for roomID := range r.byConn[connID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}
