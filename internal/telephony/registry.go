package telephony

import (
	"sort"
	"sync"

	"bookline/agent/internal/errs"
)

// Registry keeps at most one media connection per call.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]Conn)} }

// Replace sets the connection for a call and closes the previous one if present.
func (r *Registry) Replace(callID string, c Conn) (prevClosed bool) {
	r.mu.Lock()
	old, ok := r.conns[callID]
	r.conns[callID] = c
	r.mu.Unlock()
	if ok && old != nil && old != c {
		_ = old.Close()
		prevClosed = true
	}
	return
}

func (r *Registry) Get(callID string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[callID]
}

// Remove drops c if it is still the registered connection for callID.
func (r *Registry) Remove(callID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[callID]; ok && cur == c {
		delete(r.conns, callID)
	}
}

func (r *Registry) List() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Hangup closes the media connection of a call.
func (r *Registry) Hangup(callID string) error {
	c := r.Get(callID)
	if c == nil {
		return errs.E(errs.CodeNotFound, "telephony.Hangup", "no live media for call", errs.ErrNotFound)
	}
	return c.Close()
}

// HangupAll closes every live connection and returns how many were closed.
func (r *Registry) HangupAll() int {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
