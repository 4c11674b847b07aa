package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"bookline/agent/internal/types"
)

var (
	ErrCallExists  = errors.New("call already exists")
	ErrCallUnknown = errors.New("unknown call")
)

// MaxEvents caps the per-call event log.
const MaxEvents = 200

// Store is the in-process registry of calls handled by this instance and
// their recent events. It is an ops view, not the system of record.
type Store struct {
	mu     sync.RWMutex
	calls  map[string]*types.Call
	events map[string][]types.Event
	now    func() time.Time
}

func New() *Store {
	return &Store{
		calls:  make(map[string]*types.Call),
		events: make(map[string][]types.Event),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateCall registers a call. A call id seen before (a carrier redial of
// the same stream) is reset to live rather than rejected when it has ended.
func (s *Store) CreateCall(c types.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.calls[c.ID]; ok && old.Status != types.StatusEnded && old.Status != types.StatusRinging {
		return ErrCallExists
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = s.now()
	}
	if c.Status == "" {
		c.Status = types.StatusLive
	}
	if old, ok := s.calls[c.ID]; ok && old.Caller != "" && c.Caller == "" {
		c.Caller = old.Caller
	}
	s.calls[c.ID] = &c
	if _, ok := s.events[c.ID]; !ok {
		s.events[c.ID] = []types.Event{}
	}
	return nil
}

// GetCall returns a copy of the call record.
func (s *Store) GetCall(id string) (types.Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return types.Call{}, false
	}
	return *c, true
}

func (s *Store) update(id string, fn func(c *types.Call)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrCallUnknown
	}
	fn(c)
	return nil
}

func (s *Store) SetControllerState(id, state string) error {
	return s.update(id, func(c *types.Call) { c.ControllerState = state })
}

func (s *Store) SetDialogueState(id, state, intent string) error {
	return s.update(id, func(c *types.Call) {
		c.DialogueState = state
		if intent != "" {
			c.Intent = intent
		}
	})
}

// EndCall marks the call ended. Ending twice keeps the first outcome.
func (s *Store) EndCall(id, outcome, bookingID string) error {
	at := s.now()
	return s.update(id, func(c *types.Call) {
		if c.Status == types.StatusEnded {
			return
		}
		c.Status = types.StatusEnded
		c.EndedAt = &at
		c.Outcome = outcome
		c.BookingID = bookingID
	})
}

func (s *Store) AppendEvent(callID, typ string, payload map[string]any) types.Event {
	evt := types.Event{Type: typ, Ts: s.now(), Payload: payload}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[callID] = append(s.events[callID], evt)
	if l := len(s.events[callID]); l > MaxEvents {
		// one slot is kept for the truncation marker so the total stays at MaxEvents
		keep := MaxEvents - 1
		dropped := l - keep
		s.events[callID] = append([]types.Event(nil), s.events[callID][l-keep:]...)
		warn := types.Event{Type: "events_truncated", Ts: s.now(), Payload: map[string]any{"call_id": callID, "dropped": dropped, "kept": keep}}
		s.events[callID] = append(s.events[callID], warn)
	}
	return evt
}

func (s *Store) ListEvents(callID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[callID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

// ListCalls returns copies of every known call, newest first.
func (s *Store) ListCalls() []types.Call {
	s.mu.RLock()
	out := make([]types.Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, *c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (s *Store) ListCallIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.calls))
	for id := range s.calls {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Live counts calls that have not ended.
func (s *Store) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.calls {
		if c.Status != types.StatusEnded {
			n++
		}
	}
	return n
}

// PruneEnded forgets calls that ended before the cutoff.
func (s *Store) PruneEnded(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.calls {
		if c.EndedAt != nil && c.EndedAt.Before(before) {
			delete(s.calls, id)
			delete(s.events, id)
			n++
		}
	}
	return n
}
