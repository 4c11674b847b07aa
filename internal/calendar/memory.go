package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process calendar. Writes are serialized so overlapping
// creates resolve to exactly one winner.
type Memory struct {
	mu     sync.Mutex
	events map[string]Event
}

func NewMemory(seed ...Event) *Memory {
	m := &Memory{events: make(map[string]Event)}
	for _, e := range seed {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		m.events[e.ID] = e
	}
	return m
}

func (m *Memory) ListEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	window := Slot{Start: start, End: end}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Slot.Overlaps(window) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.Start.Before(out[j].Slot.Start) })
	return out, nil
}

func (m *Memory) CreateEvent(ctx context.Context, slot Slot, meta Meta) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictLocked("", slot) {
		return Event{}, ErrSlotTaken
	}
	e := Event{ID: uuid.NewString(), Slot: slot, Meta: meta}
	m.events[e.ID] = e
	return e, nil
}

func (m *Memory) UpdateEvent(ctx context.Context, id string, slot Slot) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	if m.conflictLocked(id, slot) {
		return Event{}, ErrSlotTaken
	}
	e.Slot = slot
	m.events[id] = e
	return e, nil
}

func (m *Memory) DeleteEvent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrNotFound
	}
	delete(m.events, id)
	return nil
}

// Len reports how many events are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *Memory) conflictLocked(skip string, slot Slot) bool {
	for id, e := range m.events {
		if id != skip && e.Slot.Overlaps(slot) {
			return true
		}
	}
	return false
}
