package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store.
type Memory struct {
	mu        sync.RWMutex
	clients   map[string]Client
	bookings  map[string]Booking
	summaries map[string]CallSummary
}

func NewMemory() *Memory {
	return &Memory{
		clients:   make(map[string]Client),
		bookings:  make(map[string]Booking),
		summaries: make(map[string]CallSummary),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) FindClientsByName(ctx context.Context, name string) ([]Client, error) {
	n := NormalizeName(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Client
	for _, c := range m.clients {
		if NormalizeName(c.Name) == n {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) FindClientByContact(ctx context.Context, phone, email string) (Client, error) {
	p, e := NormalizePhone(phone), NormalizeEmail(email)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		if (p != "" && NormalizePhone(c.Phone) == p) || (e != "" && NormalizeEmail(c.Email) == e) {
			return c, nil
		}
	}
	return Client{}, ErrNotFound
}

func (m *Memory) UpsertClient(ctx context.Context, c Client) (Client, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if old, ok := m.clients[c.ID]; ok {
		c.CreatedAt = old.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.clients[c.ID] = c
	return c, nil
}

func (m *Memory) CreateBooking(ctx context.Context, b Booking) (Booking, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusScheduled
	}
	b.CreatedAt, b.UpdatedAt = now, now
	m.bookings[b.ID] = b
	return b, nil
}

func (m *Memory) UpdateBooking(ctx context.Context, b Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	b.CreatedAt = old.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	m.bookings[b.ID] = b
	return nil
}

func (m *Memory) GetBooking(ctx context.Context, id string) (Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return Booking{}, ErrNotFound
	}
	return b, nil
}

// FindBookings returns matches newest start first.
func (m *Memory) FindBookings(ctx context.Context, q BookingQuery) ([]Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Booking
	for _, b := range m.bookings {
		if q.Match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) SaveSummary(ctx context.Context, s CallSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.CallID] = s
	return nil
}

// Summary returns a saved call summary.
func (m *Memory) Summary(callID string) (CallSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[callID]
	return s, ok
}

// Counts reports stored bookings and summaries.
func (m *Memory) Counts() (bookings, summaries int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bookings), len(m.summaries)
}
