package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSlotTaken is returned when a write overlaps an existing event.
	ErrSlotTaken = errors.New("calendar: slot taken")
	ErrNotFound  = errors.New("calendar: event not found")
)

// Slot is a half-open interval [Start, End).
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewSlot(start time.Time, d time.Duration) Slot { return Slot{Start: start, End: start.Add(d)} }

func (s Slot) Duration() time.Duration { return s.End.Sub(s.Start) }

func (s Slot) Overlaps(o Slot) bool { return s.Start.Before(o.End) && o.Start.Before(s.End) }

func (s Slot) Equal(o Slot) bool { return s.Start.Equal(o.Start) && s.End.Equal(o.End) }

// Meta is attached to created events so operators can see who booked what.
type Meta struct {
	Title     string            `json:"title"`
	BookingID string            `json:"booking_id,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type Event struct {
	ID   string `json:"id"`
	Slot Slot   `json:"slot"`
	Meta Meta   `json:"meta"`
}

// Calendar is the external scheduling collaborator. Implementations must
// let at most one of several overlapping writes succeed.
type Calendar interface {
	ListEvents(ctx context.Context, start, end time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, slot Slot, meta Meta) (Event, error)
	UpdateEvent(ctx context.Context, id string, slot Slot) (Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// Busy returns the slots of events within [start, end).
func Busy(ctx context.Context, c Calendar, start, end time.Time) ([]Slot, error) {
	evs, err := c.ListEvents(ctx, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]Slot, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Slot)
	}
	return out, nil
}
