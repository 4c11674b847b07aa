package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"bookline/agent/internal/errs"
)

type BookingStatus string

const (
	StatusScheduled BookingStatus = "scheduled"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
)

type Client struct {
	ID        string    `json:"id" bson:"id"`
	Name      string    `json:"name" bson:"name"`
	Phone     string    `json:"phone,omitempty" bson:"phone,omitempty"`
	Email     string    `json:"email,omitempty" bson:"email,omitempty"`
	Address   string    `json:"address,omitempty" bson:"address,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Booking is the durable record of a committed action.
type Booking struct {
	ID        string        `json:"id"`
	ClientID  string        `json:"client_id"`
	EventID   string        `json:"event_id"`
	CallID    string        `json:"call_id,omitempty"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Service   string        `json:"service"`
	Urgency   string        `json:"urgency"`
	Name      string        `json:"name"`
	Phone     string        `json:"phone,omitempty"`
	Email     string        `json:"email,omitempty"`
	Address   string        `json:"address"`
	Notes     string        `json:"notes,omitempty"`
	Status    BookingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type BookingQuery struct {
	ClientID string
	Status   BookingStatus
	From, To time.Time // on Start; zero means unbounded
	Limit    int
}

func (q BookingQuery) Match(b Booking) bool {
	if q.ClientID != "" && b.ClientID != q.ClientID {
		return false
	}
	if q.Status != "" && b.Status != q.Status {
		return false
	}
	if !q.From.IsZero() && b.Start.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !b.Start.Before(q.To) {
		return false
	}
	return true
}

const (
	SpeakerCaller = "caller"
	SpeakerSystem = "system"
)

// Turn is one transcript entry.
type Turn struct {
	Speaker     string    `json:"speaker" bson:"speaker"`
	Text        string    `json:"text" bson:"text"`
	At          time.Time `json:"at" bson:"at"`
	LatencyMS   int64     `json:"latency_ms" bson:"latency_ms"`
	Interrupted bool      `json:"interrupted,omitempty" bson:"interrupted,omitempty"`
	TTSProvider string    `json:"tts_provider,omitempty" bson:"tts_provider,omitempty"`
	FellBack    bool      `json:"fell_back,omitempty" bson:"fell_back,omitempty"`
}

// CallSummary is flushed once when a call ends.
type CallSummary struct {
	CallID    string            `json:"call_id" bson:"call_id"`
	Caller    string            `json:"caller" bson:"caller"`
	StartedAt time.Time         `json:"started_at" bson:"started_at"`
	EndedAt   time.Time         `json:"ended_at" bson:"ended_at"`
	EndReason string            `json:"end_reason" bson:"end_reason"`
	Intent    string            `json:"intent,omitempty" bson:"intent,omitempty"`
	Outcome   string            `json:"outcome,omitempty" bson:"outcome,omitempty"`
	BookingID string            `json:"booking_id,omitempty" bson:"booking_id,omitempty"`
	Slots     map[string]string `json:"slots,omitempty" bson:"slots,omitempty"`
	Turns     []Turn            `json:"turns" bson:"turns"`
}

type Clients interface {
	FindClientsByName(ctx context.Context, name string) ([]Client, error)
	FindClientByContact(ctx context.Context, phone, email string) (Client, error)
	UpsertClient(ctx context.Context, c Client) (Client, error)
}

type Bookings interface {
	CreateBooking(ctx context.Context, b Booking) (Booking, error)
	UpdateBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id string) (Booking, error)
	FindBookings(ctx context.Context, q BookingQuery) ([]Booking, error)
}

type Summaries interface {
	SaveSummary(ctx context.Context, s CallSummary) error
}

// Store is everything the engine persists.
type Store interface {
	Clients
	Bookings
	Summaries
	Ping(ctx context.Context) error
}

var ErrNotFound = errs.ErrNotFound

// NormalizeName folds case and whitespace for name lookups.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizePhone keeps digits and drops a leading US country code.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	return d
}

func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// fanout saves summaries to extra sinks after the primary store.
type fanout struct {
	Store
	sinks []Summaries
}

// WithSummarySinks returns st with SaveSummary also written to sinks.
// Every sink is attempted; errors are joined.
func WithSummarySinks(st Store, sinks ...Summaries) Store {
	if len(sinks) == 0 {
		return st
	}
	return &fanout{Store: st, sinks: sinks}
}

func (f *fanout) SaveSummary(ctx context.Context, s CallSummary) error {
	var all []error
	if err := f.Store.SaveSummary(ctx, s); err != nil {
		all = append(all, err)
	}
	for _, sink := range f.sinks {
		if err := sink.SaveSummary(ctx, s); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}
