package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bookline/agent/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	name_key TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	phone_key TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clients_name ON clients(name_key);
CREATE INDEX IF NOT EXISTS idx_clients_phone ON clients(phone_key);

CREATE TABLE IF NOT EXISTS bookings (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	call_id TEXT NOT NULL DEFAULT '',
	start_at TEXT NOT NULL,
	end_at TEXT NOT NULL,
	service TEXT NOT NULL,
	urgency TEXT NOT NULL,
	name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bookings_client ON bookings(client_id, start_at);

CREATE TABLE IF NOT EXISTS call_summaries (
	call_id TEXT PRIMARY KEY,
	caller TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL,
	end_reason TEXT NOT NULL,
	intent TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	booking_id TEXT NOT NULL DEFAULT '',
	slots TEXT NOT NULL DEFAULT '{}',
	turns TEXT NOT NULL DEFAULT '[]'
);
`

// Store keeps clients, bookings and call summaries in one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" works
// for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// fixed width so text comparison orders like time
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(v string) time.Time {
	t, _ := time.Parse(tsLayout, v)
	return t
}

const clientCols = `id, name, phone, email, address, created_at, updated_at`

func scanClient(sc interface{ Scan(...any) error }) (storage.Client, error) {
	var c storage.Client
	var created, updated string
	if err := sc.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Address, &created, &updated); err != nil {
		return storage.Client{}, err
	}
	c.CreatedAt, c.UpdatedAt = parseTS(created), parseTS(updated)
	return c, nil
}

func (s *Store) FindClientsByName(ctx context.Context, name string) ([]storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientCols+` FROM clients WHERE name_key = ? ORDER BY updated_at DESC`, storage.NormalizeName(name))
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()
	var out []storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) FindClientByContact(ctx context.Context, phone, email string) (storage.Client, error) {
	p, e := storage.NormalizePhone(phone), storage.NormalizeEmail(email)
	if p == "" && e == "" {
		return storage.Client{}, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+clientCols+` FROM clients
		WHERE (? != '' AND phone_key = ?) OR (? != '' AND lower(email) = ?)
		ORDER BY updated_at DESC LIMIT 1`, p, p, e, e)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) UpsertClient(ctx context.Context, c storage.Client) (storage.Client, error) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, name_key, phone, phone_key, email, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, name_key = excluded.name_key,
			phone = excluded.phone, phone_key = excluded.phone_key,
			email = excluded.email, address = excluded.address,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, storage.NormalizeName(c.Name), c.Phone, storage.NormalizePhone(c.Phone),
		c.Email, c.Address, ts(c.CreatedAt), ts(c.UpdatedAt))
	if err != nil {
		return storage.Client{}, fmt.Errorf("upsert client: %w", err)
	}
	return c, nil
}

const bookingCols = `id, client_id, event_id, call_id, start_at, end_at, service, urgency, name, phone, email, address, notes, status, created_at, updated_at`

func scanBooking(sc interface{ Scan(...any) error }) (storage.Booking, error) {
	var b storage.Booking
	var start, end, created, updated, status string
	if err := sc.Scan(&b.ID, &b.ClientID, &b.EventID, &b.CallID, &start, &end, &b.Service, &b.Urgency,
		&b.Name, &b.Phone, &b.Email, &b.Address, &b.Notes, &status, &created, &updated); err != nil {
		return storage.Booking{}, err
	}
	b.Start, b.End = parseTS(start), parseTS(end)
	b.CreatedAt, b.UpdatedAt = parseTS(created), parseTS(updated)
	b.Status = storage.BookingStatus(status)
	return b, nil
}

func (s *Store) CreateBooking(ctx context.Context, b storage.Booking) (storage.Booking, error) {
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = storage.StatusScheduled
	}
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ClientID, b.EventID, b.CallID, ts(b.Start), ts(b.End), b.Service, b.Urgency,
		b.Name, b.Phone, b.Email, b.Address, b.Notes, string(b.Status), ts(b.CreatedAt), ts(b.UpdatedAt))
	if err != nil {
		return storage.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return b, nil
}

func (s *Store) UpdateBooking(ctx context.Context, b storage.Booking) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bookings SET
		client_id = ?, event_id = ?, start_at = ?, end_at = ?, service = ?, urgency = ?,
		name = ?, phone = ?, email = ?, address = ?, notes = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		b.ClientID, b.EventID, ts(b.Start), ts(b.End), b.Service, b.Urgency,
		b.Name, b.Phone, b.Email, b.Address, b.Notes, string(b.Status), ts(time.Now()), b.ID)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (storage.Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Booking{}, storage.ErrNotFound
	}
	return b, err
}

func (s *Store) FindBookings(ctx context.Context, q storage.BookingQuery) ([]storage.Booking, error) {
	var where []string
	var args []any
	if q.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, q.ClientID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.From.IsZero() {
		where = append(where, "start_at >= ?")
		args = append(args, ts(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "start_at < ?")
		args = append(args, ts(q.To))
	}
	query := `SELECT ` + bookingCols + ` FROM bookings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_at DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()
	var out []storage.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) SaveSummary(ctx context.Context, sum storage.CallSummary) error {
	slots, err := json.Marshal(sum.Slots)
	if err != nil {
		return err
	}
	turns, err := json.Marshal(sum.Turns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_summaries (call_id, caller, started_at, ended_at, end_reason, intent, outcome, booking_id, slots, turns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			ended_at = excluded.ended_at, end_reason = excluded.end_reason, intent = excluded.intent,
			outcome = excluded.outcome, booking_id = excluded.booking_id, slots = excluded.slots, turns = excluded.turns`,
		sum.CallID, sum.Caller, ts(sum.StartedAt), ts(sum.EndedAt), sum.EndReason, sum.Intent, sum.Outcome,
		sum.BookingID, string(slots), string(turns))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// Summary loads a saved call summary.
func (s *Store) Summary(ctx context.Context, callID string) (storage.CallSummary, error) {
	var sum storage.CallSummary
	var started, ended, slots, turns string
	err := s.db.QueryRowContext(ctx, `SELECT call_id, caller, started_at, ended_at, end_reason, intent, outcome, booking_id, slots, turns
		FROM call_summaries WHERE call_id = ?`, callID).
		Scan(&sum.CallID, &sum.Caller, &started, &ended, &sum.EndReason, &sum.Intent, &sum.Outcome, &sum.BookingID, &slots, &turns)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CallSummary{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.CallSummary{}, err
	}
	sum.StartedAt, sum.EndedAt = parseTS(started), parseTS(ended)
	if err := json.Unmarshal([]byte(slots), &sum.Slots); err != nil {
		return storage.CallSummary{}, err
	}
	if err := json.Unmarshal([]byte(turns), &sum.Turns); err != nil {
		return storage.CallSummary{}, err
	}
	return sum, nil
}
