package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookline/agent/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

type clientRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name"`
	NameKey   string    `gorm:"column:name_key;index"`
	Phone     string    `gorm:"column:phone"`
	PhoneKey  string    `gorm:"column:phone_key;index"`
	Email     string    `gorm:"column:email"`
	Address   string    `gorm:"column:address"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz"`
}

func (clientRow) TableName() string { return "clients" }

func (r clientRow) model() storage.Client {
	return storage.Client{ID: r.ID, Name: r.Name, Phone: r.Phone, Email: r.Email, Address: r.Address, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

type bookingRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	ClientID  string    `gorm:"column:client_id;index"`
	EventID   string    `gorm:"column:event_id"`
	CallID    string    `gorm:"column:call_id"`
	StartAt   time.Time `gorm:"column:start_at;type:timestamptz"`
	EndAt     time.Time `gorm:"column:end_at;type:timestamptz"`
	Service   string    `gorm:"column:service"`
	Urgency   string    `gorm:"column:urgency"`
	Name      string    `gorm:"column:name"`
	Phone     string    `gorm:"column:phone"`
	Email     string    `gorm:"column:email"`
	Address   string    `gorm:"column:address"`
	Notes     string    `gorm:"column:notes"`
	Status    string    `gorm:"column:status"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz"`
}

func (bookingRow) TableName() string { return "bookings" }

func toBookingRow(b storage.Booking) bookingRow {
	return bookingRow{
		ID: b.ID, ClientID: b.ClientID, EventID: b.EventID, CallID: b.CallID,
		StartAt: b.Start.UTC(), EndAt: b.End.UTC(), Service: b.Service, Urgency: b.Urgency,
		Name: b.Name, Phone: b.Phone, Email: b.Email, Address: b.Address, Notes: b.Notes,
		Status: string(b.Status), CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt,
	}
}

func (r bookingRow) model() storage.Booking {
	return storage.Booking{
		ID: r.ID, ClientID: r.ClientID, EventID: r.EventID, CallID: r.CallID,
		Start: r.StartAt, End: r.EndAt, Service: r.Service, Urgency: r.Urgency,
		Name: r.Name, Phone: r.Phone, Email: r.Email, Address: r.Address, Notes: r.Notes,
		Status: storage.BookingStatus(r.Status), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type summaryRow struct {
	CallID    string         `gorm:"column:call_id;primaryKey"`
	Caller    string         `gorm:"column:caller"`
	StartedAt time.Time      `gorm:"column:started_at;type:timestamptz"`
	EndedAt   time.Time      `gorm:"column:ended_at;type:timestamptz"`
	EndReason string         `gorm:"column:end_reason"`
	Intent    string         `gorm:"column:intent"`
	Outcome   string         `gorm:"column:outcome"`
	BookingID string         `gorm:"column:booking_id"`
	Slots     datatypes.JSON `gorm:"column:slots;type:jsonb"`
	Turns     datatypes.JSON `gorm:"column:turns;type:jsonb"`
}

func (summaryRow) TableName() string { return "call_summaries" }

// Store is a Postgres storage.Store built on gorm.
type Store struct {
	db *gorm.DB
}

// Open connects, tunes the pool and applies migrations.
func Open(ctx context.Context, uri string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := Migrate(sqlDB); err != nil {
		return nil, err
	}
	return New(db), nil
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) FindClientsByName(ctx context.Context, name string) ([]storage.Client, error) {
	var rows []clientRow
	err := s.db.WithContext(ctx).
		Where("name_key = ?", storage.NormalizeName(name)).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]storage.Client, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) FindClientByContact(ctx context.Context, phone, email string) (storage.Client, error) {
	p, e := storage.NormalizePhone(phone), storage.NormalizeEmail(email)
	if p == "" && e == "" {
		return storage.Client{}, storage.ErrNotFound
	}
	var row clientRow
	err := s.db.WithContext(ctx).
		Where("(? <> '' AND phone_key = ?) OR (? <> '' AND lower(email) = ?)", p, p, e, e).
		Order("updated_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Client{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Client{}, err
	}
	return row.model(), nil
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
	row := clientRow{
		ID: c.ID, Name: c.Name, NameKey: storage.NormalizeName(c.Name),
		Phone: c.Phone, PhoneKey: storage.NormalizePhone(c.Phone),
		Email: c.Email, Address: c.Address, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "name_key", "phone", "phone_key", "email", "address", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return storage.Client{}, err
	}
	return c, nil
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
	row := toBookingRow(b)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storage.Booking{}, err
	}
	return b, nil
}

func (s *Store) UpdateBooking(ctx context.Context, b storage.Booking) error {
	row := toBookingRow(b)
	res := s.db.WithContext(ctx).Model(&bookingRow{}).Where("id = ?", b.ID).Updates(map[string]any{
		"client_id": row.ClientID, "event_id": row.EventID, "start_at": row.StartAt, "end_at": row.EndAt,
		"service": row.Service, "urgency": row.Urgency, "name": row.Name, "phone": row.Phone,
		"email": row.Email, "address": row.Address, "notes": row.Notes, "status": row.Status,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (storage.Booking, error) {
	var row bookingRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Booking{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Booking{}, err
	}
	return row.model(), nil
}

func (s *Store) FindBookings(ctx context.Context, q storage.BookingQuery) ([]storage.Booking, error) {
	tx := s.db.WithContext(ctx).Model(&bookingRow{})
	if q.ClientID != "" {
		tx = tx.Where("client_id = ?", q.ClientID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", string(q.Status))
	}
	if !q.From.IsZero() {
		tx = tx.Where("start_at >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		tx = tx.Where("start_at < ?", q.To.UTC())
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []bookingRow
	if err := tx.Order("start_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]storage.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
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
	row := summaryRow{
		CallID: sum.CallID, Caller: sum.Caller, StartedAt: sum.StartedAt.UTC(), EndedAt: sum.EndedAt.UTC(),
		EndReason: sum.EndReason, Intent: sum.Intent, Outcome: sum.Outcome, BookingID: sum.BookingID,
		Slots: datatypes.JSON(slots), Turns: datatypes.JSON(turns),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}
