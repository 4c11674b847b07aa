package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bookline/agent/internal/storage"
)

const collection = "call_summaries"

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("mongostore: empty uri")
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	opts := options.Client().ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetMaxPoolSize(10).
		SetMinPoolSize(1)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// Summaries archives call summaries as documents, one per call.
type Summaries struct {
	col *mongo.Collection
}

func NewSummaries(db *mongo.Database) *Summaries {
	return &Summaries{col: db.Collection(collection)}
}

// EnsureIndexes creates the lookup indexes used by operators.
func (s *Summaries) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "call_id", Value: 1}},
			Options: options.Index().SetName("uniq_call_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "caller", Value: 1}, {Key: "started_at", Value: -1}},
			Options: options.Index().SetName("by_caller_started"),
		},
		{
			Keys:    bson.D{{Key: "booking_id", Value: 1}},
			Options: options.Index().SetName("by_booking").SetSparse(true),
		},
	})
	return err
}

// SaveSummary upserts by call id so a retried flush does not duplicate.
func (s *Summaries) SaveSummary(ctx context.Context, sum storage.CallSummary) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"call_id": sum.CallID},
		bson.M{"$set": sum},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Summaries) Get(ctx context.Context, callID string) (storage.CallSummary, error) {
	var sum storage.CallSummary
	err := s.col.FindOne(ctx, bson.M{"call_id": callID}).Decode(&sum)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.CallSummary{}, storage.ErrNotFound
	}
	return sum, err
}

func (s *Summaries) Ping(ctx context.Context) error {
	return s.col.Database().Client().Ping(ctx, nil)
}
