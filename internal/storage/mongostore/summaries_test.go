package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"bookline/agent/internal/storage"
)

// Runs only when MONGO_TEST_URI points at a disposable server.
func TestSummariesUpsert(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := Connect(ctx, uri)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	db := client.Database("bookline_test_" + uuid.NewString()[:8])
	defer func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}()

	s := NewSummaries(db)
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	sum := storage.CallSummary{CallID: "c1", Caller: "+15550100", EndReason: "hangup"}
	if err := s.SaveSummary(ctx, sum); err != nil {
		t.Fatalf("save: %v", err)
	}
	sum.EndReason = "completed"
	if err := s.SaveSummary(ctx, sum); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := s.Get(ctx, "c1")
	if err != nil || got.EndReason != "completed" {
		t.Fatalf("expected upserted summary, got %+v err=%v", got, err)
	}
}

func TestConnectRejectsEmptyURI(t *testing.T) {
	if _, err := Connect(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty uri")
	}
}
