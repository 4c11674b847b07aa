package sqlitestore

import (
	"context"
	"testing"

	"bookline/agent/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	storagetest.Run(t, st)

	sum, err := st.Summary(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum.Turns) != 2 || sum.Turns[1].LatencyMS != 420 || sum.Slots["name"] != "Ann Lee" {
		t.Fatalf("summary did not round-trip: %+v", sum)
	}
}

func TestOpenTwiceKeepsSchema(t *testing.T) {
	path := t.TempDir() + "/bookline.sqlite"
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	b.Close()
}
