// Package storagetest holds behaviour checks shared by every storage.Store.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"bookline/agent/internal/storage"
)

// Run exercises st. It expects an empty store.
func Run(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	ann, err := st.UpsertClient(ctx, storage.Client{Name: "Ann Lee", Phone: "+1 (555) 010-2000", Email: "Ann@Example.com", Address: "12 Oak Lane"})
	if err != nil || ann.ID == "" {
		t.Fatalf("upsert: %+v err=%v", ann, err)
	}
	if _, err := st.UpsertClient(ctx, storage.Client{Name: "ann  lee", Phone: "555-999-0000"}); err != nil {
		t.Fatalf("upsert second ann: %v", err)
	}
	same, err := st.FindClientsByName(ctx, "ANN LEE")
	if err != nil || len(same) != 2 {
		t.Fatalf("expected two clients named ann lee, got %d err=%v", len(same), err)
	}

	byPhone, err := st.FindClientByContact(ctx, "5550102000", "")
	if err != nil || byPhone.ID != ann.ID {
		t.Fatalf("lookup by phone: %+v err=%v", byPhone, err)
	}
	byEmail, err := st.FindClientByContact(ctx, "", "ann@example.com")
	if err != nil || byEmail.ID != ann.ID {
		t.Fatalf("lookup by email: %+v err=%v", byEmail, err)
	}
	if _, err := st.FindClientByContact(ctx, "5551112222", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ann.Address = "99 Elm St"
	if _, err := st.UpsertClient(ctx, ann); err != nil {
		t.Fatalf("update client: %v", err)
	}
	again, _ := st.FindClientByContact(ctx, "5550102000", "")
	if again.Address != "99 Elm St" {
		t.Fatalf("expected updated address, got %q", again.Address)
	}

	start := time.Date(2026, time.October, 19, 13, 0, 0, 0, time.UTC)
	older, err := st.CreateBooking(ctx, storage.Booking{ClientID: ann.ID, EventID: "ev0", Start: start.AddDate(0, 0, -30), End: start.AddDate(0, 0, -30).Add(time.Hour), Service: "leak repair", Urgency: "scheduled", Name: ann.Name, Address: "12 Oak Lane", Status: storage.StatusCompleted})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	b, err := st.CreateBooking(ctx, storage.Booking{ClientID: ann.ID, EventID: "ev1", Start: start, End: start.Add(time.Hour), Service: "drain cleaning", Urgency: "scheduled", Name: ann.Name, Address: "99 Elm St"})
	if err != nil || b.ID == "" || b.Status != storage.StatusScheduled {
		t.Fatalf("create: %+v err=%v", b, err)
	}

	got, err := st.GetBooking(ctx, b.ID)
	if err != nil || !got.Start.Equal(start) || got.Service != "drain cleaning" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if _, err := st.GetBooking(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := st.FindBookings(ctx, storage.BookingQuery{ClientID: ann.ID})
	if err != nil || len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("expected newest first, got %+v err=%v", all, err)
	}
	open, _ := st.FindBookings(ctx, storage.BookingQuery{ClientID: ann.ID, Status: storage.StatusScheduled})
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("expected one scheduled booking, got %+v", open)
	}
	ranged, _ := st.FindBookings(ctx, storage.BookingQuery{From: start.AddDate(0, 0, -31), To: start})
	if len(ranged) != 1 || ranged[0].ID != older.ID {
		t.Fatalf("expected range to hold only the older booking, got %+v", ranged)
	}

	got.Status = storage.StatusCancelled
	if err := st.UpdateBooking(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	if after, _ := st.GetBooking(ctx, b.ID); after.Status != storage.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", after.Status)
	}
	if err := st.UpdateBooking(ctx, storage.Booking{ID: "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing booking, got %v", err)
	}

	sum := storage.CallSummary{
		CallID: "call-1", Caller: "+15550102000", StartedAt: start, EndedAt: start.Add(3 * time.Minute),
		EndReason: "hangup", Intent: "book", Outcome: "committed", BookingID: b.ID,
		Slots: map[string]string{"name": "Ann Lee"},
		Turns: []storage.Turn{{Speaker: storage.SpeakerSystem, Text: "hi", At: start}, {Speaker: storage.SpeakerCaller, Text: "book me", At: start.Add(time.Second), LatencyMS: 420}},
	}
	if err := st.SaveSummary(ctx, sum); err != nil {
		t.Fatalf("save summary: %v", err)
	}
}
