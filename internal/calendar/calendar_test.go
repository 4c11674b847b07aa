package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var base = time.Date(2026, time.October, 19, 13, 0, 0, 0, time.UTC)

func TestMemoryRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.CreateEvent(ctx, NewSlot(base, time.Hour), Meta{Title: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateEvent(ctx, NewSlot(base.Add(30*time.Minute), time.Hour), Meta{}); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	// touching intervals do not overlap
	if _, err := m.CreateEvent(ctx, NewSlot(base.Add(time.Hour), time.Hour), Meta{}); err != nil {
		t.Fatalf("adjacent create: %v", err)
	}
	evs, _ := m.ListEvents(ctx, base, base.Add(3*time.Hour))
	if len(evs) != 2 || !evs[0].Slot.Start.Equal(base) {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, _ := m.CreateEvent(ctx, NewSlot(base, time.Hour), Meta{})
	b, _ := m.CreateEvent(ctx, NewSlot(base.Add(2*time.Hour), time.Hour), Meta{})
	if _, err := m.UpdateEvent(ctx, a.ID, b.Slot); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected conflict moving onto b, got %v", err)
	}
	// moving within its own slot is fine
	if _, err := m.UpdateEvent(ctx, a.ID, NewSlot(base.Add(15*time.Minute), time.Hour)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.DeleteEvent(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteEvent(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryConcurrentCreatesOneWinner(t *testing.T) {
	m := NewMemory()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreateEvent(context.Background(), NewSlot(base, time.Hour), Meta{}); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || m.Len() != 1 {
		t.Fatalf("expected exactly one winner, got %d (events=%d)", wins, m.Len())
	}
}

// naive never rejects overlaps and yields between its check and its write.
type naive struct {
	mu     sync.Mutex
	events []Event
	n      int
}

func (c *naive) ListEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := Slot{Start: start, End: end}
	var out []Event
	for _, e := range c.events {
		if e.Slot.Overlaps(w) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *naive) CreateEvent(ctx context.Context, slot Slot, meta Meta) (Event, error) {
	time.Sleep(2 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	e := Event{ID: string(rune('a' + c.n)), Slot: slot, Meta: meta}
	c.events = append(c.events, e)
	return e, nil
}

func (c *naive) UpdateEvent(ctx context.Context, id string, slot Slot) (Event, error) {
	return Event{}, ErrNotFound
}

func (c *naive) DeleteEvent(ctx context.Context, id string) error { return nil }

func TestLockedSerializesWeakCalendar(t *testing.T) {
	inner := &naive{}
	c := NewLocked(inner, NewLocalLocker())
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.CreateEvent(context.Background(), NewSlot(base, time.Hour), Meta{}); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrSlotTaken) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || len(inner.events) != 1 {
		t.Fatalf("expected one write, got wins=%d events=%d", wins, len(inner.events))
	}
}

func TestLocalLockerHonorsContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k", time.Second); err == nil {
		t.Fatalf("second lock should time out")
	}
	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
	if n := l.Len(); n != 0 {
		t.Fatalf("released keys kept: %d", n)
	}
}

func TestLocalLockerForgetsDays(t *testing.T) {
	l := NewLocalLocker()
	for d := 0; d < 30; d++ {
		unlock, err := l.Lock(context.Background(), base.AddDate(0, 0, d).Format("2006-01-02"), time.Second)
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
		unlock()
	}
	hold, _ := l.Lock(context.Background(), "busy", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "busy", time.Second); err == nil {
		t.Fatalf("second lock should time out")
	}
	if n := l.Len(); n != 1 {
		t.Fatalf("expected only the held key, got %d", n)
	}
	hold()
	if n := l.Len(); n != 0 {
		t.Fatalf("expected no keys, got %d", n)
	}
}

func TestDayKeys(t *testing.T) {
	late := time.Date(2026, time.October, 19, 23, 30, 0, 0, time.UTC)
	cases := map[string]struct {
		slot Slot
		want []string
	}{
		"same day":         {NewSlot(base, time.Hour), []string{"2026-10-19"}},
		"ends at midnight": {NewSlot(time.Date(2026, time.October, 19, 23, 0, 0, 0, time.UTC), time.Hour), []string{"2026-10-19"}},
		"crosses midnight": {NewSlot(late, time.Hour), []string{"2026-10-19", "2026-10-20"}},
	}
	for name, c := range cases {
		got := dayKeys(c.slot)
		if len(got) != len(c.want) {
			t.Fatalf("%s: got %v want %v", name, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%s: got %v want %v", name, got, c.want)
			}
		}
	}
}

func TestLockedSerializesAcrossUTCMidnight(t *testing.T) {
	// 7 PM and 8 PM in New York, on either side of midnight UTC
	ny := time.FixedZone("EDT", -4*3600)
	a := NewSlot(time.Date(2026, time.October, 19, 19, 30, 0, 0, ny), time.Hour)
	b := NewSlot(time.Date(2026, time.October, 19, 20, 0, 0, 0, ny), time.Hour)
	if !a.Overlaps(b) {
		t.Fatalf("slots should overlap")
	}
	inner := &naive{}
	c := NewLocked(inner, NewLocalLocker())
	var wins int32
	var wg sync.WaitGroup
	for _, s := range []Slot{a, b} {
		wg.Add(1)
		go func(s Slot) {
			defer wg.Done()
			if _, err := c.CreateEvent(context.Background(), s, Meta{}); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrSlotTaken) {
				t.Errorf("unexpected error %v", err)
			}
		}(s)
	}
	wg.Wait()
	if wins != 1 || len(inner.events) != 1 {
		t.Fatalf("expected one write, got wins=%d events=%d", wins, len(inner.events))
	}
}

func TestHTTPClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("start") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"events": []Event{{ID: "e1", Slot: NewSlot(base, time.Hour)}}})
		case http.MethodPost:
			var in struct {
				Slot Slot `json:"slot"`
			}
			_ = json.NewDecoder(r.Body).Decode(&in)
			if in.Slot.Start.Equal(base) {
				w.WriteHeader(http.StatusConflict)
				return
			}
			_ = json.NewEncoder(w).Encode(Event{ID: "e2", Slot: in.Slot})
		}
	})
	mux.HandleFunc("/events/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/events/e1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewHTTP(srv.URL+"/", "k", time.Second)
	evs, err := c.ListEvents(ctx, base, base.Add(time.Hour))
	if err != nil || len(evs) != 1 || evs[0].ID != "e1" {
		t.Fatalf("list: %+v err=%v", evs, err)
	}
	if _, err := c.CreateEvent(ctx, NewSlot(base, time.Hour), Meta{}); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	e, err := c.CreateEvent(ctx, NewSlot(base.Add(time.Hour), time.Hour), Meta{Title: "x"})
	if err != nil || e.ID != "e2" {
		t.Fatalf("create: %+v err=%v", e, err)
	}
	if err := c.DeleteEvent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.DeleteEvent(ctx, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
