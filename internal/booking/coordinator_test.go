package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/calendar"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/storage"
)

// Wednesday
var now = time.Date(2026, time.October, 14, 9, 0, 0, 0, time.UTC)

func snapshot() bizconfig.Snapshot {
	s := bizconfig.Default()
	s.Timezone = "UTC"
	return s
}

func at(day, hour int) time.Time { return time.Date(2026, time.October, day, hour, 0, 0, 0, time.UTC) }

func when(t time.Time) datetime.Resolved {
	return datetime.Resolved{Date: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()), Hour: t.Hour(), Minute: t.Minute(), Kind: datetime.Complete}
}

func bookAt(t time.Time) Action {
	return Action{
		Kind: Book, CallID: "call-1",
		Name: "Ann Lee", Phone: "5550102000", Email: "ann@example.com", Address: "12 Oak Lane",
		Service: "drain cleaning", Urgency: "scheduled", When: when(t),
	}
}

func newCoordinator(cal calendar.Calendar, st storage.Store) *Coordinator {
	return New(cal, st, snapshot(), Options{
		Alternatives: 3,
		HorizonDays:  7,
		Policy:       Policy{RequireBothContacts: true},
		RetryBase:    time.Millisecond,
		Now:          func() time.Time { return now },
		Log:          logger.Component(logger.Discard(), "booking"),
	})
}

type flakyCalendar struct {
	*calendar.Memory
	mu          sync.Mutex
	failCreate  int
	failDelete  bool
	createCalls int
	deleteCalls int
}

var errDown = errors.New("calendar down")

func (f *flakyCalendar) CreateEvent(ctx context.Context, s calendar.Slot, m calendar.Meta) (calendar.Event, error) {
	f.mu.Lock()
	f.createCalls++
	fail := f.failCreate != 0
	if f.failCreate > 0 {
		f.failCreate--
	}
	f.mu.Unlock()
	if fail {
		return calendar.Event{}, errDown
	}
	return f.Memory.CreateEvent(ctx, s, m)
}

func (f *flakyCalendar) DeleteEvent(ctx context.Context, id string) error {
	f.mu.Lock()
	f.deleteCalls++
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return errDown
	}
	return f.Memory.DeleteEvent(ctx, id)
}

type failingStore struct {
	*storage.Memory
	failCreate bool
	failUpdate bool
}

func (s *failingStore) CreateBooking(ctx context.Context, b storage.Booking) (storage.Booking, error) {
	if s.failCreate {
		return storage.Booking{}, errors.New("db down")
	}
	return s.Memory.CreateBooking(ctx, b)
}

func (s *failingStore) UpdateBooking(ctx context.Context, b storage.Booking) error {
	if s.failUpdate {
		return errors.New("db down")
	}
	return s.Memory.UpdateBooking(ctx, b)
}

func TestMissingMandatorySlotWritesNothing(t *testing.T) {
	blankers := map[string]func(*Action){
		"name":     func(a *Action) { a.Name = "" },
		"phone":    func(a *Action) { a.Phone = "" },
		"email":    func(a *Action) { a.Email = " " },
		"address":  func(a *Action) { a.Address = "" },
		"service":  func(a *Action) { a.Service = "" },
		"urgency":  func(a *Action) { a.Urgency = "" },
		"datetime": func(a *Action) { a.When.Kind = datetime.DateOnly },
	}
	for slot, blank := range blankers {
		cal := calendar.NewMemory()
		st := storage.NewMemory()
		c := newCoordinator(cal, st)
		a := bookAt(at(19, 10))
		blank(&a)
		_, err := c.Commit(context.Background(), a)
		if !errs.IsCode(err, errs.CodeMissingMandatorySlot) {
			t.Fatalf("%s: expected MISSING_MANDATORY_SLOT, got %v", slot, err)
		}
		bookings, _ := st.Counts()
		if cal.Len() != 0 || bookings != 0 {
			t.Fatalf("%s: expected no writes, calendar=%d bookings=%d", slot, cal.Len(), bookings)
		}
		if clients, _ := st.FindClientsByName(context.Background(), "Ann Lee"); len(clients) != 0 {
			t.Fatalf("%s: client record written", slot)
		}
	}
}

func TestOneContactEnoughWhenPolicyAllows(t *testing.T) {
	a := bookAt(at(19, 10))
	a.Email = ""
	if m := MissingSlots(a, Policy{}); len(m) != 0 {
		t.Fatalf("expected phone alone to be enough, missing %v", m)
	}
	a.Phone = ""
	if m := MissingSlots(a, Policy{}); len(m) != 1 || m[0] != SlotContact {
		t.Fatalf("expected contact missing, got %v", m)
	}
}

func TestConcurrentBookingsOneWinner(t *testing.T) {
	cal := calendar.NewMemory()
	st := storage.NewMemory()
	c := newCoordinator(cal, st)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	failures := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := bookAt(at(19, 10))
			a.CallID = []string{"call-a", "call-b"}[i]
			results[i], failures[i] = c.Commit(context.Background(), a)
		}(i)
	}
	wg.Wait()

	committed, conflicts := 0, 0
	for i, r := range results {
		if failures[i] != nil {
			t.Fatalf("commit %d: %v", i, failures[i])
		}
		switch r.Outcome {
		case Committed:
			committed++
		case Conflict:
			conflicts++
			if r.Code() != errs.CodeCalendarConflict {
				t.Fatalf("conflict should map to CALENDAR_CONFLICT")
			}
			if len(r.Alternatives) == 0 {
				t.Fatalf("conflict must carry alternatives")
			}
			for _, alt := range r.Alternatives {
				if alt.Start.Equal(at(19, 10)) {
					t.Fatalf("the taken slot was offered as an alternative")
				}
			}
		}
	}
	if committed != 1 || conflicts != 1 {
		t.Fatalf("expected one commit and one conflict, got %d/%d", committed, conflicts)
	}
	if n, _ := st.Counts(); n != 1 || cal.Len() != 1 {
		t.Fatalf("expected single booking and event, got %d/%d", n, cal.Len())
	}
}

func TestConflictCountedByCode(t *testing.T) {
	cal := calendar.NewMemory(calendar.Event{Slot: calendar.NewSlot(at(19, 10), time.Hour)})
	c := newCoordinator(cal, storage.NewMemory())
	conflicts := metricCommits.WithLabelValues(string(Book), string(errs.CodeCalendarConflict))
	before := testutil.ToFloat64(conflicts)
	if _, err := c.Commit(context.Background(), bookAt(at(19, 10))); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(conflicts) - before; got != 1 {
		t.Fatalf("conflict commits = %v, want 1", got)
	}
}

func TestAlternativesNearestFirst(t *testing.T) {
	cal := calendar.NewMemory(calendar.Event{Slot: calendar.NewSlot(at(19, 10), time.Hour)})
	c := newCoordinator(cal, storage.NewMemory())
	res, err := c.Commit(context.Background(), bookAt(at(19, 10)))
	if err != nil || res.Outcome != Conflict {
		t.Fatalf("expected conflict, got %+v err=%v", res, err)
	}
	want := []time.Time{at(19, 9), at(19, 11), at(19, 8)}
	if len(res.Alternatives) != len(want) {
		t.Fatalf("expected %d alternatives, got %v", len(want), res.Alternatives)
	}
	for i, w := range want {
		if !res.Alternatives[i].Start.Equal(w) {
			t.Fatalf("alternative %d: got %s want %s", i, res.Alternatives[i].Start, w)
		}
	}
}

func TestNextWeekAvailabilityCoversEveryOpenDay(t *testing.T) {
	cal := calendar.NewMemory(calendar.Event{Slot: calendar.NewSlot(at(19, 10), time.Hour)})
	c := newCoordinator(cal, storage.NewMemory())
	week := datetime.Range{Start: at(19, 0), End: at(25, 0)}

	slots, err := c.CheckAvailability(context.Background(), week, time.Hour)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	perDay := map[time.Weekday]int{}
	for _, s := range slots {
		perDay[s.Start.Weekday()]++
	}
	for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday} {
		if perDay[wd] == 0 {
			t.Fatalf("no slots on %s: %v", wd, perDay)
		}
	}
	if perDay[time.Sunday] != 0 {
		t.Fatalf("closed sunday returned slots")
	}
	// 9 hourly starts on each weekday, 4 on saturday, minus the busy monday hour
	if len(slots) != 9*5+4-1 {
		t.Fatalf("expected 48 slots, got %d", len(slots))
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i-1].Start.Before(slots[i].Start) {
			t.Fatalf("slots not in order at %d", i)
		}
	}
}

func TestOutsideHoursRejectedWithAlternatives(t *testing.T) {
	c := newCoordinator(calendar.NewMemory(), storage.NewMemory())
	res, err := c.Commit(context.Background(), bookAt(at(18, 10))) // sunday
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Outcome != Rejected || res.Reason != ReasonClosed {
		t.Fatalf("expected closed rejection, got %+v", res)
	}
	if len(res.Alternatives) == 0 || res.Alternatives[0].Start.Weekday() != time.Monday {
		t.Fatalf("expected monday alternatives, got %v", res.Alternatives)
	}

	res, _ = c.Commit(context.Background(), bookAt(now.Add(30*time.Minute)))
	if res.Outcome != Rejected || res.Reason != ReasonTooSoon {
		t.Fatalf("expected too-soon rejection, got %+v", res)
	}
}

func TestStorageFailureRollsBackCalendar(t *testing.T) {
	cal := &flakyCalendar{Memory: calendar.NewMemory()}
	st := &failingStore{Memory: storage.NewMemory(), failCreate: true}
	c := newCoordinator(cal, st)
	_, err := c.Commit(context.Background(), bookAt(at(19, 10)))
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if cal.Len() != 0 {
		t.Fatalf("calendar event left behind after failed commit")
	}
}

func TestCalendarRetriedOnceThenUnavailable(t *testing.T) {
	cal := &flakyCalendar{Memory: calendar.NewMemory(), failCreate: 1}
	c := newCoordinator(cal, storage.NewMemory())
	res, err := c.Commit(context.Background(), bookAt(at(19, 10)))
	if err != nil || res.Outcome != Committed {
		t.Fatalf("expected retry to succeed, got %+v err=%v", res, err)
	}
	if cal.createCalls != 2 {
		t.Fatalf("expected 2 create calls, got %d", cal.createCalls)
	}

	down := &flakyCalendar{Memory: calendar.NewMemory(), failCreate: -1}
	c = newCoordinator(down, storage.NewMemory())
	_, err = c.Commit(context.Background(), bookAt(at(19, 11)))
	if !errs.IsCode(err, errs.CodeCalendarUnavailable) {
		t.Fatalf("expected CALENDAR_UNAVAILABLE, got %v", err)
	}
	if down.createCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", down.createCalls)
	}
}

func TestRescheduleConflictKeepsOldSlot(t *testing.T) {
	cal := calendar.NewMemory(calendar.Event{ID: "other", Slot: calendar.NewSlot(at(19, 14), time.Hour)})
	st := storage.NewMemory()
	c := newCoordinator(cal, st)
	ctx := context.Background()

	booked, err := c.Commit(ctx, bookAt(at(19, 10)))
	if err != nil || booked.Outcome != Committed {
		t.Fatalf("book: %+v err=%v", booked, err)
	}
	res, err := c.Commit(ctx, Action{Kind: Reschedule, BookingID: booked.Booking.ID, When: when(at(19, 14))})
	if err != nil || res.Outcome != Conflict {
		t.Fatalf("expected conflict, got %+v err=%v", res, err)
	}
	evs, _ := cal.ListEvents(ctx, at(19, 10), at(19, 11))
	if len(evs) != 1 || evs[0].ID != booked.Booking.EventID {
		t.Fatalf("original slot must still be held, got %+v", evs)
	}
	rec, _ := st.GetBooking(ctx, booked.Booking.ID)
	if !rec.Start.Equal(at(19, 10)) || rec.Status != storage.StatusScheduled {
		t.Fatalf("record must be unchanged, got %+v", rec)
	}
}

func TestRescheduleMovesEventAndRecord(t *testing.T) {
	cal := calendar.NewMemory()
	st := storage.NewMemory()
	c := newCoordinator(cal, st)
	ctx := context.Background()
	booked, _ := c.Commit(ctx, bookAt(at(19, 10)))

	res, err := c.Commit(ctx, Action{Kind: Reschedule, BookingID: booked.Booking.ID, When: when(at(20, 15))})
	if err != nil || res.Outcome != Committed {
		t.Fatalf("reschedule: %+v err=%v", res, err)
	}
	if res.Previous == nil || !res.Previous.Start.Equal(at(19, 10)) {
		t.Fatalf("expected previous booking in result")
	}
	if evs, _ := cal.ListEvents(ctx, at(19, 0), at(19, 23)); len(evs) != 0 {
		t.Fatalf("old slot should be released")
	}
	rec, _ := st.GetBooking(ctx, booked.Booking.ID)
	if !rec.Start.Equal(at(20, 15)) || rec.End.Sub(rec.Start) != time.Hour {
		t.Fatalf("record not moved: %+v", rec)
	}
}

func TestRescheduleStorageFailureRestoresEvent(t *testing.T) {
	cal := calendar.NewMemory()
	st := &failingStore{Memory: storage.NewMemory()}
	c := newCoordinator(cal, st)
	ctx := context.Background()
	booked, _ := c.Commit(ctx, bookAt(at(19, 10)))

	st.failUpdate = true
	_, err := c.Commit(ctx, Action{Kind: Reschedule, BookingID: booked.Booking.ID, When: when(at(20, 15))})
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	evs, _ := cal.ListEvents(ctx, at(19, 10), at(19, 11))
	if len(evs) != 1 {
		t.Fatalf("event should be back at the original time, got %+v", evs)
	}
}

func TestCancel(t *testing.T) {
	cal := &flakyCalendar{Memory: calendar.NewMemory()}
	st := storage.NewMemory()
	c := newCoordinator(cal, st)
	ctx := context.Background()
	booked, _ := c.Commit(ctx, bookAt(at(19, 10)))

	cal.failDelete = true
	if _, err := c.Commit(ctx, Action{Kind: Cancel, BookingID: booked.Booking.ID}); !errs.IsCode(err, errs.CodeCalendarUnavailable) {
		t.Fatalf("expected CALENDAR_UNAVAILABLE, got %v", err)
	}
	if rec, _ := st.GetBooking(ctx, booked.Booking.ID); rec.Status != storage.StatusScheduled {
		t.Fatalf("status should be restored, got %s", rec.Status)
	}

	cal.failDelete = false
	res, err := c.Commit(ctx, Action{Kind: Cancel, BookingID: booked.Booking.ID})
	if err != nil || res.Outcome != Committed {
		t.Fatalf("cancel: %+v err=%v", res, err)
	}
	if rec, _ := st.GetBooking(ctx, booked.Booking.ID); rec.Status != storage.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
	if cal.Len() != 0 {
		t.Fatalf("event should be deleted")
	}
	again, _ := c.Commit(ctx, Action{Kind: Cancel, BookingID: booked.Booking.ID})
	if again.Outcome != Rejected || again.Reason != ReasonNotActive {
		t.Fatalf("second cancel should be rejected, got %+v", again)
	}
}

func TestFindForClientNearestFirst(t *testing.T) {
	cal := calendar.NewMemory()
	st := storage.NewMemory()
	c := newCoordinator(cal, st)
	ctx := context.Background()
	a, _ := c.Commit(ctx, bookAt(at(19, 10)))
	b := bookAt(at(22, 13))
	b.ClientID = a.Booking.ClientID
	if _, err := c.Commit(ctx, b); err != nil {
		t.Fatalf("second booking: %v", err)
	}
	got, err := c.FindForClient(ctx, a.Booking.ClientID, at(22, 9))
	if err != nil || len(got) != 2 || !got[0].Start.Equal(at(22, 13)) {
		t.Fatalf("expected thursday booking first, got %+v err=%v", got, err)
	}
}
