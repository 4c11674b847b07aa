package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/booking"
	"bookline/agent/internal/calendar"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/intent"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/storage"
)

// Wednesday
var now = time.Date(2026, time.October, 14, 9, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	cal   *calendar.Memory
	st    *storage.Memory
	coord *booking.Coordinator
	m     *Machine
}

func newHarness(t *testing.T, caller string, seed ...calendar.Event) *harness {
	t.Helper()
	h := &harness{t: t, cal: calendar.NewMemory(seed...), st: storage.NewMemory()}
	h.start(caller, h.cal)
	return h
}

func (h *harness) start(caller string, cal calendar.Calendar) {
	snap := bizconfig.Default()
	snap.Timezone = "UTC"
	clock := func() time.Time { return now }
	res := datetime.NewResolver(clock, time.UTC)
	log := logger.Component(logger.Discard(), "dialogue")
	h.coord = booking.New(cal, h.st, snap, booking.Options{
		Alternatives: 3,
		RetryBase:    time.Millisecond,
		Now:          clock,
		Log:          log,
	})
	h.m = New(Config{
		CallID:      "call-1",
		Caller:      caller,
		Classifier:  intent.NewRules(snap, res),
		Resolver:    res,
		Coordinator: h.coord,
		Clients:     h.st,
		MaxNoInput:  2,
		Log:         log,
	})
	h.m.Greeting(context.Background())
}

func (h *harness) say(text string, want ...string) Reply {
	h.t.Helper()
	r, err := h.m.Step(context.Background(), text)
	if err != nil {
		h.t.Fatalf("step %q: %v", text, err)
	}
	for _, w := range want {
		if !strings.Contains(r.Text, w) {
			h.t.Fatalf("step %q: reply %q does not contain %q", text, r.Text, w)
		}
	}
	return r
}

func at(month time.Month, day, hour int) time.Time {
	y := 2026
	if month < time.October {
		y = 2027
	}
	return time.Date(y, month, day, hour, 0, 0, 0, time.UTC)
}

func TestBookingWithDateThenTime(t *testing.T) {
	h := newHarness(t, "")
	h.say("I need to book a drain cleaning", "full name")
	h.say("Ann Lee", "phone number or email")
	h.say("555 123 4567", "email address")
	h.say("ann dot lee at example dot com", "address")
	h.say("42 Elm Street, Springfield", "How urgent")
	h.say("no rush", "What day and time")

	r := h.say("can I do janary 5th", "What time", "January 5")
	if got := h.m.Slots().When; got.Kind != datetime.DateOnly {
		t.Fatalf("expected a date-only fragment, got %v", got.Kind)
	}
	if r.State != CollectingSlots {
		t.Fatalf("state = %s", r.State)
	}

	r = h.say("1pm", "January 5 at 1 PM", "book it")
	if r.State != ConfirmingAction {
		t.Fatalf("state = %s", r.State)
	}
	when := h.m.Slots().When
	if when.Kind != datetime.Complete || !when.At().Equal(at(time.January, 5, 13)) {
		t.Fatalf("when = %+v", when)
	}
	if h.cal.Len() != 0 {
		t.Fatalf("nothing may be written before confirmation")
	}

	r = h.say("yes", "all set")
	if r.Result == nil || r.Result.Outcome != booking.Committed {
		t.Fatalf("expected a committed result, got %+v", r.Result)
	}
	if !r.Result.Booking.Start.Equal(at(time.January, 5, 13)) {
		t.Fatalf("booked %s", r.Result.Booking.Start)
	}
	b := r.Result.Booking
	if b.Name != "Ann Lee" || b.Phone != "5551234567" || b.Email != "ann.lee@example.com" || b.Urgency != "scheduled" || b.Service != "drain cleaning" {
		t.Fatalf("booking fields: %+v", b)
	}
	if r.State != ActionComplete || !h.m.Slots().Empty() {
		t.Fatalf("slots must be cleared after commit: state=%s slots=%+v", r.State, h.m.Slots())
	}

	r = h.say("no thanks", "Goodbye")
	if !r.End {
		t.Fatalf("expected the call to end")
	}
	sum := h.m.Summary()
	if sum.Outcome != OutcomeCommitted || sum.BookingID != b.ID || sum.Intent != string(intent.Book) {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestVagueTimeOffersConcreteSlots(t *testing.T) {
	h := newHarness(t, "")
	r := h.say("I need someone out asap, my basement is flooding", "today at 10 AM, 11 AM, or 12 PM")
	if h.m.Slots().When.Kind != 0 {
		t.Fatalf("a vague phrase must not become a datetime: %+v", h.m.Slots().When)
	}
	if h.m.Slots().Urgency != "emergency" {
		t.Fatalf("urgency = %q", h.m.Slots().Urgency)
	}
	if r.Intent != intent.Book {
		t.Fatalf("intent = %s", r.Intent)
	}

	h.say("the second one", "full name")
	when := h.m.Slots().When
	if when.Kind != datetime.Complete || when.Hour != 11 {
		t.Fatalf("when = %+v", when)
	}
}

func TestPastAndClosedTimesRejected(t *testing.T) {
	h := newHarness(t, "")
	h.say("I'd like to book a leak repair today at 8am", "already passed")
	if h.m.Slots().When.Kind != 0 {
		t.Fatalf("past time kept: %+v", h.m.Slots().When)
	}
	h.say("sunday at 10am", "closed on Sundays")
	if h.m.Slots().When.Kind != 0 {
		t.Fatalf("closed day kept: %+v", h.m.Slots().When)
	}
}

func TestTakenSlotOffersAlternatives(t *testing.T) {
	busy := calendar.Event{ID: "ev-busy", Slot: calendar.NewSlot(at(time.October, 16, 14), time.Hour)}
	h := newHarness(t, "", busy)
	h.say("My name is Ann Lee and I need a drain cleaning on Friday at 2pm", "phone number or email")
	h.say("555 123 4567", "email")
	h.say("no", "address")
	h.say("42 Elm Street", "How urgent")
	r := h.say("it's not urgent", "isn't available", "1 PM", "3 PM")
	if len(h.m.offered) != 3 {
		t.Fatalf("offered %d alternatives", len(h.m.offered))
	}
	if r.State != CollectingSlots {
		t.Fatalf("state = %s", r.State)
	}
	if h.cal.Len() != 1 {
		t.Fatalf("an alternative must never be booked on the caller's behalf")
	}

	h.say("3pm", "Friday, October 16 at 3 PM", "book it")
	r = h.say("yes", "all set")
	if r.Result == nil || !r.Result.Booking.Start.Equal(at(time.October, 16, 15)) {
		t.Fatalf("result: %+v", r.Result)
	}
}

func TestReturningCallerDetailsOffered(t *testing.T) {
	h := newHarness(t, "")
	c, _ := h.st.UpsertClient(context.Background(), storage.Client{Name: "Ann Lee", Phone: "5551234567", Email: "ann@example.com", Address: "12 Oak Lane"})

	h.say("I need a drain cleaning, my name is Ann Lee", "Welcome back, Ann", "12 Oak Lane", "ending in 4567")
	h.say("yes same as before", "How urgent")
	s := h.m.Slots()
	if s.Address != "12 Oak Lane" || s.Phone != "5551234567" || s.Email != "ann@example.com" || s.ClientID != c.ID {
		t.Fatalf("slots from file: %+v", s)
	}
}

func TestReturningCallerDifferentAddress(t *testing.T) {
	h := newHarness(t, "")
	h.st.UpsertClient(context.Background(), storage.Client{Name: "Ann Lee", Phone: "5551234567", Address: "12 Oak Lane"})

	h.say("I need a drain cleaning, my name is Ann Lee", "12 Oak Lane")
	// no email on file, so that is still asked for
	h.say("different, it's 42 Elm Street now", "email")
	s := h.m.Slots()
	if s.Address != "42 Elm Street" || s.Phone != "5551234567" {
		t.Fatalf("slots: %+v", s)
	}
}

func TestSameNameDisambiguatedByPhone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	h.st.UpsertClient(ctx, storage.Client{Name: "Ann Lee", Phone: "5551112222", Address: "1 First Street"})
	b, _ := h.st.UpsertClient(ctx, storage.Client{Name: "Ann Lee", Phone: "5553334444", Address: "2 Second Street"})

	h.say("I need a drain cleaning, my name is Ann Lee", "more than one customer", "phone number on the account")
	h.say("555 333 4444", "Welcome back", "2 Second Street")
	if h.m.Slots().ClientID != b.ID {
		t.Fatalf("client = %q, want %q", h.m.Slots().ClientID, b.ID)
	}

	// the caller ID settles it without asking
	h2 := newHarness(t, "+1 (555) 111-2222")
	a, _ := h2.st.UpsertClient(ctx, storage.Client{Name: "Ann Lee", Phone: "5551112222", Address: "1 First Street"})
	h2.st.UpsertClient(ctx, storage.Client{Name: "Ann Lee", Phone: "5553334444", Address: "2 Second Street"})
	h2.say("I need a drain cleaning, my name is Ann Lee", "Welcome back", "1 First Street")
	if h2.m.Slots().ClientID != a.ID {
		t.Fatalf("client = %q, want %q", h2.m.Slots().ClientID, a.ID)
	}
}

func (h *harness) seedBooking(start time.Time) storage.Booking {
	h.t.Helper()
	res, err := h.coord.Commit(context.Background(), booking.Action{
		Kind: booking.Book, Name: "Ann Lee", Phone: "5551234567", Address: "12 Oak Lane",
		Service: "drain cleaning", Urgency: "scheduled", When: resolvedAt(start),
	})
	if err != nil || res.Outcome != booking.Committed {
		h.t.Fatalf("seed booking: %+v %v", res, err)
	}
	return res.Booking
}

func TestRescheduleFlow(t *testing.T) {
	h := newHarness(t, "")
	old := h.seedBooking(at(time.October, 16, 10))

	h.say("I need to reschedule my appointment", "What name")
	h.say("Ann Lee", "drain cleaning on Friday, October 16 at 10 AM", "move it to")
	h.say("monday at 9am", "move your drain cleaning on Friday, October 16 at 10 AM to Monday, October 19 at 9 AM")
	r := h.say("correct", "Monday, October 19 at 9 AM")
	if r.Result == nil || r.Result.Booking.ID != old.ID || !r.Result.Booking.Start.Equal(at(time.October, 19, 9)) {
		t.Fatalf("result: %+v", r.Result)
	}
	evs, _ := h.cal.ListEvents(context.Background(), at(time.October, 14, 0), at(time.October, 31, 0))
	if len(evs) != 1 || !evs[0].Slot.Start.Equal(at(time.October, 19, 9)) {
		t.Fatalf("calendar: %+v", evs)
	}
}

func TestCancelFlow(t *testing.T) {
	h := newHarness(t, "")
	h.seedBooking(at(time.October, 16, 10))

	h.say("Please cancel my appointment, my name is Ann Lee", "cancel your drain cleaning on Friday, October 16 at 10 AM")
	h.say("yes", "has been cancelled")
	if h.cal.Len() != 0 {
		t.Fatalf("calendar event not released")
	}
}

func TestCancelUnknownCaller(t *testing.T) {
	h := newHarness(t, "")
	r := h.say("cancel my appointment, my name is Bob Stone", "couldn't find", "anything else")
	if r.State != ActionComplete {
		t.Fatalf("state = %s", r.State)
	}
}

func TestAvailabilityNextWeek(t *testing.T) {
	h := newHarness(t, "")
	r := h.say("Do you have any availability next week?", "49 openings across 6 days", "Monday, October 19 at 8 AM, 9 AM, and 10 AM")
	if r.Intent != intent.QueryAvailability {
		t.Fatalf("intent = %s", r.Intent)
	}
	r = h.say("the second one", "full name")
	if r.Intent != intent.Book || h.m.Slots().When.Hour != 9 {
		t.Fatalf("intent=%s when=%+v", r.Intent, h.m.Slots().When)
	}
}

func TestChangeDuringConfirmation(t *testing.T) {
	h := newHarness(t, "")
	h.say("My name is Ann Lee and I need a drain cleaning on Friday at 2pm")
	h.say("555 123 4567")
	h.say("no")
	h.say("42 Elm Street")
	h.say("it's not urgent", "Friday, October 16 at 2 PM", "book it")

	h.say("yes but make it 3pm", "Friday, October 16 at 3 PM", "book it")
	h.say("hmm let me think about whether that is going to work out", "yes or a no")
	r := h.say("no", "What would you like to change")
	if r.State != CollectingSlots {
		t.Fatalf("state = %s", r.State)
	}
	h.say("the address", "address")
	if h.m.Slots().Address != "" {
		t.Fatalf("address not cleared")
	}
}

func TestNoInputRepromptsThenHangsUp(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	h.say("I need to book a drain cleaning", "full name")
	r := h.m.NoInput(ctx)
	if r.End || !strings.HasPrefix(r.Text, sayNotCaught) || !strings.Contains(r.Text, "full name") {
		t.Fatalf("first reprompt: %+v", r)
	}
	r = h.m.NoInput(ctx)
	if r.End || strings.Count(r.Text, sayNotCaught) != 1 {
		t.Fatalf("second reprompt: %+v", r)
	}
	r = h.m.NoInput(ctx)
	if !r.End {
		t.Fatalf("expected hang up after repeated silence")
	}
	if h.m.Summary().Outcome != OutcomeNoInput {
		t.Fatalf("outcome = %q", h.m.Summary().Outcome)
	}
}

func TestAbortDiscardsSlots(t *testing.T) {
	h := newHarness(t, "")
	h.say("I need to book a drain cleaning")
	h.say("Ann Lee")
	h.m.Abort()
	if !h.m.Slots().Empty() || h.m.Summary().Outcome != OutcomeAborted {
		t.Fatalf("abort: slots=%+v summary=%+v", h.m.Slots(), h.m.Summary())
	}
	if _, err := h.m.Step(context.Background(), "hello?"); !errs.IsCode(err, errs.CodeSessionAborted) {
		t.Fatalf("expected SESSION_ABORTED after abort, got %v", err)
	}
	if n, _ := h.st.Counts(); n != 0 || h.cal.Len() != 0 {
		t.Fatalf("nothing may be committed")
	}
}

type downCalendar struct{}

var errDown = errors.New("connection refused")

func (downCalendar) ListEvents(ctx context.Context, start, end time.Time) ([]calendar.Event, error) {
	return nil, errDown
}

func (downCalendar) CreateEvent(ctx context.Context, s calendar.Slot, m calendar.Meta) (calendar.Event, error) {
	return calendar.Event{}, errDown
}

func (downCalendar) UpdateEvent(ctx context.Context, id string, s calendar.Slot) (calendar.Event, error) {
	return calendar.Event{}, errDown
}

func (downCalendar) DeleteEvent(ctx context.Context, id string) error { return errDown }

func TestCalendarUnavailableEndsCall(t *testing.T) {
	h := &harness{t: t, st: storage.NewMemory()}
	h.start("", downCalendar{})
	r := h.say("Do you have any availability tomorrow?", "call back")
	if !r.End || h.m.Summary().Outcome != OutcomeUnavailable {
		t.Fatalf("reply=%+v summary=%+v", r, h.m.Summary())
	}
}

func TestGoodbyeNeedsAnOpenQuestion(t *testing.T) {
	h := newHarness(t, "")
	h.say("I need to book a drain cleaning")
	h.say("Ann Lee")
	h.say("555 123 4567", "email")
	r := h.say("no thanks", "address")
	if r.End {
		t.Fatalf("declining the email must not end the call")
	}
	r = h.say("actually bye", "Goodbye")
	if !r.End || h.m.Summary().Outcome != OutcomeAbandoned {
		t.Fatalf("reply=%+v summary=%+v", r, h.m.Summary())
	}
}

func TestDayOfMonthThenMonth(t *testing.T) {
	h := newHarness(t, "")
	h.say("My name is Ann Lee and I need a drain cleaning", "phone number or email")
	h.say("555 123 4567", "email")
	h.say("no", "address")
	h.say("42 Elm Street", "How urgent")
	h.say("it's not urgent", "What day and time")
	h.say("the 5th", "which month")
	r := h.say("November", "What time on Thursday, November 5")
	if strings.HasPrefix(r.Text, sayNotCaught) {
		t.Fatalf("month answer treated as not understood: %q", r.Text)
	}
	h.say("10am", "Thursday, November 5 at 10 AM", "book it")
}

func TestWeekdayAndDayOfMonthTogether(t *testing.T) {
	h := newHarness(t, "")
	h.say("My name is Ann Lee and I need a drain cleaning", "phone number or email")
	h.say("555 123 4567", "email")
	h.say("no", "address")
	h.say("42 Elm Street", "How urgent")
	h.say("it's not urgent", "What day and time")
	r := h.say("thursday the 5th at 10am", "Thursday, November 5 at 10 AM", "book it")
	if strings.Contains(r.Text, "tomorrow") {
		t.Fatalf("weekday alone won: %q", r.Text)
	}
}

func TestImpossibleDateReprompts(t *testing.T) {
	h := newHarness(t, "")
	h.say("My name is Ann Lee and I need a drain cleaning", "phone number or email")
	h.say("555 123 4567", "email")
	h.say("no", "address")
	h.say("42 Elm Street", "How urgent")
	h.say("it's not urgent", "What day and time")
	h.say("june 31st at 10am", "doesn't exist")
	if h.m.Slots().When.Kind != 0 {
		t.Fatalf("impossible date kept: %+v", h.m.Slots().When)
	}
}

func TestRejectedTimeDuringConfirmationLeavesConfirming(t *testing.T) {
	h := newHarness(t, "")
	h.say("My name is Ann Lee and I need a drain cleaning on Friday at 2pm")
	h.say("555 123 4567")
	h.say("no")
	h.say("42 Elm Street")
	h.say("it's not urgent", "Friday, October 16 at 2 PM", "book it")
	if h.m.State() != ConfirmingAction {
		t.Fatalf("state = %s", h.m.State())
	}
	r := h.say("actually make it sunday at 10am", "closed on Sundays")
	if r.State != CollectingSlots || h.m.State() != CollectingSlots {
		t.Fatalf("reply state = %s, machine state = %s", r.State, h.m.State())
	}
}
