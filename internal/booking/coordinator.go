package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/calendar"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/storage"
)

type Options struct {
	Alternatives int // how many alternatives to offer
	HorizonDays  int // how far past the requested day to look for alternatives
	Policy       Policy
	RetryBase    time.Duration
	Now          func() time.Time
	Log          *logrus.Entry
}

// Coordinator checks availability and commits actions for one call. Its
// business snapshot is the one loaded when the call started.
type Coordinator struct {
	cal   calendar.Calendar
	store storage.Store
	snap  bizconfig.Snapshot
	opts  Options
	log   *logrus.Entry
}

func New(cal calendar.Calendar, st storage.Store, snap bizconfig.Snapshot, opts Options) *Coordinator {
	if opts.Alternatives <= 0 {
		opts.Alternatives = 3
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{cal: cal, store: st, snap: snap, opts: opts, log: log.WithField("component", "booking")}
}

func (c *Coordinator) Snapshot() bizconfig.Snapshot { return c.snap }

func (c *Coordinator) Policy() Policy { return c.opts.Policy }

// transient reports whether err is worth one more attempt.
func transient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, calendar.ErrSlotTaken),
		errors.Is(err, calendar.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// try runs f, retrying once with backoff on transient failures.
func (c *Coordinator) try(ctx context.Context, op string, f func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewExponential(c.opts.RetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := f(ctx)
		if !transient(err) {
			return err
		}
		metricRetries.WithLabelValues(op).Inc()
		c.log.WithError(err).WithField("op", op).Warn("collaborator call failed, retrying")
		return retry.RetryableError(err)
	})
}

func unavailable(op string, err error) error {
	var code errs.Code = errs.CodeCalendarUnavailable
	if strings.HasPrefix(op, "storage") {
		code = errs.CodeUnavailable
	}
	return errs.E(code, "booking."+op, "collaborator unavailable", err)
}

// free lists open slots of length d on day (midnight) minus busy ones.
func (c *Coordinator) free(day time.Time, d time.Duration, busy []calendar.Slot) []calendar.Slot {
	open, close, ok := c.snap.WindowFor(day)
	if !ok {
		return nil
	}
	earliest := c.opts.Now().Add(c.snap.LeadTime())
	step := c.snap.SlotStep()
	var out []calendar.Slot
	for s := open; !s.Add(d).After(close); s = s.Add(step) {
		if s.Before(earliest) {
			continue
		}
		cand := calendar.NewSlot(s, d)
		taken := false
		for _, b := range busy {
			if b.Overlaps(cand) {
				taken = true
				break
			}
		}
		if !taken {
			out = append(out, cand)
		}
	}
	return out
}

func (c *Coordinator) busy(ctx context.Context, start, end time.Time) ([]calendar.Slot, error) {
	var slots []calendar.Slot
	err := c.try(ctx, "calendar.list", func(ctx context.Context) error {
		var err error
		slots, err = calendar.Busy(ctx, c.cal, start, end)
		return err
	})
	if err != nil {
		return nil, unavailable("calendar.list", err)
	}
	return slots, nil
}

func dayBounds(days []time.Time) (time.Time, time.Time) {
	return days[0], days[len(days)-1].AddDate(0, 0, 1)
}

// CheckAvailability returns the free slots of length d on every open day
// in r, in order. The calendar is read once for the whole range.
func (c *Coordinator) CheckAvailability(ctx context.Context, r datetime.Range, d time.Duration) ([]calendar.Slot, error) {
	days := r.Days()
	if len(days) == 0 {
		return nil, errs.E(errs.CodeInvalidArgument, "booking.CheckAvailability", "empty range", nil)
	}
	start, end := dayBounds(days)
	busy, err := c.busy(ctx, start, end)
	if err != nil {
		return nil, err
	}
	var out []calendar.Slot
	for _, day := range days {
		out = append(out, c.free(day, d, busy)...)
	}
	metricAvailabilitySlots.Observe(float64(len(out)))
	return out, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Check reports whether [start, start+d) can be booked, and if not, the
// alternatives to offer. It does not write.
func (c *Coordinator) Check(ctx context.Context, start time.Time, d time.Duration) (bool, []calendar.Slot, error) {
	start = start.In(c.snap.Location())
	slot := calendar.NewSlot(start, d)
	if reason := c.reject(slot); reason != "" {
		alts, err := c.Alternatives(ctx, start, d)
		return false, alts, err
	}
	busy, err := c.busy(ctx, slot.Start, slot.End)
	if err != nil {
		return false, nil, err
	}
	for _, b := range busy {
		if b.Overlaps(slot) {
			alts, err := c.Alternatives(ctx, start, d)
			return false, alts, err
		}
	}
	return true, nil, nil
}

// reject returns a reason when slot can never be booked regardless of
// the calendar.
func (c *Coordinator) reject(slot calendar.Slot) string {
	if slot.Start.Before(c.opts.Now().Add(c.snap.LeadTime())) {
		return ReasonTooSoon
	}
	if !c.snap.Within(slot.Start, slot.Duration()) {
		return ReasonClosed
	}
	return ""
}

// Alternatives finds the nearest free slots on the requested day, ordered
// by distance from the requested time. If that day has none, the first
// following day with openings within the horizon is used.
func (c *Coordinator) Alternatives(ctx context.Context, want time.Time, d time.Duration) ([]calendar.Slot, error) {
	want = want.In(c.snap.Location())
	day := midnight(want)
	last := day.AddDate(0, 0, c.opts.HorizonDays)
	busy, err := c.busy(ctx, day, last.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	n := c.opts.Alternatives

	same := c.free(day, d, busy)
	same = dropStart(same, want)
	if len(same) > 0 {
		dist := func(s calendar.Slot) time.Duration {
			x := s.Start.Sub(want)
			if x < 0 {
				return -x
			}
			return x
		}
		sort.SliceStable(same, func(i, j int) bool { return dist(same[i]) < dist(same[j]) })
		if len(same) > n {
			same = same[:n]
		}
		return same, nil
	}
	for dd := day.AddDate(0, 0, 1); !dd.After(last); dd = dd.AddDate(0, 0, 1) {
		if slots := c.free(dd, d, busy); len(slots) > 0 {
			if len(slots) > n {
				slots = slots[:n]
			}
			return slots, nil
		}
	}
	return nil, nil
}

func dropStart(slots []calendar.Slot, t time.Time) []calendar.Slot {
	out := slots[:0:0]
	for _, s := range slots {
		if !s.Start.Equal(t) {
			out = append(out, s)
		}
	}
	return out
}

// Commit performs a Book, Reschedule or Cancel. It returns an
// MISSING_MANDATORY_SLOT error without touching any collaborator when a
// required field is empty. Either every write lands or none does.
func (c *Coordinator) Commit(ctx context.Context, a Action) (res Result, err error) {
	defer func() {
		outcome := string(res.Outcome)
		switch {
		case err != nil:
			outcome = string(errs.CodeOf(err))
		case res.Code() != "":
			outcome = string(res.Code())
			c.log.WithFields(logrus.Fields{"kind": a.Kind, "code": outcome, "alternatives": len(res.Alternatives)}).Info("commit not applied")
		}
		metricCommits.WithLabelValues(string(a.Kind), outcome).Inc()
	}()
	if missing := MissingSlots(a, c.opts.Policy); len(missing) > 0 {
		return Result{}, errs.E(errs.CodeMissingMandatorySlot, "booking.Commit", "missing: "+strings.Join(missing, ", "), nil)
	}
	switch a.Kind {
	case Book:
		return c.book(ctx, a)
	case Reschedule:
		return c.reschedule(ctx, a)
	case Cancel:
		return c.cancel(ctx, a)
	}
	return Result{}, errs.E(errs.CodeInvalidArgument, "booking.Commit", fmt.Sprintf("unknown action %q", a.Kind), nil)
}

func (c *Coordinator) rejected(ctx context.Context, reason string, slot calendar.Slot) (Result, error) {
	alts, err := c.Alternatives(ctx, slot.Start, slot.Duration())
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Rejected, Reason: reason, Alternatives: alts}, nil
}

func (c *Coordinator) conflict(ctx context.Context, slot calendar.Slot) (Result, error) {
	alts, err := c.Alternatives(ctx, slot.Start, slot.Duration())
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Conflict, Alternatives: alts}, nil
}

// compensate runs a rollback write that must happen even if the call's
// context is gone.
func (c *Coordinator) compensate(ctx context.Context, kind, op string, f func(context.Context) error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.try(rctx, op, f); err != nil {
		metricRollbacks.WithLabelValues(kind, "failed").Inc()
		c.log.WithError(err).WithField("op", op).Error("rollback failed; manual follow-up needed")
		return
	}
	metricRollbacks.WithLabelValues(kind, "ok").Inc()
}

func (c *Coordinator) book(ctx context.Context, a Action) (Result, error) {
	slot := calendar.NewSlot(a.When.At(), c.snap.ServiceDuration(a.Service))
	if reason := c.reject(slot); reason != "" {
		return c.rejected(ctx, reason, slot)
	}

	var ev calendar.Event
	err := c.try(ctx, "calendar.create", func(ctx context.Context) error {
		var err error
		ev, err = c.cal.CreateEvent(ctx, slot, calendar.Meta{
			Title: fmt.Sprintf("%s for %s", a.Service, a.Name),
			Extra: map[string]string{"urgency": a.Urgency, "call_id": a.CallID},
		})
		return err
	})
	if errors.Is(err, calendar.ErrSlotTaken) {
		return c.conflict(ctx, slot)
	}
	if err != nil {
		c.log.WithError(err).Error("calendar create failed")
		return Result{}, unavailable("calendar.create", err)
	}

	rollback := func() {
		c.compensate(ctx, string(Book), "calendar.delete", func(ctx context.Context) error {
			err := c.cal.DeleteEvent(ctx, ev.ID)
			if errors.Is(err, calendar.ErrNotFound) {
				return nil
			}
			return err
		})
	}

	var client storage.Client
	err = c.try(ctx, "storage.client", func(ctx context.Context) error {
		var err error
		client, err = c.store.UpsertClient(ctx, storage.Client{
			ID: a.ClientID, Name: a.Name, Phone: a.Phone, Email: a.Email, Address: a.Address,
		})
		return err
	})
	if err != nil {
		rollback()
		return Result{}, unavailable("storage.client", err)
	}

	var rec storage.Booking
	err = c.try(ctx, "storage.booking", func(ctx context.Context) error {
		var err error
		rec, err = c.store.CreateBooking(ctx, storage.Booking{
			ClientID: client.ID, EventID: ev.ID, CallID: a.CallID,
			Start: slot.Start, End: slot.End,
			Service: a.Service, Urgency: a.Urgency,
			Name: a.Name, Phone: a.Phone, Email: a.Email, Address: a.Address, Notes: a.Notes,
			Status: storage.StatusScheduled,
		})
		return err
	})
	if err != nil {
		rollback()
		return Result{}, unavailable("storage.booking", err)
	}
	c.log.WithFields(logrus.Fields{"booking_id": rec.ID, "event_id": ev.ID, "start": slot.Start}).Info("booking committed")
	return Result{Outcome: Committed, Booking: rec}, nil
}

func (c *Coordinator) active(ctx context.Context, id string) (storage.Booking, string, error) {
	var b storage.Booking
	err := c.try(ctx, "storage.get", func(ctx context.Context) error {
		var err error
		b, err = c.store.GetBooking(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Booking{}, ReasonNotFound, nil
	}
	if err != nil {
		return storage.Booking{}, "", unavailable("storage.get", err)
	}
	if b.Status != storage.StatusScheduled {
		return b, ReasonNotActive, nil
	}
	return b, "", nil
}

// reschedule moves the existing event in one calendar write, so the old
// time is only released once the new one is held.
func (c *Coordinator) reschedule(ctx context.Context, a Action) (Result, error) {
	old, reason, err := c.active(ctx, a.BookingID)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return Result{Outcome: Rejected, Reason: reason}, nil
	}
	d := old.End.Sub(old.Start)
	if d <= 0 {
		d = c.snap.ServiceDuration(old.Service)
	}
	prev := calendar.Slot{Start: old.Start, End: old.End}
	slot := calendar.NewSlot(a.When.At(), d)
	if reason := c.reject(slot); reason != "" {
		return c.rejected(ctx, reason, slot)
	}

	eventID := old.EventID
	recreated := false
	err = c.try(ctx, "calendar.update", func(ctx context.Context) error {
		_, err := c.cal.UpdateEvent(ctx, eventID, slot)
		return err
	})
	if errors.Is(err, calendar.ErrNotFound) {
		// event vanished upstream; hold the new time with a fresh event
		err = c.try(ctx, "calendar.create", func(ctx context.Context) error {
			ev, err := c.cal.CreateEvent(ctx, slot, calendar.Meta{Title: fmt.Sprintf("%s for %s", old.Service, old.Name), BookingID: old.ID})
			eventID = ev.ID
			return err
		})
		recreated = err == nil
	}
	if errors.Is(err, calendar.ErrSlotTaken) {
		return c.conflict(ctx, slot)
	}
	if err != nil {
		return Result{}, unavailable("calendar.update", err)
	}

	moved := old
	moved.Start, moved.End, moved.EventID = slot.Start, slot.End, eventID
	err = c.try(ctx, "storage.booking", func(ctx context.Context) error {
		return c.store.UpdateBooking(ctx, moved)
	})
	if err != nil {
		c.compensate(ctx, string(Reschedule), "calendar.restore", func(ctx context.Context) error {
			if recreated {
				return c.cal.DeleteEvent(ctx, eventID)
			}
			_, err := c.cal.UpdateEvent(ctx, eventID, prev)
			return err
		})
		return Result{}, unavailable("storage.booking", err)
	}
	c.log.WithFields(logrus.Fields{"booking_id": old.ID, "from": prev.Start, "to": slot.Start}).Info("booking rescheduled")
	return Result{Outcome: Committed, Booking: moved, Previous: &old}, nil
}

// cancel marks the record first, then frees the calendar; a calendar
// failure restores the record.
func (c *Coordinator) cancel(ctx context.Context, a Action) (Result, error) {
	old, reason, err := c.active(ctx, a.BookingID)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return Result{Outcome: Rejected, Reason: reason}, nil
	}
	cancelled := old
	cancelled.Status = storage.StatusCancelled
	if err := c.try(ctx, "storage.booking", func(ctx context.Context) error {
		return c.store.UpdateBooking(ctx, cancelled)
	}); err != nil {
		return Result{}, unavailable("storage.booking", err)
	}
	err = c.try(ctx, "calendar.delete", func(ctx context.Context) error {
		err := c.cal.DeleteEvent(ctx, old.EventID)
		if errors.Is(err, calendar.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		c.compensate(ctx, string(Cancel), "storage.restore", func(ctx context.Context) error {
			return c.store.UpdateBooking(ctx, old)
		})
		return Result{}, unavailable("calendar.delete", err)
	}
	c.log.WithField("booking_id", old.ID).Info("booking cancelled")
	return Result{Outcome: Committed, Booking: cancelled, Previous: &old}, nil
}

// FindForClient returns scheduled bookings of a client, nearest to near
// first when near is set.
func (c *Coordinator) FindForClient(ctx context.Context, clientID string, near time.Time) ([]storage.Booking, error) {
	var out []storage.Booking
	err := c.try(ctx, "storage.find", func(ctx context.Context) error {
		var err error
		out, err = c.store.FindBookings(ctx, storage.BookingQuery{ClientID: clientID, Status: storage.StatusScheduled})
		return err
	})
	if err != nil {
		return nil, unavailable("storage.find", err)
	}
	if !near.IsZero() {
		abs := func(b storage.Booking) time.Duration {
			x := b.Start.Sub(near)
			if x < 0 {
				return -x
			}
			return x
		}
		sort.SliceStable(out, func(i, j int) bool { return abs(out[i]) < abs(out[j]) })
	}
	return out, nil
}
