package dialogue

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bookline/agent/internal/booking"
	"bookline/agent/internal/calendar"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/intent"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/storage"
)

type State string

const (
	Idle             State = "IDLE"
	IntentPending    State = "INTENT_PENDING"
	CollectingSlots  State = "COLLECTING_SLOTS"
	ConfirmingAction State = "CONFIRMING_ACTION"
	ExecutingAction  State = "EXECUTING_ACTION"
	ActionComplete   State = "ACTION_COMPLETE"
)

// What the last question asked for, beyond the booking slot names.
const (
	expectReturning    = "returning_details"
	expectCallerID     = "caller_id"
	expectAccountPhone = "account_phone"
	expectSelect       = "select_slot"
	expectTarget       = "select_booking"
	expectChange       = "change"
	expectMore         = "anything_else"
)

// Call outcomes reported in the summary.
const (
	OutcomeCommitted   = "committed"
	OutcomeAnswered    = "answered"
	OutcomeAbandoned   = "abandoned"
	OutcomeAborted     = "aborted"
	OutcomeUnavailable = "calendar_unavailable"
	OutcomeNotFound    = "booking_not_found"
	OutcomeNoInput     = "no_input"
)

const maxOffered = 3

// Reply is the machine's answer to one turn.
type Reply struct {
	Text   string
	State  State
	Intent intent.Intent
	End    bool            // hang up after speaking Text
	Result *booking.Result // set when an action was committed this turn
}

// Config wires a Machine to the collaborators of one call.
type Config struct {
	CallID string
	Caller string // caller ID as received from the carrier

	Classifier  intent.Classifier
	Resolver    *datetime.Resolver
	Coordinator *booking.Coordinator
	Clients     storage.Clients

	MaxNoInput int // silent turns tolerated before hanging up
	Log        *logrus.Entry
}

// Summary is what the dialogue contributes to the call summary.
type Summary struct {
	Intent    string
	Outcome   string
	BookingID string
	Slots     map[string]string
}

// Machine is the dialogue for one call. It is not safe for concurrent use;
// the call's turn pipeline owns it.
type Machine struct {
	cfg   Config
	log   *logrus.Entry
	state State

	intent    intent.Intent
	slots     Slots
	expecting string

	caller string // normalized caller ID

	offered []calendar.Slot

	// returning caller handling
	lookedUp      string
	client        *storage.Client
	candidates    []storage.Client
	offeredFile   bool
	askedCallerID bool
	askedEmail    bool

	// reschedule / cancel
	targets []storage.Booking
	hint    *datetime.Resolved

	pendingDay *datetime.Resolved // "the 5th" waiting for its month

	lastPrompt string
	noInput    int
	ended      bool

	outcome   string
	bookingID string
	record    map[string]string
	lastKind  intent.Intent
}

func New(cfg Config) *Machine {
	if cfg.MaxNoInput <= 0 {
		cfg.MaxNoInput = 2
	}
	log := cfg.Log
	if log == nil {
		log = logger.Component(nil, "dialogue")
	}
	return &Machine{
		cfg:    cfg,
		log:    log.WithField("call_id", cfg.CallID),
		state:  Idle,
		intent: intent.Other,
		caller: validPhone(storage.NormalizePhone(cfg.Caller)),
	}
}

func validPhone(p string) string {
	if len(p) == 10 {
		return p
	}
	return ""
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Intent() intent.Intent { return m.intent }

// Slots returns a copy of the slots collected so far.
func (m *Machine) Slots() Slots { return m.slots }

func (m *Machine) Ended() bool { return m.ended }

func (m *Machine) transition(to State) {
	if m.state == to {
		return
	}
	metricTransitions.WithLabelValues(string(m.state), string(to)).Inc()
	m.log.WithFields(logrus.Fields{"from": m.state, "to": to}).Debug("dialogue state")
	m.state = to
}

func (m *Machine) reply(text string) Reply {
	m.lastPrompt = text
	return Reply{Text: text, State: m.state, Intent: m.intent}
}

func (m *Machine) ask(expect, text string) Reply {
	m.expecting = expect
	return m.reply(text)
}

func (m *Machine) end(text, outcome string) Reply {
	if outcome != "" {
		m.finish(outcome)
	}
	m.slots.Clear()
	m.ended = true
	m.expecting = ""
	m.transition(Idle)
	r := m.reply(text)
	r.End = true
	return r
}

func (m *Machine) finish(outcome string) {
	kind := m.intent
	if kind == intent.Other && m.lastKind != "" {
		kind = m.lastKind
	}
	metricOutcomes.WithLabelValues(string(kind), outcome).Inc()
	if outcome == OutcomeAbandoned && m.outcome == OutcomeCommitted {
		return
	}
	m.outcome = outcome
}

// Greeting opens the call.
func (m *Machine) Greeting(ctx context.Context) Reply {
	m.transition(IntentPending)
	name := m.cfg.Coordinator.Snapshot().BusinessName
	return m.reply(fmt.Sprintf("Thanks for calling %s. I can book, reschedule or cancel an appointment, or check our availability. How can I help you today?", name))
}

// NoInput handles a turn where the caller said nothing in time. After
// MaxNoInput consecutive silent turns the call ends.
func (m *Machine) NoInput(ctx context.Context) Reply {
	m.noInput++
	if m.noInput > m.cfg.MaxNoInput {
		outcome := OutcomeNoInput
		if m.slots.Empty() {
			outcome = ""
		}
		return m.end(sayNoInputEnd, outcome)
	}
	metricReprompts.WithLabelValues("no_input").Inc()
	prompt := m.lastPrompt
	if prompt == "" {
		return m.Greeting(ctx)
	}
	prompt = strings.TrimPrefix(prompt, sayNotCaught)
	r := m.reply(sayNotCaught + prompt)
	m.lastPrompt = prompt
	return r
}

// Abort ends the dialogue because the caller hung up. Partial slots are
// discarded and nothing is committed.
func (m *Machine) Abort() {
	if m.ended {
		return
	}
	if !m.slots.Empty() || m.state == ConfirmingAction {
		m.finish(OutcomeAborted)
		m.log.WithField("slots", m.slots.Map()).Info("caller hung up mid-flow, discarding slots")
	}
	m.slots.Clear()
	m.ended = true
	m.transition(Idle)
}

func (m *Machine) Summary() Summary {
	s := Summary{Intent: string(m.intent), Outcome: m.outcome, BookingID: m.bookingID, Slots: m.record}
	if m.lastKind != "" {
		s.Intent = string(m.lastKind)
	}
	if s.Slots == nil && !m.slots.Empty() {
		s.Slots = m.slots.Map()
	}
	return s
}

// Step handles one finalized caller utterance.
func (m *Machine) Step(ctx context.Context, text string) (Reply, error) {
	if m.ended {
		return Reply{}, errs.E(errs.CodeSessionAborted, "dialogue.Step", "conversation has ended", nil)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return m.NoInput(ctx), nil
	}
	m.noInput = 0
	metricTurns.WithLabelValues(string(m.intent)).Inc()
	if m.state == ActionComplete {
		m.transition(Idle)
	}
	if m.state == ConfirmingAction {
		return m.confirming(ctx, text), nil
	}

	prevPrompt, prevSlots := m.lastPrompt, m.slots
	r := m.turn(ctx, text)
	// the same question again with nothing learned
	if !r.End && r.Text == prevPrompt && m.slots == prevSlots {
		metricReprompts.WithLabelValues("not_understood").Inc()
		r.Text = sayNotCaught + r.Text
	}
	return r, nil
}

// leaving reports whether the caller is done. "No thanks" only ends the
// call when no specific question is open.
func (m *Machine) leaving(text string) bool {
	if isFarewell(text) {
		return true
	}
	open := m.expecting == "" || m.expecting == expectMore
	return open && IsGoodbye(text) || m.expecting == expectMore && IsNegation(text)
}

// guardName keeps an established name unless the caller restates it or
// was asked for it.
func (m *Machine) guardName(e intent.Entities, text string) intent.Entities {
	if m.slots.Name != "" && m.expecting != booking.SlotName && !strings.Contains(strings.ToLower(text), "name") {
		e.Name = ""
	}
	return e
}

func (m *Machine) classify(ctx context.Context, text string) intent.Classification {
	c, err := m.cfg.Classifier.Classify(ctx, text, intent.Hint{Expecting: m.expecting, Current: m.intent})
	if err != nil {
		m.log.WithError(err).Warn("classification failed")
		return intent.Classification{Intent: intent.Other}
	}
	return c
}

var reAvailability = regexp.MustCompile(`\b(available|availability|openings?|open|free|anything)\b`)

func asksAvailability(text string) bool { return reAvailability.MatchString(strings.ToLower(text)) }

func (m *Machine) turn(ctx context.Context, text string) Reply {
	c := m.classify(ctx, text)
	ent := m.guardName(c.Entities, text)

	if c.Intent == intent.Other && m.leaving(text) {
		return m.goodbye()
	}

	// answers to a specific question
	switch m.expecting {
	case expectSelect:
		if slot, ok := m.pick(text); ok {
			if m.intent != intent.Book && m.intent != intent.Reschedule {
				m.begin(intent.Book)
			}
			m.slots.Apply(ent)
			m.slots.When = resolvedAt(slot.Start)
			m.offered = nil
			m.expecting = ""
			return m.advance(ctx)
		}
		if m.intent == intent.QueryAvailability && IsNegation(text) && c.Intent == intent.Other {
			m.intent = intent.Other
			m.offered = nil
			return m.more("No problem. ")
		}
	case expectReturning:
		if r, ok := m.returningAnswer(ctx, text, ent); ok {
			return r
		}
	case expectCallerID:
		if IsConfirmation(text) {
			m.slots.Phone = m.caller
			m.expecting = ""
			m.slots.Apply(ent)
			return m.advance(ctx)
		}
		if IsNegation(text) && ent.Phone == "" {
			return m.ask(booking.SlotPhone, "Okay. What's the best phone number to reach you?")
		}
	case expectAccountPhone:
		m.slots.Apply(ent)
		if ent.Phone == "" {
			return m.reply("Sorry, I didn't catch that. What's the phone number on the account?")
		}
		m.expecting = ""
		if r, ok := m.matchAccount(ctx, ent.Phone); ok {
			return r
		}
		return m.advance(ctx)
	case expectTarget:
		if b, ok := m.pickTarget(text); ok {
			m.slots.Target = &b
			m.targets = nil
			m.expecting = ""
			return m.advance(ctx)
		}
	case expectChange:
		before := m.slots
		m.clearNamed(text)
		m.slots.Apply(ent)
		if r, handled := m.absorbWhen(ctx, text, ent); handled {
			return r
		}
		if m.slots == before {
			return m.reply("What would you like to change: the day and time, the address, or your contact details?")
		}
		m.expecting = ""
		return m.advance(ctx)
	}

	// choose or switch the task
	switch {
	case m.intent == intent.Other:
		in := c.Intent
		if in == intent.Other && (ent.Service != "" || (ent.HasDateTime && !asksAvailability(text))) {
			in = intent.Book
		}
		if in == intent.Other {
			m.slots.Apply(ent)
			m.transition(IntentPending)
			lead := ""
			if m.slots.Name != "" {
				lead = fmt.Sprintf("Hi %s. ", firstName(m.slots.Name))
			}
			return m.ask("", lead+"I can book a new appointment, reschedule or cancel an existing one, or check availability. What would you like to do?")
		}
		m.begin(in)
	case c.Intent != m.intent && (c.Intent == intent.Reschedule || c.Intent == intent.Cancel) && c.Confidence >= 0.6:
		m.log.WithFields(logrus.Fields{"from": m.intent, "to": c.Intent}).Info("caller switched task")
		m.begin(c.Intent)
	case c.Intent == intent.QueryAvailability && m.intent == intent.Book && asksAvailability(text):
		m.slots.Apply(ent)
		return m.availability(ctx, text)
	}

	m.slots.Apply(ent)
	if m.intent == intent.Book {
		if ent.Service != "" && m.slots.Notes == "" {
			m.slots.Notes = text
		}
		if m.expecting == booking.SlotService && m.slots.Service == "" && len(words(text)) >= 2 {
			m.slots.Service = m.cfg.Coordinator.Snapshot().DefaultService
			m.slots.Notes = text
		}
		if m.expecting == booking.SlotEmail && ent.Email == "" && IsNegation(text) && !m.cfg.Coordinator.Policy().RequireBothContacts {
			m.expecting = ""
		}
	}
	if m.intent == intent.QueryAvailability {
		return m.availability(ctx, text)
	}
	if r, handled := m.absorbWhen(ctx, text, ent); handled {
		return r
	}
	return m.advance(ctx)
}

// begin starts a new task. Caller identity carries over, everything else
// is collected again.
func (m *Machine) begin(in intent.Intent) {
	keep := Slots{Name: m.slots.Name, Phone: m.slots.Phone, Email: m.slots.Email, ClientID: m.slots.ClientID}
	m.slots = keep
	m.intent = in
	m.expecting = ""
	m.offered = nil
	m.targets = nil
	m.hint = nil
	m.pendingDay = nil
	m.offeredFile = false
	m.askedEmail = false
	m.transition(CollectingSlots)
}

func (m *Machine) more(lead string) Reply {
	m.transition(ActionComplete)
	return m.ask(expectMore, lead+sayAnythingElse)
}

func (m *Machine) goodbye() Reply {
	outcome := ""
	if !m.slots.Empty() && m.intent != intent.Other {
		outcome = OutcomeAbandoned
	}
	return m.end(sayGoodbye, outcome)
}

func (m *Machine) unavailable(err error) Reply {
	m.log.WithError(err).WithField("code", errs.CodeOf(err)).Error("calendar unavailable, ending call")
	return m.end(sayUnavailable, OutcomeUnavailable)
}

// absorbWhen resolves a date or time in text into the slots. It returns a
// reply when the caller has to be asked again.
func (m *Machine) absorbWhen(ctx context.Context, text string, ent intent.Entities) (Reply, bool) {
	wants := ent.HasDateTime || ent.Vague || m.expecting == booking.SlotWhen
	if !wants || m.intent == intent.Cancel {
		if m.intent == intent.Cancel && ent.HasDateTime && m.slots.Target == nil {
			m.rememberHint(text)
		}
		return Reply{}, false
	}
	if m.intent == intent.Reschedule && m.slots.Target == nil {
		m.rememberHint(text)
		return Reply{}, false
	}
	res := m.cfg.Resolver
	var prior *datetime.Resolved
	switch {
	case m.pendingDay != nil:
		prior = m.pendingDay
	case m.slots.When.Kind != 0:
		p := m.slots.When
		prior = &p
	}
	got, err := res.Resolve(text, prior)
	switch {
	case errs.IsCode(err, errs.CodeVagueTimeRejected):
		m.pendingDay = nil
		return m.rejectVague(ctx), true
	case errs.IsCode(err, errs.CodeAmbiguousDate):
		metricReprompts.WithLabelValues("ambiguous_date").Inc()
		if got.Kind == datetime.DayOfMonth {
			m.pendingDay = &got
			return m.ask(booking.SlotWhen, "Sorry, which month did you mean?"), true
		}
		return m.ask(booking.SlotWhen, "Sorry, which date did you mean? Please tell me the month and the day."), true
	case errs.IsCode(err, errs.CodeInvalidDate):
		metricReprompts.WithLabelValues("invalid_date").Inc()
		m.pendingDay = nil
		return m.ask(booking.SlotWhen, "Sorry, that date doesn't exist. What day would work for you?"), true
	case err != nil:
		if ent.Vague {
			m.pendingDay = nil
			return m.rejectVague(ctx), true
		}
		return Reply{}, false
	}
	m.pendingDay = nil

	today := res.Today()
	if got.HasDate() && got.Date.Before(today) || got.Kind == datetime.Complete && !got.At().After(res.Now()) {
		m.slots.When = datetime.Resolved{}
		return m.ask(booking.SlotWhen, "That time has already passed. What other day and time would work for you?"), true
	}
	snap := m.cfg.Coordinator.Snapshot()
	if got.HasDate() && !snap.IsOpen(got.Date) {
		m.slots.When = datetime.Resolved{}
		return m.ask(booking.SlotWhen, fmt.Sprintf("Sorry, we're closed on %ss. Our hours are %s. What other day works for you?", got.Date.Weekday(), snap.HoursSummary())), true
	}
	m.slots.When = got
	return Reply{}, false
}

func (m *Machine) rememberHint(text string) {
	if got, err := m.cfg.Resolver.Resolve(text, nil); err == nil && got.HasDate() {
		m.hint = &got
	}
}

// rejectVague refuses "ASAP" style answers and offers the earliest
// concrete openings instead.
func (m *Machine) rejectVague(ctx context.Context) Reply {
	metricVagueRejected.Inc()
	m.slots.When = datetime.Resolved{}
	today := m.cfg.Resolver.Today()
	rng := datetime.Range{Start: today, End: today.AddDate(0, 0, 6)}
	free, err := m.cfg.Coordinator.CheckAvailability(ctx, rng, m.cfg.Coordinator.DurationFor(m.slots.Service))
	if err != nil {
		return m.unavailable(err)
	}
	if len(free) == 0 {
		return m.ask(booking.SlotWhen, "I need a specific day and time to book. What day works for you?")
	}
	if len(free) > maxOffered {
		free = free[:maxOffered]
	}
	m.offered = free
	return m.ask(expectSelect, fmt.Sprintf("I can't book a vague time like that, but the earliest I can get someone out is %s. Which works best?", spokenSlots(free, today, "or")))
}

func (m *Machine) advance(ctx context.Context) Reply {
	m.transition(CollectingSlots)
	switch m.intent {
	case intent.Book:
		return m.advanceBook(ctx)
	case intent.Reschedule, intent.Cancel:
		return m.advanceChange(ctx)
	}
	return m.more("")
}

func (m *Machine) advanceBook(ctx context.Context) Reply {
	s := &m.slots
	snap := m.cfg.Coordinator.Snapshot()
	policy := m.cfg.Coordinator.Policy()
	if s.Name == "" {
		return m.ask(booking.SlotName, "Can I get your full name, please?")
	}
	if r, ok := m.identify(ctx); ok {
		return r
	}
	if r, ok := m.offerOnFile(); ok {
		return r
	}
	if s.Phone == "" && (policy.RequireBothContacts || s.Email == "") {
		if m.caller != "" && !m.askedCallerID {
			m.askedCallerID = true
			return m.ask(expectCallerID, fmt.Sprintf("Is the number you're calling from, ending in %s, the best one to reach you?", lastFour(m.caller)))
		}
		if policy.RequireBothContacts {
			return m.ask(booking.SlotPhone, "What's the best phone number to reach you?")
		}
		return m.ask(booking.SlotContact, "What's the best phone number or email to reach you?")
	}
	if s.Email == "" && (policy.RequireBothContacts || !m.askedEmail) {
		m.askedEmail = true
		if policy.RequireBothContacts {
			return m.ask(booking.SlotEmail, "And what's your email address?")
		}
		return m.ask(booking.SlotEmail, "And an email address for the confirmation? You can say no if you'd rather not.")
	}
	if s.Address == "" {
		return m.ask(booking.SlotAddress, "What's the address where you need the work done?")
	}
	if s.Service == "" {
		return m.ask(booking.SlotService, fmt.Sprintf("What can we help you with? We do %s.", join(snap.ServiceNames(), "and")))
	}
	if s.Urgency == "" {
		return m.ask(booking.SlotUrgency, fmt.Sprintf("How urgent is it? Would you call it %s?", join(snap.UrgencyNames(), "or")))
	}
	if r, ok := m.needWhen(ctx); ok {
		return r
	}
	if missing := booking.MissingSlots(s.Action(booking.Book, m.cfg.CallID), policy); len(missing) > 0 {
		m.log.WithField("missing", missing).Warn("slots still missing before confirmation")
		return m.ask(missing[0], "Sorry, could you tell me your "+missing[0]+" again?")
	}
	return m.confirm()
}

// needWhen asks for the missing part of the datetime, or checks a complete
// one against the calendar and offers alternatives when it is taken.
func (m *Machine) needWhen(ctx context.Context) (Reply, bool) {
	s := &m.slots
	today := m.cfg.Resolver.Today()
	switch s.When.Kind {
	case datetime.DateOnly:
		return m.ask(booking.SlotWhen, fmt.Sprintf("What time %s works for you?", onDay(s.When.Date, today))), true
	case datetime.TimeOnly:
		return m.ask(booking.SlotWhen, fmt.Sprintf("And which day would you like at %s?", spokenWhen(s.When, today))), true
	case datetime.Complete:
	default:
		if m.intent == intent.Reschedule {
			return m.ask(booking.SlotWhen, "What day and time would you like to move it to?"), true
		}
		return m.ask(booking.SlotWhen, "What day and time would work for you?"), true
	}

	service := s.Service
	if s.Target != nil {
		service = s.Target.Service
	}
	free, alts, err := m.cfg.Coordinator.Check(ctx, s.When.At(), m.cfg.Coordinator.DurationFor(service))
	if err != nil {
		return m.unavailable(err), true
	}
	if free {
		return Reply{}, false
	}
	return m.offerAlternatives("Sorry, "+spokenWhen(s.When, today)+" isn't available.", alts), true
}

func onDay(day, today time.Time) string {
	d := spokenDay(day, today)
	if d == "today" || d == "tomorrow" {
		return d
	}
	return "on " + d
}

func (m *Machine) offerAlternatives(lead string, alts []calendar.Slot) Reply {
	today := m.cfg.Resolver.Today()
	wanted := m.slots.When
	if wanted.HasDate() {
		m.slots.When = datetime.Resolved{Date: wanted.Date, Kind: datetime.DateOnly}
	} else {
		m.slots.When = datetime.Resolved{}
	}
	if len(alts) == 0 {
		m.slots.When = datetime.Resolved{}
		return m.ask(booking.SlotWhen, lead+" I don't have anything open around then. What other day would work?")
	}
	m.offered = alts
	return m.ask(expectSelect, fmt.Sprintf("%s I can do %s. Which works best?", lead, spokenSlots(alts, today, "or")))
}

// pick matches the caller's choice against the offered slots: an ordinal
// ("the second one"), a time ("2pm") or a day and time.
func (m *Machine) pick(text string) (calendar.Slot, bool) {
	if len(m.offered) == 0 {
		return calendar.Slot{}, false
	}
	if i, ok := ordinal(text, len(m.offered)); ok {
		return m.offered[i], true
	}
	if len(m.offered) == 1 && IsConfirmation(text) {
		return m.offered[0], true
	}
	got, err := m.cfg.Resolver.Resolve(text, nil)
	if err != nil {
		return calendar.Slot{}, false
	}
	for _, s := range m.offered {
		at := resolvedAt(s.Start.In(m.cfg.Resolver.Location()))
		switch got.Kind {
		case datetime.TimeOnly:
			if at.Hour == got.Hour && at.Minute == got.Minute {
				return s, true
			}
		case datetime.Complete:
			if at.At().Equal(got.At()) {
				return s, true
			}
		case datetime.DateOnly:
			if sameDay(at.Date, got.Date) {
				return s, true
			}
		}
	}
	return calendar.Slot{}, false
}

var ordinals = map[string]int{
	"first": 0, "1st": 0, "earliest": 0, "soonest": 0,
	"second": 1, "2nd": 1, "middle": 1,
	"third": 2, "3rd": 2,
}

var optionNumbers = map[string]int{"one": 0, "1": 0, "two": 1, "2": 1, "three": 2, "3": 2}

func ordinal(text string, n int) (int, bool) {
	ws := words(text)
	for i, w := range ws {
		if w == "last" || w == "latest" || w == "later" {
			return n - 1, true
		}
		if (w == "option" || w == "number") && i+1 < len(ws) {
			if k, ok := optionNumbers[ws[i+1]]; ok && k < n {
				return k, true
			}
		}
		if k, ok := ordinals[w]; ok && k < n {
			// "the fifth" is a date, "the first one" is a choice
			if i+1 < len(ws) && (ws[i+1] == "of" || monthWord(ws[i+1])) {
				continue
			}
			return k, true
		}
	}
	return 0, false
}

func monthWord(w string) bool {
	for _, mo := range []string{"january", "february", "march", "april", "may", "june", "july", "august", "september", "october", "november", "december"} {
		if w == mo {
			return true
		}
	}
	return false
}

func (m *Machine) confirm() Reply {
	m.transition(ConfirmingAction)
	m.expecting = ""
	s := m.slots
	today := m.cfg.Resolver.Today()
	var text string
	switch m.intent {
	case intent.Book:
		contact := []string{}
		if s.Phone != "" {
			contact = append(contact, "the number ending in "+lastFour(s.Phone))
		}
		if s.Email != "" {
			contact = append(contact, s.Email)
		}
		text = fmt.Sprintf("Let me make sure I have this right: %s for %s at %s, %s, with %s urgency. We'll reach you at %s. Should I go ahead and book it?",
			article(s.Service), s.Name, s.Address, spokenWhen(s.When, today), s.Urgency, join(contact, "and"))
	case intent.Reschedule:
		text = fmt.Sprintf("Just to confirm, you'd like to move your %s to %s. Is that right?", spokenBooking(*s.Target, today), spokenWhen(s.When, today))
	case intent.Cancel:
		text = fmt.Sprintf("Just to confirm, you'd like to cancel your %s. Is that right?", spokenBooking(*s.Target, today))
	}
	return m.reply(text)
}

func (m *Machine) confirming(ctx context.Context, text string) Reply {
	if IsConfirmation(text) {
		return m.execute(ctx)
	}
	c := m.classify(ctx, text)
	ent := m.guardName(c.Entities, text)
	before := m.slots
	m.clearNamed(text)
	m.slots.Apply(ent)
	if ent.HasDateTime || ent.Vague {
		m.transition(CollectingSlots)
		if r, handled := m.absorbWhen(ctx, text, ent); handled {
			return r
		}
	}
	if m.slots != before {
		return m.advance(ctx)
	}
	if IsNegation(text) {
		m.transition(CollectingSlots)
		return m.ask(expectChange, sayWhatChange)
	}
	metricReprompts.WithLabelValues("confirmation").Inc()
	prompt := m.confirm().Text
	return m.reply(sayNeedYesNo + prompt)
}

// clearNamed drops the slots the caller says are wrong ("the time is wrong").
func (m *Machine) clearNamed(text string) {
	low := " " + strings.Join(words(text), " ") + " "
	has := func(ws ...string) bool {
		for _, w := range ws {
			if strings.Contains(low, " "+w+" ") {
				return true
			}
		}
		return false
	}
	switch {
	case has("time", "day", "date", "when"):
		m.slots.When = datetime.Resolved{}
	case has("address", "street"):
		m.slots.Address = ""
	case has("email"):
		m.slots.Email = ""
	case has("phone", "number"):
		m.slots.Phone = ""
	case has("name"):
		m.slots.Name = ""
		m.lookedUp = ""
	case has("service", "job", "problem"):
		m.slots.Service = ""
	case has("urgency", "urgent"):
		m.slots.Urgency = ""
	}
}

func kindOf(in intent.Intent) booking.Kind {
	switch in {
	case intent.Reschedule:
		return booking.Reschedule
	case intent.Cancel:
		return booking.Cancel
	}
	return booking.Book
}

func (m *Machine) execute(ctx context.Context) Reply {
	m.transition(ExecutingAction)
	a := m.slots.Action(kindOf(m.intent), m.cfg.CallID)
	res, err := m.cfg.Coordinator.Commit(ctx, a)
	if err != nil {
		if errs.IsCode(err, errs.CodeMissingMandatorySlot) {
			m.log.WithError(err).Error("commit refused with missing slots")
			return m.advance(ctx)
		}
		return m.unavailable(err)
	}
	today := m.cfg.Resolver.Today()
	switch res.Outcome {
	case booking.Conflict:
		m.transition(CollectingSlots)
		return m.offerAlternatives("Sorry, that time was just taken.", res.Alternatives)
	case booking.Rejected:
		switch res.Reason {
		case booking.ReasonNotActive, booking.ReasonNotFound:
			m.finish(OutcomeNotFound)
			m.lastKind = m.intent
			m.slots.Clear()
			m.intent = intent.Other
			return m.more("Sorry, I couldn't find that appointment anymore. ")
		case booking.ReasonTooSoon:
			m.transition(CollectingSlots)
			return m.offerAlternatives("Sorry, that's too soon for us to get someone out.", res.Alternatives)
		}
		m.transition(CollectingSlots)
		return m.offerAlternatives("Sorry, we're not open then.", res.Alternatives)
	}

	var text string
	switch a.Kind {
	case booking.Book:
		text = fmt.Sprintf("You're all set for %s. We'll see you at %s. ", spokenWhen(m.slots.When, today), m.slots.Address)
	case booking.Reschedule:
		text = fmt.Sprintf("Done. Your %s is now %s. ", res.Booking.Service, spokenWhen(m.slots.When, today))
	case booking.Cancel:
		text = fmt.Sprintf("Your %s has been cancelled. ", spokenBooking(res.Booking, today))
	}
	m.record = m.slots.Map()
	m.bookingID = res.Booking.ID
	m.finish(OutcomeCommitted)
	m.lastKind = m.intent
	m.log.WithFields(logrus.Fields{"kind": a.Kind, "booking_id": res.Booking.ID}).Info("action committed")

	m.slots.Clear()
	m.intent = intent.Other
	r := m.more(text)
	r.Result = &res
	return r
}

// availability answers a question about open slots for a day or range.
func (m *Machine) availability(ctx context.Context, text string) Reply {
	res := m.cfg.Resolver
	rng, err := res.ResolveRange(text)
	if err != nil {
		return m.ask(booking.SlotWhen, "Which day or week would you like me to check?")
	}
	today := res.Today()
	if rng.End.Before(today) {
		return m.ask(booking.SlotWhen, "That's already passed. Which day or week would you like me to check?")
	}
	if rng.Start.Before(today) {
		rng.Start = today
	}
	free, err := m.cfg.Coordinator.CheckAvailability(ctx, rng, m.cfg.Coordinator.DurationFor(m.slots.Service))
	if err != nil {
		return m.unavailable(err)
	}
	span := "on " + spokenDay(rng.Start, today)
	if !sameDay(rng.Start, rng.End) {
		span = fmt.Sprintf("between %s and %s", spokenDay(rng.Start, today), spokenDay(rng.End, today))
	}
	if len(free) == 0 {
		return m.ask(booking.SlotWhen, fmt.Sprintf("I don't have any openings %s. Would you like me to check another day?", span))
	}
	if m.intent == intent.QueryAvailability {
		m.finish(OutcomeAnswered)
		m.transition(ActionComplete)
	}
	offer := free
	if len(offer) > maxOffered {
		offer = offer[:maxOffered]
	}
	m.offered = offer
	days := map[string]bool{}
	for _, s := range free {
		days[s.Start.Format("2006-01-02")] = true
	}
	count := fmt.Sprintf("%d openings", len(free))
	if len(free) == 1 {
		count = "one opening"
	}
	if len(days) > 1 {
		count += fmt.Sprintf(" across %d days", len(days))
	}
	earliest := "The earliest are"
	if len(offer) == 1 {
		earliest = "It's"
	}
	return m.ask(expectSelect, fmt.Sprintf("I have %s %s. %s %s. Would you like one of those?", count, span, earliest, spokenSlots(offer, today, "and")))
}
