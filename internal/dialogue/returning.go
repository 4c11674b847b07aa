package dialogue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bookline/agent/internal/booking"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/intent"
	"bookline/agent/internal/storage"
)

// identify looks the caller's name up once per name. A single match
// becomes the known client. Several matches are narrowed by the caller ID,
// and failing that by asking for the phone number on the account.
func (m *Machine) identify(ctx context.Context) (Reply, bool) {
	key := storage.NormalizeName(m.slots.Name)
	if key == "" || m.lookedUp == key {
		return Reply{}, false
	}
	m.lookedUp = key
	m.client, m.candidates = nil, nil
	if m.slots.ClientID != "" && m.intent == intent.Book {
		// a different name than the client carried over from an earlier task
		m.slots.ClientID = ""
	}
	found, err := m.cfg.Clients.FindClientsByName(ctx, m.slots.Name)
	if err != nil {
		m.log.WithError(err).Warn("client lookup failed, treating caller as new")
		return Reply{}, false
	}
	switch len(found) {
	case 0:
		metricReturning.WithLabelValues("none").Inc()
		return Reply{}, false
	case 1:
		metricReturning.WithLabelValues("single").Inc()
		m.known(found[0])
		return Reply{}, false
	}
	metricReturning.WithLabelValues("ambiguous").Inc()
	for _, phone := range []string{m.slots.Phone, m.caller} {
		if c, ok := byPhone(found, phone); ok {
			metricReturning.WithLabelValues("resolved").Inc()
			m.known(c)
			return Reply{}, false
		}
	}
	m.candidates = found
	return m.ask(expectAccountPhone, fmt.Sprintf("I have more than one customer named %s. What's the phone number on the account?", m.slots.Name)), true
}

func byPhone(cs []storage.Client, phone string) (storage.Client, bool) {
	if phone == "" {
		return storage.Client{}, false
	}
	var hit []storage.Client
	for _, c := range cs {
		if storage.NormalizePhone(c.Phone) == phone {
			hit = append(hit, c)
		}
	}
	if len(hit) == 1 {
		return hit[0], true
	}
	return storage.Client{}, false
}

func (m *Machine) known(c storage.Client) {
	m.client = &c
	m.candidates = nil
	m.slots.ClientID = c.ID
	m.offeredFile = false
	m.log.WithField("client_id", c.ID).Info("returning caller")
}

// matchAccount settles a same-name ambiguity with the phone number the
// caller gave.
func (m *Machine) matchAccount(ctx context.Context, phone string) (Reply, bool) {
	c, ok := byPhone(m.candidates, phone)
	m.candidates = nil
	if ok {
		metricReturning.WithLabelValues("resolved").Inc()
		m.known(c)
		return Reply{}, false
	}
	if m.intent == intent.Book {
		r := m.advance(ctx)
		r.Text = "I couldn't find that number on file, so I'll set this up fresh. " + r.Text
		m.lastPrompt = r.Text
		return r, true
	}
	return m.notFound(), true
}

// onFile lists what the stored client can fill in.
func (m *Machine) onFile() []string {
	c, s := m.client, m.slots
	var parts []string
	if c.Address != "" && s.Address == "" {
		parts = append(parts, "the same address as last time, "+c.Address)
	}
	if c.Phone != "" && s.Phone == "" {
		parts = append(parts, "the number ending in "+lastFour(storage.NormalizePhone(c.Phone)))
	}
	if c.Email != "" && s.Email == "" {
		parts = append(parts, "your email on file, "+c.Email)
	}
	return parts
}

// offerOnFile reads stored details back to a returning caller instead of
// collecting them again.
func (m *Machine) offerOnFile() (Reply, bool) {
	if m.client == nil || m.offeredFile {
		return Reply{}, false
	}
	parts := m.onFile()
	if len(parts) == 0 {
		return Reply{}, false
	}
	m.offeredFile = true
	return m.ask(expectReturning, fmt.Sprintf("Welcome back, %s! Should we use %s, or is something different?", firstName(m.slots.Name), join(parts, "and"))), true
}

func (m *Machine) useOnFile() {
	c, s := m.client, &m.slots
	if s.Address == "" {
		s.Address = c.Address
	}
	if s.Phone == "" {
		s.Phone = storage.NormalizePhone(c.Phone)
	}
	if s.Email == "" {
		s.Email = c.Email
	}
}

func (m *Machine) returningAnswer(ctx context.Context, text string, ent intent.Entities) (Reply, bool) {
	low := " " + strings.Join(words(text), " ") + " "
	same := containsWord(low, "same")
	different := containsWord(low, "different") || containsWord(low, "new") || containsWord(low, "changed")
	switch {
	case (IsConfirmation(text) || same) && !different && !IsNegation(text):
		m.slots.Apply(ent)
		m.useOnFile()
	case ent.Address != "" || ent.Phone != "" || ent.Email != "":
		// new details given; keep what the caller did not replace
		m.slots.Apply(ent)
		m.useOnFile()
	case IsNegation(text) || different:
		m.slots.Apply(ent)
	default:
		return Reply{}, false
	}
	m.expecting = ""
	return m.advance(ctx), true
}

func containsWord(padded, w string) bool { return strings.Contains(padded, " "+w+" ") }

// advanceChange collects what a reschedule or cancel needs: whose
// appointment, which one, and for a reschedule the new time.
func (m *Machine) advanceChange(ctx context.Context) Reply {
	s := &m.slots
	if s.Target == nil {
		if s.Name == "" {
			return m.ask(booking.SlotName, "Sure. What name is the appointment under?")
		}
		if r, ok := m.identify(ctx); ok {
			return r
		}
		if s.ClientID == "" {
			return m.notFound()
		}
		if m.targets == nil {
			found, err := m.cfg.Coordinator.FindForClient(ctx, s.ClientID, m.hintTime())
			if err != nil {
				return m.unavailable(err)
			}
			if len(found) == 0 {
				return m.notFound()
			}
			if len(found) == 1 || (m.hint != nil && sameDay(found[0].Start.In(m.cfg.Resolver.Location()), m.hint.Date)) {
				b := found[0]
				s.Target = &b
			} else {
				if len(found) > maxOffered {
					found = found[:maxOffered]
				}
				m.targets = found
				today := m.cfg.Resolver.Today()
				var opts []string
				for _, b := range found {
					opts = append(opts, "your "+spokenBooking(b, today))
				}
				return m.ask(expectTarget, fmt.Sprintf("I see a few appointments: %s. Which one do you mean?", join(opts, "or")))
			}
		}
		if s.Target == nil {
			today := m.cfg.Resolver.Today()
			var opts []string
			for _, b := range m.targets {
				opts = append(opts, "your "+spokenBooking(b, today))
			}
			return m.ask(expectTarget, fmt.Sprintf("Which appointment do you mean: %s?", join(opts, "or")))
		}
	}
	if m.intent == intent.Reschedule {
		if s.When.Kind == 0 {
			today := m.cfg.Resolver.Today()
			return m.ask(booking.SlotWhen, fmt.Sprintf("I have your %s. What day and time would you like to move it to?", spokenBooking(*s.Target, today)))
		}
		if r, ok := m.needWhen(ctx); ok {
			return r
		}
	}
	return m.confirm()
}

// hintTime is the approximate time of the existing booking the caller
// mentioned, if any.
func (m *Machine) hintTime() time.Time {
	switch {
	case m.hint == nil:
		return time.Time{}
	case m.hint.Kind == datetime.Complete:
		return m.hint.At()
	}
	return m.hint.Date
}

func (m *Machine) notFound() Reply {
	name := m.slots.Name
	m.finish(OutcomeNotFound)
	m.lastKind = m.intent
	m.slots.Clear()
	m.intent = intent.Other
	m.targets = nil
	return m.more(fmt.Sprintf("I couldn't find an upcoming appointment under %s. ", name))
}

// pickTarget matches the caller's choice among the listed bookings by
// ordinal, day or service.
func (m *Machine) pickTarget(text string) (storage.Booking, bool) {
	if len(m.targets) == 0 {
		return storage.Booking{}, false
	}
	if i, ok := ordinal(text, len(m.targets)); ok {
		return m.targets[i], true
	}
	if got, err := m.cfg.Resolver.Resolve(text, nil); err == nil {
		for _, b := range m.targets {
			start := b.Start.In(m.cfg.Resolver.Location())
			if got.HasDate() && !sameDay(start, got.Date) {
				continue
			}
			if got.HasTime() && (start.Hour() != got.Hour || start.Minute() != got.Minute) {
				continue
			}
			return b, true
		}
	}
	if svc, ok := m.cfg.Coordinator.Snapshot().MatchService(text); ok {
		var hit []storage.Booking
		for _, b := range m.targets {
			if b.Service == svc.Name {
				hit = append(hit, b)
			}
		}
		if len(hit) == 1 {
			return hit[0], true
		}
	}
	return storage.Booking{}, false
}
