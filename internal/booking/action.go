package booking

import (
	"strings"
	"time"

	"bookline/agent/internal/calendar"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/storage"
)

type Kind string

const (
	Book       Kind = "book"
	Reschedule Kind = "reschedule"
	Cancel     Kind = "cancel"
)

// Slot names used in MissingSlots and in the dialogue.
const (
	SlotName      = "name"
	SlotPhone     = "phone"
	SlotEmail     = "email"
	SlotContact   = "contact"
	SlotAddress   = "address"
	SlotService   = "service"
	SlotWhen      = "datetime"
	SlotUrgency   = "urgency"
	SlotBookingID = "booking"
)

// Action is a fully described request to change the calendar.
type Action struct {
	Kind   Kind
	CallID string

	ClientID string
	Name     string
	Phone    string
	Email    string
	Address  string
	Service  string
	Urgency  string
	Notes    string

	When datetime.Resolved

	// existing booking for Reschedule and Cancel
	BookingID string
}

// Policy holds per-deployment validation switches.
type Policy struct {
	RequireBothContacts bool
}

// MissingSlots lists mandatory fields that are empty for the action kind.
// A datetime that is not Complete counts as missing.
func MissingSlots(a Action, p Policy) []string {
	var out []string
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }
	switch a.Kind {
	case Book:
		if blank(a.Name) {
			out = append(out, SlotName)
		}
		if p.RequireBothContacts {
			if blank(a.Phone) {
				out = append(out, SlotPhone)
			}
			if blank(a.Email) {
				out = append(out, SlotEmail)
			}
		} else if blank(a.Phone) && blank(a.Email) {
			out = append(out, SlotContact)
		}
		if blank(a.Address) {
			out = append(out, SlotAddress)
		}
		if blank(a.Service) {
			out = append(out, SlotService)
		}
		if a.When.Kind != datetime.Complete {
			out = append(out, SlotWhen)
		}
		if blank(a.Urgency) {
			out = append(out, SlotUrgency)
		}
	case Reschedule:
		if blank(a.BookingID) {
			out = append(out, SlotBookingID)
		}
		if a.When.Kind != datetime.Complete {
			out = append(out, SlotWhen)
		}
	case Cancel:
		if blank(a.BookingID) {
			out = append(out, SlotBookingID)
		}
	}
	return out
}

type Outcome string

const (
	Committed Outcome = "committed"
	Conflict  Outcome = "conflict"
	Rejected  Outcome = "rejected"
)

// Rejection reasons.
const (
	ReasonClosed    = "outside_business_hours"
	ReasonTooSoon   = "too_soon"
	ReasonNotActive = "booking_not_active"
	ReasonNotFound  = "booking_not_found"
)

// Result is what Commit did. Alternatives are offered, never chosen.
type Result struct {
	Outcome      Outcome
	Booking      storage.Booking
	Previous     *storage.Booking
	Alternatives []calendar.Slot
	Reason       string
}

// Code maps a non-committed outcome onto the error taxonomy.
func (r Result) Code() errs.Code {
	if r.Outcome == Conflict {
		return errs.CodeCalendarConflict
	}
	return ""
}

// DurationFor is the slot length booked for an action.
func (c *Coordinator) DurationFor(service string) time.Duration {
	return c.snap.ServiceDuration(service)
}
