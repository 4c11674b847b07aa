package dialogue

import (
	"bookline/agent/internal/booking"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/intent"
	"bookline/agent/internal/storage"
)

// Slots is the booking information gathered for the current intent of one
// call. It lives on the Machine and is cleared when an action completes or
// is abandoned.
type Slots struct {
	Name    string
	Phone   string
	Email   string
	Address string
	Service string
	Urgency string
	Notes   string
	When    datetime.Resolved

	// returning caller
	ClientID string

	// the existing booking a reschedule or cancel applies to
	Target *storage.Booking
}

func (s *Slots) Clear() { *s = Slots{} }

// Empty reports whether nothing has been collected yet.
func (s Slots) Empty() bool {
	return s.Name == "" && s.Phone == "" && s.Email == "" && s.Address == "" &&
		s.Service == "" && s.Urgency == "" && s.When.Kind == 0 && s.Target == nil
}

// Apply copies the non-empty entities into the slots. Later answers
// overwrite earlier ones, so a caller can correct a value by restating it.
// It reports whether anything changed.
func (s *Slots) Apply(e intent.Entities) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&s.Name, e.Name)
	set(&s.Phone, e.Phone)
	set(&s.Email, e.Email)
	set(&s.Address, e.Address)
	set(&s.Service, e.Service)
	set(&s.Urgency, e.Urgency)
	return changed
}

// Action builds the coordinator request for kind from the slots.
func (s Slots) Action(kind booking.Kind, callID string) booking.Action {
	a := booking.Action{
		Kind:     kind,
		CallID:   callID,
		ClientID: s.ClientID,
		Name:     s.Name,
		Phone:    s.Phone,
		Email:    s.Email,
		Address:  s.Address,
		Service:  s.Service,
		Urgency:  s.Urgency,
		Notes:    s.Notes,
		When:     s.When,
	}
	if s.Target != nil {
		a.BookingID = s.Target.ID
	}
	return a
}

// Map renders the slots for the call summary.
func (s Slots) Map() map[string]string {
	out := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put(booking.SlotName, s.Name)
	put(booking.SlotPhone, s.Phone)
	put(booking.SlotEmail, s.Email)
	put(booking.SlotAddress, s.Address)
	put(booking.SlotService, s.Service)
	put(booking.SlotUrgency, s.Urgency)
	if s.When.Kind != 0 {
		put(booking.SlotWhen, s.When.String())
	}
	if s.Target != nil {
		put(booking.SlotBookingID, s.Target.ID)
	}
	return out
}
