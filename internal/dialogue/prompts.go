package dialogue

import (
	"fmt"
	"strings"
	"time"

	"bookline/agent/internal/calendar"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/storage"
)

func resolvedAt(t time.Time) datetime.Resolved {
	return datetime.Resolved{
		Date:   time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Kind:   datetime.Complete,
	}
}

// spokenDay says a date relative to today when it is close.
func spokenDay(day, today time.Time) string {
	switch {
	case sameDay(day, today):
		return "today"
	case sameDay(day, today.AddDate(0, 0, 1)):
		return "tomorrow"
	}
	return day.Format("Monday, January 2")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func spokenClock(h, m int) string {
	return datetime.Resolved{Hour: h, Minute: m, Kind: datetime.TimeOnly}.String()
}

// spokenWhen renders a resolved value for speech.
func spokenWhen(r datetime.Resolved, today time.Time) string {
	switch r.Kind {
	case datetime.DateOnly:
		return spokenDay(r.Date, today)
	case datetime.TimeOnly:
		return spokenClock(r.Hour, r.Minute)
	case datetime.Complete:
		return spokenDay(r.Date, today) + " at " + spokenClock(r.Hour, r.Minute)
	}
	return ""
}

func spokenSlot(s calendar.Slot, today time.Time) string {
	return spokenWhen(resolvedAt(s.Start), today)
}

// spokenSlots lists slots, naming each day once: "Monday, October 19 at
// 8 AM, 9 AM or 10 AM".
func spokenSlots(slots []calendar.Slot, today time.Time, conj string) string {
	var groups []string
	for i := 0; i < len(slots); {
		day := slots[i].Start
		var clocks []string
		j := i
		for ; j < len(slots) && sameDay(slots[j].Start, day); j++ {
			clocks = append(clocks, spokenClock(slots[j].Start.Hour(), slots[j].Start.Minute()))
		}
		groups = append(groups, spokenDay(day, today)+" at "+join(clocks, conj))
		i = j
	}
	return join(groups, conj)
}

func join(items []string, conj string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " " + conj + " " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", " + conj + " " + items[len(items)-1]
}

func lastFour(phone string) string {
	if len(phone) < 4 {
		return phone
	}
	return phone[len(phone)-4:]
}

func spokenBooking(b storage.Booking, today time.Time) string {
	return fmt.Sprintf("%s on %s", b.Service, spokenSlot(calendar.Slot{Start: b.Start, End: b.End}, today))
}

func firstName(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return name
}

func article(noun string) string {
	if noun == "" {
		return ""
	}
	switch noun[0] {
	case 'a', 'e', 'i', 'o', 'u':
		return "an " + noun
	}
	return "a " + noun
}

const (
	sayNotCaught    = "Sorry, I didn't catch that. "
	sayNeedYesNo    = "Sorry, I just need a yes or a no. "
	sayAnythingElse = "Is there anything else I can help you with?"
	sayGoodbye      = "Thanks for calling. Goodbye!"
	sayUnavailable  = "I'm sorry, I'm having trouble reaching our scheduling system right now. Please call back in a little while and we'll get you taken care of. Goodbye."
	sayNoInputEnd   = "I haven't heard anything, so I'll hang up now. Please call back anytime. Goodbye."
	sayWhatChange   = "No problem. What would you like to change?"
)
