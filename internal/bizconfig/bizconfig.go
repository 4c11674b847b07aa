package bizconfig

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
)

// Hours are wall-clock opening hours, "08:00" style.
type Hours struct {
	Open  string `json:"open" mapstructure:"open"`
	Close string `json:"close" mapstructure:"close"`
}

type Service struct {
	Name            string   `json:"name" mapstructure:"name"`
	Aliases         []string `json:"aliases" mapstructure:"aliases"`
	Description     string   `json:"description" mapstructure:"description"`
	DurationMinutes int      `json:"duration_minutes" mapstructure:"duration_minutes"`
	PriceCents      int64    `json:"price_cents" mapstructure:"price_cents"`
}

func (s Service) Duration() time.Duration { return time.Duration(s.DurationMinutes) * time.Minute }

// UrgencyTier describes how quickly a job must be done and what that costs.
type UrgencyTier struct {
	Name            string   `json:"name" mapstructure:"name"`
	Keywords        []string `json:"keywords" mapstructure:"keywords"`
	Description     string   `json:"description" mapstructure:"description"`
	PriceMultiplier float64  `json:"price_multiplier" mapstructure:"price_multiplier"`
	Priority        int      `json:"priority" mapstructure:"priority"`
}

// Snapshot is the read-only business configuration used for one call.
type Snapshot struct {
	BusinessName    string           `json:"business_name" mapstructure:"business_name"`
	Timezone        string           `json:"timezone" mapstructure:"timezone"`
	Hours           map[string]Hours `json:"hours" mapstructure:"hours"` // keyed by lowercase weekday name
	SlotStepMinutes int              `json:"slot_step_minutes" mapstructure:"slot_step_minutes"`
	LeadTimeMinutes int              `json:"lead_time_minutes" mapstructure:"lead_time_minutes"`
	DefaultService  string           `json:"default_service" mapstructure:"default_service"`
	Services        []Service        `json:"services" mapstructure:"services"`
	Urgency         []UrgencyTier    `json:"urgency" mapstructure:"urgency"`
}

// Provider exposes the business configuration. Load is called once per call.
type Provider interface {
	Load(ctx context.Context) (Snapshot, error)
}

// Static serves a fixed snapshot.
type Static struct{ Snapshot Snapshot }

func (s Static) Load(ctx context.Context) (Snapshot, error) { return s.Snapshot, nil }

func (s Snapshot) Validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("bizconfig: timezone %q: %w", s.Timezone, err)
	}
	if len(s.Hours) == 0 {
		return fmt.Errorf("bizconfig: no open days")
	}
	for day, h := range s.Hours {
		o, err1 := parseClock(h.Open)
		c, err2 := parseClock(h.Close)
		if err1 != nil || err2 != nil || c <= o {
			return fmt.Errorf("bizconfig: bad hours for %s: %s-%s", day, h.Open, h.Close)
		}
	}
	for _, svc := range s.Services {
		if svc.Name == "" || svc.DurationMinutes <= 0 {
			return fmt.Errorf("bizconfig: service %q needs a name and duration", svc.Name)
		}
	}
	return nil
}

func (s Snapshot) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s Snapshot) SlotStep() time.Duration {
	if s.SlotStepMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.SlotStepMinutes) * time.Minute
}

func (s Snapshot) LeadTime() time.Duration { return time.Duration(s.LeadTimeMinutes) * time.Minute }

// WindowFor returns opening and closing instants for the given day.
func (s Snapshot) WindowFor(day time.Time) (open, close time.Time, ok bool) {
	h, found := s.Hours[strings.ToLower(day.Weekday().String())]
	if !found {
		return time.Time{}, time.Time{}, false
	}
	o, err1 := parseClock(h.Open)
	c, err2 := parseClock(h.Close)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	loc := s.Location()
	d := day.In(loc)
	mid := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return mid.Add(o), mid.Add(c), true
}

func (s Snapshot) IsOpen(day time.Time) bool {
	_, _, ok := s.WindowFor(day)
	return ok
}

// Within reports whether [start, start+d) falls inside opening hours.
func (s Snapshot) Within(start time.Time, d time.Duration) bool {
	open, close, ok := s.WindowFor(start)
	if !ok {
		return false
	}
	return !start.Before(open) && !start.Add(d).After(close)
}

func (s Snapshot) OpenDays() []time.Weekday {
	var out []time.Weekday
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if _, ok := s.Hours[strings.ToLower(wd.String())]; ok {
			out = append(out, wd)
		}
	}
	return out
}

// HoursSummary renders the opening hours for speech.
func (s Snapshot) HoursSummary() string {
	var parts []string
	for _, wd := range s.OpenDays() {
		h := s.Hours[strings.ToLower(wd.String())]
		parts = append(parts, fmt.Sprintf("%s %s to %s", wd, spokenClock(h.Open), spokenClock(h.Close)))
	}
	return strings.Join(parts, ", ")
}

func (s Snapshot) Service(name string) (Service, bool) {
	for _, svc := range s.Services {
		if strings.EqualFold(svc.Name, name) {
			return svc, true
		}
	}
	return Service{}, false
}

// ServiceDuration is the booking length for name, falling back to one hour.
func (s Snapshot) ServiceDuration(name string) time.Duration {
	if svc, ok := s.Service(name); ok {
		return svc.Duration()
	}
	if svc, ok := s.Service(s.DefaultService); ok {
		return svc.Duration()
	}
	return time.Hour
}

// MatchService finds the catalog entry mentioned in text. Exact phrase
// matches win; otherwise a single word within edit distance is accepted.
func (s Snapshot) MatchService(text string) (Service, bool) {
	lower := " " + strings.Join(strings.Fields(strings.ToLower(stripPunct(text))), " ") + " "
	best, bestLen := Service{}, 0
	for _, svc := range s.Services {
		for _, phrase := range append([]string{svc.Name}, svc.Aliases...) {
			p := strings.ToLower(strings.TrimSpace(phrase))
			if p != "" && strings.Contains(lower, " "+p+" ") && len(p) > bestLen {
				best, bestLen = svc, len(p)
			}
		}
	}
	if bestLen > 0 {
		return best, true
	}
	words := strings.Fields(lower)
	for _, svc := range s.Services {
		for _, phrase := range append([]string{svc.Name}, svc.Aliases...) {
			p := strings.ToLower(strings.TrimSpace(phrase))
			if strings.Contains(p, " ") || len(p) < 5 {
				continue
			}
			for _, w := range words {
				if len(w) >= 5 && levenshtein.ComputeDistance(w, p) <= 1 {
					return svc, true
				}
			}
		}
	}
	return Service{}, false
}

// MatchUrgency picks the tier with the longest keyword found in text, so
// "not urgent" beats "urgent". Ties go to the higher priority tier.
func (s Snapshot) MatchUrgency(text string) (UrgencyTier, bool) {
	lower := " " + strings.Join(strings.Fields(strings.ToLower(stripPunct(text))), " ") + " "
	tiers := append([]UrgencyTier(nil), s.Urgency...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Priority > tiers[j].Priority })
	best, bestLen := UrgencyTier{}, 0
	for _, t := range tiers {
		for _, k := range append([]string{t.Name}, t.Keywords...) {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" && len(k) > bestLen && strings.Contains(lower, " "+k+" ") {
				best, bestLen = t, len(k)
			}
		}
	}
	return best, bestLen > 0
}

func (s Snapshot) UrgencyNames() []string {
	out := make([]string, 0, len(s.Urgency))
	for _, t := range s.Urgency {
		out = append(out, t.Name)
	}
	return out
}

func (s Snapshot) ServiceNames() []string {
	out := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		out = append(out, svc.Name)
	}
	return out
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func spokenClock(s string) string {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return s
	}
	if t.Minute() == 0 {
		return t.Format("3 PM")
	}
	return t.Format("3:04 PM")
}

func stripPunct(s string) string {
	return strings.NewReplacer(",", " ", ".", " ", "!", " ", "?", " ", ";", " ", ":", " ").Replace(s)
}

// Default is a small home-services business used when no configuration
// file is supplied.
func Default() Snapshot {
	weekday := Hours{Open: "08:00", Close: "17:00"}
	return Snapshot{
		BusinessName:    "Bookline Home Services",
		Timezone:        "America/New_York",
		SlotStepMinutes: 60,
		LeadTimeMinutes: 60,
		DefaultService:  "general repair",
		Hours: map[string]Hours{
			"monday": weekday, "tuesday": weekday, "wednesday": weekday,
			"thursday": weekday, "friday": weekday,
			"saturday": {Open: "09:00", Close: "13:00"},
		},
		Services: []Service{
			{Name: "drain cleaning", Aliases: []string{"clogged drain", "blocked drain", "drain", "clog"}, DurationMinutes: 60, PriceCents: 14900},
			{Name: "leak repair", Aliases: []string{"leak", "leaking", "dripping", "burst pipe"}, DurationMinutes: 90, PriceCents: 19900},
			{Name: "water heater service", Aliases: []string{"water heater", "no hot water", "boiler"}, DurationMinutes: 120, PriceCents: 24900},
			{Name: "general repair", Aliases: []string{"repair", "fix", "broken"}, DurationMinutes: 60, PriceCents: 12900},
			{Name: "estimate", Aliases: []string{"quote", "estimate visit"}, DurationMinutes: 30, PriceCents: 0},
		},
		Urgency: []UrgencyTier{
			{Name: "emergency", Keywords: []string{"flooding", "burst", "gas smell", "no water", "emergency"}, PriceMultiplier: 1.5, Priority: 3},
			{Name: "same-day", Keywords: []string{"today", "same day", "urgent"}, PriceMultiplier: 1.25, Priority: 2},
			{Name: "scheduled", Keywords: []string{"not urgent", "no rush", "whenever", "routine", "standard"}, PriceMultiplier: 1, Priority: 1},
			{Name: "quote-only", Keywords: []string{"quote", "estimate", "just a price"}, PriceMultiplier: 0, Priority: 0},
		},
	}
}
