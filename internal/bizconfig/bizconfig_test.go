package bizconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWindowFor(t *testing.T) {
	s := Default()
	loc := s.Location()
	mon := time.Date(2026, time.October, 12, 15, 0, 0, 0, loc)
	open, close, ok := s.WindowFor(mon)
	if !ok {
		t.Fatalf("monday should be open")
	}
	if open.Hour() != 8 || close.Hour() != 17 || open.Day() != 12 {
		t.Fatalf("unexpected window %s - %s", open, close)
	}
	if s.IsOpen(mon.AddDate(0, 0, 6)) {
		t.Fatalf("sunday should be closed")
	}
	if !s.Within(time.Date(2026, time.October, 12, 16, 0, 0, 0, loc), time.Hour) {
		t.Fatalf("16:00 for an hour fits before close")
	}
	if s.Within(time.Date(2026, time.October, 12, 16, 30, 0, 0, loc), time.Hour) {
		t.Fatalf("16:30 for an hour runs past close")
	}
}

func TestMatchService(t *testing.T) {
	s := Default()
	cases := map[string]string{
		"my kitchen drain is clogged":           "drain cleaning",
		"I have a leak under the sink":          "leak repair",
		"the water heater broke":                "water heater service",
		"there's something wrong with my draim": "drain cleaning",
	}
	for in, want := range cases {
		got, ok := s.MatchService(in)
		if !ok || got.Name != want {
			t.Errorf("%q: got %q ok=%v, want %q", in, got.Name, ok, want)
		}
	}
	if _, ok := s.MatchService("hi there"); ok {
		t.Fatalf("greeting should not match a service")
	}
}

func TestMatchUrgency(t *testing.T) {
	s := Default()
	cases := map[string]string{
		"the basement is flooding!": "emergency",
		"it's urgent":               "same-day",
		"no rush at all":            "scheduled",
		"it's not urgent":           "scheduled",
		"I just need a quote":       "quote-only",
	}
	for in, want := range cases {
		got, ok := s.MatchUrgency(in)
		if !ok || got.Name != want {
			t.Errorf("%q: got %q ok=%v, want %q", in, got.Name, ok, want)
		}
	}
}

func TestServiceDurationFallsBack(t *testing.T) {
	s := Default()
	if d := s.ServiceDuration("leak repair"); d != 90*time.Minute {
		t.Fatalf("expected 90m, got %s", d)
	}
	if d := s.ServiceDuration("unknown"); d != time.Hour {
		t.Fatalf("expected default service duration, got %s", d)
	}
}

const sampleYAML = `
business_name: Test Plumbing
timezone: UTC
slot_step_minutes: 30
hours:
  tuesday: {open: "10:00", close: "14:00"}
services:
  - name: inspection
    duration_minutes: 45
urgency:
  - name: emergency
    keywords: [flood]
    priority: 2
`

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "business.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := File{Path: path}.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.BusinessName != "Test Plumbing" || snap.SlotStep() != 30*time.Minute {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if days := snap.OpenDays(); len(days) != 1 || days[0] != time.Tuesday {
		t.Fatalf("expected only tuesday open, got %v", days)
	}
	if d := snap.ServiceDuration("inspection"); d != 45*time.Minute {
		t.Fatalf("expected 45m, got %s", d)
	}
}

func TestFileProviderRejectsBadHours(t *testing.T) {
	path := filepath.Join(t.TempDir(), "business.yaml")
	bad := "timezone: UTC\nhours:\n  monday: {open: \"17:00\", close: \"08:00\"}\n"
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (File{Path: path}).Load(context.Background()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestHoursSummary(t *testing.T) {
	s := Snapshot{Timezone: "UTC", Hours: map[string]Hours{"friday": {Open: "08:30", Close: "17:00"}}}
	if got := s.HoursSummary(); got != "Friday 8:30 AM to 5 PM" {
		t.Fatalf("unexpected %q", got)
	}
}
