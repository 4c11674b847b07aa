package datetime

import (
	"strconv"
	"time"

	"bookline/agent/internal/errs"
)

// Range is an inclusive span of calendar days.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days lists every date in the range.
func (r Range) Days() []time.Time {
	var out []time.Time
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// startOfWeek is the Monday of t's week.
func startOfWeek(t time.Time) time.Time {
	back := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -back)
}

// ResolveRange parses a day or span of days used by availability questions:
// "next week", "this week", "this weekend", "next 3 days", "next month", or
// anything Resolve accepts as a date.
func (r *Resolver) ResolveRange(text string) (Range, error) {
	const op = "datetime.ResolveRange"
	today := r.Today()
	toks := tokens(text)
	for i, t := range toks {
		prev := ""
		if i > 0 {
			prev = toks[i-1]
		}
		switch {
		case t == "week" && prev == "next":
			mon := startOfWeek(today).AddDate(0, 0, 7)
			return Range{Start: mon, End: mon.AddDate(0, 0, 6)}, nil
		case t == "week" && prev == "this":
			return Range{Start: today, End: startOfWeek(today).AddDate(0, 0, 6)}, nil
		case t == "weekend":
			sat := NextWeekday(today, time.Saturday, true)
			if today.Weekday() == time.Sunday {
				return Range{Start: today, End: today}, nil
			}
			if prev == "next" && today.Weekday() == time.Saturday {
				sat = sat.AddDate(0, 0, 7)
			}
			return Range{Start: sat, End: sat.AddDate(0, 0, 1)}, nil
		case t == "month" && prev == "next":
			first := time.Date(today.Year(), today.Month()+1, 1, 0, 0, 0, 0, r.loc)
			return Range{Start: first, End: first.AddDate(0, 1, -1)}, nil
		case t == "month" && prev == "this":
			last := time.Date(today.Year(), today.Month()+1, 0, 0, 0, 0, 0, r.loc)
			return Range{Start: today, End: last}, nil
		case (t == "days" || t == "day") && i >= 2 && toks[i-2] == "next":
			if n, err := strconv.Atoi(prev); err == nil && n > 0 && n <= 31 {
				return Range{Start: today.AddDate(0, 0, 1), End: today.AddDate(0, 0, n)}, nil
			}
			if n, ok := hourWords[prev]; ok {
				return Range{Start: today.AddDate(0, 0, 1), End: today.AddDate(0, 0, n)}, nil
			}
		}
	}
	res, err := r.Resolve(text, nil)
	if err != nil {
		return Range{}, err
	}
	if !res.HasDate() {
		return Range{}, errs.E(errs.CodeNoDateFound, op, "no day in range request", nil)
	}
	return Range{Start: res.Date, End: res.Date}, nil
}
