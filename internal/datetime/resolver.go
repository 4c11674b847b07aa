package datetime

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"bookline/agent/internal/errs"
)

type Kind int

const (
	DateOnly Kind = iota + 1
	TimeOnly
	Complete
	DayOfMonth // a day number heard without its month
)

func (k Kind) String() string {
	switch k {
	case DateOnly:
		return "date-only"
	case TimeOnly:
		return "time-only"
	case Complete:
		return "complete"
	case DayOfMonth:
		return "day-of-month"
	default:
		return "unknown"
	}
}

// Resolved is a date and/or time of day. Date is midnight in the resolver's
// location and is zero for TimeOnly results. Hour and Minute are meaningless
// for DateOnly results.
//
// A DayOfMonth result is partial: Day holds the day number and Timed says
// whether Hour and Minute were heard too. It is only returned alongside an
// AMBIGUOUS_DATE error and is meant to be passed back as prior.
type Resolved struct {
	Date   time.Time `json:"date"`
	Hour   int       `json:"hour"`
	Minute int       `json:"minute"`
	Kind   Kind      `json:"kind"`
	Day    int       `json:"day,omitempty"`
	Timed  bool      `json:"timed,omitempty"`
}

func (r Resolved) HasDate() bool { return r.Kind == DateOnly || r.Kind == Complete }

func (r Resolved) HasTime() bool {
	return r.Kind == TimeOnly || r.Kind == Complete || r.Kind == DayOfMonth && r.Timed
}

// At returns the absolute instant of a Complete result.
func (r Resolved) At() time.Time {
	if r.Kind != Complete {
		return time.Time{}
	}
	return time.Date(r.Date.Year(), r.Date.Month(), r.Date.Day(), r.Hour, r.Minute, 0, 0, r.Date.Location())
}

func (r Resolved) String() string {
	switch r.Kind {
	case DateOnly:
		return r.Date.Format("Monday, January 2")
	case TimeOnly:
		return clock(r.Hour, r.Minute)
	case Complete:
		return r.Date.Format("Monday, January 2") + " at " + clock(r.Hour, r.Minute)
	case DayOfMonth:
		return "the " + ordinal(r.Day)
	}
	return ""
}

func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return strconv.Itoa(n) + suffix
}

func clock(h, m int) string {
	t := time.Date(2000, 1, 1, h, m, 0, 0, time.UTC)
	if m == 0 {
		return t.Format("3 PM")
	}
	return t.Format("3:04 PM")
}

// Resolver turns spoken date and time fragments into concrete values,
// relative to the call's clock and the business timezone.
type Resolver struct {
	now func() time.Time
	loc *time.Location
}

func NewResolver(now func() time.Time, loc *time.Location) *Resolver {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{now: now, loc: loc}
}

func (r *Resolver) Location() *time.Location { return r.loc }

func (r *Resolver) Now() time.Time { return r.now().In(r.loc) }

// Today is midnight of the current day in the resolver's location.
func (r *Resolver) Today() time.Time {
	n := r.Now()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, r.loc)
}

type scan struct {
	toks []string
	used []bool

	date    time.Time
	hasDate bool

	hour, minute int
	hasTime      bool

	ambiguous string
	day       int    // day of month heard without a month
	invalid   string // a month and day that do not exist together
}

// Resolve parses text. prior is the fragment resolved earlier in the same
// session, if any; a time-only fragment combines with a prior date and a
// date-only fragment combines with a prior time. A bare month or weekday
// combines with a prior DayOfMonth.
func (r *Resolver) Resolve(text string, prior *Resolved) (Resolved, error) {
	const op = "datetime.Resolve"
	s := &scan{toks: tokens(text)}
	s.used = make([]bool, len(s.toks))
	r.scanDate(s, prior)
	r.scanTime(s)

	if !s.hasDate && s.invalid != "" {
		return Resolved{}, errs.E(errs.CodeInvalidDate, op, s.invalid, nil)
	}
	if !s.hasDate && s.ambiguous != "" {
		err := errs.E(errs.CodeAmbiguousDate, op, s.ambiguous, nil)
		if s.day == 0 {
			return Resolved{}, err
		}
		partial := Resolved{Day: s.day, Kind: DayOfMonth}
		switch {
		case s.hasTime:
			partial.Hour, partial.Minute, partial.Timed = s.hour, s.minute, true
		case prior != nil && prior.HasTime():
			partial.Hour, partial.Minute, partial.Timed = prior.Hour, prior.Minute, true
		}
		return partial, err
	}
	switch {
	case s.hasDate && s.hasTime:
		return Resolved{Date: s.date, Hour: s.hour, Minute: s.minute, Kind: Complete}, nil
	case s.hasDate:
		if prior != nil && prior.HasTime() && !prior.HasDate() {
			return Resolved{Date: s.date, Hour: prior.Hour, Minute: prior.Minute, Kind: Complete}, nil
		}
		return Resolved{Date: s.date, Kind: DateOnly}, nil
	case s.hasTime:
		if prior != nil && prior.HasDate() {
			return Resolved{Date: prior.Date, Hour: s.hour, Minute: s.minute, Kind: Complete}, nil
		}
		if prior != nil && prior.Kind == DayOfMonth {
			partial := *prior
			partial.Hour, partial.Minute, partial.Timed = s.hour, s.minute, true
			return partial, errs.E(errs.CodeAmbiguousDate, op, "day of month without a month", nil)
		}
		return Resolved{Hour: s.hour, Minute: s.minute, Kind: TimeOnly}, nil
	}
	if IsVague(text) {
		return Resolved{}, errs.E(errs.CodeVagueTimeRejected, op, "vague time phrase", nil)
	}
	return Resolved{}, errs.E(errs.CodeNoDateFound, op, "no date or time found", nil)
}

// Mentions reports whether text carries any date or time signal, complete
// or not. Ambiguous and impossible dates count.
func (r *Resolver) Mentions(text string) bool {
	_, err := r.Resolve(text, nil)
	return err == nil || errs.IsCode(err, errs.CodeAmbiguousDate) || errs.IsCode(err, errs.CodeInvalidDate)
}

var (
	reISO     = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	reNumeric = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})(?:/(\d{2}|\d{4}))?$`)
	reClock   = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(am|pm)?$`)
)

func (r *Resolver) scanDate(s *scan, prior *Resolved) {
	today := r.Today()
	toks := s.toks
	pendingDay := 0
	if prior != nil && prior.Kind == DayOfMonth {
		pendingDay = prior.Day
	}

	set := func(d time.Time, idx ...int) {
		s.date, s.hasDate = d, true
		for _, i := range idx {
			s.used[i] = true
		}
	}

	// explicit numeric forms
	for i, t := range toks {
		if m := reISO.FindStringSubmatch(t); m != nil {
			if d, ok := r.validDate(atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3])); ok {
				set(d, i)
				return
			}
		}
		if m := reNumeric.FindStringSubmatch(t); m != nil {
			month, day := time.Month(atoi(m[1])), atoi(m[2])
			year := 0
			if m[3] != "" {
				year = atoi(m[3])
				if year < 100 {
					year += 2000
				}
			}
			if d, ok := r.monthDay(today, year, month, day); ok {
				set(d, i)
				return
			}
		}
	}

	// relative days
	for i := 0; i < len(toks); i++ {
		switch toks[i] {
		case "tomorrow":
			if i >= 2 && toks[i-1] == "after" && toks[i-2] == "day" {
				set(today.AddDate(0, 0, 2), i-2, i-1, i)
			} else {
				set(today.AddDate(0, 0, 1), i)
			}
			return
		case "today", "tonight":
			set(today, i)
			return
		case "in":
			if i+2 < len(toks) && (toks[i+2] == "days" || toks[i+2] == "day") {
				if n := atoi(toks[i+1]); n > 0 && n < 60 {
					set(today.AddDate(0, 0, n), i, i+1, i+2)
					return
				}
			}
			if i+2 < len(toks) && (toks[i+1] == "a" || toks[i+1] == "one") && toks[i+2] == "week" {
				set(today.AddDate(0, 0, 7), i, i+1, i+2)
				return
			}
		}
	}

	// month with a day on either side
	for i, t := range toks {
		month, ok := monthOf(t)
		if !ok {
			continue
		}
		day, first, last, found := dayNear(toks, i)
		if !found && pendingDay > 0 {
			day, first, last, found = pendingDay, i, i, true
		}
		if !found {
			if t != "may" && t != "march" && t != "mar" {
				s.ambiguous = fmt.Sprintf("%s without a day", t)
			}
			continue
		}
		year := 0
		end := last
		if i > end {
			end = i
		}
		if y, ok := yearAt(toks, end+1); ok {
			year = y
			s.used[end+1] = true
		}
		for j := first; j <= last; j++ {
			s.used[j] = true
		}
		s.used[i] = true
		d, ok := r.monthDay(today, year, month, day)
		if !ok {
			s.invalid = fmt.Sprintf("%s %d is not a date", month, day)
			return
		}
		if wd, at, ok := weekdayIn(toks); ok {
			s.used[at] = true
			if d.Weekday() != wd {
				s.ambiguous = fmt.Sprintf("%s %d is not a %s", month, day, wd)
				return
			}
		}
		set(d)
		return
	}

	// weekday names, optionally qualified, maybe with a day of month
	if wd, i, ok := weekdayIn(toks); ok {
		qualified := i > 0 && (toks[i-1] == "this" || toks[i-1] == "next" || toks[i-1] == "coming")
		if qualified {
			s.used[i-1] = true
		}
		s.used[i] = true
		day, at, w, found := ordinalDay(toks, s.used)
		if !found && pendingDay > 0 {
			day, at, w, found = pendingDay, 0, 0, true
		}
		if found {
			for j := at; j < at+w; j++ {
				s.used[j] = true
			}
			if d, ok := r.weekdayOnDay(today, wd, day); ok {
				set(d)
			} else {
				s.ambiguous = fmt.Sprintf("no %s the %s soon", wd, ordinal(day))
			}
			return
		}
		set(NextWeekday(today, wd, i > 0 && toks[i-1] == "this"))
		return
	}

	// bare ordinal day ("the 5th", "on the fifth")
	if day, i, w, ok := ordinalDay(toks, s.used); ok {
		if prior == nil || !prior.HasDate() {
			s.ambiguous = "day of month without a month"
			s.day = day
			return
		}
		base := prior.Date
		d, ok := r.validDate(base.Year(), base.Month(), day)
		if ok && d.Before(today) {
			next := time.Date(base.Year(), base.Month()+1, 1, 0, 0, 0, 0, r.loc)
			d, ok = r.validDate(next.Year(), next.Month(), day)
		}
		if ok {
			for j := i; j < i+w; j++ {
				s.used[j] = true
			}
			set(d)
		}
		return
	}

	// ranges are not a date
	for i, t := range toks {
		if t == "month" && pendingDay > 0 && i > 0 && (toks[i-1] == "next" || toks[i-1] == "this") {
			first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, r.loc)
			if toks[i-1] == "next" {
				first = first.AddDate(0, 1, 0)
			}
			d, ok := r.validDate(first.Year(), first.Month(), pendingDay)
			if !ok {
				s.invalid = fmt.Sprintf("%s %d is not a date", first.Month(), pendingDay)
				return
			}
			if !d.Before(today) {
				set(d, i-1, i)
				return
			}
		}
		if (t == "week" || t == "weekend" || t == "month") && i > 0 && (toks[i-1] == "next" || toks[i-1] == "this") {
			s.ambiguous = "a range, not a single day"
			return
		}
	}
}

// ordinalDay finds a day of month said without a month ("the 5th", "on the
// fifth") among the unused tokens. at and width give its token span.
func ordinalDay(toks []string, used []bool) (day, at, width int, ok bool) {
	for i := range toks {
		if used[i] {
			continue
		}
		day, w, ok := dayStartingAt(toks, i, false)
		if !ok {
			continue
		}
		_, isWord := ordinalWords[toks[i]]
		if (isWord || w == 2) && (i == 0 || toks[i-1] != "the") {
			continue
		}
		if i+w < len(toks) && selectionNoun[toks[i+w]] {
			continue
		}
		// "the first thursday" counts weekdays, it is not a day of month
		if _, wd := weekdayOf(nextTok(toks, i+w)); wd && (isWord || w == 2) {
			continue
		}
		return day, i, w, true
	}
	return 0, 0, 0, false
}

func nextTok(toks []string, i int) string {
	if i < len(toks) {
		return toks[i]
	}
	return ""
}

func weekdayIn(toks []string) (time.Weekday, int, bool) {
	for i, t := range toks {
		if wd, ok := weekdayOf(t); ok {
			return wd, i, true
		}
	}
	return 0, 0, false
}

// weekdayOnDay finds the next date, today included, that falls on wd and
// on the given day of month. It looks a year ahead at most.
func (r *Resolver) weekdayOnDay(today time.Time, wd time.Weekday, day int) (time.Time, bool) {
	for k := 0; k <= 12; k++ {
		first := time.Date(today.Year(), today.Month()+time.Month(k), 1, 0, 0, 0, 0, r.loc)
		d, ok := r.validDate(first.Year(), first.Month(), day)
		if ok && !d.Before(today) && d.Weekday() == wd {
			return d, true
		}
	}
	return time.Time{}, false
}

// words that turn an ordinal into a list selection: "the first one"
var selectionNoun = map[string]bool{
	"one": true, "available": true, "slot": true, "time": true, "opening": true, "option": true,
}

// dayNear finds a day of month around a month token at i and returns the
// token span it covers.
func dayNear(toks []string, i int) (day, first, last int, ok bool) {
	j := i + 1
	if j < len(toks) && toks[j] == "the" {
		j++
	}
	if d, w, ok := dayStartingAt(toks, j, true); ok {
		return d, i + 1, j + w - 1, true
	}
	j = i - 1
	if j >= 0 && toks[j] == "of" {
		j--
	}
	if d, start, ok := dayEndingAt(toks, j, true); ok {
		if start > 0 && toks[start-1] == "the" {
			start--
		}
		return d, start, i - 1, true
	}
	return 0, 0, 0, false
}

func (r *Resolver) validDate(y int, m time.Month, d int) (time.Time, bool) {
	if m < time.January || m > time.December || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, r.loc)
	if t.Day() != d || t.Month() != m {
		return time.Time{}, false
	}
	return t, true
}

// monthDay builds a date; without an explicit year a date already in the past
// rolls to next year.
func (r *Resolver) monthDay(today time.Time, year int, m time.Month, d int) (time.Time, bool) {
	if year != 0 {
		return r.validDate(year, m, d)
	}
	t, ok := r.validDate(today.Year(), m, d)
	if !ok {
		if m == time.February && d == 29 {
			for y := today.Year() + 1; y < today.Year()+5; y++ {
				if t, ok := r.validDate(y, m, d); ok {
					return t, true
				}
			}
		}
		return time.Time{}, false
	}
	if t.Before(today) {
		return r.validDate(today.Year()+1, m, d)
	}
	return t, true
}

// NextWeekday returns the next date falling on wd, counted forward from
// today. With this set, today itself qualifies.
func NextWeekday(today time.Time, wd time.Weekday, this bool) time.Time {
	offset := (int(wd) - int(today.Weekday()) + 7) % 7
	if offset == 0 && !this {
		offset = 7
	}
	return today.AddDate(0, 0, offset)
}

type period int

const (
	periodNone period = iota
	periodAM
	periodPM
)

func dayPeriod(toks []string) period {
	for _, t := range toks {
		switch t {
		case "morning":
			return periodAM
		case "afternoon", "evening", "tonight", "night":
			return periodPM
		}
	}
	return periodNone
}

// hour24 applies a meridiem or, for bare hours, business-hours intuition:
// 7 to 11 are mornings, 12 is noon and 1 to 6 are afternoons.
func hour24(h int, mer string, p period) (int, bool) {
	switch mer {
	case "am":
		if h < 1 || h > 12 {
			return 0, false
		}
		return h % 12, true
	case "pm":
		if h < 1 || h > 12 {
			return 0, false
		}
		return h%12 + 12, true
	}
	if h < 0 || h > 23 {
		return 0, false
	}
	if h == 0 || h > 12 {
		return h, true
	}
	switch p {
	case periodAM:
		return h % 12, true
	case periodPM:
		return h%12 + 12, true
	}
	if h >= 7 && h <= 11 {
		return h, true
	}
	if h == 12 {
		return 12, true
	}
	return h + 12, true
}

var timeLead = map[string]bool{"at": true, "around": true, "about": true, "by": true, "after": true, "before": true}

// timeFollower reports whether a word may follow a bare hour. "at 12 oak
// lane" is an address, "at 12 tomorrow" is a time.
func timeFollower(t string) bool {
	switch t {
	case "", "oclock", "in", "on", "or", "and", "then", "please", "if", "is", "works", "would",
		"sounds", "ish", "today", "tomorrow", "tonight", "this", "next", "that", "for", "maybe":
		return true
	}
	if _, ok := weekdayOf(t); ok {
		return true
	}
	_, ok := monthOf(t)
	return ok
}

func (r *Resolver) scanTime(s *scan) {
	toks := s.toks
	p := dayPeriod(toks)
	set := func(h, m int, idx ...int) {
		s.hour, s.minute, s.hasTime = h, m, true
		for _, i := range idx {
			s.used[i] = true
		}
	}
	for i, t := range toks {
		switch t {
		case "noon", "midday":
			set(12, 0, i)
			return
		case "midnight":
			set(0, 0, i)
			return
		}
	}
	for i, t := range toks {
		if s.used[i] {
			continue
		}
		next := ""
		if i+1 < len(toks) {
			next = toks[i+1]
		}
		lead := i > 0 && timeLead[toks[i-1]]
		if m := reClock.FindStringSubmatch(t); m != nil {
			h := atoi(m[1])
			minute := 0
			if m[2] != "" {
				minute = atoi(m[2])
			}
			mer := m[3]
			idx := []int{i}
			if mer == "" && (next == "am" || next == "pm") {
				mer = next
				idx = append(idx, i+1)
			}
			cued := mer != "" || m[2] != "" || next == "oclock" || lead && timeFollower(next) || p != periodNone && next == "in"
			if !cued || minute > 59 {
				continue
			}
			if hh, ok := hour24(h, mer, p); ok {
				set(hh, minute, idx...)
				return
			}
			continue
		}
		if h, ok := hourWords[t]; ok {
			idx := []int{i}
			minute := 0
			j := i + 1
			if j < len(toks) {
				if mw, ok := minuteWords[toks[j]]; ok {
					minute = mw
					idx = append(idx, j)
					j++
					if mw == 40 && j < len(toks) && toks[j] == "five" {
						minute = 45
						idx = append(idx, j)
						j++
					}
				}
			}
			mer := ""
			if j < len(toks) && (toks[j] == "am" || toks[j] == "pm") {
				mer = toks[j]
				idx = append(idx, j)
			}
			after := ""
			if j < len(toks) {
				after = toks[j]
			}
			if mer == "" && minute == 0 && after != "oclock" && !(lead && timeFollower(after)) {
				continue
			}
			if hh, ok := hour24(h, mer, p); ok {
				set(hh, minute, idx...)
				return
			}
		}
	}
}
