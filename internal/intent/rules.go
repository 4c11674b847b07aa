package intent

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/booking"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/storage"
)

// Rules classifies with regular expressions, the service catalog and the
// date resolver. It is deterministic and needs no network.
type Rules struct {
	snap bizconfig.Snapshot
	res  *datetime.Resolver
}

func NewRules(snap bizconfig.Snapshot, res *datetime.Resolver) *Rules {
	return &Rules{snap: snap, res: res}
}

type cue struct {
	re     *regexp.Regexp
	weight int
}

var cues = map[Intent][]cue{
	Reschedule: {
		{regexp.MustCompile(`\bre-?schedul\w*`), 3},
		{regexp.MustCompile(`\b(move|change|push)\s+(my|the|our)\s+(appointment|booking|visit|time|date)\b|\b(move|push)\s+it\b`), 3},
		{regexp.MustCompile(`\bdifferent\s+(day|time|date)\b`), 2},
	},
	Cancel: {
		{regexp.MustCompile(`\bcancel\w*`), 3},
		{regexp.MustCompile(`\bcall\s+(it\s+)?off\b`), 3},
		{regexp.MustCompile(`\b(don'?t|do not|no longer)\s+need\b.*\b(anymore|appointment|visit)\b`), 3},
	},
	QueryAvailability: {
		{regexp.MustCompile(`\b(availability|available|openings?|open\s+slots?|free\s+slots?)\b`), 3},
		{regexp.MustCompile(`\bwhat\s+times?\b|\bwhen\s+(are\s+you|can\s+you|is\s+the\s+next)\b`), 2},
	},
	Book: {
		{regexp.MustCompile(`\b(book|schedule)\b`), 3},
		{regexp.MustCompile(`\b(appointment|come\s+out|come\s+by|send\s+(someone|somebody|a\s+plumber|a\s+tech\w*))\b`), 3},
		{regexp.MustCompile(`\bneed\s+(a|an|someone|somebody)\s+(plumber|tech\w*|repair|fix)\b`), 3},
	},
}

// resolution order on equal scores
var priority = []Intent{Reschedule, Cancel, QueryAvailability, Book}

func (r *Rules) Classify(ctx context.Context, text string, hint Hint) (Classification, error) {
	ent := r.Extract(text, hint)
	low := strings.ToLower(text)

	scores := map[Intent]int{}
	for in, cs := range cues {
		for _, c := range cs {
			if c.re.MatchString(low) {
				scores[in] += c.weight
			}
		}
	}
	if ent.Service != "" {
		scores[Book] += 2
	}
	if ent.Urgency != "" {
		scores[Book]++
	}
	if ent.Question && (ent.HasDateTime || ent.HasRange) {
		scores[QueryAvailability]++
	}

	best, total := Other, 0
	bestScore := 0
	for _, in := range priority {
		s := scores[in]
		total += s
		if s > bestScore {
			best, bestScore = in, s
		}
	}
	c := Classification{Intent: best, Entities: ent}
	if total > 0 {
		c.Confidence = float64(bestScore) / float64(total)
	}
	metricClassifications.WithLabelValues("rules", string(c.Intent)).Inc()
	return c, nil
}

// Extract finds slot values only, without scoring intents.
func (r *Rules) Extract(text string, hint Hint) Entities {
	low := strings.ToLower(strings.TrimSpace(text))
	e := Entities{
		Phone:    ExtractPhone(low),
		Email:    ExtractEmail(low),
		Address:  ExtractAddress(text, hint.Expecting == booking.SlotAddress),
		Name:     ExtractName(text, hint.Expecting == booking.SlotName),
		Vague:    datetime.IsVague(low),
		HasRange: reRange.MatchString(low),
		Question: isQuestion(low),
	}
	if svc, ok := r.snap.MatchService(low); ok {
		e.Service = svc.Name
	}
	if u, ok := r.snap.MatchUrgency(low); ok {
		e.Urgency = u.Name
	}
	if r.res != nil {
		e.HasDateTime = r.res.Mentions(low)
	}
	// a spoken email's digits are not a phone number and "at" is not a time
	if e.Email != "" && e.Phone != "" && strings.Contains(e.Email, e.Phone) {
		e.Phone = ""
	}
	return e
}

var reRange = regexp.MustCompile(`\b(this|next|coming)\s+(week|weekend)\b|\bweekend\b|\bnext\s+(\d+|two|three|four|five|six|seven|ten|few|couple\s+of)\s+days\b`)

var questionLead = map[string]bool{
	"what": true, "when": true, "which": true, "where": true, "who": true, "how": true,
	"do": true, "does": true, "is": true, "are": true, "can": true, "could": true,
	"would": true, "will": true, "any": true, "have": true,
}

func isQuestion(low string) bool {
	if strings.HasSuffix(low, "?") {
		return true
	}
	f := strings.Fields(low)
	return len(f) > 0 && questionLead[strings.Trim(f[0], ",.!")]
}

var digitWords = map[string]byte{
	"zero": '0', "oh": '0', "o": '0', "one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9',
}

var reNumberish = regexp.MustCompile(`[a-z]+|\d+`)

// ExtractPhone returns a 10 digit number found as digits or digit words,
// with separators and a leading country code ignored.
func ExtractPhone(low string) string {
	var run []byte
	best := ""
	flush := func() {
		d := strings.TrimLeft(string(run), "0")
		if len(d) == 11 && d[0] == '1' {
			d = d[1:]
		}
		if len(d) == 10 && best == "" {
			best = d
		}
		run = run[:0]
	}
	for _, tok := range reNumberish.FindAllString(low, -1) {
		if tok[0] >= '0' && tok[0] <= '9' {
			run = append(run, tok...)
			continue
		}
		if d, ok := digitWords[tok]; ok {
			run = append(run, d)
			continue
		}
		flush()
	}
	flush()
	return storage.NormalizePhone(best)
}

var (
	reEmail       = regexp.MustCompile(`[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	reSpokenEmail = regexp.MustCompile(`\b((?:[a-z0-9](?:\s[a-z0-9]\b)+)|(?:[a-z0-9]+(?:(?:\s+(?:dot|underscore|dash|hyphen)\s+|[._\-])[a-z0-9]+)*))\s+at\s+([a-z0-9\-]+(?:(?:\s+dot\s+|\.)[a-z0-9\-]+)+)`)
	spokenSymbols = strings.NewReplacer(" dot ", ".", " underscore ", "_", " dash ", "-", " hyphen ", "-")
)

// ExtractEmail accepts written addresses and the spoken form
// "john dot smith at gmail dot com".
func ExtractEmail(low string) string {
	if m := reEmail.FindString(low); m != "" {
		return strings.TrimRight(m, ".")
	}
	m := reSpokenEmail.FindStringSubmatch(low)
	if m == nil {
		return ""
	}
	local := strings.ReplaceAll(spokenSymbols.Replace(" "+m[1]+" "), " ", "")
	domain := strings.ReplaceAll(spokenSymbols.Replace(" "+m[2]+" "), " ", "")
	tld := domain[strings.LastIndex(domain, ".")+1:]
	if len(tld) < 2 || !isLetters(tld) {
		return ""
	}
	return storage.NormalizeEmail(local + "@" + domain)
}

var (
	reHouseNumber = regexp.MustCompile(`\b\d{1,6}\s`)
	reAddress     = regexp.MustCompile(`(?i)^\d{1,6}\s+((?:[a-z0-9.'\-]+\s+){0,4}?)(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|terrace|parkway|pkwy|circle|cir|highway|hwy|square|trail)\b\.?(?:,?\s*(?:apt|apartment|unit|suite|ste|#)\.?\s*[a-z0-9\-]+)?(,\s*[a-z][a-z'\-]*(?:\s[a-z][a-z'\-]*){0,2})?`)
	addressLead   = regexp.MustCompile(`(?i)^(?:it'?s|it is|my address is|the address is|address is|i live at|we'?re at|i'?m at|we are at|at)\s+`)
)

var notStreetWord = map[string]bool{"am": true, "pm": true, "at": true, "on": true, "in": true, "by": true, "and": true, "o'clock": true, "oclock": true}

// ExtractAddress finds a street address. When the dialogue just asked for
// one, any answer carrying a house number is taken as is.
func ExtractAddress(text string, expecting bool) string {
	for _, at := range reHouseNumber.FindAllStringIndex(text, -1) {
		rest := text[at[0]:]
		if m := reAddress.FindStringSubmatchIndex(rest); m != nil {
			if a := addressAt(rest, m); a != "" {
				return a
			}
		}
	}
	if !expecting {
		return ""
	}
	t := strings.TrimRight(strings.TrimSpace(addressLead.ReplaceAllString(strings.TrimSpace(text), "")), ".!")
	if len(strings.Fields(t)) >= 2 && strings.IndexFunc(t, unicode.IsDigit) >= 0 {
		return t
	}
	return ""
}

// addressAt validates one reAddress match: the words between the house
// number and the street type must look like a street name, and a trailing
// ", city" part is dropped when it is really the next clause.
func addressAt(text string, m []int) string {
	for _, w := range strings.Fields(strings.ToLower(text[m[2]:m[3]])) {
		if notStreetWord[w] {
			return ""
		}
	}
	end := m[1]
	if m[4] >= 0 {
		city := strings.Fields(strings.ToLower(strings.TrimLeft(text[m[4]:m[5]], ", ")))
		if len(city) == 0 || commonWords[city[0]] {
			end = m[4]
		}
	}
	return strings.TrimRight(strings.TrimSpace(text[m[0]:end]), ".,")
}

var (
	reStrongName = regexp.MustCompile(`(?i)\b(?:my name is|my name's|name is|name's)\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*){0,2})`)
	reWeakName   = regexp.MustCompile(`(?i)\b(?:this is|i am|i'm|it's|it is)\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*){0,2})`)
)

// ExtractName reads "my name is ..." and similar introductions. With
// expecting set, a short bare answer is taken as the name.
func ExtractName(text string, expecting bool) string {
	if m := reStrongName.FindStringSubmatch(text); m != nil {
		if n := nameWords(m[1], false); n != "" {
			return n
		}
	}
	if m := reWeakName.FindStringSubmatch(text); m != nil {
		if n := nameWords(m[1], true); n != "" {
			return n
		}
	}
	if !expecting {
		return ""
	}
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || r == ' ' || r == '\'' || r == '-' {
			return r
		}
		return ' '
	}, text)
	f := strings.Fields(clean)
	if len(f) == 0 || len(f) > 3 {
		return ""
	}
	return nameWords(strings.Join(f, " "), false)
}

// nameWords keeps leading words until one that cannot be part of a name.
// strict also stops at verb forms, for "i'm having a leak".
func nameWords(s string, strict bool) string {
	var keep []string
	for _, w := range strings.Fields(s) {
		lw := strings.ToLower(w)
		if commonWords[lw] {
			break
		}
		if strict && (strings.HasSuffix(lw, "ing") || strings.HasSuffix(lw, "ed")) {
			break
		}
		keep = append(keep, titleCase(w))
	}
	return strings.Join(keep, " ")
}

func titleCase(w string) string {
	rs := []rune(strings.ToLower(w))
	up := true
	for i, r := range rs {
		if up && unicode.IsLetter(r) {
			rs[i] = unicode.ToUpper(r)
			up = false
		}
		if r == '-' || r == '\'' {
			up = r == '-'
		}
	}
	return string(rs)
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return s != ""
}

var commonWords = func() map[string]bool {
	m := map[string]bool{}
	for _, w := range strings.Fields(`
		a an the and or but so i me my mine you your we our us it its is am are was were be been
		calling call called looking trying wondering hoping going gonna just about for from with to
		in on at of by not no yes yeah yep nope sure fine good great okay ok alright right wrong correct
		urgent emergency interested available free busy sorry actually really still also that this
		these those there here what when where how why who which need needs want wants like have has
		had do does did can could would should will please thanks thank hi hello hey bye goodbye
		booked scheduled done ready back again new old one two three four five six seven eight nine ten
		today tomorrow tonight morning afternoon evening noon week weekend next last
		monday tuesday wednesday thursday friday saturday sunday
		january february march april june july august september october november december
		leak leaking sink toilet drain pipe pipes water heater plumber repair fix broken clogged
		um uh hmm well oh
		reschedule cancel book appointment booking
	`) {
		m[w] = true
	}
	return m
}()
