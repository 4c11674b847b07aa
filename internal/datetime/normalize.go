package datetime

import (
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// MinSimilarity is the fuzzy match threshold for month and weekday names.
const MinSimilarity = 0.7

var monthNames = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

var monthAbbr = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// indexed by time.Weekday
var weekdayNames = []string{
	"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
}

var weekdayAbbr = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday,
}

var relativeWords = []string{"today", "tomorrow", "tonight"}

// words that look close to a calendar name but never mean one
var stopWords = map[string]bool{
	"one": true, "tune": true, "match": true, "mine": true, "money": true, "mind": true,
	"maybe": true, "made": true, "make": true, "marry": true, "morning": true, "month": true,
	"monthly": true, "midday": true, "sunny": true, "noon": true, "some": true, "someday": true,
	"julie": true, "mary": true,
}

// Similarity returns 1 - distance/maxlen over runes.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	n := la
	if lb > n {
		n = lb
	}
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}

func closest(tok string, candidates []string) (string, bool) {
	best, bestSim := "", 0.0
	for _, c := range candidates {
		if s := Similarity(tok, c); s > bestSim {
			best, bestSim = c, s
		}
	}
	return best, bestSim >= MinSimilarity
}

// Normalize lowercases text, strips punctuation that carries no date meaning,
// and corrects misspelled weekday, month and relative-day tokens. Month
// corrections only apply next to a day number so "may I" stays untouched.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = strings.NewReplacer("a.m.", "am", "p.m.", "pm", "o'clock", "oclock", "o clock", "oclock").Replace(s)

	rs := []rune(s)
	var b strings.Builder
	for i, c := range rs {
		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c) || c == ':' || c == '/':
			b.WriteRune(c)
		case c == '-' && i > 0 && i+1 < len(rs) && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]):
			b.WriteRune(c)
		default:
			b.WriteRune(' ')
		}
	}
	toks := strings.Fields(b.String())
	out := toks[:0]
	for _, t := range toks {
		if t = strings.Trim(t, ":/"); t != "" {
			out = append(out, t)
		}
	}
	fixed := make([]string, len(out))
	for i := range out {
		fixed[i] = correct(out, i)
	}
	return strings.Join(fixed, " ")
}

func correct(toks []string, i int) string {
	t := toks[i]
	if len(t) < 4 || !isLetters(t) || stopWords[t] || isKnown(t) {
		return t
	}
	if wd, ok := closest(t, weekdayNames); ok {
		return wd
	}
	if m, ok := closest(t, monthNames); ok && nextToDay(toks, i) {
		return m
	}
	if rel, ok := closest(t, relativeWords); ok {
		return rel
	}
	return t
}

func isKnown(t string) bool {
	for _, set := range [][]string{monthNames, weekdayNames, relativeWords} {
		for _, w := range set {
			if t == w {
				return true
			}
		}
	}
	return false
}

func isLetters(s string) bool {
	for _, c := range s {
		if !unicode.IsLetter(c) {
			return false
		}
	}
	return true
}

// nextToDay reports whether a day-of-month token sits beside position i,
// allowing "the" and "of" in between ("5th of jan", "jan the 5th").
func nextToDay(toks []string, i int) bool {
	isFiller := func(s string) bool { return s == "the" || s == "of" }
	for j := i + 1; j < len(toks) && j <= i+2; j++ {
		if _, _, ok := dayStartingAt(toks, j, true); ok {
			return true
		}
		if !isFiller(toks[j]) {
			break
		}
	}
	for j := i - 1; j >= 0 && j >= i-2; j-- {
		if _, _, ok := dayEndingAt(toks, j, true); ok {
			return true
		}
		if !isFiller(toks[j]) {
			break
		}
	}
	return false
}

func tokens(text string) []string { return strings.Fields(Normalize(text)) }
