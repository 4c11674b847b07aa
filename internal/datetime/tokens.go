package datetime

import (
	"strconv"
	"strings"
	"time"
)

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5, "sixth": 6, "seventh": 7,
	"eighth": 8, "ninth": 9, "tenth": 10, "eleventh": 11, "twelfth": 12, "thirteenth": 13,
	"fourteenth": 14, "fifteenth": 15, "sixteenth": 16, "seventeenth": 17, "eighteenth": 18,
	"nineteenth": 19, "twentieth": 20, "thirtieth": 30,
}

var hourWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

var minuteWords = map[string]int{"fifteen": 15, "thirty": 30, "forty": 40}

// dayStartingAt parses a day of month beginning at toks[j]. Plain digits are
// only accepted when bare is true. width is the number of tokens used.
func dayStartingAt(toks []string, j int, bare bool) (day, width int, ok bool) {
	if j < 0 || j >= len(toks) {
		return 0, 0, false
	}
	t := toks[j]
	if (t == "twenty" || t == "thirty") && j+1 < len(toks) {
		if n, ok := ordinalWords[toks[j+1]]; ok && n < 10 {
			base := 20
			if t == "thirty" {
				base = 30
			}
			if base+n <= 31 {
				return base + n, 2, true
			}
		}
	}
	if n, ok := ordinalWords[t]; ok {
		return n, 1, true
	}
	digits := t
	for _, suf := range []string{"st", "nd", "rd", "th"} {
		if strings.HasSuffix(t, suf) {
			digits = strings.TrimSuffix(t, suf)
			break
		}
	}
	if digits == t && !bare {
		return 0, 0, false
	}
	if len(digits) == 0 || len(digits) > 2 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > 31 {
		return 0, 0, false
	}
	return n, 1, true
}

// dayEndingAt is dayStartingAt read backwards: it returns the index of the
// first token of a day expression that ends at toks[j].
func dayEndingAt(toks []string, j int, bare bool) (day, start int, ok bool) {
	if j >= 1 {
		if d, w, ok := dayStartingAt(toks, j-1, bare); ok && w == 2 {
			return d, j - 1, true
		}
	}
	if d, w, ok := dayStartingAt(toks, j, bare); ok && w == 1 {
		return d, j, true
	}
	return 0, 0, false
}

func monthOf(t string) (time.Month, bool) {
	for i, m := range monthNames {
		if t == m {
			return time.Month(i + 1), true
		}
	}
	m, ok := monthAbbr[t]
	return m, ok
}

func weekdayOf(t string) (time.Weekday, bool) {
	for i, w := range weekdayNames {
		if t == w || t == w+"s" {
			return time.Weekday(i), true
		}
	}
	w, ok := weekdayAbbr[t]
	return w, ok
}

func yearAt(toks []string, j int) (int, bool) {
	if j < 0 || j >= len(toks) || len(toks[j]) != 4 {
		return 0, false
	}
	y, err := strconv.Atoi(toks[j])
	if err != nil || y < 2000 || y > 2100 {
		return 0, false
	}
	return y, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
