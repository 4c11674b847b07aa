package datetime

import (
	"regexp"
	"strings"
)

var vaguePhrases = []string{
	"asap", "a s a p", "as soon as possible", "as soon as you can", "right away", "right now",
	"straight away", "immediately", "whenever", "any time", "anytime", "earliest",
	"first available", "soonest", "at your convenience", "as early as possible",
}

var reVagueWithin = regexp.MustCompile(`\b(within|in|next)\s+(an?|one|two|three|four|five|few|couple|\d+)\s*(of\s+)?(hours?|hrs?|minutes?|mins?)\b`)

// IsVague reports whether text is a non-committal time phrase that must not
// be accepted as a booking time.
func IsVague(text string) bool {
	s := " " + strings.Join(strings.Fields(strings.ToLower(strings.NewReplacer(".", " ", ",", " ", "!", " ", "?", " ").Replace(text))), " ") + " "
	for _, p := range vaguePhrases {
		if strings.Contains(s, " "+p+" ") {
			return true
		}
	}
	if strings.Contains(s, " now ") && !strings.Contains(s, " now on ") {
		return true
	}
	return reVagueWithin.MatchString(s)
}
