package dialogue

import (
	"strings"
)

// words that can make up a short affirmative answer
var affirmWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "yup": true, "ya": true, "sure": true,
	"correct": true, "right": true, "ok": true, "okay": true, "alright": true,
	"absolutely": true, "definitely": true, "perfect": true, "great": true, "fine": true,
	"exactly": true, "confirm": true, "confirmed": true, "mhm": true, "uh": true, "huh": true,
	"please": true, "do": true, "it": true, "that's": true, "thats": true, "that": true,
	"is": true, "sounds": true, "good": true, "go": true, "ahead": true, "all": true,
	"works": true, "book": true, "of": true, "course": true, "thank": true, "you": true, "thanks": true,
}

// at least one of these must be present
var affirmCore = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "yup": true, "ya": true, "sure": true,
	"correct": true, "right": true, "ok": true, "okay": true, "alright": true,
	"absolutely": true, "definitely": true, "perfect": true, "fine": true, "exactly": true,
	"confirm": true, "confirmed": true, "mhm": true, "huh": true, "good": true, "ahead": true,
	"works": true, "course": true, "do": true,
}

var negWords = map[string]bool{
	"no": true, "nope": true, "nah": true, "not": true, "don't": true, "dont": true,
	"wrong": true, "incorrect": true, "never": true, "negative": true,
}

// words that turn an otherwise short yes into something to clarify
var hedgeWords = map[string]bool{
	"but": true, "actually": true, "wait": true, "change": true, "maybe": true,
	"instead": true, "hold": true, "except": true,
}

const maxAffirmWords = 5

func words(text string) []string {
	clean := strings.NewReplacer(",", " ", ".", " ", "!", " ", "?", " ", "-", " ", ";", " ").Replace(strings.ToLower(text))
	return strings.Fields(clean)
}

// IsConfirmation reports whether text is a short, unambiguous yes.
// Anything longer, negated or hedged is not a confirmation.
func IsConfirmation(text string) bool {
	ws := words(text)
	if len(ws) == 0 || len(ws) > maxAffirmWords {
		return false
	}
	core := false
	for _, w := range ws {
		if negWords[w] || hedgeWords[w] || !affirmWords[w] {
			return false
		}
		if affirmCore[w] {
			core = true
		}
	}
	// "do" alone is not an answer, "do it" is
	if core && len(ws) == 1 && ws[0] == "do" {
		return false
	}
	return core
}

// IsNegation reports whether text opens with or contains a plain no.
func IsNegation(text string) bool {
	for _, w := range words(text) {
		if negWords[w] {
			return true
		}
	}
	return false
}

var goodbyePhrases = []string{
	"bye", "goodbye", "good bye", "bye bye", "that's all", "thats all", "that's it", "thats it",
	"nothing else", "no thanks", "no thank you", "hang up", "i'm done", "im done", "that will be all",
}

// isFarewell is an explicit goodbye, valid at any point.
func isFarewell(text string) bool {
	for _, w := range words(text) {
		switch w {
		case "bye", "goodbye":
			return true
		}
	}
	return strings.Contains(strings.ToLower(text), "hang up")
}

// IsGoodbye reports whether the caller is ending the conversation.
func IsGoodbye(text string) bool {
	s := " " + strings.Join(words(text), " ") + " "
	for _, p := range goodbyePhrases {
		if strings.Contains(s, " "+p+" ") {
			return true
		}
	}
	return false
}
