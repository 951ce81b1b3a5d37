// Package extraction turns transcribed speech or keypad digits into normalized field values.
//
// Every extractor is a pure function that takes the raw text received for one question and
// returns the normalized value and true, or "" and false when nothing usable was found.
// A miss is an expected outcome for noisy phone input, never an error.
package extraction

import (
	"regexp"
	"strings"
)

// Extractor maps raw response text to a normalized value.
type Extractor func(text string) (string, bool)

// apostrophes normalizes the typographic quotes some transcribers emit.
var apostrophes = strings.NewReplacer("’", "'", "‘", "'")

// AfterPrompt returns the part of buffer that follows the first occurrence of prompt.
// When the prompt is not echoed in the buffer the whole buffer is returned.
func AfterPrompt(buffer, prompt string) string {
	if prompt == "" {
		return buffer
	}
	if i := strings.Index(buffer, prompt); i >= 0 {
		return buffer[i+len(prompt):]
	}
	return buffer
}

// WithPrompt wraps fn so that an echoed prompt prefix is discarded before scanning.
func WithPrompt(prompt string, fn Extractor) Extractor {
	return func(text string) (string, bool) {
		return fn(AfterPrompt(text, prompt))
	}
}

// lexicon is a list of phrases matched case-insensitively on whole-word boundaries.
type lexicon []*regexp.Regexp

func newLexicon(phrases ...string) lexicon {
	l := make(lexicon, 0, len(phrases))
	for _, p := range phrases {
		l = append(l, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(p)+`\b`))
	}
	return l
}

// matches reports whether any phrase of the lexicon occurs in text.
func (l lexicon) matches(text string) bool {
	for _, re := range l {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// strip blanks out every occurrence of the lexicon's phrases.
func (l lexicon) strip(text string) string {
	for _, re := range l {
		text = re.ReplaceAllString(text, " ")
	}
	return text
}
