package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Normalized yes/no answers.
const (
	Yes = "yes"
	No  = "no"
)

var digitRun = regexp.MustCompile(`\d+`)

// CallbackNumber joins every digit run in text and formats the first ten digits as
// (AAA) BBB-CCCC. Fewer than ten digits is a miss.
func CallbackNumber(text string) (string, bool) {
	digits := strings.Join(digitRun.FindAllString(text, -1), "")
	if len(digits) < 10 {
		return "", false
	}
	d := digits[:10]
	return fmt.Sprintf("(%s) %s-%s", d[:3], d[3:6], d[6:]), true
}

// Full patient denials win over any affirmative elsewhere in the answer. Hedges are hidden
// from the affirmative check ("i am not" contains "i am") and only deny when nothing
// affirmative remains.
var (
	patientNegations = newLexicon("i am not the patient", "i'm not the patient", "not the patient")
	patientHedges    = newLexicon("i am not", "i'm not")
	patientAffirmed  = newLexicon("yes", "yeah", "i'm the patient", "i am the patient", "yep", "yup", "affirmative", "i am")
	patientNegatives = newLexicon("no", "nope", "negative")
	confirmAffirmed  = newLexicon("yes", "yeah", "yep", "yup", "correct", "right", "affirmative", "1", "one")
	confirmNegatives = newLexicon("no", "nope", "incorrect", "wrong", "negative", "2", "two")
	femaleWords      = newLexicon("female", "girl", "woman")
	maleWords        = newLexicon("male", "boy", "man")
)

// IsPatient classifies an answer to "Are you the patient?" as "yes" or "no".
func IsPatient(text string) (string, bool) {
	text = apostrophes.Replace(text)
	switch {
	case patientNegations.matches(text):
		return No, true
	case patientAffirmed.matches(patientHedges.strip(text)):
		return Yes, true
	case patientHedges.matches(text), patientNegatives.matches(text):
		return No, true
	}
	return "", false
}

// YesNo classifies a confirmation answer. Keypad 1 confirms and 2 rejects.
func YesNo(text string) (string, bool) {
	text = apostrophes.Replace(text)
	if confirmAffirmed.matches(text) {
		return Yes, true
	}
	if confirmNegatives.matches(text) {
		return No, true
	}
	return "", false
}

// Gender returns "female" or "male". Female words win when both are mentioned.
func Gender(text string) (string, bool) {
	if femaleWords.matches(text) {
		return "female", true
	}
	if maleWords.matches(text) {
		return "male", true
	}
	return "", false
}

// Symptom accepts any non-blank answer verbatim.
func Symptom(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return "", false
	}
	return s, true
}

const monthNames = `January|February|March|April|May|June|July|August|September|October|November|December`

var (
	numericDate  = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4})\b`)
	looseTriple  = regexp.MustCompile(`\b(\d{1,2}),\s?(\d{1,3}),\s?(\d{1,4})\b`)
	monthOrdinal = regexp.MustCompile(`(?i)\b(` + monthNames + `)\s+(\d{1,2})(st|nd|rd|th)?,?\s+(\d{4})\b`)
	monthPlain   = regexp.MustCompile(`(?i)\b(` + monthNames + `)\s+(\d{1,2})\s+(\d{4})\b`)
	packedDate   = regexp.MustCompile(`\b(\d)(\d{2})(\d{4})\b`)

	monthNumber = map[string]int{
		"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6,
		"july": 7, "august": 8, "september": 9, "october": 10, "november": 11, "december": 12,
	}
)

// DateOfBirth recognizes numeric, spelled-month and packed keypad dates and formats
// them as M/D/YYYY. Patterns are tried in a fixed order and the first match wins.
func DateOfBirth(text string) (string, bool) {
	if m := numericDate.FindStringSubmatch(text); m != nil {
		return formatDate(atoi(m[1]), atoi(m[2]), m[3]), true
	}

	if m := looseTriple.FindStringSubmatch(text); m != nil {
		day := atoi(m[2])
		// Speech engines sometimes render "21st" as a three digit group ending in "12".
		if len(m[2]) == 3 && m[2][1] == '1' && m[2][2] == '2' {
			day = 21
		}
		return formatDate(atoi(m[1]), day, m[3]), true
	}

	if m := monthOrdinal.FindStringSubmatch(text); m != nil {
		return formatDate(monthNumber[strings.ToLower(m[1])], atoi(m[2]), m[4]), true
	}

	if m := monthPlain.FindStringSubmatch(text); m != nil {
		return formatDate(monthNumber[strings.ToLower(m[1])], atoi(m[2]), m[3]), true
	}

	if m := packedDate.FindStringSubmatch(text); m != nil {
		if m[3][0] == '1' || m[3][0] == '2' {
			return formatDate(atoi(m[1]), atoi(m[2]), m[3]), true
		}
	}

	return "", false
}

func formatDate(month, day int, year string) string {
	return fmt.Sprintf("%d/%d/%s", month, day, year)
}

// atoi parses a regexp digit group; the patterns guarantee it is numeric.
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// usStates is scanned in order; West Virginia precedes Virginia so the longer name wins.
var usStates = []string{
	"Alabama", "Alaska", "Arizona", "Arkansas", "California", "Colorado", "Connecticut", "Delaware",
	"Florida", "Georgia", "Hawaii", "Idaho", "Illinois", "Indiana", "Iowa", "Kansas", "Kentucky",
	"Louisiana", "Maine", "Maryland", "Massachusetts", "Michigan", "Minnesota", "Mississippi",
	"Missouri", "Montana", "Nebraska", "Nevada", "New Hampshire", "New Jersey", "New Mexico",
	"New York", "North Carolina", "North Dakota", "Ohio", "Oklahoma", "Oregon", "Pennsylvania",
	"Rhode Island", "South Carolina", "South Dakota", "Tennessee", "Texas", "Utah", "Vermont",
	"West Virginia", "Virginia", "Washington", "Wisconsin", "Wyoming",
}

var statePatterns = newLexicon(usStates...)

// State returns the canonical name of the first US state mentioned in text.
func State(text string) (string, bool) {
	for i, re := range statePatterns {
		if re.MatchString(text) {
			return usStates[i], true
		}
	}
	return "", false
}
