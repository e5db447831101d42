package chatbot

import (
	"regexp"
	"strconv"
	"strings"
)

// meetingPhrases trigger the booking flow from ModeNormal.
var meetingPhrases = []string{
	"book a meeting", "schedule a meeting", "set up a meeting",
	"want to book", "want to schedule", "schedule consultation",
	"book consultation", "schedule an appointment", "book an appointment",
	"i want a meeting", "can i book", "can i schedule",
	"need a meeting", "arrange a meeting",
}

// followUpKeywords in a chat reply suggest offering the contact form.
var followUpKeywords = []string{"contact", "consultation", "schedule", "interested", "learn more"}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// optionPattern matches "2", "2.", "#2" and "option 2".
var optionPattern = regexp.MustCompile(`(?i)^(option\s+|#)?(\d+)\.?$`)

var confirmationWords = map[string]bool{"yes": true, "ok": true, "sure": true, "yeah": true, "yep": true}

var affirmativeWords = map[string]bool{"yes": true, "ok": true, "okay": true, "confirm": true, "confirmed": true, "book": true}

var negativeWords = map[string]bool{
	"no": true, "nope": true, "different": true, "change": true,
	"cancel": true, "reschedule": true,
}

// negativePhrases are matched on word boundaries.
var negativePhrases = []string{"another day", "another time", "not this", "other time", "other day"}

var questionWords = map[string]bool{
	"what": true, "why": true, "how": true, "who": true, "where": true, "which": true,
	"when": true, "can": true, "could": true, "do": true, "does": true, "did": true,
	"is": true, "are": true, "will": true, "would": true, "should": true,
	"tell": true, "explain": true,
}

var timePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|tues|wed|thu|thur|thurs|fri)\b`),
	regexp.MustCompile(`\b(today|tomorrow|tonight|morning|afternoon|evening|noon|midday|weekend|o'clock)\b`),
	regexp.MustCompile(`\b(next|this|coming)\s+(week|month|day)\b`),
	regexp.MustCompile(`\bin\s+\d+\s+(day|days|week|weeks)\b`),
	regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s*(am|pm|a\.m\.|p\.m\.)`),
	regexp.MustCompile(`\b\d{1,2}:\d{2}\b`),
	regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}([/-]\d{2,4})?\b`),
	regexp.MustCompile(`\b\d{1,2}(st|nd|rd|th)\b`),
	regexp.MustCompile(`\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}\b`),
	regexp.MustCompile(`\b\d{1,2}\s+(of\s+)?(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\b`),
}

// Classification is the heuristic reading of a message typed while the
// booking flow waits for a time preference.
type Classification struct {
	IsTimeExpression bool
	IsQuestion       bool
	IsConfirmation   bool
}

func Classify(text string) Classification {
	lower := normalize(text)
	return Classification{
		IsTimeExpression: isTimeExpression(lower),
		IsQuestion:       isQuestion(lower),
		IsConfirmation:   confirmationWords[strings.Trim(lower, ".!")],
	}
}

// DetectMeetingIntent reports whether text asks to book a meeting.
func DetectMeetingIntent(text string) bool {
	return containsAny(normalize(text), meetingPhrases)
}

// ValidName reports whether a trimmed name is long enough to accept.
func ValidName(name string) bool {
	return len([]rune(strings.TrimSpace(name))) >= 2
}

func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

func mentionsFollowUp(reply string) bool {
	return containsAny(strings.ToLower(reply), followUpKeywords)
}

// parseOption maps a 1-based option reply onto an index into n alternatives.
func parseOption(text string, n int) (int, bool) {
	m := optionPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, false
	}
	num, err := strconv.Atoi(m[2])
	if err != nil || num < 1 || num > n {
		return 0, false
	}
	return num - 1, true
}

func isAffirmative(text string) bool {
	for _, w := range words(normalize(text)) {
		if affirmativeWords[w] {
			return true
		}
	}
	return false
}

func isNegative(text string) bool {
	ws := words(normalize(text))
	for _, w := range ws {
		if negativeWords[w] {
			return true
		}
	}
	padded := " " + strings.Join(ws, " ") + " "
	for _, p := range negativePhrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

func isQuestion(lower string) bool {
	if strings.Contains(lower, "?") {
		return true
	}
	ws := words(lower)
	return len(ws) > 0 && questionWords[ws[0]]
}

func isTimeExpression(lower string) bool {
	for _, re := range timePatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '\''
	})
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
