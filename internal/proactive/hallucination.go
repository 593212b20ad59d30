package proactive

import (
	"regexp"
	"strings"
)

// claimedActionPatterns catch a proactive message claiming to have
// performed an action it hasn't — e.g. the decision LLM hallucinating
// that it already scheduled a reminder. A message matching one of
// these is rejected rather than dispatched.
var claimedActionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i(?:'ve| have) (?:set|scheduled|created|added) (?:a |the )?reminder`),
	regexp.MustCompile(`(?i)i(?:'ll| will) remind you`),
	regexp.MustCompile(`(?i)reminder (?:is |has been )?(?:set|scheduled)`),
	regexp.MustCompile(`(?i)he programado un recordatorio`),
	regexp.MustCompile(`(?i)te record(?:aré|ar[eé])`),
}

// claimsUnperformedAction reports whether text describes an action
// the proactive loop itself never took.
func claimsUnperformedAction(text string) bool {
	for _, p := range claimedActionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// normalizeMessageType lowercases and trims for case-insensitive
// comparison against "none".
func normalizeMessageType(mt string) string {
	return strings.ToLower(strings.TrimSpace(mt))
}
