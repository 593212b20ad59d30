package ctxguard

import "regexp"

// factPatterns are heuristic regexes flagging a message as carrying
// "potentially important" durable information — the same kind of
// phrasing the extraction worker would act on, but cheap enough to run
// synchronously over a slice of messages about to be dropped from the
// context window. None of this is a fact-extraction decision itself;
// it only decides whether the removed slice is worth a recovery
// backup before it's gone for good.
var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy (name|birthday|address|phone|email) is\b`),
	regexp.MustCompile(`(?i)\bi (live|work|am allergic|have a meeting|need to remember)\b`),
	regexp.MustCompile(`(?i)\bremember (that|this|to)\b`),
	regexp.MustCompile(`(?i)\b(recuerda|acuérdate)\b`),
	regexp.MustCompile(`(?i)\bi'?m (training|planning|working on|trying to)\b`),
	regexp.MustCompile(`(?i)\bdon'?t forget\b`),
	regexp.MustCompile(`(?i)\bmy (favorite|favourite)\b`),
}

// hasImportantFact reports whether text matches any fact pattern.
func hasImportantFact(text string) bool {
	for _, p := range factPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// anyImportantFact reports whether any message in the slice matches.
func anyImportantFact(messages []Message) bool {
	for _, m := range messages {
		if hasImportantFact(m.Content) {
			return true
		}
	}
	return false
}
