package extraction

import "strings"

// minMessagesDefault is the minimum conversation length before
// extraction is attempted at all — very short conversations have no
// context to extract from.
const minMessagesDefault = 3

// ShouldExtract reports whether an interaction is worth queuing for
// extraction. Adapted nearly verbatim from the teacher's
// Extractor.ShouldExtract: filters out simple device commands, short
// responses, and auxiliary requests to keep extraction calls to
// roughly 30-50% of interactions rather than every turn.
func ShouldExtract(userMsg, assistantResp string, messageCount int, skipContext bool) bool {
	if skipContext {
		return false
	}
	if messageCount < minMessagesDefault {
		return false
	}
	if len(assistantResp) < 20 {
		return false
	}
	if isSimpleCommand(strings.ToLower(userMsg)) {
		return false
	}
	return true
}

// isSimpleCommand detects short device-control and status queries that
// are unlikely to contain facts worth persisting.
func isSimpleCommand(lower string) bool {
	if len(lower) < 5 {
		return true
	}

	commandPrefixes := []string{
		"turn on ", "turn off ",
		"switch on ", "switch off ",
		"set the ", "set my ",
		"what time", "what's the time",
		"lock the ", "unlock the ",
		"open the ", "close the ",
	}
	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
