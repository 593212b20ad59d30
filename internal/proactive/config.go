package proactive

import "time"

// Config holds the proactive loop's tunables. The spec leaves the
// concrete quiet-hours window, rate limits and greeting boundaries
// unspecified (see DESIGN.md); these defaults are this project's
// Open Question decisions, not values recovered from any source.
type Config struct {
	// TickInterval is how often the loop evaluates whether to speak.
	TickInterval time.Duration

	// QuietHoursStart/End are local-time hours (0-23). The window
	// wraps past midnight when Start > End.
	QuietHoursStart int
	QuietHoursEnd   int

	// MaxPerHour/MaxPerDay cap spontaneous messages in their
	// respective rolling windows.
	MaxPerHour int
	MaxPerDay  int

	// ConsecutiveTicksThreshold trips the noisiness breaker: once this
	// many ticks in a row produced a message, further ticks are
	// refused until enough quiet ticks decrement it back down.
	ConsecutiveTicksThreshold int

	// DecisionTimeout bounds the LLM decision call.
	DecisionTimeout time.Duration
}

// DefaultConfig returns this project's invented defaults for the
// proactive loop's unspecified thresholds.
func DefaultConfig() Config {
	return Config{
		TickInterval:              15 * time.Minute,
		QuietHoursStart:           22,
		QuietHoursEnd:             8,
		MaxPerHour:                2,
		MaxPerDay:                 6,
		ConsecutiveTicksThreshold: 3,
		DecisionTimeout:           30 * time.Second,
	}
}

// isWithinQuietHours reports whether t's local hour falls in the
// configured quiet window. Reminders are exempt from this check
// (spec.md: "Reminders are exempt.") — it only gates the proactive
// loop itself.
func (c Config) isWithinQuietHours(t time.Time) bool {
	h := t.Hour()
	if c.QuietHoursStart == c.QuietHoursEnd {
		return false
	}
	if c.QuietHoursStart < c.QuietHoursEnd {
		return h >= c.QuietHoursStart && h < c.QuietHoursEnd
	}
	// Wraps past midnight, e.g. 22 -> 8.
	return h >= c.QuietHoursStart || h < c.QuietHoursEnd
}

// greetingWindow buckets a local hour into one of four greeting
// windows, used to dedup "already greeted this window today."
func greetingWindow(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 18:
		return "afternoon"
	case h >= 18 && h < 22:
		return "evening"
	default:
		return "night"
	}
}
