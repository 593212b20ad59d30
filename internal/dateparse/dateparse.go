// Package dateparse turns a human-friendly time expression typed by a
// user — "in 20 minutes", "tomorrow at 3pm", "2026-08-01 09:00" — into
// an absolute time.Time. It is deterministic: the same input and the
// same reference "now" always produce the same result, with no LLM
// call involved. Parsing failures are reported as a Result rather than
// an error return, since a caller presenting this to a user wants the
// original text back for a "did you mean" style message.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Result is the sum-type outcome of a Parse call. Ok is false when When
// could not be understood; Suggestion, if non-empty, is a corrected
// phrasing the caller can offer back to the user.
type Result struct {
	Ok         bool
	When       time.Time
	Suggestion string
}

var clockFormats = []string{
	"15:04",
	"3:04pm",
	"3:04PM",
	"3:04 pm",
	"3:04 PM",
	"3pm",
	"3PM",
}

var absoluteFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// Parse interprets when relative to now. now is taken as an explicit
// parameter (rather than time.Now() internally) so callers get
// reproducible results in tests and across retries of the same
// request.
func Parse(when string, now time.Time) Result {
	raw := strings.TrimSpace(when)
	if raw == "" {
		return Result{Ok: false, Suggestion: "give me a time, like \"in 10 minutes\" or \"tomorrow at 3pm\""}
	}
	lower := strings.ToLower(raw)

	if dur, err := time.ParseDuration(strings.ReplaceAll(raw, " ", "")); err == nil && dur > 0 {
		return Result{Ok: true, When: now.Add(dur)}
	}

	if strings.HasPrefix(lower, "in ") {
		if dur, ok := parseCountedUnit(strings.TrimPrefix(lower, "in ")); ok {
			return Result{Ok: true, When: now.Add(dur)}
		}
	}

	for _, format := range absoluteFormats {
		if t, err := time.Parse(format, raw); err == nil {
			if format == "2006-01-02" {
				t = time.Date(t.Year(), t.Month(), t.Day(), 9, 0, 0, 0, now.Location())
			}
			return Result{Ok: true, When: t}
		}
	}

	if strings.HasPrefix(lower, "tomorrow") {
		rest := strings.TrimSpace(strings.TrimPrefix(lower, "tomorrow"))
		rest = strings.TrimPrefix(rest, "at")
		rest = strings.TrimSpace(rest)
		base := now.AddDate(0, 0, 1)
		return resolveClockOrDefault(rest, base, now)
	}

	if strings.HasPrefix(lower, "today") {
		rest := strings.TrimSpace(strings.TrimPrefix(lower, "today"))
		rest = strings.TrimSpace(strings.TrimPrefix(rest, "at"))
		return resolveClockOrDefault(rest, now, now)
	}

	for name, wd := range weekdays {
		if !strings.HasPrefix(lower, name) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(lower, name))
		rest = strings.TrimSpace(strings.TrimPrefix(rest, "at"))
		base := nextWeekday(now, wd)
		return resolveClockOrDefault(rest, base, now)
	}

	if t, ok := parseClock(raw, now); ok {
		if t.Before(now) {
			t = t.Add(24 * time.Hour)
		}
		return Result{Ok: true, When: t}
	}

	return Result{Ok: false, Suggestion: fmt.Sprintf("could not understand %q — try \"in 10 minutes\" or \"tomorrow at 3pm\"", raw)}
}

// resolveClockOrDefault parses a trailing clock-time expression
// against base's date, defaulting to 09:00 when rest is empty.
func resolveClockOrDefault(rest string, base, now time.Time) Result {
	if rest == "" {
		return Result{Ok: true, When: time.Date(base.Year(), base.Month(), base.Day(), 9, 0, 0, 0, now.Location())}
	}
	if t, ok := parseClock(rest, now); ok {
		return Result{Ok: true, When: time.Date(base.Year(), base.Month(), base.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())}
	}
	return Result{Ok: false, Suggestion: fmt.Sprintf("could not understand the time portion %q", rest)}
}

// parseClock parses a bare clock time ("15:04", "3:04pm", "3pm") and
// returns it anchored to now's date — the caller rebinds the date as
// needed.
func parseClock(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, format := range clockFormats {
		if t, err := time.Parse(format, s); err == nil {
			return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), true
		}
	}
	return time.Time{}, false
}

// parseCountedUnit parses "<number> <unit>" phrases such as
// "10 minutes" or "2 hours".
func parseCountedUnit(s string) (time.Duration, bool) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, false
	}
	unit := strings.TrimSuffix(fields[1], "s")
	switch unit {
	case "second", "sec":
		return time.Duration(n) * time.Second, true
	case "minute", "min":
		return time.Duration(n) * time.Minute, true
	case "hour", "hr":
		return time.Duration(n) * time.Hour, true
	case "day":
		return time.Duration(n) * 24 * time.Hour, true
	case "week":
		return time.Duration(n) * 7 * 24 * time.Hour, true
	}
	return 0, false
}

// nextWeekday returns the next occurrence of wd strictly after now's
// date (today does not count, matching "next Tuesday" phrasing).
func nextWeekday(now time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return now.AddDate(0, 0, days)
}
