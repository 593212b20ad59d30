package dateparse

import (
	"testing"
	"time"
)

var ref = time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC) // Friday

func TestParseDuration(t *testing.T) {
	r := Parse("30m", ref)
	if !r.Ok || !r.When.Equal(ref.Add(30*time.Minute)) {
		t.Fatalf("Parse(30m) = %+v", r)
	}
}

func TestParseInNMinutes(t *testing.T) {
	r := Parse("in 10 minutes", ref)
	if !r.Ok || !r.When.Equal(ref.Add(10*time.Minute)) {
		t.Fatalf("Parse(in 10 minutes) = %+v", r)
	}
}

func TestParseTomorrowAt(t *testing.T) {
	r := Parse("tomorrow at 3pm", ref)
	if !r.Ok {
		t.Fatalf("Parse(tomorrow at 3pm) not ok: %+v", r)
	}
	want := time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC)
	if !r.When.Equal(want) {
		t.Fatalf("Parse(tomorrow at 3pm) = %v, want %v", r.When, want)
	}
}

func TestParseTomorrowNoTimeDefaultsToNine(t *testing.T) {
	r := Parse("tomorrow", ref)
	if !r.Ok {
		t.Fatalf("Parse(tomorrow) not ok: %+v", r)
	}
	if r.When.Hour() != 9 || r.When.Day() != 1 {
		t.Fatalf("Parse(tomorrow) = %v, want day 1 at 09:00", r.When)
	}
}

func TestParseAbsoluteDateTime(t *testing.T) {
	r := Parse("2026-08-05 09:30", ref)
	if !r.Ok {
		t.Fatalf("Parse(absolute) not ok: %+v", r)
	}
	want := time.Date(2026, 8, 5, 9, 30, 0, 0, time.UTC)
	if !r.When.Equal(want) {
		t.Fatalf("Parse(absolute) = %v, want %v", r.When, want)
	}
}

func TestParseBareClockRollsToTomorrowIfPast(t *testing.T) {
	r := Parse("9:00", ref) // ref is 14:00, so 9:00 already passed today
	if !r.Ok {
		t.Fatalf("Parse(9:00) not ok: %+v", r)
	}
	want := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if !r.When.Equal(want) {
		t.Fatalf("Parse(9:00) = %v, want next day %v", r.When, want)
	}
}

func TestParseWeekday(t *testing.T) {
	r := Parse("tuesday at 10:00", ref) // ref is Friday
	if !r.Ok {
		t.Fatalf("Parse(tuesday) not ok: %+v", r)
	}
	if r.When.Weekday() != time.Tuesday || !r.When.After(ref) {
		t.Fatalf("Parse(tuesday) = %v, want next Tuesday after ref", r.When)
	}
}

func TestParseUnrecognized(t *testing.T) {
	r := Parse("sometime next century", ref)
	if r.Ok {
		t.Fatalf("Parse(garbage) should fail, got %+v", r)
	}
	if r.Suggestion == "" {
		t.Fatal("expected a suggestion on failure")
	}
}

func TestParseEmpty(t *testing.T) {
	r := Parse("   ", ref)
	if r.Ok {
		t.Fatal("Parse(empty) should fail")
	}
}
