package runtime

import (
	"strings"
	"testing"
	"time"

	"github.com/chartreuse/sentry-agent/internal/cache"
	"github.com/chartreuse/sentry-agent/internal/reminders"
	"github.com/chartreuse/sentry-agent/internal/router"
)

func TestFormatReminderListEmpty(t *testing.T) {
	got := formatReminderList(nil)
	want := "You have no pending reminders."
	if got != want {
		t.Fatalf("formatReminderList(nil) = %q, want %q", got, want)
	}
}

func TestFormatReminderListIncludesEachEntry(t *testing.T) {
	list := []*reminders.Reminder{
		{ID: "r1", Message: "call mom", TriggerAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)},
		{ID: "r2", Message: "water plants", TriggerAt: time.Date(2026, 8, 2, 18, 30, 0, 0, time.UTC)},
	}
	got := formatReminderList(list)
	for _, want := range []string{"r1", "call mom", "r2", "water plants", "2026-08-01 09:00", "2026-08-02 18:30"} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatReminderList output missing %q:\n%s", want, got)
		}
	}
}

func TestClassForIntent(t *testing.T) {
	cases := []struct {
		intent router.Intent
		want   cache.QueryClass
	}{
		{router.IntentReminderCreate, cache.ClassTool},
		{router.IntentReminderList, cache.ClassTool},
		{router.IntentReminderCancel, cache.ClassTool},
		{router.IntentSimpleChat, cache.ClassGreeting},
		{router.IntentConversation, cache.ClassGreeting},
		{router.IntentWeather, cache.ClassFactual},
		{router.IntentTime, cache.ClassFactual},
	}
	for _, c := range cases {
		if got := classForIntent(c.intent); got != c.want {
			t.Errorf("classForIntent(%v) = %v, want %v", c.intent, got, c.want)
		}
	}
}
