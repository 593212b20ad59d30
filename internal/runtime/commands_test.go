package runtime

import (
	"testing"
	"time"
)

func TestParseQuietDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"2h", 2 * time.Hour},
		{"30m", 30 * time.Minute},
		{"", time.Hour},
		{"not a duration", time.Hour},
		{"-5m", time.Hour}, // non-positive falls back to the default
		{"0s", time.Hour},
	}
	for _, c := range cases {
		if got := parseQuietDuration(c.in); got != c.want {
			t.Errorf("parseQuietDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
