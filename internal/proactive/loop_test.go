package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var errSinkFailure = errors.New("sink unavailable")

type stubSink struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (s *stubSink) Send(ctx context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSinkFailure
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *stubSink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

type stubDecider struct {
	response string
	err      error
	onDecide func()
}

func (d *stubDecider) Decide(ctx context.Context, dc DecisionContext) (string, error) {
	if d.onDecide != nil {
		d.onDecide()
	}
	return d.response, d.err
}

func mustJSON(t *testing.T, d decision) string {
	t.Helper()
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newTestLoop(t *testing.T, cfg Config, sink NotificationSink, decide Decider) *Loop {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "proactive.db"), cfg, sink, nil, nil, decide, &BrainGate{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestIsWithinQuietHours_WrapsPastMidnight(t *testing.T) {
	cfg := DefaultConfig() // 22 -> 8
	cases := []struct {
		hour int
		want bool
	}{
		{23, true},
		{3, true},
		{8, false},
		{12, false},
		{21, false},
		{22, true},
	}
	for _, c := range cases {
		ts := time.Date(2026, 1, 1, c.hour, 0, 0, 0, time.UTC)
		if got := cfg.isWithinQuietHours(ts); got != c.want {
			t.Errorf("hour %d: got %v, want %v", c.hour, got, c.want)
		}
	}
}

func TestTick_SkipsDuringQuietHours(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "check-in", Message: "hi"})}
	l := newTestLoop(t, DefaultConfig(), sink, decide)

	// Force quiet hours to cover "now" regardless of wall clock.
	l.cfg.QuietHoursStart = 0
	l.cfg.QuietHoursEnd = 24

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent()) != 0 {
		t.Fatal("expected no dispatch during quiet hours")
	}
}

func TestTick_SkipsWhenRateLimited(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "check-in", Message: "hi"})}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0 // never quiet
	cfg.MaxPerHour = 1
	l := newTestLoop(t, cfg, sink, decide)

	st, err := l.state.load()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	st.HourWindowStart = now
	st.HourCount = 1
	if err := l.state.save(st); err != nil {
		t.Fatal(err)
	}

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent()) != 0 {
		t.Fatal("expected no dispatch once hourly quota is exhausted")
	}
}

func TestTick_SkipsWhenBrainBusy(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "check-in", Message: "hi"})}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0

	l, err := New(filepath.Join(t.TempDir(), "proactive.db"), cfg, sink, nil, nil, decide, &BrainGate{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	done := l.gate.Enter()
	defer done()

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent()) != 0 {
		t.Fatal("expected no dispatch while brain gate is busy")
	}

	st, err := l.state.load()
	if err != nil {
		t.Fatal(err)
	}
	if st.MutexSkips != 1 {
		t.Fatalf("expected MutexSkips=1, got %d", st.MutexSkips)
	}
}

func TestTick_NoisinessBreakerTripsThenRecovers(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "check-in", Message: "hi"})}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0
	cfg.ConsecutiveTicksThreshold = 2
	cfg.MaxPerHour, cfg.MaxPerDay = 100, 100
	l := newTestLoop(t, cfg, sink, decide)

	if err := l.tick(context.Background()); err != nil { // message 1
		t.Fatal(err)
	}
	if err := l.tick(context.Background()); err != nil { // message 2, trips breaker
		t.Fatal(err)
	}
	if !l.noisy.tripped() {
		t.Fatal("expected breaker tripped after 2 consecutive message ticks")
	}

	if err := l.tick(context.Background()); err != nil { // refused, counts as quiet
		t.Fatal(err)
	}
	if len(sink.sent()) != 2 {
		t.Fatalf("expected exactly 2 dispatches, got %d", len(sink.sent()))
	}
	if l.noisy.tripped() {
		t.Fatal("expected breaker to have decremented after the refused tick")
	}
}

func TestTick_DispatchesOnShouldSpeak(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "check-in", Message: "how's it going?"})}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0
	l := newTestLoop(t, cfg, sink, decide)

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	sent := sink.sent()
	if len(sent) != 1 || sent[0] != "how's it going?" {
		t.Fatalf("expected one dispatched message, got %v", sent)
	}
}

func TestTick_RejectsShouldSpeakWithNoneType(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "none", Message: "oops"})}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0
	l := newTestLoop(t, cfg, sink, decide)

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent()) != 0 {
		t.Fatal("expected shouldSpeak+messageType=none to be rejected")
	}
}

func TestTick_RejectsHallucinatedAction(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "info", Message: "I've set a reminder for you at 5pm."})}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0
	l := newTestLoop(t, cfg, sink, decide)

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent()) != 0 {
		t.Fatal("expected message claiming an unperformed action to be rejected")
	}
}

func TestTick_DedupsGreetingSameWindow(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "greeting", Message: "good morning"})}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0
	cfg.MaxPerHour, cfg.MaxPerDay = 100, 100
	l := newTestLoop(t, cfg, sink, decide)

	now := time.Now()
	st, err := l.state.load()
	if err != nil {
		t.Fatal(err)
	}
	st.LastGreetingDate = now.Format("2006-01-02")
	st.LastGreetingType = greetingWindow(now)
	if err := l.state.save(st); err != nil {
		t.Fatal(err)
	}

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent()) != 0 {
		t.Fatal("expected duplicate greeting in the same window to be skipped")
	}
}

func TestTick_AbortsOnUserMessageRaceDuringDecision(t *testing.T) {
	sink := &stubSink{}
	cfg := DefaultConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 0, 0

	l := newTestLoop(t, cfg, sink, nil)
	decide := &stubDecider{
		response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "check-in", Message: "hi"}),
		onDecide: func() {
			if err := l.NotifyUserMessage(time.Now().Add(time.Minute)); err != nil {
				t.Fatal(err)
			}
		},
	}
	l.decide = decide

	if err := l.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent()) != 0 {
		t.Fatal("expected tick to abort when a user message arrived mid-decision")
	}
}

func TestParseDecision_ExtractsJSONFromSurroundingText(t *testing.T) {
	raw := "Sure, here's my decision:\n```json\n{\"shouldSpeak\":true,\"reason\":\"x\",\"messageType\":\"info\",\"message\":\"hey\"}\n```"
	d, ok := parseDecision(raw)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if !d.ShouldSpeak || d.Message != "hey" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestParseDecision_RejectsGarbage(t *testing.T) {
	if _, ok := parseDecision("not json at all"); ok {
		t.Fatal("expected parse failure for non-JSON text")
	}
}

func TestTick_SkipsDuringManualQuietPeriod(t *testing.T) {
	sink := &stubSink{}
	decide := &stubDecider{response: mustJSON(t, decision{ShouldSpeak: true, MessageType: "check-in", Message: "hi"})}
	l := newTestLoop(t, DefaultConfig(), sink, decide)

	if err := l.QuietFor(time.Hour); err != nil {
		t.Fatalf("QuietFor: %v", err)
	}
	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.sent()) != 0 {
		t.Fatalf("expected no dispatch during manual quiet period, got %v", sink.sent())
	}
}
