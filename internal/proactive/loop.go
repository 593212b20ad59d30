package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// NotificationSink delivers a proactive message to the user. Defined
// locally rather than imported from internal/reminders so the two
// packages stay structurally decoupled — any concrete sink in
// internal/runtime satisfies both by shape.
type NotificationSink interface {
	Send(ctx context.Context, message string) error
}

// FactProvider supplies the top-N facts most relevant to the current
// moment, to seed the decision context.
type FactProvider interface {
	TopFacts(ctx context.Context, n int) ([]string, error)
}

// ActivityProvider reports what's changed in observable state (e.g.
// device/presence deltas) since the last tick, as free-form text the
// decision prompt can reason over.
type ActivityProvider interface {
	ActivityDelta(ctx context.Context) (string, error)
}

// Decider invokes the LLM with the proactive decision prompt and
// returns its raw text response.
type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) (string, error)
}

// DecisionContext is everything the decision prompt is built from.
type DecisionContext struct {
	Now            time.Time
	ActivityDelta  string
	HourQuotaLeft  int
	DayQuotaLeft   int
	GreetedToday   bool
	GreetingWindow string
	RelevantFacts  []string
}

// decision is the strict JSON shape the decision LLM must return.
type decision struct {
	ShouldSpeak bool   `json:"shouldSpeak"`
	Reason      string `json:"reason"`
	MessageType string `json:"messageType"`
	Message     string `json:"message,omitempty"`
}

const topFactsN = 5

// Loop runs the periodic proactive tick.
type Loop struct {
	cfg    Config
	state  *stateStore
	sink   NotificationSink
	facts  FactProvider
	acts   ActivityProvider
	decide Decider
	gate   *BrainGate
	noisy  *noisinessCounter
	logger *slog.Logger
}

// New wires a Loop. facts and acts may be nil, in which case the
// decision context carries empty values for them.
func New(dbPath string, cfg Config, sink NotificationSink, facts FactProvider, acts ActivityProvider, decide Decider, gate *BrainGate, logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := newStateStore(dbPath)
	if err != nil {
		return nil, err
	}
	return &Loop{
		cfg:    cfg,
		state:  st,
		sink:   sink,
		facts:  facts,
		acts:   acts,
		decide: decide,
		gate:   gate,
		noisy:  newNoisinessCounter(cfg.ConsecutiveTicksThreshold),
		logger: logger,
	}, nil
}

// Close releases the state store's database handle.
func (l *Loop) Close() error {
	return l.state.close()
}

// NotifyUserMessage updates the persisted last-message/activity
// timestamps. Call this from the user-message handler so proactive's
// rate-limit and race-detection bookkeeping stays current.
func (l *Loop) NotifyUserMessage(now time.Time) error {
	st, err := l.state.load()
	if err != nil {
		return err
	}
	st.LastUserMessageAt = now
	st.LastUserActivityAt = now
	return l.state.save(st)
}

// QuietFor silences the proactive loop until now+d, for the "quiet"
// debug command — distinct from the configured quiet-hours window,
// which is a daily recurring schedule rather than a one-off pause.
func (l *Loop) QuietFor(d time.Duration) error {
	st, err := l.state.load()
	if err != nil {
		return err
	}
	until := time.Now().Add(d)
	st.QuietUntil = &until
	return l.state.save(st)
}

// Run starts the tick loop; it blocks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				l.logger.Warn("proactive tick failed", "error", err)
			}
		}
	}
}

// tick runs the spec's nine-step decision procedure once.
func (l *Loop) tick(ctx context.Context) error {
	now := time.Now()

	// Step 2: quiet hours and rate limits.
	st, err := l.state.load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if l.cfg.isWithinQuietHours(now) {
		l.logger.Debug("proactive tick skipped: quiet hours")
		return nil
	}
	if st.QuietUntil != nil && now.Before(*st.QuietUntil) {
		l.logger.Debug("proactive tick skipped: manual quiet period", "until", st.QuietUntil)
		return nil
	}
	st = rollRateWindows(st, now)
	if st.HourCount >= l.cfg.MaxPerHour || st.DayCount >= l.cfg.MaxPerDay {
		l.logger.Debug("proactive tick skipped: rate limit", "hour", st.HourCount, "day", st.DayCount)
		return l.state.save(st)
	}

	// Step 3: mutex with the brain.
	if l.gate != nil && l.gate.Busy() {
		st.MutexSkips++
		return l.state.save(st)
	}
	st.MutexSkips = 0

	// Step 4: noisiness circuit breaker. A tripped tick still counts as
	// quiet for recovery purposes — otherwise the breaker could never
	// cool back down once it trips, since recordQuiet is the only path
	// that decrements it.
	if l.noisy.tripped() {
		l.logger.Debug("proactive tick skipped: noisiness breaker tripped")
		l.noisy.recordQuiet()
		return l.state.save(st)
	}

	// Step 5: build decision context.
	dc := l.buildDecisionContext(ctx, st, now)

	// Step 6: invoke the LLM, then re-read state for a race against
	// user activity that happened during the call.
	if l.decide == nil {
		return l.state.save(st)
	}
	decCtx, cancel := context.WithTimeout(ctx, l.cfg.DecisionTimeout)
	raw, err := l.decide.Decide(decCtx, dc)
	cancel()
	if err != nil {
		return fmt.Errorf("decision call: %w", err)
	}

	fresh, err := l.state.load()
	if err != nil {
		return fmt.Errorf("reload state: %w", err)
	}
	if fresh.LastUserMessageAt.After(st.LastUserMessageAt) {
		l.logger.Debug("proactive tick aborted: user message arrived during decision call")
		return nil
	}

	// Step 7: parse and validate the decision.
	d, ok := parseDecision(raw)
	if !ok {
		l.logger.Warn("proactive decision response was not valid JSON, dropping")
		return nil
	}
	if !d.ShouldSpeak {
		l.noisy.recordQuiet()
		return l.state.save(st)
	}
	if normalizeMessageType(d.MessageType) == "none" {
		l.logger.Warn("proactive decision said shouldSpeak but messageType=none, dropping")
		l.noisy.recordQuiet()
		return l.state.save(st)
	}
	if claimsUnperformedAction(d.Message) {
		l.logger.Warn("proactive decision message claimed an unperformed action, dropping", "message", d.Message)
		l.noisy.recordQuiet()
		return l.state.save(st)
	}

	// Step 8: greeting-window dedup.
	window := greetingWindow(now)
	today := now.Format("2006-01-02")
	if strings.EqualFold(d.MessageType, "greeting") && st.LastGreetingDate == today && st.LastGreetingType == window {
		l.logger.Debug("proactive tick skipped: already greeted this window today")
		l.noisy.recordQuiet()
		return l.state.save(st)
	}

	// Step 9: dispatch and record.
	if err := l.sink.Send(ctx, d.Message); err != nil {
		return fmt.Errorf("dispatch proactive message: %w", err)
	}

	l.noisy.recordMessage()
	st.HourCount++
	st.DayCount++
	if strings.EqualFold(d.MessageType, "greeting") {
		st.LastGreetingDate = today
		st.LastGreetingType = window
	}
	return l.state.save(st)
}

func (l *Loop) buildDecisionContext(ctx context.Context, st State, now time.Time) DecisionContext {
	dc := DecisionContext{
		Now:            now,
		HourQuotaLeft:  l.cfg.MaxPerHour - st.HourCount,
		DayQuotaLeft:   l.cfg.MaxPerDay - st.DayCount,
		GreetedToday:   st.LastGreetingDate == now.Format("2006-01-02"),
		GreetingWindow: greetingWindow(now),
	}

	if l.acts != nil {
		if delta, err := l.acts.ActivityDelta(ctx); err == nil {
			dc.ActivityDelta = delta
		} else {
			l.logger.Debug("activity provider failed", "error", err)
		}
	}
	if l.facts != nil {
		if facts, err := l.facts.TopFacts(ctx, topFactsN); err == nil {
			dc.RelevantFacts = facts
		} else {
			l.logger.Debug("fact provider failed", "error", err)
		}
	}

	return dc
}

// rollRateWindows resets the hour/day counters when their windows
// have elapsed.
func rollRateWindows(st State, now time.Time) State {
	if st.HourWindowStart.IsZero() || now.Sub(st.HourWindowStart) >= time.Hour {
		st.HourWindowStart = now
		st.HourCount = 0
	}
	if st.DayWindowStart.IsZero() || now.Sub(st.DayWindowStart) >= 24*time.Hour {
		st.DayWindowStart = now
		st.DayCount = 0
	}
	return st
}

func parseDecision(raw string) (decision, bool) {
	raw = strings.TrimSpace(raw)
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return decision{}, false
	}
	var d decision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return decision{}, false
	}
	return d, true
}
