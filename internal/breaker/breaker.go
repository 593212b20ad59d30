// Package breaker implements a generic three-state circuit breaker
// usable by any subsystem that calls an unreliable dependency — the
// local classifier, the embedding client, a remote model. It is
// state-transition-with-callbacks in the same shape as
// internal/connwatch's ready/down transitions, generalized to a third
// (HALF_OPEN) state and driven by call outcomes instead of a
// background probe loop.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the breaker's thresholds. Zero values fall back to the
// defaults below.
type Config struct {
	// FailureThreshold is the number of consecutive failures in
	// Closed that trips the breaker to Open. Default 3.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in
	// HalfOpen that closes the breaker. Default 2.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays Open before allowing
	// a trial call in HalfOpen. Default 60s.
	ResetTimeout time.Duration

	// Name identifies the breaker for logging; purely descriptive.
	Name string
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	return c
}

// Snapshot is an immutable copy of a breaker's state at a point in
// time, safe to read without holding any lock.
type Snapshot struct {
	State           State
	ConsecutiveFail int
	ConsecutiveOK   int
	OpenedAt        time.Time
}

// Breaker is a single mutex-guarded state machine. Every method is
// safe for concurrent use.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// Allow reports whether a call should be attempted right now. In
// Open, it transitions to HalfOpen and allows a single trial call once
// ResetTimeout has elapsed since the breaker opened. Callers that get
// false should treat the dependency as unavailable without attempting
// the call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.consecutiveOK = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In HalfOpen, enough
// consecutive successes close the breaker; in Closed it resets the
// failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFail = 0
			b.consecutiveOK = 0
		}
	case Closed:
		b.consecutiveFail = 0
	}
}

// RecordFailure reports a failed call. In Closed, enough consecutive
// failures open the breaker; a single failure in HalfOpen reopens it
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip opens the breaker. Caller must hold b.mu.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveOK = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns an immutable copy of the breaker's internal
// counters, for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:           b.state,
		ConsecutiveFail: b.consecutiveFail,
		ConsecutiveOK:   b.consecutiveOK,
		OpenedAt:        b.openedAt,
	}
}

// Reset forces the breaker back to Closed, clearing both counters.
// Used when an operator or a startup recovery path needs to discard
// accumulated failure state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFail = 0
	b.consecutiveOK = 0
}
