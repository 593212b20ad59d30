package router

import (
	"sync"
	"time"
)

// classifierBackoffThreshold is how many consecutive classifier
// failures must accumulate before backoff engages.
const classifierBackoffThreshold = 3

// classifierBackoffBase and classifierBackoffCap implement spec
// §4.2's "30s * 2^(failures-3), capped at 5 min" schedule.
const (
	classifierBackoffBase = 30 * time.Second
	classifierBackoffCap  = 5 * time.Minute
)

// classifierBackoff throttles classifier calls after repeated
// failures, independent of the breaker's OPEN/CLOSED state — the
// breaker governs whether a call is attempted at all, this governs how
// long the router waits before trying again once the breaker allows
// it.
type classifierBackoff struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

func newClassifierBackoff() *classifierBackoff {
	return &classifierBackoff{}
}

// Allow reports whether a classifier call may be attempted right now.
func (b *classifierBackoff) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < classifierBackoffThreshold {
		return true
	}
	return time.Since(b.lastFailure) >= backoffDelay(b.failures)
}

// RecordFailure increments the failure streak and stamps the time
// used to compute the next backoff window.
func (b *classifierBackoff) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
}

// RecordSuccess resets the failure streak.
func (b *classifierBackoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// backoffDelay computes 30s * 2^(failures-3), capped at 5 minutes.
func backoffDelay(failures int) time.Duration {
	if failures < classifierBackoffThreshold {
		return 0
	}
	exp := failures - classifierBackoffThreshold
	delay := classifierBackoffBase
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= classifierBackoffCap {
			return classifierBackoffCap
		}
	}
	return delay
}
