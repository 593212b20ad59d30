package facts

import (
	"context"
	"runtime"
	"time"
)

// DecayStage buckets a fact's age into an injection policy.
type DecayStage string

const (
	StageFresh       DecayStage = "fresh"
	StageAging       DecayStage = "aging"
	StageLowPriority DecayStage = "low_priority"
	StageStale       DecayStage = "stale"
)

// DecayStatus is derived from a fact's age and never persisted.
type DecayStatus struct {
	Inject             bool
	RelevanceThreshold float64
	Stage              DecayStage
}

// GetDecayStatus computes the decay status for a fact last confirmed at
// lastConfirmedAt, relative to now. It is a pure function with no store
// access, so the decay computation does not create a dependency cycle
// between the fact store and its own decay policy.
func GetDecayStatus(lastConfirmedAt, now time.Time) DecayStatus {
	age := now.Sub(lastConfirmedAt)
	days := age.Hours() / 24

	switch {
	case days < 60:
		return DecayStatus{Inject: true, RelevanceThreshold: 0.0, Stage: StageFresh}
	case days < 90:
		return DecayStatus{Inject: true, RelevanceThreshold: 0.3, Stage: StageAging}
	case days < 120:
		return DecayStatus{Inject: true, RelevanceThreshold: 0.7, Stage: StageLowPriority}
	default:
		return DecayStatus{Inject: false, RelevanceThreshold: 1.0, Stage: StageStale}
	}
}

// decayPageSize is the number of candidate rows scanned per page in
// RunDecayScan, matching the teacher's small-batch-plus-yield idiom
// used in its queue workers.
const decayPageSize = 100

// RunDecayScan marks facts stale whose last_confirmed_at age has
// reached StaleAfter, scanning in pages and yielding the goroutine
// scheduler between pages so a large fact store doesn't monopolize a
// core during the scan. Returns the total number of facts marked
// stale.
func RunDecayScan(ctx context.Context, store *Store, now time.Time) (int, error) {
	cutoff := now.Add(-StaleAfter)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		candidates, err := store.StaleCandidates(cutoff, 0, decayPageSize)
		if err != nil {
			return total, err
		}
		if len(candidates) == 0 {
			return total, nil
		}

		for _, f := range candidates {
			if err := store.MarkFactStale(f.ID); err != nil {
				return total, err
			}
		}
		total += len(candidates)

		if len(candidates) < decayPageSize {
			return total, nil
		}
		runtime.Gosched()
	}
}
