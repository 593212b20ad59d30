// Package routermetrics tracks per-tier routing outcomes: request
// counts, rolling latency averages, and a bounded P99 window, plus the
// derived summary (tier percentages, fallback rate, estimated cost
// savings) the router's own decisions are judged against. Counters are
// persisted with debounced writes, matching the router's own local-
// first economics: cheap enough to update every request, expensive
// enough not to fsync every one of them.
package routermetrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chartreuse/sentry-agent/internal/router"
)

// latencyWindowSize bounds the per-tier P99 sample window, mirroring
// internal/health's fixed-size rolling window.
const latencyWindowSize = 100

// flushDebounce is the minimum interval between durable writes; a
// forced flush on shutdown bypasses it.
const flushDebounce = 30 * time.Second

// tierStats is one tier's in-memory counters. Protected by Metrics.mu,
// matching the spec's "counters, circuit breakers, health monitor:
// protected by a single mutex each" discipline.
type tierStats struct {
	requests   int64
	fallbacks  int64
	totalCost  float64
	latencySum time.Duration
	latencies  []time.Duration // ring buffer, oldest overwritten first
	latencyPos int
}

func (t *tierStats) record(latency time.Duration, fellBack bool, costUSD float64) {
	t.requests++
	if fellBack {
		t.fallbacks++
	}
	t.totalCost += costUSD
	t.latencySum += latency

	if len(t.latencies) < latencyWindowSize {
		t.latencies = append(t.latencies, latency)
	} else {
		t.latencies[t.latencyPos] = latency
		t.latencyPos = (t.latencyPos + 1) % latencyWindowSize
	}
}

func (t *tierStats) avgLatency() time.Duration {
	if t.requests == 0 {
		return 0
	}
	return t.latencySum / time.Duration(t.requests)
}

// p99 returns the 99th percentile over the current sample window,
// sorted ascending, same approach as internal/health's median helper.
func (t *tierStats) p99() time.Duration {
	n := len(t.latencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, t.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(n) * 0.99)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// TierSnapshot is a by-value copy of one tier's counters.
type TierSnapshot struct {
	Tier       router.Tier
	Requests   int64
	Fallbacks  int64
	AvgLatency time.Duration
	P99Latency time.Duration
	EstCostUSD float64
}

// Summary is the aggregated, human-facing view across all tiers.
type Summary struct {
	Tiers                map[router.Tier]TierSnapshot
	LocalPercent         float64
	DeterministicPercent float64
	APIPercent           float64
	FallbackRate         float64
	EstCostSavingsUSD    float64
}

// Metrics accumulates per-tier routing outcomes in memory and
// persists them to SQLite on a debounced schedule.
type Metrics struct {
	mu        sync.Mutex
	stats     map[router.Tier]*tierStats
	store     *store
	lastFlush time.Time
}

// New opens (or creates) the metrics store at dbPath and loads any
// persisted counters.
func New(dbPath string) (*Metrics, error) {
	st, err := newStore(dbPath)
	if err != nil {
		return nil, err
	}
	m := &Metrics{
		stats: make(map[router.Tier]*tierStats),
		store: st,
	}
	loaded, err := st.loadAll()
	if err != nil {
		st.close()
		return nil, fmt.Errorf("load persisted router metrics: %w", err)
	}
	for tier, s := range loaded {
		m.stats[tier] = s
	}
	return m, nil
}

// Close flushes outstanding counters and releases the database handle.
func (m *Metrics) Close() error {
	if err := m.Flush(context.Background()); err != nil {
		return err
	}
	return m.store.close()
}

// RecordRequest registers one routed request's outcome. fellBack
// indicates the decision that ultimately served the request was not
// the tier the router initially selected (e.g. local failed over to
// API). apiCostUSD is the estimated marginal API cost this request
// would have incurred had it been routed to the API tier — used to
// derive estimated cost savings for requests that didn't need it.
func (m *Metrics) RecordRequest(ctx context.Context, tier router.Tier, latency time.Duration, fellBack bool, apiCostUSD float64) error {
	m.mu.Lock()
	s, ok := m.stats[tier]
	if !ok {
		s = &tierStats{}
		m.stats[tier] = s
	}
	s.record(latency, fellBack, apiCostUSD)
	due := time.Since(m.lastFlush) >= flushDebounce
	m.mu.Unlock()

	if due {
		return m.Flush(ctx)
	}
	return nil
}

// Flush persists current counters unconditionally. The debounce window
// is applied by RecordRequest before it calls Flush; Close always
// flushes regardless of timing.
func (m *Metrics) Flush(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make(map[router.Tier]tierStats, len(m.stats))
	for tier, s := range m.stats {
		snapshot[tier] = *s
	}
	m.lastFlush = time.Now()
	m.mu.Unlock()

	return m.store.saveAll(ctx, snapshot)
}

// Snapshot returns a point-in-time, by-value summary across all
// tiers — safe to read concurrently with further recording.
func (m *Metrics) Snapshot() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	var totalFallbacks int64
	var estSavings float64
	tiers := make(map[router.Tier]TierSnapshot, len(m.stats))

	for tier, s := range m.stats {
		tiers[tier] = TierSnapshot{
			Tier:       tier,
			Requests:   s.requests,
			Fallbacks:  s.fallbacks,
			AvgLatency: s.avgLatency(),
			P99Latency: s.p99(),
			EstCostUSD: s.totalCost,
		}
		total += s.requests
		totalFallbacks += s.fallbacks
		if tier != router.TierAPI {
			estSavings += s.totalCost
		}
	}

	sum := Summary{Tiers: tiers, EstCostSavingsUSD: estSavings}
	if total == 0 {
		return sum
	}

	sum.LocalPercent = percent(tiers[router.TierLocal].Requests, total)
	sum.DeterministicPercent = percent(tiers[router.TierDeterministic].Requests, total)
	sum.APIPercent = percent(tiers[router.TierAPI].Requests, total)
	sum.FallbackRate = percent(totalFallbacks, total)
	return sum
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
