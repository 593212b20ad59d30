package routermetrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chartreuse/sentry-agent/internal/router"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "routermetrics.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRecordRequest_AccumulatesPerTier(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	if err := m.RecordRequest(ctx, router.TierLocal, 50*time.Millisecond, false, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordRequest(ctx, router.TierLocal, 100*time.Millisecond, false, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordRequest(ctx, router.TierAPI, 200*time.Millisecond, false, 0.01); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	local := snap.Tiers[router.TierLocal]
	if local.Requests != 2 {
		t.Fatalf("local requests = %d, want 2", local.Requests)
	}
	if local.AvgLatency != 75*time.Millisecond {
		t.Fatalf("local avg latency = %v, want 75ms", local.AvgLatency)
	}
	api := snap.Tiers[router.TierAPI]
	if api.Requests != 1 || api.EstCostUSD != 0.01 {
		t.Fatalf("unexpected api snapshot: %+v", api)
	}
}

func TestSnapshot_ComputesPercentagesAndFallbackRate(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.RecordRequest(ctx, router.TierLocal, time.Millisecond, false, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.RecordRequest(ctx, router.TierAPI, time.Millisecond, true, 0.02); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	if snap.LocalPercent != 75 {
		t.Fatalf("LocalPercent = %v, want 75", snap.LocalPercent)
	}
	if snap.APIPercent != 25 {
		t.Fatalf("APIPercent = %v, want 25", snap.APIPercent)
	}
	if snap.FallbackRate != 25 {
		t.Fatalf("FallbackRate = %v, want 25", snap.FallbackRate)
	}
}

func TestP99_UsesBoundedWindow(t *testing.T) {
	s := &tierStats{}
	// Fill past the window size with increasing latencies; only the
	// most recent latencyWindowSize samples should count.
	for i := 0; i < latencyWindowSize+50; i++ {
		s.record(time.Duration(i+1)*time.Millisecond, false, 0)
	}
	if len(s.latencies) != latencyWindowSize {
		t.Fatalf("window size = %d, want %d", len(s.latencies), latencyWindowSize)
	}
	// Oldest 50 samples (1ms..50ms) should have been overwritten, so
	// the window holds 51ms..150ms; p99 of that should be close to
	// the top of the range.
	got := s.p99()
	if got < 148*time.Millisecond || got > 150*time.Millisecond {
		t.Fatalf("p99 = %v, expected near the top of the retained window", got)
	}
}

func TestLoadAll_RestoresLatencyWindowAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "routermetrics.db")
	ctx := context.Background()

	m1, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.RecordRequest(ctx, router.TierDeterministic, 10*time.Millisecond, false, 0); err != nil {
		t.Fatal(err)
	}
	if err := m1.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m1.Close(); err != nil {
		t.Fatal(err)
	}

	m2, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()

	snap := m2.Snapshot()
	det := snap.Tiers[router.TierDeterministic]
	if det.Requests != 1 || det.AvgLatency != 10*time.Millisecond {
		t.Fatalf("expected restored counters, got %+v", det)
	}
}

func TestFlush_IsIdempotentWithNoRecords(t *testing.T) {
	m := newTestMetrics(t)
	if err := m.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}
