package extraction

import (
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(filepath.Join(t.TempDir(), "extraction.db"))
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndClaimBatch(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue("conv-1", "I run 5k every morning", "Nice, that's a solid habit.", 4); err != nil {
		t.Fatal(err)
	}

	items, err := q.ClaimBatch(5, []time.Duration{0, 5 * time.Second, 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Status != StatusProcessing {
		t.Fatalf("status = %v, want processing", items[0].Status)
	}

	// Claiming again should find nothing — the row is already processing.
	again, err := q.ClaimBatch(5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no items on re-claim, got %d", len(again))
	}
}

func TestMarkFailedRespectsBackoff(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue("conv-1", "msg", "resp", 4); err != nil {
		t.Fatal(err)
	}
	items, _ := q.ClaimBatch(1, nil)
	item := items[0]

	if err := q.MarkFailed(item.ID, 1, "boom"); err != nil {
		t.Fatal(err)
	}

	// Immediately after failing, the 5s backoff for attempt 1 should
	// block a re-claim.
	again, err := q.ClaimBatch(1, []time.Duration{0, 5 * time.Second, 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected backoff to block re-claim, got %d items", len(again))
	}
}

func TestClaimBatchSkipsExhaustedAttempts(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue("conv-1", "msg", "resp", 4); err != nil {
		t.Fatal(err)
	}
	items, _ := q.ClaimBatch(1, nil)
	item := items[0]
	if err := q.MarkFailed(item.ID, MaxAttempts, "permanent"); err != nil {
		t.Fatal(err)
	}

	again, err := q.ClaimBatch(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected exhausted row to be skipped, got %d", len(again))
	}
}

func TestResetOrphanProcessing(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue("conv-1", "msg", "resp", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimBatch(1, nil); err != nil {
		t.Fatal(err)
	}

	n, err := q.ResetOrphanProcessing()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reset %d rows, want 1", n)
	}

	items, err := q.ClaimBatch(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected the reset row to be claimable again, got %d", len(items))
	}
}
