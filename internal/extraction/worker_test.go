package extraction

import (
	"context"
	"testing"

	"github.com/chartreuse/sentry-agent/internal/facts"
)

func TestWorkerTick_ProcessesClaimedBatch(t *testing.T) {
	store := newTestStore(t)
	queue := newTestQueue(t)
	gen := &stubGenerator{response: `{"facts":[{"domain":"goals","fact":"training for a marathon","confidence":0.8}],"worth_persisting":true}`}
	extractor := NewExtractor(gen, "qwen2.5:7b", store)
	w := NewWorker(extractor, queue, nil)

	if err := queue.Enqueue("conv-1", "I'm training for a marathon this fall", "That's a great goal, how's training going?", 4); err != nil {
		t.Fatal(err)
	}

	w.tick(context.Background())

	gotFacts, err := store.GetByDomain(facts.DomainGoals)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotFacts) != 1 {
		t.Fatalf("got %d facts, want 1", len(gotFacts))
	}
}

func TestWorkerStartup_ResetsOrphans(t *testing.T) {
	store := newTestStore(t)
	queue := newTestQueue(t)
	extractor := NewExtractor(&stubGenerator{}, "qwen2.5:7b", store)
	w := NewWorker(extractor, queue, nil)

	if err := queue.Enqueue("conv-1", "msg", "resp", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := queue.ClaimBatch(1, nil); err != nil {
		t.Fatal(err)
	}

	if err := w.Startup(); err != nil {
		t.Fatal(err)
	}

	items, err := queue.ClaimBatch(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatal("expected orphaned row to be reclaimable after Startup")
	}
}
