package embeddings

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chartreuse/sentry-agent/internal/breaker"
	"github.com/chartreuse/sentry-agent/internal/facts"
)

// tickInterval and batchSize implement the worker cadence from spec:
// every 10s, up to 10 items per tick.
const (
	tickInterval = 10 * time.Second
	batchSize    = 10
)

// retryBackoff mirrors the extraction worker's schedule; the spec
// doesn't give the embedding queue its own explicit numbers, so the
// same [0, 5s, 30s] cadence applies to keep failure handling uniform
// across the memory pipeline's two queues.
var retryBackoff = []time.Duration{0, 5 * time.Second, 30 * time.Second}

// Worker drains the embedding queue: for each claimed fact, embeds its
// text and persists the vector, or marks the row completed if the
// fact has since been deleted. A single-flight mutex prevents
// overlapping ticks from racing the same rows.
type Worker struct {
	client  *Client
	queue   *Queue
	store   *facts.Store
	breaker *breaker.Breaker
	logger  *slog.Logger

	mu        sync.Mutex
	ticking   bool
	stop      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
}

// NewWorker wires an embedding worker from its three dependencies.
func NewWorker(client *Client, queue *Queue, store *facts.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client: client,
		queue:  queue,
		store:  store,
		breaker: breaker.New(breaker.Config{
			Name: "embeddings",
		}),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Startup resets orphan processing rows, prunes long-dead failures,
// and enqueues any active fact still missing an embedding under the
// current model version. Call once before Run.
func (w *Worker) Startup() error {
	n, err := w.queue.ResetOrphanProcessing()
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("reset orphan embedding rows", "count", n)
	}

	if _, err := w.queue.PruneOldFailed(time.Now().Add(-30 * 24 * time.Hour)); err != nil {
		w.logger.Warn("prune old failed embedding rows", "error", err)
	}

	pending, err := w.store.GetFactsWithoutEmbeddings(1000)
	if err != nil {
		return err
	}
	for _, f := range pending {
		if err := w.queue.Enqueue(f.ID); err != nil {
			w.logger.Warn("enqueue fact for embedding", "fact_id", f.ID, "error", err)
		}
	}
	return nil
}

// Run starts the tick loop; it blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick processes one batch, single-flighted against overlapping calls
// (a slow batch pushes past the next ticker fire; the next tick just
// no-ops rather than running concurrently).
func (w *Worker) tick(ctx context.Context) {
	w.mu.Lock()
	if w.ticking {
		w.mu.Unlock()
		return
	}
	w.ticking = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.ticking = false
		w.mu.Unlock()
	}()

	if !w.client.Ready() {
		return
	}

	items, err := w.queue.ClaimBatch(batchSize, retryBackoff)
	if err != nil {
		w.logger.Warn("claim embedding batch", "error", err)
		return
	}

	for _, item := range items {
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item QueueItem) {
	fact, err := w.store.Get(item.FactID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = w.queue.MarkCompleted(item.FactID)
		return
	}
	if err != nil {
		w.recordFailure(item, err)
		return
	}

	if !w.breaker.Allow() {
		return
	}

	emb, err := w.client.Embed(ctx, fact.Text)
	if err != nil {
		w.breaker.RecordFailure()
		w.recordFailure(item, err)
		return
	}
	w.breaker.RecordSuccess()

	if err := w.store.SetEmbedding(fact.ID, emb); err != nil {
		w.recordFailure(item, err)
		return
	}
	if err := w.queue.MarkCompleted(fact.ID); err != nil {
		w.logger.Warn("mark embedding completed", "fact_id", fact.ID, "error", err)
	}
}

func (w *Worker) recordFailure(item QueueItem, cause error) {
	attempts := item.Attempts + 1
	if err := w.queue.MarkFailed(item.FactID, attempts, cause.Error()); err != nil {
		w.logger.Warn("mark embedding failed", "fact_id", item.FactID, "error", err)
	}
}
