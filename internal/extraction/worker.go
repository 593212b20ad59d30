package extraction

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// tickInterval and batchSize implement the worker cadence: every 5s,
// up to 5 items per tick — tighter than the embedding queue's 10s/10
// since extraction calls are more expensive (a full generation, not an
// embedding) and should not monopolize the local model.
const (
	tickInterval = 5 * time.Second
	batchSize    = 5
)

// retryBackoff matches the embedding queue's schedule, keeping failure
// handling uniform across the memory pipeline's two queues.
var retryBackoff = []time.Duration{0, 5 * time.Second, 30 * time.Second}

// Worker drains the extraction queue: for each claimed interaction, it
// calls the model and persists any facts reported, single-flighted
// against overlapping ticks.
type Worker struct {
	extractor *Extractor
	queue     *Queue
	logger    *slog.Logger

	mu      sync.Mutex
	ticking bool
}

// NewWorker wires an extraction worker.
func NewWorker(extractor *Extractor, queue *Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{extractor: extractor, queue: queue, logger: logger}
}

// Startup resets orphan processing rows and prunes old permanent
// failures. Call once before Run.
func (w *Worker) Startup() error {
	n, err := w.queue.ResetOrphanProcessing()
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("reset orphan extraction rows", "count", n)
	}
	if _, err := w.queue.PruneOldFailed(time.Now().Add(-30 * 24 * time.Hour)); err != nil {
		w.logger.Warn("prune old failed extraction rows", "error", err)
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

	items, err := w.queue.ClaimBatch(batchSize, retryBackoff)
	if err != nil {
		w.logger.Warn("claim extraction batch", "error", err)
		return
	}

	for _, item := range items {
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item QueueItem) {
	n, err := w.extractor.Extract(ctx, item)
	if err != nil {
		attempts := item.Attempts + 1
		if markErr := w.queue.MarkFailed(item.ID, attempts, err.Error()); markErr != nil {
			w.logger.Warn("mark extraction failed", "id", item.ID, "error", markErr)
		}
		return
	}
	if err := w.queue.MarkCompleted(item.ID); err != nil {
		w.logger.Warn("mark extraction completed", "id", item.ID, "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("extracted facts from conversation", "count", n, "conversation_id", item.ConversationID)
	}
}
