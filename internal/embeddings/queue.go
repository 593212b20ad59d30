package embeddings

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the monotonic lifecycle of a pending-embedding row:
// pending -> processing -> {completed | failed}. A failed row can be
// retried (processing again) until MaxAttempts is reached.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// MaxAttempts caps how many times a queue row is retried before it is
// left permanently failed.
const MaxAttempts = 3

// QueueItem is a single pending-embedding row.
type QueueItem struct {
	FactID        uuid.UUID
	Status        QueueStatus
	Attempts      int
	LastAttemptAt time.Time
	FailReason    string
	CreatedAt     time.Time
}

// Queue persists the pending-embedding work list in its own SQLite
// database (embeddings.db), separate from facts.db, matching the
// teacher's one-database-per-concern convention.
type Queue struct {
	db *sql.DB
}

// NewQueue opens (or creates) the embedding queue database at dbPath.
func NewQueue(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_embeddings (
			fact_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			fail_reason TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_embeddings_status ON pending_embeddings(status);
	`)
	return err
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue inserts a pending row for factID if one does not already
// exist (in any status).
func (q *Queue) Enqueue(factID uuid.UUID) error {
	_, err := q.db.Exec(
		`INSERT OR IGNORE INTO pending_embeddings (fact_id, status, attempts, created_at) VALUES (?, ?, 0, ?)`,
		factID.String(), StatusPending, time.Now().UTC().Format(time.RFC3339))
	return err
}

// ClaimBatch selects up to limit pending rows eligible to run now
// (respecting the backoff schedule since their last attempt) and
// transitions them to processing. Rows already in processing are
// never double-claimed.
func (q *Queue) ClaimBatch(limit int, backoff []time.Duration) ([]QueueItem, error) {
	rows, err := q.db.Query(
		`SELECT fact_id, status, attempts, last_attempt_at, fail_reason, created_at
		 FROM pending_embeddings WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		StatusPending, StatusFailed, limit*4) // over-fetch; backoff filtering happens in Go
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]QueueItem, 0, limit)
	now := time.Now()
	for _, item := range candidates {
		if len(claimed) >= limit {
			break
		}
		if item.Status == StatusFailed {
			if item.Attempts >= MaxAttempts {
				continue
			}
			idx := item.Attempts
			if idx >= len(backoff) {
				idx = len(backoff) - 1
			}
			if !item.LastAttemptAt.IsZero() && now.Sub(item.LastAttemptAt) < backoff[idx] {
				continue
			}
		}
		if err := q.setStatus(item.FactID, StatusProcessing, item.Attempts, ""); err != nil {
			return nil, err
		}
		item.Status = StatusProcessing
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// MarkCompleted transitions factID's row to completed.
func (q *Queue) MarkCompleted(factID uuid.UUID) error {
	_, err := q.db.Exec(`UPDATE pending_embeddings SET status = ? WHERE fact_id = ?`, StatusCompleted, factID.String())
	return err
}

// MarkFailed increments attempts and records the failure reason. The
// row stays retryable (status failed) until attempts reaches
// MaxAttempts, after which ClaimBatch stops selecting it.
func (q *Queue) MarkFailed(factID uuid.UUID, attempts int, reason string) error {
	return q.setStatus(factID, StatusFailed, attempts, reason)
}

func (q *Queue) setStatus(factID uuid.UUID, status QueueStatus, attempts int, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var reasonSQL *string
	if reason != "" {
		reasonSQL = &reason
	}
	_, err := q.db.Exec(
		`UPDATE pending_embeddings SET status = ?, attempts = ?, last_attempt_at = ?, fail_reason = ? WHERE fact_id = ?`,
		status, attempts, now, reasonSQL, factID.String())
	return err
}

// ResetOrphanProcessing resets any row stuck in processing (from an
// unclean shutdown) back to pending, run once at startup.
func (q *Queue) ResetOrphanProcessing() (int, error) {
	res, err := q.db.Exec(`UPDATE pending_embeddings SET status = ? WHERE status = ?`, StatusPending, StatusProcessing)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneOldFailed deletes permanently-failed rows older than cutoff, so
// the queue table does not grow unbounded with dead entries.
func (q *Queue) PruneOldFailed(cutoff time.Time) (int, error) {
	res, err := q.db.Exec(
		`DELETE FROM pending_embeddings WHERE status = ? AND attempts >= ? AND created_at < ?`,
		StatusFailed, MaxAttempts, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanQueueItem(rows *sql.Rows) (QueueItem, error) {
	var item QueueItem
	var idStr, statusStr, createdStr string
	var lastAttempt, failReason sql.NullString

	if err := rows.Scan(&idStr, &statusStr, &item.Attempts, &lastAttempt, &failReason, &createdStr); err != nil {
		return item, err
	}
	item.FactID, _ = uuid.Parse(idStr)
	item.Status = QueueStatus(statusStr)
	if lastAttempt.Valid {
		item.LastAttemptAt, _ = time.Parse(time.RFC3339, lastAttempt.String)
	}
	if failReason.Valid {
		item.FailReason = failReason.String
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	return item, nil
}
