// Package extraction runs background fact extraction over completed
// conversation turns: a queue-table-backed worker pulls pending
// interactions, calls the local model to pull out durable facts, and
// persists anything worth keeping through internal/facts.Store.
package extraction

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueStatus mirrors internal/embeddings' queue lifecycle: pending ->
// processing -> {completed | failed}, with failed rows retryable until
// MaxAttempts.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// MaxAttempts caps retries before a row is left permanently failed.
const MaxAttempts = 3

// QueueItem is one pending interaction awaiting extraction.
type QueueItem struct {
	ID                uuid.UUID
	ConversationID     string
	UserMessage        string
	AssistantResponse  string
	MessageCount       int
	Status             QueueStatus
	Attempts           int
	LastAttemptAt      time.Time
	FailReason         string
	CreatedAt          time.Time
}

// Queue persists the pending-extraction work list in its own SQLite
// database (extraction.db), following the teacher's one-database-per-
// concern convention already used by internal/embeddings.
type Queue struct {
	db *sql.DB
}

// NewQueue opens (or creates) the extraction queue database at dbPath.
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
		CREATE TABLE IF NOT EXISTS pending_extractions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_message TEXT NOT NULL,
			assistant_response TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			fail_reason TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_extractions_status ON pending_extractions(status);
	`)
	return err
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue inserts a pending interaction for later extraction.
func (q *Queue) Enqueue(conversationID, userMsg, assistantResp string, messageCount int) error {
	_, err := q.db.Exec(
		`INSERT INTO pending_extractions (id, conversation_id, user_message, assistant_response, message_count, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		uuid.New().String(), conversationID, userMsg, assistantResp, messageCount, StatusPending,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// ClaimBatch selects up to limit rows eligible to run now (pending, or
// failed past their backoff window) and transitions them to
// processing.
func (q *Queue) ClaimBatch(limit int, backoff []time.Duration) ([]QueueItem, error) {
	rows, err := q.db.Query(
		`SELECT id, conversation_id, user_message, assistant_response, message_count, status, attempts, last_attempt_at, fail_reason, created_at
		 FROM pending_extractions WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		StatusPending, StatusFailed, limit*4)
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
		if err := q.setStatus(item.ID, StatusProcessing, item.Attempts, ""); err != nil {
			return nil, err
		}
		item.Status = StatusProcessing
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// MarkCompleted transitions id's row to completed.
func (q *Queue) MarkCompleted(id uuid.UUID) error {
	_, err := q.db.Exec(`UPDATE pending_extractions SET status = ? WHERE id = ?`, StatusCompleted, id.String())
	return err
}

// MarkFailed increments attempts and records the failure reason.
func (q *Queue) MarkFailed(id uuid.UUID, attempts int, reason string) error {
	return q.setStatus(id, StatusFailed, attempts, reason)
}

func (q *Queue) setStatus(id uuid.UUID, status QueueStatus, attempts int, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var reasonSQL *string
	if reason != "" {
		reasonSQL = &reason
	}
	_, err := q.db.Exec(
		`UPDATE pending_extractions SET status = ?, attempts = ?, last_attempt_at = ?, fail_reason = ? WHERE id = ?`,
		status, attempts, now, reasonSQL, id.String())
	return err
}

// ResetOrphanProcessing resets any row stuck in processing (from an
// unclean shutdown) back to pending. Run once at startup.
func (q *Queue) ResetOrphanProcessing() (int, error) {
	res, err := q.db.Exec(`UPDATE pending_extractions SET status = ? WHERE status = ?`, StatusPending, StatusProcessing)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneOldFailed deletes permanently-failed rows older than cutoff.
func (q *Queue) PruneOldFailed(cutoff time.Time) (int, error) {
	res, err := q.db.Exec(
		`DELETE FROM pending_extractions WHERE status = ? AND attempts >= ? AND created_at < ?`,
		StatusFailed, MaxAttempts, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanQueueItem(rows *sql.Rows) (QueueItem, error) {
	var item QueueItem
	var idStr, createdStr, statusStr string
	var lastAttempt, failReason sql.NullString

	if err := rows.Scan(&idStr, &item.ConversationID, &item.UserMessage, &item.AssistantResponse,
		&item.MessageCount, &statusStr, &item.Attempts, &lastAttempt, &failReason, &createdStr); err != nil {
		return item, err
	}
	item.ID, _ = uuid.Parse(idStr)
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
