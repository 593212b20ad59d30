// Package reminders implements the fire-once reminder scheduler: a
// sorted in-memory queue backed by a durable SQLite table, with
// monotonic status transitions and crash recovery for reminders that
// were marked triggered but never confirmed delivered.
package reminders

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a reminder's delivery state. It only ever increases.
type Status int

const (
	StatusArmed     Status = 0
	StatusTriggered Status = 1
	StatusDelivered Status = 2
)

// Reminder is a single fire-once reminder.
type Reminder struct {
	ID        string
	Message   string
	TriggerAt time.Time
	Status    Status
	CreatedAt time.Time
}

type store struct {
	db *sql.DB
}

func newStore(dbPath string) (*store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			message TEXT NOT NULL,
			trigger_at TEXT NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reminders_status ON reminders(status);
		CREATE INDEX IF NOT EXISTS idx_reminders_trigger_at ON reminders(trigger_at);
	`)
	return err
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) create(message string, triggerAt time.Time) (*Reminder, error) {
	r := &Reminder{
		ID:        uuid.NewString(),
		Message:   message,
		TriggerAt: triggerAt,
		Status:    StatusArmed,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`
		INSERT INTO reminders (id, message, trigger_at, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Message, r.TriggerAt.UTC().Format(time.RFC3339Nano), int(r.Status), r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *store) setStatus(id string, status Status) error {
	_, err := s.db.Exec(`UPDATE reminders SET status = ? WHERE id = ?`, int(status), id)
	return err
}

func (s *store) delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	return err
}

func (s *store) listByStatus(status Status) ([]*Reminder, error) {
	rows, err := s.db.Query(`
		SELECT id, message, trigger_at, status, created_at
		FROM reminders WHERE status = ?
		ORDER BY trigger_at ASC
	`, int(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

func scanReminders(rows *sql.Rows) ([]*Reminder, error) {
	var out []*Reminder
	for rows.Next() {
		var r Reminder
		var status int
		var triggerAt, createdAt string
		if err := rows.Scan(&r.ID, &r.Message, &triggerAt, &status, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, triggerAt)
		if err != nil {
			return nil, fmt.Errorf("parse trigger_at: %w", err)
		}
		c, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		r.TriggerAt = t
		r.CreatedAt = c
		r.Status = Status(status)
		out = append(out, &r)
	}
	return out, rows.Err()
}
