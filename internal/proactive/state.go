// Package proactive implements the spontaneous-message loop: a
// periodic tick that may decide, via an LLM call, to send an unsolicited
// message — gated by quiet hours, per-hour/per-day rate limits, mutual
// exclusion with the user-message handler, and a noisiness circuit
// breaker on consecutive message-producing ticks.
package proactive

import (
	"database/sql"
	"fmt"
	"time"
)

// State is the persisted proactive-loop state, surviving restarts so
// rate limits and the greeting-dedup window aren't reset by a crash.
type State struct {
	LastUserMessageAt           time.Time
	LastUserActivityAt          time.Time
	LastGreetingDate            string // YYYY-MM-DD, empty if none sent yet today
	LastGreetingType            string
	ConsecutiveTicksWithMessage int
	MutexSkips                  int
	QuietUntil                  *time.Time

	HourWindowStart time.Time
	HourCount       int
	DayWindowStart  time.Time
	DayCount        int
}

type stateStore struct {
	db *sql.DB
}

func newStateStore(dbPath string) (*stateStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &stateStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *stateStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS proactive_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_user_message_at TEXT,
			last_user_activity_at TEXT,
			last_greeting_date TEXT,
			last_greeting_type TEXT,
			consecutive_ticks_with_message INTEGER NOT NULL DEFAULT 0,
			mutex_skips INTEGER NOT NULL DEFAULT 0,
			quiet_until TEXT,
			hour_window_start TEXT,
			hour_count INTEGER NOT NULL DEFAULT 0,
			day_window_start TEXT,
			day_count INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO proactive_state (id) VALUES (1)`)
	return err
}

func (s *stateStore) close() error {
	return s.db.Close()
}

func (s *stateStore) load() (State, error) {
	row := s.db.QueryRow(`
		SELECT last_user_message_at, last_user_activity_at, last_greeting_date,
		       last_greeting_type, consecutive_ticks_with_message, mutex_skips,
		       quiet_until, hour_window_start, hour_count, day_window_start, day_count
		FROM proactive_state WHERE id = 1
	`)

	var st State
	var lastMsg, lastActivity, greetingDate, greetingType, quietUntil, hourStart, dayStart sql.NullString
	if err := row.Scan(&lastMsg, &lastActivity, &greetingDate, &greetingType, &st.ConsecutiveTicksWithMessage,
		&st.MutexSkips, &quietUntil, &hourStart, &st.HourCount, &dayStart, &st.DayCount); err != nil {
		return State{}, err
	}

	st.LastUserMessageAt = parseTimeOrZero(lastMsg)
	st.LastUserActivityAt = parseTimeOrZero(lastActivity)
	st.LastGreetingDate = greetingDate.String
	st.LastGreetingType = greetingType.String
	st.HourWindowStart = parseTimeOrZero(hourStart)
	st.DayWindowStart = parseTimeOrZero(dayStart)
	if quietUntil.Valid && quietUntil.String != "" {
		t := parseTimeOrZero(quietUntil)
		st.QuietUntil = &t
	}

	return st, nil
}

func (s *stateStore) save(st State) error {
	var quietUntil any
	if st.QuietUntil != nil {
		quietUntil = st.QuietUntil.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`
		UPDATE proactive_state SET
			last_user_message_at = ?, last_user_activity_at = ?,
			last_greeting_date = ?, last_greeting_type = ?,
			consecutive_ticks_with_message = ?, mutex_skips = ?,
			quiet_until = ?, hour_window_start = ?, hour_count = ?,
			day_window_start = ?, day_count = ?
		WHERE id = 1
	`, timeOrNull(st.LastUserMessageAt), timeOrNull(st.LastUserActivityAt),
		st.LastGreetingDate, st.LastGreetingType,
		st.ConsecutiveTicksWithMessage, st.MutexSkips,
		quietUntil, timeOrNull(st.HourWindowStart), st.HourCount,
		timeOrNull(st.DayWindowStart), st.DayCount)
	return err
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeOrZero(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
