package routermetrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chartreuse/sentry-agent/internal/router"
)

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
		CREATE TABLE IF NOT EXISTS router_tier_metrics (
			tier             TEXT PRIMARY KEY,
			requests         INTEGER NOT NULL DEFAULT 0,
			fallbacks        INTEGER NOT NULL DEFAULT 0,
			total_cost_usd   REAL NOT NULL DEFAULT 0,
			latency_sum_ns   INTEGER NOT NULL DEFAULT 0,
			latencies_ns     TEXT NOT NULL DEFAULT '[]',
			latency_pos      INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL
		);
	`)
	return err
}

func (s *store) close() error {
	return s.db.Close()
}

// loadAll restores every persisted tier's counters, including its
// latency sample window, so a restart doesn't reset the P99 window.
func (s *store) loadAll() (map[router.Tier]*tierStats, error) {
	rows, err := s.db.Query(`SELECT tier, requests, fallbacks, total_cost_usd, latency_sum_ns, latencies_ns, latency_pos FROM router_tier_metrics`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[router.Tier]*tierStats)
	for rows.Next() {
		var tier string
		var latenciesJSON string
		st := &tierStats{}
		var latencySumNs int64
		if err := rows.Scan(&tier, &st.requests, &st.fallbacks, &st.totalCost, &latencySumNs, &latenciesJSON, &st.latencyPos); err != nil {
			return nil, err
		}
		st.latencySum = time.Duration(latencySumNs)
		st.latencies = decodeLatencies(latenciesJSON)
		out[router.Tier(tier)] = st
	}
	return out, rows.Err()
}

// saveAll upserts every tier's current counters in one transaction.
func (s *store) saveAll(ctx context.Context, snapshot map[router.Tier]tierStats) error {
	if len(snapshot) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for tier, st := range snapshot {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO router_tier_metrics (tier, requests, fallbacks, total_cost_usd, latency_sum_ns, latencies_ns, latency_pos, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tier) DO UPDATE SET
				requests = excluded.requests,
				fallbacks = excluded.fallbacks,
				total_cost_usd = excluded.total_cost_usd,
				latency_sum_ns = excluded.latency_sum_ns,
				latencies_ns = excluded.latencies_ns,
				latency_pos = excluded.latency_pos,
				updated_at = excluded.updated_at
		`, string(tier), st.requests, st.fallbacks, st.totalCost, int64(st.latencySum),
			encodeLatencies(st.latencies), st.latencyPos, now)
		if err != nil {
			return fmt.Errorf("upsert tier %s: %w", tier, err)
		}
	}

	return tx.Commit()
}

func encodeLatencies(latencies []time.Duration) string {
	ns := make([]int64, len(latencies))
	for i, d := range latencies {
		ns[i] = int64(d)
	}
	b, err := json.Marshal(ns)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeLatencies(s string) []time.Duration {
	var ns []int64
	if err := json.Unmarshal([]byte(s), &ns); err != nil {
		return nil
	}
	out := make([]time.Duration, len(ns))
	for i, n := range ns {
		out[i] = time.Duration(n)
	}
	return out
}
