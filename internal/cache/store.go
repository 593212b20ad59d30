// Package cache implements the semantic response cache: a bounded
// in-memory layer (github.com/hashicorp/golang-lru/v2) in front of a
// durable SQLite table, mirroring the "fast in-memory view over a
// durable store" shape the fact store and embedding worker already
// use for their own data.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chartreuse/sentry-agent/internal/vecmath"
)

// Entry is a single cached response, keyed by a query hash but
// validated at read time against the query embedding, the retrieved
// fact set, and the system version.
type Entry struct {
	QueryHash      string
	QueryEmbedding []float32
	FactIDsHash    string
	SystemVersion  string
	Response       string
	TTLSeconds     int
	CreatedAt      time.Time
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLSeconds)*time.Second
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
		CREATE TABLE IF NOT EXISTS response_cache (
			query_hash TEXT PRIMARY KEY,
			query_embedding BLOB NOT NULL,
			fact_ids_hash TEXT NOT NULL,
			system_version TEXT NOT NULL,
			response TEXT NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

func (s *store) close() error {
	return s.db.Close()
}

// put inserts or overwrites (last-write-wins) the entry for this hash.
func (s *store) put(e Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO response_cache (query_hash, query_embedding, fact_ids_hash, system_version, response, ttl_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(query_hash) DO UPDATE SET
			query_embedding = excluded.query_embedding,
			fact_ids_hash = excluded.fact_ids_hash,
			system_version = excluded.system_version,
			response = excluded.response,
			ttl_seconds = excluded.ttl_seconds,
			created_at = excluded.created_at
	`, e.QueryHash, vecmath.Serialize(e.QueryEmbedding), e.FactIDsHash, e.SystemVersion, e.Response, e.TTLSeconds, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *store) get(queryHash string) (Entry, bool, error) {
	row := s.db.QueryRow(`
		SELECT query_hash, query_embedding, fact_ids_hash, system_version, response, ttl_seconds, created_at
		FROM response_cache WHERE query_hash = ?
	`, queryHash)

	var e Entry
	var embedBytes []byte
	var createdAt string
	if err := row.Scan(&e.QueryHash, &embedBytes, &e.FactIDsHash, &e.SystemVersion, &e.Response, &e.TTLSeconds, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e.QueryEmbedding = vecmath.Deserialize(embedBytes)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	e.CreatedAt = t
	return e, true, nil
}

// deleteExpired removes rows whose TTL has elapsed, keeping the
// durable table from growing unbounded with stale entries.
func (s *store) deleteExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM response_cache
		WHERE (strftime('%s', ?) - strftime('%s', created_at)) > ttl_seconds
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
