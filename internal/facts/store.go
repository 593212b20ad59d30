// Package facts provides long-term memory storage for learned
// information about the user: preferences, schedule items, goals, and
// other durable facts extracted from conversation or set explicitly.
package facts

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chartreuse/sentry-agent/internal/vecmath"
)

// Domain is one of the ten closed fact domains.
type Domain string

const (
	DomainHealth        Domain = "health"
	DomainPreferences   Domain = "preferences"
	DomainWork          Domain = "work"
	DomainRelationships Domain = "relationships"
	DomainSchedule      Domain = "schedule"
	DomainGoals         Domain = "goals"
	DomainGeneral       Domain = "general"
	DomainDecisions     Domain = "decisions"
	DomainPersonal      Domain = "personal"
	DomainProjects      Domain = "projects"
)

// Confidence is a coarse three-level confidence rating — the extraction
// worker and explicit "remember" commands both produce one of these
// rather than a continuous score, since the teacher's own confidence
// field is likewise a caller-supplied judgment, not a computed metric.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Source records how a fact entered the store.
type Source string

const (
	SourceExplicit Source = "explicit" // user said "remember that ..."
	SourceInferred Source = "inferred" // extraction worker
	SourceMigrated Source = "migrated" // imported from an older store
)

// MaxFactLength is the character cap on Fact.Text per spec.
const MaxFactLength = 500

// StaleAfter is the age at which an active fact is marked stale.
const StaleAfter = 120 * 24 * time.Hour

// Fact is a single persistent knowledge item.
type Fact struct {
	ID              uuid.UUID  `json:"id"`
	Domain          Domain     `json:"domain"`
	Text            string     `json:"fact"`
	Confidence      Confidence `json:"confidence"`
	Scope           string     `json:"scope,omitempty"`
	Source          Source     `json:"source"`
	CreatedAt       time.Time  `json:"created_at"`
	LastConfirmedAt time.Time  `json:"last_confirmed_at"`
	Stale           bool       `json:"stale"`
	Archived        bool       `json:"archived"`
	Supersedes      *uuid.UUID `json:"supersedes,omitempty"`
	Embedding       []float32  `json:"-"`
}

const factColumns = "id, domain, text, confidence, scope, source, created_at, last_confirmed_at, stale, archived, supersedes"
const factColumnsWithEmbed = factColumns + ", embedding"

// activeFilter selects facts eligible for retrieval: not archived. A
// stale fact still passes this filter and is returned by lookups
// (GetDecayStatus reports facts of that age as not for injection) —
// only archived facts drop out entirely, the same distinction the
// teacher draws between its soft-delete (deleted_at) and nothing-else
// state.
const activeFilter = "archived = 0"

// Store manages fact persistence in a single SQLite database.
type Store struct {
	db         *sql.DB
	ftsEnabled bool
	logger     *slog.Logger
}

// NewStore opens (or creates) the fact database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence TEXT NOT NULL DEFAULT 'medium',
			scope TEXT,
			source TEXT NOT NULL DEFAULT 'inferred',
			embedding BLOB,
			created_at TEXT NOT NULL,
			last_confirmed_at TEXT NOT NULL,
			stale INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			supersedes TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_facts_domain ON facts(domain);
		CREATE INDEX IF NOT EXISTS idx_facts_archived ON facts(archived);
		CREATE INDEX IF NOT EXISTS idx_facts_stale ON facts(stale);
	`)
	if err != nil {
		return err
	}

	// ALTER TABLE IF NOT EXISTS-style migrations for databases created
	// by an earlier revision of this schema.
	_, _ = s.db.Exec(`ALTER TABLE facts ADD COLUMN embedding BLOB`)
	_, _ = s.db.Exec(`ALTER TABLE facts ADD COLUMN supersedes TEXT`)

	s.tryEnableFTS()
	return nil
}

// tryEnableFTS creates the FTS5 virtual table for full-text search.
// If FTS5 is unavailable, the store falls back to LIKE-based search.
func (s *Store) tryEnableFTS() {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			text,
			content=facts,
			content_rowid=rowid
		)
	`)
	if err != nil {
		s.logger.Warn("FTS5 not available for facts, using LIKE fallback", "error", err)
		return
	}
	s.ftsEnabled = true
	if _, err := s.db.Exec(`INSERT INTO facts_fts(facts_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("failed to rebuild facts FTS index", "error", err)
		s.ftsEnabled = false
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set creates a new fact, superseding any existing active fact in the
// same domain that matches supersedeKey (the caller's semantic
// equivalence key — e.g. a normalized form of the fact text). Pass an
// empty supersedeKey to skip the supersede check and always insert.
func (s *Store) Set(domain Domain, text string, confidence Confidence, scope string, source Source, supersedeKey string) (*Fact, error) {
	if r := []rune(text); len(r) > MaxFactLength {
		text = string(r[:MaxFactLength])
	}
	now := time.Now().UTC()

	var supersedes *uuid.UUID
	if supersedeKey != "" {
		if existing, err := s.findActiveBySemanticKey(domain, supersedeKey); err == nil && existing != nil {
			id := existing.ID
			supersedes = &id
			if err := s.archive(existing.ID); err != nil {
				return nil, fmt.Errorf("archive superseded fact: %w", err)
			}
		}
	}

	id, _ := uuid.NewV7()
	fact := &Fact{
		ID:              id,
		Domain:          domain,
		Text:            text,
		Confidence:      confidence,
		Scope:           scope,
		Source:          source,
		CreatedAt:       now,
		LastConfirmedAt: now,
		Supersedes:      supersedes,
	}

	var supersedesSQL *string
	if supersedes != nil {
		s := supersedes.String()
		supersedesSQL = &s
	}
	var scopeSQL *string
	if scope != "" {
		scopeSQL = &scope
	}

	_, err := s.db.Exec(`
		INSERT INTO facts (id, domain, text, confidence, scope, source, created_at, last_confirmed_at, stale, archived, supersedes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, id.String(), domain, text, confidence, scopeSQL, source,
		now.Format(time.RFC3339), now.Format(time.RFC3339), supersedesSQL)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	s.rebuildFTS()
	return fact, nil
}

// findActiveBySemanticKey looks up the active fact in domain whose text
// matches key exactly. Semantic equivalence beyond exact match is the
// caller's responsibility (e.g. the extraction worker normalizing
// candidate text before calling Set) — this is not a SQL-expressible
// relation, matching SPEC_FULL's note on the supersede invariant.
func (s *Store) findActiveBySemanticKey(domain Domain, key string) (*Fact, error) {
	row := s.db.QueryRow(
		`SELECT `+factColumns+` FROM facts WHERE `+activeFilter+` AND domain = ? AND text = ? LIMIT 1`,
		domain, key)
	f, err := s.scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// archive marks a fact as archived (superseded).
func (s *Store) archive(id uuid.UUID) error {
	_, err := s.db.Exec(`UPDATE facts SET archived = 1 WHERE id = ?`, id.String())
	return err
}

// Confirm bumps a fact's last_confirmed_at to now and clears its stale
// flag, called when the fact is re-mentioned.
func (s *Store) Confirm(id uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`UPDATE facts SET last_confirmed_at = ?, stale = 0 WHERE id = ?`, now, id.String())
	return err
}

// MarkFactStale sets the stale flag on a single fact. Used by the
// paginated decay scan so each page's candidates are marked
// individually rather than re-running a bulk predicate that would
// ignore the page boundary.
func (s *Store) MarkFactStale(id uuid.UUID) error {
	_, err := s.db.Exec(`UPDATE facts SET stale = 1 WHERE id = ?`, id.String())
	return err
}

// StaleCandidates returns up to limit non-stale active facts whose
// last_confirmed_at is older than cutoff, ordered oldest-first. Used by
// the paginated decay scan in decay.go.
func (s *Store) StaleCandidates(cutoff time.Time, offset, limit int) ([]*Fact, error) {
	rows, err := s.db.Query(
		`SELECT `+factColumns+` FROM facts WHERE `+activeFilter+` AND stale = 0 AND last_confirmed_at < ? ORDER BY last_confirmed_at ASC LIMIT ? OFFSET ?`,
		cutoff.UTC().Format(time.RFC3339), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanFactRows(rows)
}

// Get retrieves a fact by ID.
func (s *Store) Get(id uuid.UUID) (*Fact, error) {
	row := s.db.QueryRow(`SELECT `+factColumns+` FROM facts WHERE id = ?`, id.String())
	return s.scanFact(row)
}

// GetByDomain retrieves all active facts in domain.
func (s *Store) GetByDomain(domain Domain) ([]*Fact, error) {
	rows, err := s.db.Query(
		`SELECT `+factColumns+` FROM facts WHERE `+activeFilter+` AND domain = ? ORDER BY last_confirmed_at DESC`,
		domain)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanFactRows(rows)
}

// GetAll retrieves all active facts.
func (s *Store) GetAll() ([]*Fact, error) {
	rows, err := s.db.Query(`SELECT ` + factColumns + ` FROM facts WHERE ` + activeFilter + ` ORDER BY domain, last_confirmed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanFactRows(rows)
}

// Search finds facts matching query by text, using FTS5 when available
// and falling back to LIKE otherwise.
func (s *Store) Search(query string) ([]*Fact, error) {
	if s.ftsEnabled {
		return s.searchFTS(query)
	}
	return s.searchLIKE(query)
}

func (s *Store) searchFTS(query string) ([]*Fact, error) {
	sanitized := sanitizeFTS5Query(query)
	if sanitized == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT facts.id, facts.domain, facts.text, facts.confidence, facts.scope, facts.source,
		       facts.created_at, facts.last_confirmed_at, facts.stale, facts.archived, facts.supersedes
		FROM facts_fts
		JOIN facts ON facts_fts.rowid = facts.rowid
		WHERE facts_fts MATCH ? AND facts.`+activeFilter+`
		ORDER BY rank
		LIMIT 50
	`, sanitized)
	if err != nil {
		s.logger.Warn("FTS5 search failed, falling back to LIKE", "error", err, "query", query)
		return s.searchLIKE(query)
	}
	defer rows.Close()
	return scanFactRows(rows)
}

func (s *Store) searchLIKE(query string) ([]*Fact, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(
		`SELECT `+factColumns+` FROM facts WHERE `+activeFilter+` AND text LIKE ? ORDER BY last_confirmed_at DESC LIMIT 50`,
		pattern)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanFactRows(rows)
}

func (s *Store) rebuildFTS() {
	if !s.ftsEnabled {
		return
	}
	if _, err := s.db.Exec(`INSERT INTO facts_fts(facts_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("failed to rebuild facts FTS index", "error", err)
	}
}

func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " ")
}

// SetEmbedding stores a fact's embedding vector.
func (s *Store) SetEmbedding(id uuid.UUID, embedding []float32) error {
	_, err := s.db.Exec(`UPDATE facts SET embedding = ? WHERE id = ?`, vecmath.Serialize(embedding), id.String())
	return err
}

// GetAllWithEmbeddings returns all active facts that have an embedding.
func (s *Store) GetAllWithEmbeddings() ([]*Fact, error) {
	rows, err := s.db.Query(`SELECT ` + factColumnsWithEmbed + ` FROM facts WHERE ` + activeFilter + ` AND embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFactWithEmbedding(rows)
		if err != nil {
			continue
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// GetFactsWithoutEmbeddings returns active facts still awaiting an
// embedding, for the embedding worker's queue.
func (s *Store) GetFactsWithoutEmbeddings(limit int) ([]*Fact, error) {
	rows, err := s.db.Query(
		`SELECT `+factColumns+` FROM facts WHERE `+activeFilter+` AND embedding IS NULL LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFactRows(rows)
}

// Stats returns fact counts by domain, for status reporting.
func (s *Store) Stats() map[string]any {
	var total int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM facts WHERE ` + activeFilter).Scan(&total)

	domains := make(map[string]int)
	rows, _ := s.db.Query(`SELECT domain, COUNT(*) FROM facts WHERE ` + activeFilter + ` GROUP BY domain`)
	if rows != nil {
		defer rows.Close()
		for rows.Next() {
			var d string
			var count int
			if err := rows.Scan(&d, &count); err == nil {
				domains[d] = count
			}
		}
	}

	return map[string]any{"total": total, "domains": domains}
}

func (s *Store) scanFact(row *sql.Row) (*Fact, error) {
	var f Fact
	var idStr, domainStr, createdStr, confirmedStr string
	var confStr, sourceStr string
	var scope, supersedes sql.NullString
	var stale, archived bool

	err := row.Scan(&idStr, &domainStr, &f.Text, &confStr, &scope, &sourceStr, &createdStr, &confirmedStr, &stale, &archived, &supersedes)
	if err != nil {
		return nil, err
	}
	populateFact(&f, idStr, domainStr, confStr, sourceStr, createdStr, confirmedStr, scope, supersedes, stale, archived)
	return &f, nil
}

func scanFactRows(rows *sql.Rows) ([]*Fact, error) {
	var facts []*Fact
	for rows.Next() {
		var f Fact
		var idStr, domainStr, createdStr, confirmedStr string
		var confStr, sourceStr string
		var scope, supersedes sql.NullString
		var stale, archived bool

		if err := rows.Scan(&idStr, &domainStr, &f.Text, &confStr, &scope, &sourceStr, &createdStr, &confirmedStr, &stale, &archived, &supersedes); err != nil {
			return nil, err
		}
		populateFact(&f, idStr, domainStr, confStr, sourceStr, createdStr, confirmedStr, scope, supersedes, stale, archived)
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

func scanFactWithEmbedding(rows *sql.Rows) (*Fact, error) {
	var f Fact
	var idStr, domainStr, createdStr, confirmedStr string
	var confStr, sourceStr string
	var scope, supersedes sql.NullString
	var stale, archived bool
	var embeddingBlob []byte

	err := rows.Scan(&idStr, &domainStr, &f.Text, &confStr, &scope, &sourceStr, &createdStr, &confirmedStr, &stale, &archived, &supersedes, &embeddingBlob)
	if err != nil {
		return nil, err
	}
	populateFact(&f, idStr, domainStr, confStr, sourceStr, createdStr, confirmedStr, scope, supersedes, stale, archived)
	f.Embedding = vecmath.Deserialize(embeddingBlob)
	return &f, nil
}

func populateFact(f *Fact, idStr, domainStr, confStr, sourceStr, createdStr, confirmedStr string, scope, supersedes sql.NullString, stale, archived bool) {
	f.ID, _ = uuid.Parse(idStr)
	f.Domain = Domain(domainStr)
	f.Confidence = Confidence(confStr)
	f.Source = Source(sourceStr)
	if scope.Valid {
		f.Scope = scope.String
	}
	if supersedes.Valid {
		if id, err := uuid.Parse(supersedes.String); err == nil {
			f.Supersedes = &id
		}
	}
	f.Stale = stale
	f.Archived = archived
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	f.LastConfirmedAt, _ = time.Parse(time.RFC3339, confirmedStr)
}
