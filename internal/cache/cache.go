package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chartreuse/sentry-agent/internal/vecmath"
)

// memSize bounds the in-memory LRU layer; the SQLite table is the
// durable copy. Lookup only searches the in-memory layer; a durable
// row is read back into memory only through Warm.
const memSize = 512

// SimilarityThreshold is the default cosine-similarity floor for a
// cache hit; configurable via CACHE_SIMILARITY_THRESHOLD.
const SimilarityThreshold = 0.92

// nearMissThreshold is a hard-coded band below SimilarityThreshold:
// entries that land here are logged but never served, since a partial
// match this far from the threshold is more likely to be a different
// question than a paraphrase of the same one.
const nearMissThreshold = 0.80

// QueryClass buckets a query for TTL purposes. Greetings churn fast,
// factual answers age slowly, tool invocations sit in between.
type QueryClass string

const (
	ClassGreeting QueryClass = "greeting"
	ClassTool     QueryClass = "tool"
	ClassFactual  QueryClass = "factual"
)

var classTTL = map[QueryClass]time.Duration{
	ClassGreeting: 5 * time.Minute,
	ClassTool:     time.Hour,
	ClassFactual:  24 * time.Hour,
}

// TTLFor returns the cache lifetime for a query class, defaulting to
// the factual TTL for anything unrecognized.
func TTLFor(class QueryClass) time.Duration {
	if d, ok := classTTL[class]; ok {
		return d
	}
	return classTTL[ClassFactual]
}

// Result reports the outcome of a Lookup.
type Result struct {
	Hit      bool
	Response string
	// NearMiss is true when the query embedding was close to a cached
	// entry's but not close enough to serve — logged, never returned.
	NearMiss   bool
	Similarity float32
}

// Cache is the semantic response cache: an LRU view over a durable
// SQLite table, gated by a four-part hit test (similarity, fact set,
// system version, TTL).
type Cache struct {
	mem                 *lru.Cache[string, Entry]
	store               *store
	similarityThreshold float32
	logger              *slog.Logger

	mu sync.Mutex
}

// New opens the cache's backing store at dbPath.
func New(dbPath string, similarityThreshold float32, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if similarityThreshold <= 0 {
		similarityThreshold = SimilarityThreshold
	}
	s, err := newStore(dbPath)
	if err != nil {
		return nil, err
	}
	mem, err := lru.New[string, Entry](memSize)
	if err != nil {
		s.close()
		return nil, err
	}
	return &Cache{mem: mem, store: s, similarityThreshold: similarityThreshold, logger: logger}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.store.close()
}

// QueryHash derives the cache key for a normalized query string.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])
}

// FactIDsHash derives a stable hash for a retrieved fact set,
// independent of retrieval order.
func FactIDsHash(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}

// SystemVersion derives the cache's notion of "system version": a
// function of the active model name and a hash of the personality
// file, per the spec's definition — a change to either invalidates
// every previously cached response.
func SystemVersion(model string, personality []byte) string {
	sum := sha256.Sum256(personality)
	return model + ":" + hex.EncodeToString(sum[:8])
}

// Lookup runs the four-part hit test: cosine similarity against the
// cached query embedding, an exact fact-set hash match, an exact
// system-version match, and a not-expired check. A near-miss in the
// band below the similarity threshold is reported but never served.
func (c *Cache) Lookup(queryEmbedding []float32, factIDsHash, systemVersion string) (Result, error) {
	now := time.Now()

	entry, ok, sim, err := c.bestMatch(queryEmbedding)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, nil
	}

	if sim < nearMissThreshold {
		return Result{}, nil
	}
	if sim < c.similarityThreshold {
		c.logger.Debug("response cache near-miss", "similarity", sim, "threshold", c.similarityThreshold)
		return Result{NearMiss: true, Similarity: sim}, nil
	}
	if entry.FactIDsHash != factIDsHash {
		return Result{NearMiss: true, Similarity: sim}, nil
	}
	if entry.SystemVersion != systemVersion {
		return Result{NearMiss: true, Similarity: sim}, nil
	}
	if entry.expired(now) {
		return Result{}, nil
	}

	return Result{Hit: true, Response: entry.Response, Similarity: sim}, nil
}

// bestMatch scans the in-memory view for the entry whose query
// embedding is most similar to queryEmbedding. The in-memory layer
// holds the working set; a cold cache (nothing loaded yet) falls back
// to nothing matching rather than scanning the whole durable table,
// since a cache miss is cheap and the durable table exists for
// durability across restarts, not for linear scans.
func (c *Cache) bestMatch(queryEmbedding []float32) (Entry, bool, float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best Entry
	var bestSim float32 = -1
	found := false
	for _, key := range c.mem.Keys() {
		entry, ok := c.mem.Peek(key)
		if !ok {
			continue
		}
		sim := vecmath.Cosine(queryEmbedding, entry.QueryEmbedding)
		if sim > bestSim {
			bestSim = sim
			best = entry
			found = true
		}
	}
	return best, found, bestSim, nil
}

// Store writes (or overwrites) the cache entry for a query. Concurrent
// writes to the same key are allowed to race — last write wins, with
// no additional locking beyond the map/SQLite's own.
func (c *Cache) Store(query string, queryEmbedding []float32, factIDsHash, systemVersion, response string, class QueryClass) error {
	hash := QueryHash(query)
	entry := Entry{
		QueryHash:      hash,
		QueryEmbedding: queryEmbedding,
		FactIDsHash:    factIDsHash,
		SystemVersion:  systemVersion,
		Response:       response,
		TTLSeconds:     int(TTLFor(class).Seconds()),
		CreatedAt:      time.Now(),
	}

	c.mu.Lock()
	c.mem.Add(hash, entry)
	c.mu.Unlock()

	return c.store.put(entry)
}

// PruneExpired removes durable rows past their TTL. Intended to be
// called periodically by the caller (e.g. alongside the embedding
// queue's own prune cadence), not on every lookup.
func (c *Cache) PruneExpired() (int64, error) {
	return c.store.deleteExpired(time.Now())
}

// Warm loads a previously stored entry into the in-memory layer, for
// reconstructing the working set after a restart without requiring a
// full table scan on every lookup.
func (c *Cache) Warm(queryHash string) (bool, error) {
	entry, ok, err := c.store.get(queryHash)
	if err != nil || !ok {
		return false, err
	}
	c.mu.Lock()
	c.mem.Add(queryHash, entry)
	c.mu.Unlock()
	return true, nil
}
