package facts

import (
	"context"
	"sort"

	"github.com/chartreuse/sentry-agent/internal/keyword"
	"github.com/chartreuse/sentry-agent/internal/vecmath"
)

// vectorSimilarityFloor drops vector candidates below this similarity
// before they ever reach the merge step.
const vectorSimilarityFloor = 0.4

// vectorWeight and keywordWeight combine the two retrieval signals;
// they must sum to 1.
const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
)

// Embedder generates a query embedding. Satisfied by
// internal/embeddings.Client; declared locally so facts does not
// import embeddings and create a cycle (embeddings already depends on
// facts for its worker's queue).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Ready() bool
}

// RetrievalResult pairs a fact with its combined retrieval score.
type RetrievalResult struct {
	Fact  *Fact
	Score float64
}

// Retrieve performs hybrid vector+keyword retrieval over the store's
// active facts, returning up to limit results ordered by combined
// score descending. When embedder is nil or not ready, it falls back
// to keyword-only scoring.
func Retrieve(ctx context.Context, store *Store, embedder Embedder, query string, limit int) ([]RetrievalResult, error) {
	queryWords := keyword.Significant(query)

	var queryEmbedding []float32
	useVector := embedder != nil && embedder.Ready()
	if useVector {
		emb, err := embedder.Embed(ctx, query)
		if err != nil || len(emb) == 0 {
			useVector = false
		} else {
			queryEmbedding = emb
		}
	}

	if !useVector {
		return keywordOnly(store, queryWords, limit)
	}

	candidates, err := store.GetAllWithEmbeddings()
	if err != nil {
		return nil, err
	}

	type scored struct {
		fact     *Fact
		vecScore float64
	}

	k := 2 * limit
	vecCandidates := make([]scored, 0, len(candidates))
	for _, f := range candidates {
		sim := float64(vecmath.Cosine(queryEmbedding, f.Embedding))
		if sim < vectorSimilarityFloor {
			continue
		}
		vecCandidates = append(vecCandidates, scored{fact: f, vecScore: sim})
	}
	sort.Slice(vecCandidates, func(i, j int) bool { return vecCandidates[i].vecScore > vecCandidates[j].vecScore })
	if len(vecCandidates) > k {
		vecCandidates = vecCandidates[:k]
	}

	results := make([]RetrievalResult, 0, len(vecCandidates))
	for _, c := range vecCandidates {
		factWords := keyword.Significant(c.fact.Text)
		kwScore := keyword.OverlapScore(queryWords, factWords)
		combined := vectorWeight*c.vecScore + keywordWeight*kwScore
		results = append(results, RetrievalResult{Fact: c.fact, Score: combined})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// keywordOnly scores every active fact by keyword overlap, used when
// embeddings are unavailable or the circuit to the embedding model is
// open.
func keywordOnly(store *Store, queryWords []string, limit int) ([]RetrievalResult, error) {
	facts, err := store.GetAll()
	if err != nil {
		return nil, err
	}

	results := make([]RetrievalResult, 0, len(facts))
	for _, f := range facts {
		score := keyword.OverlapScore(queryWords, keyword.Significant(f.Text))
		if score <= 0 {
			continue
		}
		results = append(results, RetrievalResult{Fact: f, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
