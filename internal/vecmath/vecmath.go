// Package vecmath provides vector arithmetic and serialization for
// fixed-dimension float32 embeddings. It has no dependencies on any
// other package in this module so every component that needs vector
// math (facts, embeddings, context guard) can import it without
// pulling in storage or LLM concerns.
package vecmath

import (
	"encoding/binary"
	"math"
)

// Cosine returns the cosine similarity between a and b. Returns 0 for
// mismatched lengths or zero vectors rather than NaN, so callers can
// treat the result as a similarity score without additional checks.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// Euclidean returns the Euclidean (L2) distance between a and b.
// Returns +Inf for mismatched lengths so callers can't mistake it for
// a close match.
func Euclidean(a, b []float32) float32 {
	if len(a) != len(b) {
		return float32(math.Inf(1))
	}

	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// Centroid returns the element-wise mean of vectors. Vectors of a
// differing dimension than the first are skipped. Returns nil for an
// empty input.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dim := len(vectors[0])
	sum := make([]float32, dim)
	count := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += x
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range sum {
		sum[i] /= float32(count)
	}
	return sum
}

// Normalize returns a unit-length copy of v. A zero vector is returned
// unchanged (there is no direction to normalize to).
func Normalize(v []float32) []float32 {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	norm = float32(math.Sqrt(float64(norm)))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Serialize converts a float32 slice to a little-endian byte sequence
// for storage in a BLOB column.
func Serialize(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// Deserialize converts a little-endian byte sequence produced by
// Serialize back to a float32 slice. Truncated trailing bytes (not a
// multiple of 4) are silently ignored.
func Deserialize(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// TopKIndices returns the indices of the k vectors in candidates most
// similar to query, ordered most-similar first. Uses a partial
// selection sort, matching the small-k assumption that holds for
// in-process retrieval over a few hundred candidates.
func TopKIndices(query []float32, candidates [][]float32, k int) []int {
	type scored struct {
		idx   int
		score float32
	}

	scores := make([]scored, len(candidates))
	for i, v := range candidates {
		scores[i] = scored{idx: i, score: Cosine(query, v)}
	}

	if k > len(scores) {
		k = len(scores)
	}
	for i := 0; i < k; i++ {
		maxIdx := i
		for j := i + 1; j < len(scores); j++ {
			if scores[j].score > scores[maxIdx].score {
				maxIdx = j
			}
		}
		scores[i], scores[maxIdx] = scores[maxIdx], scores[i]
	}

	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = scores[i].idx
	}
	return out
}
