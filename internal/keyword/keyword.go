// Package keyword extracts significant words from free text for
// keyword-based fact retrieval, as a complement to vector search in
// internal/facts. It deliberately stays simple — lowercase, strip
// accents, drop stopwords and short tokens — rather than a full NLP
// pipeline, matching the small leaf-package scope the rest of this
// module gives to stopword/tokenization concerns.
package keyword

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MinWordLength is the shortest token kept after stopword filtering.
const MinWordLength = 2

// stopwords is a small, fixed set of high-frequency English and
// Spanish function words that carry no retrieval signal on their own.
// Kept as a package-level set (not configurable) — matching the
// spec's "individual fact-pattern regexes" being an external,
// un-specified concern, this list is intentionally minimal and not
// meant to be exhaustive.
var stopwords = buildStopwordSet([]string{
	"the", "a", "an", "and", "or", "but", "is", "are", "was", "were",
	"be", "been", "being", "to", "of", "in", "on", "at", "for", "with",
	"about", "as", "by", "from", "that", "this", "these", "those", "it",
	"its", "i", "you", "he", "she", "we", "they", "my", "your", "his",
	"her", "our", "their", "do", "does", "did", "have", "has", "had",
	"will", "would", "can", "could", "should", "not", "no", "yes",
	"el", "la", "los", "las", "un", "una", "de", "que", "y", "en", "se",
	"por", "con", "para", "es", "son", "mi", "tu", "su",
})

func buildStopwordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Significant extracts the set of significant words from text:
// lowercased, accent-stripped, stopword-filtered, and at least
// MinWordLength characters. Order of first occurrence is preserved
// and duplicates are removed.
func Significant(text string) []string {
	lower := strings.ToLower(stripAccents(text))

	var out []string
	seen := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) < MinWordLength {
			continue
		}
		if _, stop := stopwords[field]; stop {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

// stripAccents removes combining diacritical marks via NFD
// normalization, so "café" and "cafe" match as the same token.
func stripAccents(s string) string {
	t := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

// OverlapScore scores how well factWords covers queryWords, as
// |query ∩ fact| / |query|. Returns 0 when queryWords is empty.
func OverlapScore(queryWords, factWords []string) float64 {
	if len(queryWords) == 0 {
		return 0
	}

	factSet := make(map[string]struct{}, len(factWords))
	for _, w := range factWords {
		factSet[w] = struct{}{}
	}

	matches := 0
	for _, w := range queryWords {
		if _, ok := factSet[w]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(queryWords))
}
