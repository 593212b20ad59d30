// Package ctxguard keeps a conversation's message list within an LLM's
// context budget: it truncates from the oldest message forward, backs
// up anything that looked like a durable fact before dropping it, and
// fires a best-effort summarization when the truncation (or the
// incoming message itself) represents a topic shift.
package ctxguard

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chartreuse/sentry-agent/internal/tokenest"
	"github.com/chartreuse/sentry-agent/internal/vecmath"
)

// Message is the minimal shape ctxguard needs from a chat turn.
type Message struct {
	Role         string
	Content      string
	ToolCallJSON string
	Embedding    []float32
}

// Budget controls the token accounting window. Defaults mirror the
// teacher's compaction config shape (max/trigger/keep), generalized
// to a fixed three-way split between the system prompt, the model's
// response, and what's left for history.
type Budget struct {
	MaxTokens           int
	SystemPromptReserve int
	ResponseReserve     int
}

// DefaultBudget returns the spec's default 100k/4k/4k split.
func DefaultBudget() Budget {
	return Budget{MaxTokens: 100_000, SystemPromptReserve: 4_000, ResponseReserve: 4_000}
}

// Available is the token count left for conversation history.
func (b Budget) Available() int {
	available := b.MaxTokens - b.SystemPromptReserve - b.ResponseReserve
	if available < 0 {
		return 0
	}
	return available
}

// continuityWindowThreshold is the cosine-similarity floor below which
// the current message is treated as a topic shift relative to recent
// history, per the glossary's "continuity score" definition.
const continuityWindowThreshold = 0.3

// Result is the observable outcome of a Truncate call.
type Result struct {
	Messages              []Message
	Truncated             bool
	OriginalCount         int
	FinalCount            int
	EstimatedTokens       int
	PotentialFactsWarning bool
	BackupFailed          bool
	TopicShiftDetected    bool
}

// Summarizer generates a summary from a slice of messages. Satisfied
// by an adapter over the teacher's memory.LLMSummarizer/
// SimpleSummarizer, which operate on memory.Message rather than
// ctxguard.Message — the caller wires that adapter at construction.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// Guard truncates message slices to a token budget, with fact-salvage
// backup and topic-shift-triggered summarization.
type Guard struct {
	budget     Budget
	backup     *recoveryBackup
	summarizer Summarizer
	logger     *slog.Logger
}

// New creates a Guard. backupPath is the JSONL recovery file location;
// summarizer may be nil to disable the topic-shift summarization hook.
func New(budget Budget, backupPath string, summarizer Summarizer, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		budget:     budget,
		backup:     newRecoveryBackup(backupPath),
		summarizer: summarizer,
		logger:     logger,
	}
}

// Truncate returns messages within the configured budget, newest
// message retained first, plus metadata about what was dropped.
func (g *Guard) Truncate(ctx context.Context, messages []Message) Result {
	available := g.budget.Available()
	total := estimateTokens(messages)

	var kept, removed []Message
	var result Result

	if total <= available {
		kept = messages
		result = Result{
			Messages:        messages,
			OriginalCount:   len(messages),
			FinalCount:      len(messages),
			EstimatedTokens: total,
		}
	} else {
		kept, removed = keepNewestWithinBudget(messages, available)
		result = Result{
			Messages:        kept,
			Truncated:       true,
			OriginalCount:   len(messages),
			FinalCount:      len(kept),
			EstimatedTokens: estimateTokens(kept),
		}
		if len(removed) > 0 {
			g.handleRemovedSlice(&result, removed)
		}
	}

	g.handleTopicShift(messages, removed, &result)

	return result
}

// keepNewestWithinBudget walks from the newest message backward,
// keeping messages while the running total stays within budget. The
// newest message is always kept even if it alone exceeds budget — the
// spec's "if zero survive, keep only the last message" floor.
func keepNewestWithinBudget(messages []Message, available int) (kept, removed []Message) {
	running := 0
	cut := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := tokenest.ForMessage(tokenest.Message{Content: messages[i].Content, ToolCallJSON: messages[i].ToolCallJSON})
		if i != len(messages)-1 && running+cost > available {
			cut = i + 1
			break
		}
		running += cost
		cut = i
	}
	return messages[cut:], messages[:cut]
}

func estimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += tokenest.ForMessage(tokenest.Message{Content: m.Content, ToolCallJSON: m.ToolCallJSON})
	}
	return total
}

// handleRemovedSlice scans dropped messages for potentially important
// facts and, if any are found, synchronously appends a recovery
// backup line before the slice is gone for good.
func (g *Guard) handleRemovedSlice(result *Result, removed []Message) {
	if !anyImportantFact(removed) {
		return
	}
	result.PotentialFactsWarning = true

	if err := g.backup.append(removed); err != nil {
		result.BackupFailed = true
		g.logger.Warn("truncation backup failed, potential facts were lost", "error", err, "count", len(removed))
	}
}

// handleTopicShift fires a best-effort, non-blocking summarization
// when the current message represents a topic shift — either the
// cheap keyword heuristic or, when embeddings are available, the
// continuity centroid score. Either is sufficient; this runs
// regardless of whether anything was actually truncated, since a
// shift can happen with plenty of budget to spare.
func (g *Guard) handleTopicShift(all, removed []Message, result *Result) {
	current, recentUsers := splitForContinuity(all)
	if current == nil {
		return
	}

	shift := detectTopicShift(current.Content, recentUsers)
	significantShift := false
	if !shift && hasEmbeddings(current, recentUsers) {
		score := continuityScore(current, recentUsers)
		if score <= continuityWindowThreshold {
			shift = true
			significantShift = true
		}
	}

	result.TopicShiftDetected = shift
	if !shift || g.summarizer == nil {
		return
	}

	target := removed
	if significantShift || len(removed) == 0 {
		target = all
	}
	if len(target) == 0 {
		return
	}

	go func() {
		summaryCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := g.summarizer.Summarize(summaryCtx, target); err != nil {
			g.logger.Warn("topic-shift summarization failed", "error", err)
		}
	}()
}

// splitForContinuity returns the most recent message (the "current"
// message driving the shift check) and up to the last three user
// messages preceding it, newest first.
func splitForContinuity(messages []Message) (current *Message, recentUsers []Message) {
	if len(messages) == 0 {
		return nil, nil
	}
	current = &messages[len(messages)-1]

	for i := len(messages) - 2; i >= 0 && len(recentUsers) < 3; i-- {
		if messages[i].Role == "user" {
			recentUsers = append(recentUsers, messages[i])
		}
	}
	return current, recentUsers
}

// detectTopicShift is the cheap heuristic: compare the significant
// words in the current message against the significant words across
// recent user messages. Below a low overlap ratio, treat it as a
// shift — mirroring the keyword-overlap idiom the fact retrieval's
// hybrid search already uses for relevance scoring.
func detectTopicShift(current string, recent []Message) bool {
	currentWords := significantWords(current)
	if len(currentWords) == 0 {
		return false
	}
	if len(recent) == 0 {
		return false
	}

	recentWords := map[string]bool{}
	for _, m := range recent {
		for w := range significantWords(m.Content) {
			recentWords[w] = true
		}
	}
	if len(recentWords) == 0 {
		return false
	}

	overlap := 0
	for w := range currentWords {
		if recentWords[w] {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(currentWords))
	return ratio == 0
}

func significantWords(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?¿¡;:\"'")
		if len(w) < 4 {
			continue
		}
		words[w] = true
	}
	return words
}

func hasEmbeddings(current *Message, recent []Message) bool {
	if len(current.Embedding) == 0 || len(recent) == 0 {
		return false
	}
	for _, m := range recent {
		if len(m.Embedding) == 0 {
			return false
		}
	}
	return true
}

// continuityScore is the cosine similarity between the current
// message's embedding and the centroid of the last three user-message
// embeddings.
func continuityScore(current *Message, recent []Message) float32 {
	vectors := make([][]float32, len(recent))
	for i, m := range recent {
		vectors[i] = m.Embedding
	}
	centroid := vecmath.Centroid(vectors)
	return vecmath.Cosine(current.Embedding, centroid)
}

// SelectWindowSize maps a continuity score to a context window size. A
// low score (topic shift) resets to the baseline window since older
// history is no longer relevant; a high score affords pulling in more
// history because the conversation is still building on it.
func SelectWindowSize(score float32) int {
	switch {
	case score < continuityWindowThreshold:
		return 4
	case score < 0.6:
		return 6
	default:
		return 10
	}
}
