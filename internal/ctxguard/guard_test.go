package ctxguard

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestGuard(t *testing.T, budget Budget, summarizer Summarizer) (*Guard, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup.jsonl")
	return New(budget, path, summarizer, nil), path
}

func longMessage(n int) string {
	return strings.Repeat("a", n)
}

func TestTruncate_UnderBudgetReturnsUnchanged(t *testing.T) {
	g, _ := newTestGuard(t, Budget{MaxTokens: 1000, SystemPromptReserve: 0, ResponseReserve: 0}, nil)
	messages := []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}

	res := g.Truncate(context.Background(), messages)
	if res.Truncated {
		t.Fatal("expected no truncation")
	}
	if res.FinalCount != 2 || res.OriginalCount != 2 {
		t.Fatalf("counts = %+v", res)
	}
}

func TestTruncate_ExactlyAtBudgetIsNotTruncated(t *testing.T) {
	// "hi" -> 2 chars / 4 = 0 tokens estimated; use content sized to
	// land exactly at the available budget.
	content := longMessage(40) // 40/4 = 10 tokens
	g, _ := newTestGuard(t, Budget{MaxTokens: 10, SystemPromptReserve: 0, ResponseReserve: 0}, nil)

	res := g.Truncate(context.Background(), []Message{{Role: "user", Content: content}})
	if res.Truncated {
		t.Fatal("token budget exactly at available must not be truncated")
	}
}

func TestTruncate_DropsOldestFirst(t *testing.T) {
	g, _ := newTestGuard(t, Budget{MaxTokens: 3, SystemPromptReserve: 0, ResponseReserve: 0}, nil)
	messages := []Message{
		{Role: "user", Content: longMessage(40)},      // 10 tokens, oldest
		{Role: "assistant", Content: longMessage(40)},  // 10 tokens
		{Role: "user", Content: longMessage(8)},        // 2 tokens, newest
	}

	res := g.Truncate(context.Background(), messages)
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	if res.FinalCount != 1 {
		t.Fatalf("final count = %d, want 1 (only newest fits)", res.FinalCount)
	}
	if res.Messages[0].Content != messages[2].Content {
		t.Fatal("expected the newest message to survive")
	}
}

func TestTruncate_KeepsNewestEvenIfOverBudgetAlone(t *testing.T) {
	g, _ := newTestGuard(t, Budget{MaxTokens: 1, SystemPromptReserve: 0, ResponseReserve: 0}, nil)
	messages := []Message{
		{Role: "user", Content: longMessage(40)},
		{Role: "assistant", Content: longMessage(4000)},
	}

	res := g.Truncate(context.Background(), messages)
	if res.FinalCount != 1 {
		t.Fatalf("final count = %d, want 1", res.FinalCount)
	}
	if res.Messages[0].Content != messages[1].Content {
		t.Fatal("expected the single newest message to be kept regardless of cost")
	}
}

func TestTruncate_BacksUpPotentialFacts(t *testing.T) {
	g, backupPath := newTestGuard(t, Budget{MaxTokens: 2, SystemPromptReserve: 0, ResponseReserve: 0}, nil)
	messages := []Message{
		{Role: "user", Content: "remember that my birthday is June 3rd"},
		{Role: "assistant", Content: longMessage(40)},
	}

	res := g.Truncate(context.Background(), messages)
	if !res.PotentialFactsWarning {
		t.Fatal("expected a potential-facts warning")
	}
	if res.BackupFailed {
		t.Fatal("backup should have succeeded")
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 backup line, got %d", len(lines))
	}
	var event backupEvent
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatalf("unmarshal backup line: %v", err)
	}
	if !event.PotentialFacts {
		t.Fatal("backup event should flag potential facts")
	}
}

func TestTruncate_NoFactPatternSkipsBackup(t *testing.T) {
	g, backupPath := newTestGuard(t, Budget{MaxTokens: 2, SystemPromptReserve: 0, ResponseReserve: 0}, nil)
	messages := []Message{
		{Role: "user", Content: longMessage(40)},
		{Role: "assistant", Content: longMessage(40)},
	}

	res := g.Truncate(context.Background(), messages)
	if res.PotentialFactsWarning {
		t.Fatal("no fact pattern present, should not warn")
	}
	if _, err := os.Stat(backupPath); err == nil {
		t.Fatal("backup file should not be created when nothing matched")
	}
}

type stubSummarizer struct {
	called chan []Message
}

func (s *stubSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	s.called <- messages
	return "summary", nil
}

func TestTruncate_TopicShiftHeuristicFiresSummarization(t *testing.T) {
	summarizer := &stubSummarizer{called: make(chan []Message, 1)}
	g, _ := newTestGuard(t, Budget{MaxTokens: 100000, SystemPromptReserve: 0, ResponseReserve: 0}, summarizer)

	messages := []Message{
		{Role: "user", Content: "hablemos de kubernetes deployments"},
		{Role: "assistant", Content: "claro, te explico"},
		{Role: "user", Content: "pods y services en k8s"},
		{Role: "assistant", Content: "aqui tienes detalles"},
		{Role: "user", Content: "receta de milanesas"},
	}

	res := g.Truncate(context.Background(), messages)
	if !res.TopicShiftDetected {
		t.Fatal("expected topic shift to be detected by the keyword heuristic")
	}

	// Summarization is fire-and-forget, so allow the goroutine time to run.
	select {
	case <-summarizer.called:
	case <-time.After(2 * time.Second):
		t.Fatal("expected summarizer to be invoked")
	}
}

func TestTruncate_EmbeddingContinuityDetectsShift(t *testing.T) {
	summarizer := &stubSummarizer{called: make(chan []Message, 1)}
	g, _ := newTestGuard(t, Budget{MaxTokens: 100000, SystemPromptReserve: 0, ResponseReserve: 0}, summarizer)

	// Keyword heuristic alone wouldn't catch this (words differ but
	// short/common), so rely on orthogonal embeddings to trip the
	// continuity-based shift detection.
	messages := []Message{
		{Role: "user", Content: "one", Embedding: []float32{1, 0}},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "six", Embedding: []float32{0, 1}},
	}

	res := g.Truncate(context.Background(), messages)
	if !res.TopicShiftDetected {
		t.Fatal("expected embedding continuity to detect a shift")
	}
}

func TestTruncate_NoShiftWhenTopicContinues(t *testing.T) {
	g, _ := newTestGuard(t, Budget{MaxTokens: 100000, SystemPromptReserve: 0, ResponseReserve: 0}, nil)
	messages := []Message{
		{Role: "user", Content: "tell me about kubernetes deployments"},
		{Role: "assistant", Content: "sure, here's an overview"},
		{Role: "user", Content: "how do kubernetes deployments scale"},
	}

	res := g.Truncate(context.Background(), messages)
	if res.TopicShiftDetected {
		t.Fatal("overlapping keywords should not register a shift")
	}
}

func TestSelectWindowSize(t *testing.T) {
	if SelectWindowSize(0.1) != 4 {
		t.Fatal("low continuity should use baseline window")
	}
	if SelectWindowSize(0.9) != 10 {
		t.Fatal("high continuity should afford a larger window")
	}
}

func TestHasImportantFact(t *testing.T) {
	if !hasImportantFact("remember that I have a meeting at 5pm") {
		t.Fatal("expected match")
	}
	if hasImportantFact("what's the weather like today") {
		t.Fatal("expected no match")
	}
}
