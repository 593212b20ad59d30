package runtime

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chartreuse/sentry-agent/internal/channel"
	"github.com/chartreuse/sentry-agent/internal/ctxguard"
	"github.com/chartreuse/sentry-agent/internal/facts"
	"github.com/chartreuse/sentry-agent/internal/llm"
	"github.com/chartreuse/sentry-agent/internal/memory"
	"github.com/chartreuse/sentry-agent/internal/proactive"

	_ "github.com/mattn/go-sqlite3"
)

// mockSummarizer records the messages it was asked to summarize.
type mockSummarizer struct {
	got []memory.Message
}

func (m *mockSummarizer) Summarize(_ context.Context, messages []memory.Message) (string, error) {
	m.got = messages
	return "summary", nil
}

func TestSummarizerAdapterConverts(t *testing.T) {
	mock := &mockSummarizer{}
	adapter := summarizerAdapter{summarizer: mock}

	in := []ctxguard.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	summary, err := adapter.Summarize(context.Background(), in)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "summary" {
		t.Fatalf("summary = %q, want %q", summary, "summary")
	}
	if len(mock.got) != 2 || mock.got[0].Content != "hello" || mock.got[1].Role != "assistant" {
		t.Fatalf("unexpected converted messages: %+v", mock.got)
	}
}

type fakeChannelSource struct {
	userID string
	text   string
	err    error
}

func (f *fakeChannelSource) OnMessage(channel.MessageHandler) {}
func (f *fakeChannelSource) IsConnected() bool                { return true }
func (f *fakeChannelSource) Disconnect() error                { return nil }

func (f *fakeChannelSource) SendResponse(userID, message string) error {
	f.userID = userID
	f.text = message
	return f.err
}

func TestChannelSinkSendsThroughSource(t *testing.T) {
	src := &fakeChannelSource{}
	sink := &channelSink{src: src, userID: "dave"}

	if err := sink.Send(context.Background(), "reminder fired"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if src.userID != "dave" || src.text != "reminder fired" {
		t.Fatalf("unexpected send target: userID=%q text=%q", src.userID, src.text)
	}
}

func TestChannelSinkNilSourceErrors(t *testing.T) {
	sink := &channelSink{src: nil, userID: "dave"}
	if err := sink.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected error for nil channel source")
	}
}

type stubChatClient struct {
	content string
	err     error
	lastMsg []llm.Message
}

func (s *stubChatClient) Chat(_ context.Context, _ string, messages []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	s.lastMsg = messages
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: s.content}}, nil
}

func (s *stubChatClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *stubChatClient) Ping(context.Context) error { return nil }

func TestDeciderAdapterBuildsPromptAndReturnsContent(t *testing.T) {
	stub := &stubChatClient{content: `{"shouldSpeak":false,"reason":"quiet hours"}`}
	decider := &deciderAdapter{llm: stub, model: "test-model"}

	dc := proactive.DecisionContext{
		Now:            time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
		GreetingWindow: "08:00-10:00",
		GreetedToday:   true,
		HourQuotaLeft:  2,
		DayQuotaLeft:   5,
		ActivityDelta:  "user opened laptop",
		RelevantFacts:  []string{"likes coffee"},
	}

	out, err := decider.Decide(context.Background(), dc)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out != stub.content {
		t.Fatalf("Decide() = %q, want %q", out, stub.content)
	}
	if len(stub.lastMsg) != 1 || stub.lastMsg[0].Role != "user" {
		t.Fatalf("unexpected chat messages: %+v", stub.lastMsg)
	}
	for _, want := range []string{"likes coffee", "user opened laptop", "08:00-10:00"} {
		if !strings.Contains(stub.lastMsg[0].Content, want) {
			t.Fatalf("prompt missing %q: %q", want, stub.lastMsg[0].Content)
		}
	}
}

func TestDeciderAdapterPropagatesError(t *testing.T) {
	stub := &stubChatClient{err: errors.New("boom")}
	decider := &deciderAdapter{llm: stub, model: "test-model"}

	if _, err := decider.Decide(context.Background(), proactive.DecisionContext{}); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func newTestFactsStore(t *testing.T) *facts.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "facts.db")
	s, err := facts.NewStore(dbPath, slog.Default())
	if err != nil {
		t.Fatalf("facts.NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFactProviderAdapterFiltersAndOrders(t *testing.T) {
	store := newTestFactsStore(t)

	if _, err := store.Set(facts.DomainGeneral, "older fact", facts.ConfidenceMedium, "", facts.SourceExplicit, ""); err != nil {
		t.Fatalf("Set older: %v", err)
	}
	stale, err := store.Set(facts.DomainGeneral, "stale fact", facts.ConfidenceLow, "", facts.SourceInferred, "")
	if err != nil {
		t.Fatalf("Set stale: %v", err)
	}
	if err := store.MarkFactStale(stale.ID); err != nil {
		t.Fatalf("MarkFactStale: %v", err)
	}

	newer, err := store.Set(facts.DomainPreferences, "newer fact", facts.ConfidenceHigh, "", facts.SourceExplicit, "")
	if err != nil {
		t.Fatalf("Set newer: %v", err)
	}
	// Re-confirm to push its LastConfirmedAt strictly after `older`'s.
	if err := store.Confirm(newer.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	adapter := &factProviderAdapter{store: store}
	top, err := adapter.TopFacts(context.Background(), 5)
	if err != nil {
		t.Fatalf("TopFacts: %v", err)
	}

	if len(top) != 2 {
		t.Fatalf("TopFacts returned %d facts, want 2 (stale excluded): %v", len(top), top)
	}
	if top[0] != "newer fact" {
		t.Fatalf("TopFacts[0] = %q, want most-recently-confirmed %q", top[0], "newer fact")
	}
}

func TestFactProviderAdapterRespectsLimit(t *testing.T) {
	store := newTestFactsStore(t)
	for i := 0; i < 5; i++ {
		if _, err := store.Set(facts.DomainGeneral, "fact", facts.ConfidenceMedium, "", facts.SourceExplicit, ""); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	adapter := &factProviderAdapter{store: store}
	top, err := adapter.TopFacts(context.Background(), 2)
	if err != nil {
		t.Fatalf("TopFacts: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("TopFacts returned %d facts, want 2", len(top))
	}
}
