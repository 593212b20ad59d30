package facts

import (
	"context"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestRememberCommandStoresExplicitHighConfidenceFact(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)

	if _, err := tools.RememberCommand(context.Background(), `"likes window seats on flights"`); err != nil {
		t.Fatalf("RememberCommand: %v", err)
	}

	facts, err := s.GetByDomain(DomainGeneral)
	if err != nil {
		t.Fatalf("GetByDomain: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	if facts[0].Source != SourceExplicit || facts[0].Confidence != ConfidenceHigh {
		t.Fatalf("expected explicit/high, got %v/%v", facts[0].Source, facts[0].Confidence)
	}
	if facts[0].Text != "likes window seats on flights" {
		t.Fatalf("quotes should be trimmed, got %q", facts[0].Text)
	}
}

func TestRememberCommandRejectsEmptyText(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)
	if _, err := tools.RememberCommand(context.Background(), `  ""  `); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestFactsCommandSummarizesWhenDomainEmpty(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)
	if _, err := s.Set(DomainWork, "works on the billing team", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatal(err)
	}

	out, err := tools.FactsCommand("")
	if err != nil {
		t.Fatalf("FactsCommand: %v", err)
	}
	if !strings.Contains(out, "work") {
		t.Fatalf("expected domain summary to mention work domain, got %q", out)
	}
}

func TestFactsCommandListsDomain(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)
	if _, err := s.Set(DomainHealth, "allergic to peanuts", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatal(err)
	}

	out, err := tools.FactsCommand("health")
	if err != nil {
		t.Fatalf("FactsCommand: %v", err)
	}
	if !strings.Contains(out, "peanuts") {
		t.Fatalf("expected listed fact text, got %q", out)
	}
}

func TestFactsCommandEmptyDomainMessage(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)
	out, err := tools.FactsCommand("goals")
	if err != nil {
		t.Fatalf("FactsCommand: %v", err)
	}
	if !strings.Contains(out, "No facts") {
		t.Fatalf("expected no-facts message, got %q", out)
	}
}

func TestRecallByQueryFallsBackToSearch(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)
	if _, err := s.Set(DomainPersonal, "has a dog named Biscuit", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatal(err)
	}

	out, err := tools.Recall(`{"query":"Biscuit"}`)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !strings.Contains(out, "Biscuit") {
		t.Fatalf("expected search hit, got %q", out)
	}
}

func TestSemanticRecallWithoutEmbedderUsesKeywordFallback(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)
	if _, err := s.Set(DomainPreferences, "prefers dark mode everywhere", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatal(err)
	}

	out, err := tools.SemanticRecall(context.Background(), `{"query":"dark mode"}`)
	if err != nil {
		t.Fatalf("SemanticRecall: %v", err)
	}
	if !strings.Contains(out, "dark mode") {
		t.Fatalf("expected keyword-fallback hit, got %q", out)
	}
}

func TestGetDefinitionsReturnsThreeTools(t *testing.T) {
	s := newTestStore(t)
	tools := NewTools(s, nil)
	defs := tools.GetDefinitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 tool definitions, got %d", len(defs))
	}
}
