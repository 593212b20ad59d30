package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tools exposes fact storage and retrieval as agent-callable tools and
// as the backing implementation for the `remember` / `facts` slash
// commands. Grounded on the teacher's internal/facts/tools.go shape
// (JSON-args-in, string-out tool methods plus a GetDefinitions table),
// rewired to the Domain/Fact model and the hybrid Retrieve path.
type Tools struct {
	store    *Store
	embedder Embedder
}

// NewTools creates fact tools backed by store. embedder may be nil; it
// is consulted lazily via Ready() on every call, so a model that
// becomes available mid-run starts contributing without a restart.
func NewTools(store *Store, embedder Embedder) *Tools {
	return &Tools{store: store, embedder: embedder}
}

// RememberArgs are arguments for the remember_fact tool.
type RememberArgs struct {
	Domain     string `json:"domain"`
	Text       string `json:"text"`
	Confidence string `json:"confidence,omitempty"`
	Scope      string `json:"scope,omitempty"`
}

// Remember stores a fact for later recall, for the remember_fact tool.
// It defaults to DomainGeneral and ConfidenceMedium when the arguments
// leave them empty. The `remember "text"` command goes through
// RememberCommand instead.
func (t *Tools) Remember(argsJSON string) (string, error) {
	var args RememberArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if args.Text == "" {
		return "", fmt.Errorf("text is required")
	}

	domain := Domain(args.Domain)
	if domain == "" {
		domain = DomainGeneral
	}
	confidence := Confidence(args.Confidence)
	if confidence == "" {
		confidence = ConfidenceMedium
	}

	fact, err := t.store.Set(domain, args.Text, confidence, args.Scope, SourceExplicit, "")
	if err != nil {
		return "", fmt.Errorf("store fact: %w", err)
	}

	if t.embedder != nil && t.embedder.Ready() {
		if emb, err := t.embedder.Embed(context.Background(), fact.Text); err == nil {
			_ = t.store.SetEmbedding(fact.ID, emb)
		}
	}

	return fmt.Sprintf("Remembered: [%s] %s", fact.Domain, fact.Text), nil
}

// RememberCommand is the `remember "text"` command handler: always
// explicit source, high confidence and the general domain.
func (t *Tools) RememberCommand(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(strings.Trim(text, `"`))
	if text == "" {
		return "", fmt.Errorf("nothing to remember")
	}
	fact, err := t.store.Set(DomainGeneral, text, ConfidenceHigh, "", SourceExplicit, "")
	if err != nil {
		return "", fmt.Errorf("store fact: %w", err)
	}
	if t.embedder != nil && t.embedder.Ready() {
		if emb, err := t.embedder.Embed(ctx, fact.Text); err == nil {
			_ = t.store.SetEmbedding(fact.ID, emb)
		}
	}
	return "Got it, I'll remember that.", nil
}

// FactsCommand is the `facts [domain]` command handler: lists facts in
// a domain, or a per-domain summary when domain is empty.
func (t *Tools) FactsCommand(domain string) (string, error) {
	if domain == "" {
		stats := t.store.Stats()
		total, _ := stats["total"].(int)
		domains, _ := stats["domains"].(map[string]int)

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("%d facts stored:\n", total))
		for d, count := range domains {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", d, count))
		}
		return sb.String(), nil
	}

	facts, err := t.store.GetByDomain(Domain(domain))
	if err != nil {
		return "", fmt.Errorf("get domain: %w", err)
	}
	if len(facts) == 0 {
		return fmt.Sprintf("No facts in domain %q", domain), nil
	}
	return formatFacts(facts), nil
}

// RecallArgs are arguments for the recall_fact tool.
type RecallArgs struct {
	Domain string `json:"domain,omitempty"`
	Query  string `json:"query,omitempty"`
}

// Recall retrieves facts from memory by domain listing or text search.
func (t *Tools) Recall(argsJSON string) (string, error) {
	var args RecallArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	if args.Domain != "" {
		facts, err := t.store.GetByDomain(Domain(args.Domain))
		if err != nil {
			return "", fmt.Errorf("get domain: %w", err)
		}
		if len(facts) == 0 {
			return fmt.Sprintf("No facts in domain %q", args.Domain), nil
		}
		return formatFacts(facts), nil
	}

	if args.Query != "" {
		facts, err := t.store.Search(args.Query)
		if err != nil {
			return "", fmt.Errorf("search: %w", err)
		}
		if len(facts) == 0 {
			return fmt.Sprintf("No facts matching %q", args.Query), nil
		}
		return formatFacts(facts), nil
	}

	stats := t.store.Stats()
	total, _ := stats["total"].(int)
	domains, _ := stats["domains"].(map[string]int)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Memory contains %d facts:\n", total))
	for d, count := range domains {
		sb.WriteString(fmt.Sprintf("  - %s: %d\n", d, count))
	}
	return sb.String(), nil
}

// SemanticRecallArgs are arguments for the semantic_recall tool.
type SemanticRecallArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SemanticRecall runs hybrid vector+keyword retrieval over the store.
func (t *Tools) SemanticRecall(ctx context.Context, argsJSON string) (string, error) {
	var args SemanticRecallArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}
	if args.Limit > 20 {
		args.Limit = 20
	}

	results, err := Retrieve(ctx, t.store, t.embedder, args.Query, args.Limit)
	if err != nil {
		return "", fmt.Errorf("retrieve: %w", err)
	}
	if len(results) == 0 {
		return "No relevant facts found", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d relevant facts:\n\n", len(results)))
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("%.2f | [%s] %s\n", r.Score, r.Fact.Domain, r.Fact.Text))
	}
	return sb.String(), nil
}

// GetDefinitions returns tool definitions for the fact tools, in the
// shape the LLM clients expect for function-calling.
func (t *Tools) GetDefinitions() []map[string]any {
	return []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "remember_fact",
				"description": "Store a discrete, stable piece of information for later recall: a preference, schedule item, goal, or relationship detail. Each fact should be self-contained, not a project spec.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"domain": map[string]any{
							"type":        "string",
							"enum":        []string{string(DomainHealth), string(DomainPreferences), string(DomainWork), string(DomainRelationships), string(DomainSchedule), string(DomainGoals), string(DomainGeneral), string(DomainDecisions), string(DomainPersonal), string(DomainProjects)},
							"description": "Which of the fixed fact domains this belongs to.",
						},
						"text": map[string]any{
							"type":        "string",
							"description": "The fact to remember, as a single self-contained statement.",
						},
						"confidence": map[string]any{
							"type": "string",
							"enum": []string{string(ConfidenceHigh), string(ConfidenceMedium), string(ConfidenceLow)},
						},
					},
					"required": []string{"text"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "recall_fact",
				"description": "Retrieve facts from long-term memory, by domain or by search term.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"domain": map[string]any{"type": "string", "description": "Domain to list."},
						"query":  map[string]any{"type": "string", "description": "Search term."},
					},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "semantic_recall",
				"description": "Search memory using natural language; finds facts semantically similar to the query even without exact keyword overlap.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Natural language query."},
						"limit": map[string]any{"type": "integer", "description": "Maximum results (default 5, max 20)."},
					},
					"required": []string{"query"},
				},
			},
		},
	}
}

func formatFacts(facts []*Fact) string {
	var sb strings.Builder
	for _, f := range facts {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", f.Domain, f.Text))
	}
	return sb.String()
}
