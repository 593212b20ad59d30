package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chartreuse/sentry-agent/internal/errkind"
	"github.com/chartreuse/sentry-agent/internal/facts"
	"github.com/chartreuse/sentry-agent/internal/router"
)

// LLMGenerator calls a model's single-turn completion endpoint.
// Satisfied by internal/llm.OllamaClient.Generate — structurally
// identical to router.Classifier, just named for this package's own
// purpose rather than shared, since extraction and classification are
// conceptually different callers even though the wire call is the same
// shape.
type LLMGenerator interface {
	Generate(ctx context.Context, model, prompt string, opts router.GenerateOptions) (string, error)
}

// extractedFact is one fact as the LLM reports it, before validation
// against facts.Domain/facts.Confidence's closed vocabularies.
type extractedFact struct {
	Domain     string  `json:"domain"`
	Text       string  `json:"fact"`
	Confidence float64 `json:"confidence"`
}

type extractionResult struct {
	Facts           []extractedFact `json:"facts"`
	WorthPersisting bool            `json:"worth_persisting"`
}

var validDomains = map[facts.Domain]bool{
	facts.DomainHealth:        true,
	facts.DomainPreferences:   true,
	facts.DomainWork:          true,
	facts.DomainRelationships: true,
	facts.DomainSchedule:      true,
	facts.DomainGoals:         true,
	facts.DomainGeneral:       true,
	facts.DomainDecisions:     true,
	facts.DomainPersonal:      true,
	facts.DomainProjects:      true,
}

// confidenceFromScore buckets a continuous 0..1 score into the store's
// three-level confidence: high at 0.75 and above, medium at 0.45 and
// above, low below that.
func confidenceFromScore(score float64) facts.Confidence {
	switch {
	case score >= 0.75:
		return facts.ConfidenceHigh
	case score >= 0.45:
		return facts.ConfidenceMedium
	default:
		return facts.ConfidenceLow
	}
}

// Extractor calls the model to pull facts from a single interaction
// and persists anything that passes validation.
type Extractor struct {
	llm   LLMGenerator
	model string
	store *facts.Store
}

// NewExtractor builds an Extractor.
func NewExtractor(llm LLMGenerator, model string, store *facts.Store) *Extractor {
	return &Extractor{llm: llm, model: model, store: store}
}

// Extract calls the model on one queued interaction and persists any
// facts it reports worth keeping. Returns the number of facts
// persisted, and any error from the model call itself — per-fact
// validation failures are not treated as errors, they're just skipped.
func (e *Extractor) Extract(ctx context.Context, item QueueItem) (int, error) {
	prompt := extractionPrompt(item.UserMessage, item.AssistantResponse)
	raw, err := e.llm.Generate(ctx, e.model, prompt, router.GenerateOptions{Temperature: 0.2, NumPredict: 512})
	if err != nil {
		return 0, errkind.Wrap(fmt.Errorf("generate: %w", err), errkind.Transient)
	}

	obj, ok := router.ExtractJSON(raw)
	if !ok {
		return 0, nil
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return 0, nil
	}
	if !result.WorthPersisting || len(result.Facts) == 0 {
		return 0, nil
	}

	persisted := 0
	for _, f := range result.Facts {
		domain := facts.Domain(strings.ToLower(strings.TrimSpace(f.Domain)))
		text := strings.TrimSpace(f.Text)
		if text == "" || !validDomains[domain] {
			continue
		}
		if len(text) > facts.MaxFactLength {
			text = text[:facts.MaxFactLength]
		}
		if _, err := e.store.Set(domain, text, confidenceFromScore(f.Confidence), "", facts.SourceInferred, ""); err != nil {
			continue
		}
		persisted++
	}
	return persisted, nil
}

func extractionPrompt(userMsg, assistantResp string) string {
	var sb strings.Builder
	sb.WriteString("Extract any durable facts about the user worth remembering long-term from this exchange. ")
	sb.WriteString("Respond with a single JSON object: {\"facts\": [{\"domain\": \"<domain>\", \"fact\": \"<statement>\", \"confidence\": <0..1>}], \"worth_persisting\": <bool>}.\n")
	sb.WriteString("Valid domains: health, preferences, work, relationships, schedule, goals, general, decisions, personal, projects.\n")
	sb.WriteString("If nothing durable was shared, set worth_persisting to false and facts to an empty list.\n\n")
	sb.WriteString("User: ")
	sb.WriteString(userMsg)
	sb.WriteString("\nAssistant: ")
	sb.WriteString(assistantResp)
	return sb.String()
}
