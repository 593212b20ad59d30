package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/chartreuse/sentry-agent/internal/cache"
	"github.com/chartreuse/sentry-agent/internal/ctxguard"
	"github.com/chartreuse/sentry-agent/internal/dateparse"
	"github.com/chartreuse/sentry-agent/internal/facts"
	"github.com/chartreuse/sentry-agent/internal/llm"
	"github.com/chartreuse/sentry-agent/internal/promptassembly"
	"github.com/chartreuse/sentry-agent/internal/reminders"
	"github.com/chartreuse/sentry-agent/internal/router"
	"github.com/chartreuse/sentry-agent/internal/usage"
)

const factRetrievalLimit = 8

// HandleUserMessage runs one full turn: commands, then the router's
// three-tier dispatch, with the response cache consulted ahead of any
// model call and the conversation/extraction pipeline updated after.
func (rt *Runtime) HandleUserMessage(ctx context.Context, userID, text string) (string, error) {
	if resp, handled, err := rt.dispatchCommand(ctx, userID, text); handled {
		return resp, err
	}

	done := rt.brainGate.Enter()
	defer done()

	if err := rt.proactiveLoop.NotifyUserMessage(time.Now()); err != nil {
		rt.logger.Warn("notify proactive of user message failed", "error", err)
	}

	if _, err := rt.memoryStore.GetOrCreateConversation(userID); err != nil {
		return "", fmt.Errorf("get conversation: %w", err)
	}
	if err := rt.memoryStore.AddMessage(userID, "user", text); err != nil {
		return "", fmt.Errorf("record user message: %w", err)
	}

	if rt.compactor.NeedsCompaction(userID) {
		if err := rt.compactor.Compact(ctx, userID); err != nil {
			rt.logger.Warn("conversation compaction failed", "conversation", userID, "error", err)
		}
	}

	relevant := rt.retrieveFacts(ctx, text)
	factTexts := make([]string, len(relevant))
	factIDs := make([]string, len(relevant))
	for i, r := range relevant {
		factTexts[i] = r.Fact.Text
		factIDs[i] = r.Fact.ID.String()
	}

	decision := rt.rtr.Route(ctx, text)

	var response string
	var err error
	var outcome modelTierOutcome
	start := time.Now()

	switch decision.Tier {
	case router.TierDeterministic:
		response, err = rt.handleDeterministic(ctx, userID, decision)
	default:
		outcome, err = rt.handleModelTier(ctx, userID, text, decision, factTexts, factIDs)
		response = outcome.response
	}

	latency := time.Since(start)
	costUSD := usage.ComputeCost(outcome.model, outcome.inputTokens, outcome.outputTokens, rt.cfg.Anthropic.Pricing)
	if recErr := rt.metrics.RecordRequest(ctx, decision.Tier, latency, outcome.fellBack, costUSD); recErr != nil {
		rt.logger.Warn("record router metrics failed", "error", recErr)
	}
	if decision.Tier != router.TierDeterministic && outcome.model != "" {
		rt.recordUsage(ctx, userID, outcome, costUSD)
	}

	if err != nil {
		return "", err
	}

	if addErr := rt.memoryStore.AddMessage(userID, "assistant", response); addErr != nil {
		rt.logger.Warn("record assistant message failed", "error", addErr)
	}

	if decision.Tier != router.TierDeterministic {
		if qErr := rt.extractQueue.Enqueue(userID, text, response, len(rt.memoryStore.GetMessages(userID))); qErr != nil {
			rt.logger.Warn("enqueue fact extraction failed", "error", qErr)
		}
		rt.storeInCache(ctx, text, response, factIDs, decision)
	}

	return response, nil
}

// retrieveFacts runs the hybrid fact search, best-effort: a retrieval
// failure degrades to an empty fact set rather than failing the turn.
func (rt *Runtime) retrieveFacts(ctx context.Context, query string) []facts.RetrievalResult {
	results, err := facts.Retrieve(ctx, rt.factsStore, rt.embedClient, query, factRetrievalLimit)
	if err != nil {
		rt.logger.Debug("fact retrieval failed", "error", err)
		return nil
	}
	return results
}

func (rt *Runtime) handleDeterministic(ctx context.Context, userID string, decision router.RouterDecision) (string, error) {
	switch decision.Intent {
	case router.IntentTime:
		return fmt.Sprintf("It's %s.", time.Now().Format("15:04")), nil
	case router.IntentReminderCreate:
		return rt.createReminderFromParams(decision.Params)
	case router.IntentReminderList:
		return formatReminderList(rt.reminderSched.List()), nil
	case router.IntentReminderCancel:
		return "Tell me which reminder to cancel by its id (see \"my reminders\").", nil
	case router.IntentWeather:
		return "I don't have live weather access configured.", nil
	default:
		return "", fmt.Errorf("unhandled deterministic intent %q", decision.Intent)
	}
}

func (rt *Runtime) createReminderFromParams(params map[string]string) (string, error) {
	message := params["message"]
	when := params["when"]
	if message == "" || when == "" {
		return "I didn't catch what to remind you about, or when.", nil
	}
	result := dateparse.Parse(when, time.Now())
	if !result.Ok {
		if result.Suggestion != "" {
			return fmt.Sprintf("I couldn't understand the time %q — %s", when, result.Suggestion), nil
		}
		return fmt.Sprintf("I couldn't understand the time %q.", when), nil
	}
	if _, err := rt.reminderSched.Create(message, result.When); err != nil {
		return "", fmt.Errorf("create reminder: %w", err)
	}
	return fmt.Sprintf("Got it, I'll remind you: %s.", message), nil
}

func formatReminderList(list []*reminders.Reminder) string {
	if len(list) == 0 {
		return "You have no pending reminders."
	}
	var sb []byte
	sb = append(sb, "Your reminders:\n"...)
	for _, r := range list {
		sb = append(sb, fmt.Sprintf("- [%s] %s at %s\n", r.ID, r.Message, r.TriggerAt.Format("2006-01-02 15:04"))...)
	}
	return string(sb)
}

// modelTierOutcome carries the token/model bookkeeping a model-tier
// turn needs for metrics and usage-cost recording alongside its reply.
// model is left empty for a cache hit, since no LLM call happened.
type modelTierOutcome struct {
	response     string
	fellBack     bool
	model        string
	provider     string
	inputTokens  int
	outputTokens int
}

// handleModelTier covers both the local and API tiers: build the
// truncated, sanitized prompt, ensure the chosen model is loaded (for
// the local tier), call it, and fall back to the API client on a local
// failure.
func (rt *Runtime) handleModelTier(ctx context.Context, userID, text string, decision router.RouterDecision, factTexts, factIDs []string) (modelTierOutcome, error) {
	history := rt.conversationWindow(ctx, userID)

	systemPrompt := promptassembly.Assemble(promptassembly.Input{
		Persona: rt.persona,
		Facts:   factTexts,
		History: history,
	})

	systemVersion := cache.SystemVersion(decision.Model, []byte(rt.persona))
	factIDsHash := cache.FactIDsHash(factIDs)

	var queryEmbedding []float32
	if rt.embedClient.Ready() {
		if emb, err := rt.embedClient.Embed(ctx, text); err == nil {
			queryEmbedding = emb
		}
	}
	if rt.cfg.Cache.Enabled && queryEmbedding != nil {
		if result, err := rt.cache.Lookup(queryEmbedding, factIDsHash, systemVersion); err == nil && result.Hit {
			return modelTierOutcome{response: result.Response}, nil
		}
	}

	messages := []llm.Message{{Role: "system", Content: systemPrompt}, {Role: "user", Content: text}}

	if decision.Tier == router.TierLocal {
		if err := rt.modelMgr.EnsureLoaded(ctx, decision.Model); err != nil {
			rt.logger.Warn("local model load failed, falling back to API", "model", decision.Model, "error", err)
			return rt.callAPI(ctx, messages)
		}
		release := rt.modelMgr.AcquireLock(decision.Model)
		defer release()

		resp, err := rt.ollama.Chat(ctx, decision.Model, messages, nil)
		if err != nil {
			rt.logger.Warn("local model call failed, falling back to API", "model", decision.Model, "error", err)
			return rt.callAPI(ctx, messages)
		}
		return modelTierOutcome{
			response:     resp.Message.Content,
			model:        decision.Model,
			provider:     "ollama",
			inputTokens:  resp.InputTokens,
			outputTokens: resp.OutputTokens,
		}, nil
	}

	out, err := rt.callAPI(ctx, messages)
	out.fellBack = false
	return out, err
}

func (rt *Runtime) callAPI(ctx context.Context, messages []llm.Message) (modelTierOutcome, error) {
	model := rt.cfg.Remote.Model
	if model == "" {
		model = rt.cfg.Models.Default
	}
	resp, err := rt.llmClient.Chat(ctx, model, messages, nil)
	if err != nil {
		return modelTierOutcome{fellBack: true}, fmt.Errorf("api chat: %w", err)
	}
	return modelTierOutcome{
		response:     resp.Message.Content,
		fellBack:     true,
		model:        model,
		provider:     "api",
		inputTokens:  resp.InputTokens,
		outputTokens: resp.OutputTokens,
	}, nil
}

// recordUsage persists the token/cost ledger entry for one model-tier
// turn. Best-effort: a failure here never fails the user-facing turn.
func (rt *Runtime) recordUsage(ctx context.Context, userID string, outcome modelTierOutcome, costUSD float64) {
	rec := usage.Record{
		ConversationID: userID,
		Model:          outcome.model,
		Provider:       outcome.provider,
		InputTokens:    outcome.inputTokens,
		OutputTokens:   outcome.outputTokens,
		CostUSD:        costUSD,
		Role:           "interactive",
	}
	if err := rt.usageStore.Record(ctx, rec); err != nil {
		rt.logger.Warn("record usage failed", "error", err)
	}
}

func (rt *Runtime) storeInCache(ctx context.Context, query, response string, factIDs []string, decision router.RouterDecision) {
	if !rt.cfg.Cache.Enabled || !rt.embedClient.Ready() {
		return
	}
	emb, err := rt.embedClient.Embed(ctx, query)
	if err != nil {
		return
	}
	systemVersion := cache.SystemVersion(decision.Model, []byte(rt.persona))
	if err := rt.cache.Store(query, emb, cache.FactIDsHash(factIDs), systemVersion, response, classForIntent(decision.Intent)); err != nil {
		rt.logger.Debug("cache store failed", "error", err)
	}
}

// conversationWindow runs the stored conversation through the context
// guard's token-budget truncation before handing it to prompt assembly,
// so a long-running conversation never blows the model's context window.
func (rt *Runtime) conversationWindow(ctx context.Context, userID string) []promptassembly.HistoryMessage {
	msgs := rt.memoryStore.GetMessages(userID)
	guarded := make([]ctxguard.Message, len(msgs))
	for i, m := range msgs {
		guarded[i] = ctxguard.Message{Role: m.Role, Content: m.Content, ToolCallJSON: m.ToolCalls}
	}

	result := rt.guard.Truncate(ctx, guarded)
	if result.Truncated {
		rt.logger.Info("conversation truncated to fit context budget",
			"conversation", userID, "original", result.OriginalCount, "kept", result.FinalCount)
		if result.PotentialFactsWarning {
			rt.logger.Warn("truncated messages may have contained facts", "conversation", userID, "backupFailed", result.BackupFailed)
		}
	}

	kept := result.Messages
	timestamps := msgs[len(msgs)-len(kept):]
	out := make([]promptassembly.HistoryMessage, len(kept))
	for i, m := range kept {
		out[i] = promptassembly.HistoryMessage{Role: m.Role, Content: m.Content, Timestamp: timestamps[i].Timestamp}
	}
	return out
}

func classForIntent(intent router.Intent) cache.QueryClass {
	switch intent {
	case router.IntentReminderCreate, router.IntentReminderList, router.IntentReminderCancel:
		return cache.ClassTool
	case router.IntentSimpleChat, router.IntentConversation:
		return cache.ClassGreeting
	default:
		return cache.ClassFactual
	}
}

