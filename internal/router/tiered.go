package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/chartreuse/sentry-agent/internal/dateparse"
	"github.com/chartreuse/sentry-agent/internal/device"
)

// Tier is the resolution path a RouterDecision selects. Exactly one of
// the three is chosen for every utterance — see TestRoute_Totality in
// tiered_test.go for the invariant this encodes.
type Tier string

const (
	TierDeterministic Tier = "deterministic"
	TierLocal         Tier = "local"
	TierAPI           Tier = "api"
)

// Intent is the closed vocabulary the fast-path table and the
// classifier prompt both enumerate.
type Intent string

const (
	IntentTime            Intent = "time"
	IntentWeather          Intent = "weather"
	IntentReminderCreate   Intent = "reminder_create"
	IntentReminderList     Intent = "reminder_list"
	IntentReminderCancel   Intent = "reminder_cancel"
	IntentTranslate        Intent = "translate"
	IntentGrammarCheck     Intent = "grammar_check"
	IntentSummarize        Intent = "summarize"
	IntentExplain          Intent = "explain"
	IntentSimpleChat       Intent = "simple_chat"
	IntentConversation     Intent = "conversation"
	IntentAmbiguous        Intent = "ambiguous"
	IntentUnknown          Intent = "unknown"
)

// RouterDecision is the single outcome of a Route call, per spec §3
// "Router Decision".
type RouterDecision struct {
	Tier       Tier
	Intent     Intent
	Confidence float64
	Model      string
	Params     map[string]string
	Reason     string
}

// FastPathRule is a prioritized pattern tested against the trimmed
// input before any classifier call. Confidences are fixed per rule
// (0.85-0.99) as spec §4.1 requires, so a fast-path hit never needs a
// model round-trip to know how sure it is.
type FastPathRule struct {
	Pattern       *regexp.Regexp
	Intent        Intent
	Tier          Tier
	Confidence    float64
	ExtractParams func(query string, match []string) map[string]string
}

// fastPathRules is package-level plain data, following the teacher's
// router.go style of slices/maps over an external rules engine.
// Ordered: first match wins.
var fastPathRules = []FastPathRule{
	{
		Pattern:    regexp.MustCompile(`(?i)^(qu[eé] hora es|what time is it|what's the time)\b`),
		Intent:     IntentTime,
		Tier:       TierDeterministic,
		Confidence: 0.98,
	},
	{
		Pattern:    regexp.MustCompile(`(?i)\b(clima|tiempo que hace|weather)\b`),
		Intent:     IntentWeather,
		Tier:       TierDeterministic,
		Confidence: 0.9,
	},
	{
		Pattern:    regexp.MustCompile(`(?i)^(recu[eé]rdame|remind me)\s+(.+?)\s+(en|in|at|a las)\s+(.+)$`),
		Intent:     IntentReminderCreate,
		Tier:       TierDeterministic,
		Confidence: 0.95,
		ExtractParams: func(query string, m []string) map[string]string {
			if len(m) < 5 {
				return nil
			}
			return map[string]string{"message": strings.TrimSpace(m[2]), "when": strings.TrimSpace(m[4])}
		},
	},
	{
		Pattern:    regexp.MustCompile(`(?i)^(mis recordatorios|my reminders|list reminders)\b`),
		Intent:     IntentReminderList,
		Tier:       TierDeterministic,
		Confidence: 0.92,
	},
	{
		Pattern:    regexp.MustCompile(`(?i)^(cancela|cancel)\s+(el\s+)?recordatorio`),
		Intent:     IntentReminderCancel,
		Tier:       TierDeterministic,
		Confidence: 0.88,
	},
	{
		Pattern:    regexp.MustCompile(`(?i)^(traduce|translate)\b`),
		Intent:     IntentTranslate,
		Tier:       TierLocal,
		Confidence: 0.95,
	},
	{
		Pattern:    regexp.MustCompile(`(?i)^(corrige|revisa la gram[aá]tica|grammar check|fix.*grammar)\b`),
		Intent:     IntentGrammarCheck,
		Tier:       TierLocal,
		Confidence: 0.9,
	},
	{
		Pattern:    regexp.MustCompile(`(?i)^(resume|summarize)\b`),
		Intent:     IntentSummarize,
		Tier:       TierLocal,
		Confidence: 0.85,
	},
}

// deterministicThresholds and localThresholds are the per-intent
// confidence floors spec §4.1 step 6 requires.
var deterministicThresholds = map[Intent]float64{
	IntentTime:          0.9,
	IntentWeather:        0.8,
	IntentReminderCreate: 0.85,
	IntentReminderList:   0.8,
	IntentReminderCancel: 0.85,
}

var localThresholds = map[Intent]float64{
	IntentTranslate:    0.7,
	IntentGrammarCheck: 0.7,
	IntentSummarize:    0.65,
	IntentExplain:      0.7,
	IntentSimpleChat:   0.75,
}

// localInputBounds bounds valid input for a local-tier intent: too
// short isn't worth a round trip to a small model, too long risks
// truncation the classifier prompt didn't budget for.
const (
	localMinInputLen = 2
	localMaxInputLen = 4000
)

// excludedKeywords disqualify a local-tier resolution outright — these
// signal the request needs capabilities (tool use, broad world
// knowledge) a small local model shouldn't attempt.
var excludedKeywords = []string{"api key", "contraseña", "password", "social security"}

// Classifier calls the local model server's text-generation endpoint
// for intent classification. Satisfied by internal/llm.OllamaClient's
// Generate method.
type Classifier interface {
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error)
}

// GenerateOptions mirrors the subset of Ollama's /api/generate options
// block the classifier call uses.
type GenerateOptions struct {
	Temperature float64
	NumPredict  int
}

// ModelSelector resolves a local model candidate for an intent,
// implemented by internal/modelmanager.Manager. query is passed through
// so a selector backed by more than one candidate model can score them
// against the actual request instead of picking blind.
type ModelSelector interface {
	SelectForIntent(intent, query string) (model string, ok bool)
}

// TieredConfig tunes a Router.
type TieredConfig struct {
	ClassifierModel   string
	DeviceProfile     device.Profile
	Classifier        Classifier
	ClassifierBreaker Allower
	ModelSelector     ModelSelector
	// ClassifierAvailable is consulted before every classifier call;
	// nil means "assume available" (tests wire a stub).
	ClassifierAvailable func(ctx context.Context) bool
	// BypassLatency is the "latency over a configured bypass
	// threshold" cutoff from spec §4.1's failure modes: a classifier
	// call that takes longer than this is treated as an API-tier
	// escalation even if it eventually returns a valid result.
	BypassLatency time.Duration
	Logger        *slog.Logger
}

// Allower is satisfied by internal/breaker.Breaker.
type Allower interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// Router implements the spec's ordered tier-selection algorithm:
// fast-path -> device gate -> classifier availability -> classify ->
// validation overrides -> tier dispatch.
type Router struct {
	cfg     TieredConfig
	backoff *classifierBackoff
	logger  *slog.Logger
}

// NewRouter builds the tiered router.
func NewRouter(cfg TieredConfig) *Router {
	if cfg.BypassLatency <= 0 {
		cfg.BypassLatency = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, backoff: newClassifierBackoff(), logger: logger}
}

// Route decides the tier for a single user utterance. It always
// returns exactly one of {deterministic, local, api} (spec §8 "Router
// totality").
func (r *Router) Route(ctx context.Context, query string) RouterDecision {
	q := strings.TrimSpace(query)

	if d, ok := r.fastPath(q); ok {
		return d
	}

	if r.cfg.DeviceProfile.Tier == device.TierMinimal {
		return RouterDecision{Tier: TierAPI, Intent: IntentUnknown, Reason: "device tier minimal"}
	}

	if r.cfg.ClassifierAvailable != nil && !r.cfg.ClassifierAvailable(ctx) {
		return RouterDecision{Tier: TierAPI, Intent: IntentUnknown, Reason: "ollama unavailable"}
	}

	if !r.backoff.Allow() {
		return RouterDecision{Tier: TierAPI, Intent: IntentUnknown, Reason: "backoff"}
	}

	if r.cfg.ClassifierBreaker != nil && !r.cfg.ClassifierBreaker.Allow() {
		return RouterDecision{Tier: TierAPI, Intent: IntentUnknown, Reason: "circuit open"}
	}

	intent, confidence, elapsed, err := r.classify(ctx, q)
	if err != nil {
		r.recordClassifierFailure()
		return RouterDecision{Tier: TierAPI, Intent: IntentUnknown, Confidence: 0, Reason: "classifier error: " + err.Error()}
	}
	r.recordClassifierSuccess()

	if elapsed > r.cfg.BypassLatency {
		return RouterDecision{Tier: TierAPI, Intent: intent, Confidence: confidence, Reason: "classifier latency bypass"}
	}

	intent = applyValidationOverrides(intent, q)

	return r.tierDispatch(intent, confidence, q)
}

func (r *Router) recordClassifierFailure() {
	r.backoff.RecordFailure()
	if r.cfg.ClassifierBreaker != nil {
		r.cfg.ClassifierBreaker.RecordFailure()
	}
}

func (r *Router) recordClassifierSuccess() {
	r.backoff.RecordSuccess()
	if r.cfg.ClassifierBreaker != nil {
		r.cfg.ClassifierBreaker.RecordSuccess()
	}
}

// fastPath tests the prioritized rule table. On a deterministic match
// it returns immediately; on a local match it still has to resolve a
// model, falling through to api if none is available (spec §4.1 step
// 1).
func (r *Router) fastPath(q string) (RouterDecision, bool) {
	for _, rule := range fastPathRules {
		m := rule.Pattern.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		var params map[string]string
		if rule.ExtractParams != nil {
			params = rule.ExtractParams(q, m)
			if when, ok := params["when"]; ok {
				if res := dateparse.Parse(when, time.Now()); res.Ok {
					params["when_resolved"] = res.When.Format(time.RFC3339)
				}
			}
		}
		if rule.Tier == TierLocal {
			if r.cfg.ModelSelector == nil {
				continue
			}
			model, ok := r.cfg.ModelSelector.SelectForIntent(string(rule.Intent), q)
			if !ok {
				continue
			}
			return RouterDecision{Tier: TierLocal, Intent: rule.Intent, Confidence: rule.Confidence, Model: model, Params: params}, true
		}
		return RouterDecision{Tier: rule.Tier, Intent: rule.Intent, Confidence: rule.Confidence, Params: params}, true
	}
	return RouterDecision{}, false
}

// classify calls the local classifier with a fixed prompt enumerating
// every intent and its rules, low temperature, constrained output.
func (r *Router) classify(ctx context.Context, query string) (Intent, float64, time.Duration, error) {
	prompt := classifyPrompt(query)
	start := time.Now()
	raw, err := r.cfg.Classifier.Generate(ctx, r.cfg.ClassifierModel, prompt, GenerateOptions{Temperature: 0.1, NumPredict: 128})
	elapsed := time.Since(start)
	if err != nil {
		return IntentUnknown, 0, elapsed, err
	}

	obj, ok := ExtractJSON(raw)
	if !ok {
		return IntentUnknown, 0, elapsed, nil
	}

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := unmarshalClassifierJSON(obj, &parsed); err != nil {
		return IntentUnknown, 0, elapsed, nil
	}
	if parsed.Intent == "" {
		return IntentUnknown, 0, elapsed, nil
	}
	return Intent(parsed.Intent), parsed.Confidence, elapsed, nil
}

// classifyPrompt builds the fixed classification prompt enumerating
// every intent and the rule it corresponds to.
func classifyPrompt(query string) string {
	var sb strings.Builder
	sb.WriteString("Classify the user's message into exactly one intent. Respond with a single JSON object: {\"intent\": \"<intent>\", \"confidence\": <0..1>}.\n\n")
	sb.WriteString("Intents:\n")
	sb.WriteString("- time: asking the current time\n")
	sb.WriteString("- weather: asking about weather conditions\n")
	sb.WriteString("- reminder_create: asking to be reminded of something at a time\n")
	sb.WriteString("- reminder_list: asking to list reminders\n")
	sb.WriteString("- reminder_cancel: asking to cancel a reminder\n")
	sb.WriteString("- translate: asking to translate text\n")
	sb.WriteString("- grammar_check: asking to check/fix grammar\n")
	sb.WriteString("- summarize: asking to summarize text\n")
	sb.WriteString("- explain: asking for an explanation\n")
	sb.WriteString("- simple_chat: casual conversation a small local model can answer directly\n")
	sb.WriteString("- conversation: anything else conversational, including negations and broad requests\n")
	sb.WriteString("- ambiguous: the message is incomplete or unclear\n\n")
	sb.WriteString("Message: ")
	sb.WriteString(query)
	return sb.String()
}

// tierDispatch applies the confidence thresholds and local-tier
// validation from spec §4.1 step 6.
func (r *Router) tierDispatch(intent Intent, confidence float64, query string) RouterDecision {
	if threshold, ok := deterministicThresholds[intent]; ok && confidence >= threshold {
		return RouterDecision{Tier: TierDeterministic, Intent: intent, Confidence: confidence}
	}

	if threshold, ok := localThresholds[intent]; ok && confidence >= threshold {
		if reason, invalid := invalidLocalInput(query); invalid {
			return RouterDecision{Tier: TierAPI, Intent: intent, Confidence: confidence, Reason: reason}
		}
		if r.cfg.ModelSelector != nil {
			if model, ok := r.cfg.ModelSelector.SelectForIntent(string(intent), query); ok {
				return RouterDecision{Tier: TierLocal, Intent: intent, Confidence: confidence, Model: model}
			}
		}
		return RouterDecision{Tier: TierAPI, Intent: intent, Confidence: confidence, Reason: "no local model available"}
	}

	return RouterDecision{Tier: TierAPI, Intent: intent, Confidence: confidence}
}

func invalidLocalInput(query string) (string, bool) {
	if len(query) < localMinInputLen {
		return "input too short for local tier", true
	}
	if len(query) > localMaxInputLen {
		return "input too long for local tier", true
	}
	lower := strings.ToLower(query)
	for _, kw := range excludedKeywords {
		if strings.Contains(lower, kw) {
			return "excluded keyword", true
		}
	}
	return "", false
}

// applyValidationOverrides is the heuristic post-filter from spec
// §4.1 step 5: it replaces a classifier intent that contradicts an
// obvious surface signal in the input, rather than trusting the
// model's classification unconditionally.
func applyValidationOverrides(intent Intent, query string) Intent {
	lower := strings.ToLower(query)

	if isNegation(lower) && intent != IntentConversation {
		return IntentConversation
	}
	if isMassAction(lower) && (intent == IntentReminderCancel || intent == IntentReminderList) {
		return IntentConversation
	}
	if intent == IntentReminderCreate && !hasReminderContent(lower) {
		return IntentAmbiguous
	}
	return intent
}

var negationWords = []string{"no quiero", "don't", "do not", "never mind", "nada que ver"}

func isNegation(lower string) bool {
	for _, w := range negationWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

var massActionWords = []string{"todos los", "todas las", "all of them", "everything", "every reminder"}

func isMassAction(lower string) bool {
	for _, w := range massActionWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// hasReminderContent reports whether the text carries both a
// message-like fragment and a time fragment, the minimum needed to
// actually create a reminder. Missing either makes the command
// incomplete (spec's "incomplete command -> ambiguous").
func hasReminderContent(lower string) bool {
	hasTimeWord := strings.Contains(lower, " at ") || strings.Contains(lower, " in ") ||
		strings.Contains(lower, " en ") || strings.Contains(lower, "tomorrow") || strings.Contains(lower, "mañana")
	return hasTimeWord && len(strings.Fields(lower)) > 3
}
