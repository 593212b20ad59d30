// Package runtime is the orchestrator: it builds every component
// exactly once, wires the adapters between packages that are
// deliberately decoupled (ctxguard.Summarizer, proactive.Decider/
// FactProvider/ActivityProvider/NotificationSink, reminders.
// NotificationSink), and owns dependency-ordered startup and
// shutdown. This is the "global singleton -> process-wide runtime
// value" re-architecture: teacher's cmd/thane/main.go already
// constructs one of everything inline in main and injects it, just
// not collected into one named value — Runtime is that value.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chartreuse/sentry-agent/internal/breaker"
	"github.com/chartreuse/sentry-agent/internal/cache"
	"github.com/chartreuse/sentry-agent/internal/channel"
	"github.com/chartreuse/sentry-agent/internal/config"
	"github.com/chartreuse/sentry-agent/internal/ctxguard"
	"github.com/chartreuse/sentry-agent/internal/device"
	"github.com/chartreuse/sentry-agent/internal/embeddings"
	"github.com/chartreuse/sentry-agent/internal/extraction"
	"github.com/chartreuse/sentry-agent/internal/facts"
	"github.com/chartreuse/sentry-agent/internal/health"
	"github.com/chartreuse/sentry-agent/internal/llm"
	"github.com/chartreuse/sentry-agent/internal/memory"
	"github.com/chartreuse/sentry-agent/internal/modelmanager"
	"github.com/chartreuse/sentry-agent/internal/proactive"
	"github.com/chartreuse/sentry-agent/internal/reminders"
	"github.com/chartreuse/sentry-agent/internal/router"
	"github.com/chartreuse/sentry-agent/internal/routermetrics"
	"github.com/chartreuse/sentry-agent/internal/usage"
)

// defaultUserID is used for the single-conversation, single-channel-
// user case (e.g. cmd/agentd's "ask" subcommand); HandleUserMessage
// keys conversations by the userID a channel.Source reports, so
// multiple simultaneous WebSocket clients still each get their own
// history.
const defaultUserID = "default"

// maxHistoryMessages bounds the in-memory conversation window kept per
// conversation id, mirroring the teacher's SQLiteStore maxMessages
// parameter.
const maxHistoryMessages = 200

// Runtime collects every long-lived component, built once in New and
// torn down once in Close.
type Runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	persona string

	memoryStore *memory.SQLiteStore
	compactor   *memory.Compactor
	guard       *ctxguard.Guard

	factsStore *facts.Store
	factsTools *facts.Tools

	embedClient  *embeddings.Client
	embedQueue   *embeddings.Queue
	embedWorker  *embeddings.Worker

	extractQueue  *extraction.Queue
	extractWorker *extraction.Worker

	cache *cache.Cache

	deviceProfile     device.Profile
	modelMgr          *modelmanager.Manager
	classifierBreaker *breaker.Breaker
	rtr               *router.Router
	metrics           *routermetrics.Metrics
	usageStore        *usage.Store

	ollama       *llm.OllamaClient
	llmClient    llm.Client
	ollamaHealth *health.Monitor

	reminderSched *reminders.Scheduler
	proactiveLoop *proactive.Loop
	brainGate     *proactive.BrainGate

	channelSrc channel.Source

	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// New constructs every component in dependency order (data directory
// -> device profile -> stores -> workers -> router -> schedulers) and
// starts their background loops. The returned Runtime owns every
// handle returned along the way; call Close to tear it down.
func New(ctx context.Context, cfg *config.Config, channelSrc channel.Source, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	profile := device.Detect(ctx, cfg.DataDir)

	dbPath := func(name string) string { return filepath.Join(cfg.DataDir, name) }

	var persona string
	if cfg.PersonaFile != "" {
		data, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("load persona file: %w", err)
		}
		persona = string(data)
	}

	factsStore, err := facts.NewStore(dbPath("facts.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("facts store: %w", err)
	}

	embedClient := embeddings.New(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		Logger:  logger,
	})
	embedQueue, err := embeddings.NewQueue(dbPath("embeddings.db"))
	if err != nil {
		factsStore.Close()
		return nil, fmt.Errorf("embeddings queue: %w", err)
	}
	embedWorker := embeddings.NewWorker(embedClient, embedQueue, factsStore, logger)

	factsTools := facts.NewTools(factsStore, embedClient)

	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)

	extractQueue, err := extraction.NewQueue(dbPath("extraction.db"))
	if err != nil {
		factsStore.Close()
		embedQueue.Close()
		return nil, fmt.Errorf("extraction queue: %w", err)
	}
	extractor := extraction.NewExtractor(ollama, cfg.Models.Default, factsStore)
	extractWorker := extraction.NewWorker(extractor, extractQueue, logger)

	memoryStore, err := memory.NewSQLiteStore(dbPath("memory.db"), maxHistoryMessages)
	if err != nil {
		factsStore.Close()
		embedQueue.Close()
		extractQueue.Close()
		return nil, fmt.Errorf("memory store: %w", err)
	}
	summarizer := memory.NewLLMSummarizer(func(ctx context.Context, prompt string) (string, error) {
		resp, err := ollama.Chat(ctx, cfg.Models.Default, []llm.Message{{Role: "user", Content: prompt}}, nil)
		if err != nil {
			return "", err
		}
		return resp.Message.Content, nil
	})
	compactor := memory.NewCompactor(memoryStore, memory.DefaultCompactionConfig(), summarizer)

	guard := ctxguard.New(
		ctxguard.Budget{
			MaxTokens:           cfg.ContextGuard.MaxTokens,
			SystemPromptReserve: cfg.ContextGuard.SystemPromptReserve,
			ResponseReserve:     cfg.ContextGuard.ResponseReserve,
		},
		dbPath("ctxguard_backup.jsonl"),
		summarizerAdapter{summarizer},
		logger,
	)

	respCache, err := cache.New(dbPath("cache.db"), cfg.Cache.SimilarityThreshold, logger)
	if err != nil {
		factsStore.Close()
		embedQueue.Close()
		extractQueue.Close()
		memoryStore.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	essential := []string{cfg.Router.ClassifierModel}
	modelMgr := modelmanager.New(modelmanager.Config{
		Loader:       ollama,
		Profile:      profile,
		Essential:    essential,
		IntentModels: cfg.Router.IntentModels,
		ModelCatalog: modelCatalogFromConfig(cfg.Models.Available),
		Logger:       logger,
	})

	classifierBreaker := breaker.New(breaker.Config{Name: "classifier"})

	ollamaHealth := health.New(health.Config{
		Name: "ollama",
		Probe: func(ctx context.Context) (time.Duration, error) {
			start := time.Now()
			if err := ollama.Ping(ctx); err != nil {
				return 0, err
			}
			return time.Since(start), nil
		},
		CheckInterval:  time.Minute,
		StalenessLimit: 10 * time.Second,
		Logger:         logger,
	})

	rtr := router.NewRouter(router.TieredConfig{
		ClassifierModel:   cfg.Router.ClassifierModel,
		DeviceProfile:     profile,
		Classifier:        ollama,
		ClassifierBreaker: classifierBreaker,
		ModelSelector:     modelMgr,
		ClassifierAvailable: func(ctx context.Context) bool {
			return ollamaHealth.VerifyAvailable(ctx, 10*time.Second)
		},
		BypassLatency: time.Duration(cfg.Router.BypassLatencyMS) * time.Millisecond,
		Logger:        logger,
	})

	metrics, err := routermetrics.New(dbPath("metrics.db"))
	if err != nil {
		factsStore.Close()
		embedQueue.Close()
		extractQueue.Close()
		memoryStore.Close()
		respCache.Close()
		return nil, fmt.Errorf("router metrics: %w", err)
	}

	usageStore, err := usage.NewStore(dbPath("usage.db"))
	if err != nil {
		factsStore.Close()
		embedQueue.Close()
		extractQueue.Close()
		memoryStore.Close()
		respCache.Close()
		metrics.Close()
		return nil, fmt.Errorf("usage store: %w", err)
	}

	sink := &channelSink{src: channelSrc, userID: defaultUserID}

	reminderSched, err := reminders.New(dbPath("reminders.db"), sink, logger)
	if err != nil {
		factsStore.Close()
		embedQueue.Close()
		extractQueue.Close()
		memoryStore.Close()
		respCache.Close()
		metrics.Close()
		usageStore.Close()
		return nil, fmt.Errorf("reminders: %w", err)
	}

	var llmClient llm.Client = ollama
	if cfg.Remote.BaseURL != "" {
		remote := llm.NewRemoteClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, logger)
		multi := llm.NewMultiClient(remote)
		multi.AddProvider("local", ollama)
		for _, m := range cfg.Models.Available {
			multi.AddModel(m.Name, "local")
		}
		llmClient = multi
	}

	brainGate := &proactive.BrainGate{}
	proactiveCfg := proactiveConfigFromOverrides(cfg.Proactive)
	decider := &deciderAdapter{llm: llmClient, model: cfg.Models.Default}
	factProvider := &factProviderAdapter{store: factsStore}
	proactiveLoop, err := proactive.New(dbPath("proactive.db"), proactiveCfg, sink, factProvider, nil, decider, brainGate, logger)
	if err != nil {
		factsStore.Close()
		embedQueue.Close()
		extractQueue.Close()
		memoryStore.Close()
		respCache.Close()
		metrics.Close()
		usageStore.Close()
		reminderSched.Close()
		return nil, fmt.Errorf("proactive loop: %w", err)
	}

	rt := &Runtime{
		cfg:               cfg,
		logger:            logger,
		persona:           persona,
		memoryStore:       memoryStore,
		compactor:         compactor,
		guard:             guard,
		factsStore:        factsStore,
		factsTools:        factsTools,
		embedClient:       embedClient,
		embedQueue:        embedQueue,
		embedWorker:       embedWorker,
		extractQueue:      extractQueue,
		extractWorker:     extractWorker,
		cache:             respCache,
		deviceProfile:     profile,
		modelMgr:          modelMgr,
		classifierBreaker: classifierBreaker,
		rtr:               rtr,
		metrics:           metrics,
		usageStore:        usageStore,
		ollama:            ollama,
		llmClient:         llmClient,
		ollamaHealth:      ollamaHealth,
		reminderSched:     reminderSched,
		proactiveLoop:     proactiveLoop,
		brainGate:         brainGate,
		channelSrc:        channelSrc,
	}

	if err := rt.startup(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

// startup runs every component's recovery pass and launches its
// background loop under a context this Runtime owns, then registers
// the inbound message handler on the channel.
func (rt *Runtime) startup(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	rt.loopCtx = runCtx
	rt.cancel = cancel

	rt.ollamaHealth.Start(runCtx)

	if err := rt.embedWorker.Startup(); err != nil {
		return fmt.Errorf("embedding worker startup: %w", err)
	}
	if err := rt.extractWorker.Startup(); err != nil {
		return fmt.Errorf("extraction worker startup: %w", err)
	}
	if err := rt.reminderSched.Startup(runCtx); err != nil {
		return fmt.Errorf("reminder scheduler startup: %w", err)
	}
	if rt.cfg.Proactive.Enabled {
		rt.goLoop(rt.proactiveLoop.Run)
	}
	rt.goLoop(rt.embedWorker.Run)
	rt.goLoop(rt.extractWorker.Run)
	rt.goLoop(rt.reminderSched.Run)

	if rt.channelSrc != nil {
		rt.channelSrc.OnMessage(rt.onChannelMessage)
	}

	return nil
}

func (rt *Runtime) goLoop(run func(ctx context.Context)) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		run(rt.loopCtx)
	}()
}

// onChannelMessage is the channel.MessageHandler registered on the
// Source; it dispatches to HandleUserMessage and writes the response
// back through the same channel, logging (never panicking) on error.
func (rt *Runtime) onChannelMessage(userID, text string) {
	resp, err := rt.HandleUserMessage(context.Background(), userID, text)
	if err != nil {
		rt.logger.Warn("handle user message failed", "user", userID, "error", err)
		resp = "Sorry, something went wrong handling that."
	}
	if resp == "" {
		return
	}
	if err := rt.channelSrc.SendResponse(userID, resp); err != nil {
		rt.logger.Warn("send response failed", "user", userID, "error", err)
	}
}

// Close implements the shutdown sequence: stop timers, allow
// in-flight work to finish, flush metrics, dispose the embedding
// pipeline, then close every store. Safe to call multiple times.
func (rt *Runtime) Close() error {
	var firstErr error
	rt.closeOnce.Do(func() {
		if rt.cancel != nil {
			rt.cancel()
		}
		rt.wg.Wait()
		if rt.ollamaHealth != nil {
			rt.ollamaHealth.Stop()
		}

		if rt.metrics != nil {
			if err := rt.metrics.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.usageStore != nil {
			if err := rt.usageStore.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.embedQueue != nil {
			if err := rt.embedQueue.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.extractQueue != nil {
			if err := rt.extractQueue.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.reminderSched != nil {
			if err := rt.reminderSched.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.proactiveLoop != nil {
			if err := rt.proactiveLoop.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.cache != nil {
			if err := rt.cache.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.factsStore != nil {
			if err := rt.factsStore.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if rt.memoryStore != nil {
			if err := rt.memoryStore.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// modelCatalogFromConfig converts the configured model catalog into the
// shape router.ModelScorer scores over, feeding the per-intent
// tie-break modelmanager builds for intents with more than one
// candidate.
func modelCatalogFromConfig(available []config.ModelConfig) []router.Model {
	catalog := make([]router.Model, len(available))
	for i, m := range available {
		catalog[i] = router.Model{
			Name:          m.Name,
			Provider:      m.Provider,
			SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow,
			Speed:         m.Speed,
			Quality:       m.Quality,
			CostTier:      m.CostTier,
			MinComplexity: parseComplexity(m.MinComplexity),
		}
	}
	return catalog
}

func parseComplexity(s string) router.Complexity {
	switch s {
	case "complex":
		return router.ComplexityComplex
	case "moderate":
		return router.ComplexityModerate
	default:
		return router.ComplexitySimple
	}
}

func proactiveConfigFromOverrides(o config.ProactiveConfig) proactive.Config {
	cfg := proactive.DefaultConfig()
	if o.TickIntervalSec > 0 {
		cfg.TickInterval = time.Duration(o.TickIntervalSec) * time.Second
	}
	if o.QuietHoursStart != 0 || o.QuietHoursEnd != 0 {
		cfg.QuietHoursStart = o.QuietHoursStart
		cfg.QuietHoursEnd = o.QuietHoursEnd
	}
	if o.MaxPerHour > 0 {
		cfg.MaxPerHour = o.MaxPerHour
	}
	if o.MaxPerDay > 0 {
		cfg.MaxPerDay = o.MaxPerDay
	}
	if o.ConsecutiveTicksThreshold > 0 {
		cfg.ConsecutiveTicksThreshold = o.ConsecutiveTicksThreshold
	}
	if o.DecisionTimeoutSec > 0 {
		cfg.DecisionTimeout = time.Duration(o.DecisionTimeoutSec) * time.Second
	}
	return cfg
}
