// Package modelmanager owns the lifecycle of locally loaded models:
// coalesced loading, reference-counted in-use tracking, debounced
// background preload, and footprint-aware eviction when memory runs
// tight. It is the thing the router's local tier defers to before it
// ever issues a chat request against a model name.
package modelmanager

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chartreuse/sentry-agent/internal/device"
	"github.com/chartreuse/sentry-agent/internal/errkind"
	"github.com/chartreuse/sentry-agent/internal/llm"
	"github.com/chartreuse/sentry-agent/internal/router"
)

// Loader is the subset of llm.OllamaClient the manager drives through a
// model's lifecycle. Narrowed to an interface so tests can stub it
// without standing up a real Ollama server.
type Loader interface {
	Ps(ctx context.Context) ([]llm.RunningModel, error)
	Pull(ctx context.Context, model string, onProgress func(llm.PullProgress)) error
	Unload(ctx context.Context, model string) error
}

// preloadDebounce is how long ScheduleBackgroundPreload waits for a
// quiet period on a model before actually kicking off the load — a
// burst of requests for the same model within this window collapses
// into a single preload.
const preloadDebounce = 2 * time.Second

// footprintTable maps a model's size suffix (as Ollama names them,
// e.g. "qwen2.5:7b") to an approximate resident-memory footprint in
// bytes. Entries not present fall back to footprintUnknown, a
// conservative estimate that favors evicting sooner over running out
// of memory.
var footprintTable = map[string]uint64{
	"3b":  2 * giB,
	"7b":  5 * giB,
	"8b":  5 * giB,
	"13b": 9 * giB,
	"14b": 9 * giB,
	"32b": 20 * giB,
	"70b": 45 * giB,
}

const giB = 1024 * 1024 * 1024

const footprintUnknown = 6 * giB

var sizeSuffixPattern = regexp.MustCompile(`(?i):?(\d+)b\b`)

// Footprint estimates a model's resident memory footprint from its
// name's size suffix.
func Footprint(model string) uint64 {
	m := sizeSuffixPattern.FindStringSubmatch(strings.ToLower(model))
	if m == nil {
		return footprintUnknown
	}
	key := m[1] + "b"
	if fp, ok := footprintTable[key]; ok {
		return fp
	}
	return footprintUnknown
}

// loadState tracks one model's residency and in-use count.
type loadState struct {
	loaded   bool
	refcount int
	lastUsed time.Time
}

// Manager coordinates loading, unloading, and reference counting of
// local models against a single Ollama instance.
type Manager struct {
	loader  Loader
	profile device.Profile
	logger  *slog.Logger

	// essential models are never evicted by UnloadNonEssential — the
	// device-recommended classifier model, typically.
	essential map[string]bool

	// intentModels maps an intent string to its candidate model names,
	// populated from config at startup. SelectForIntent reads this.
	intentModels map[string][]string

	// intentScorer holds a router.ModelScorer per intent that has more
	// than one candidate model, scoped to just those candidates — the
	// tie-break SelectForIntent defers to instead of always picking
	// the first configured name.
	intentScorer map[string]*router.ModelScorer

	mu       sync.Mutex
	models   map[string]*loadState
	inFlight map[string]chan struct{}

	preloadMu     sync.Mutex
	preloadTimers map[string]*time.Timer
}

// Config configures a new Manager.
type Config struct {
	Loader       Loader
	Profile      device.Profile
	Essential    []string
	IntentModels map[string][]string
	ModelCatalog []router.Model
	Logger       *slog.Logger
}

// New builds a Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	essential := make(map[string]bool, len(cfg.Essential))
	for _, m := range cfg.Essential {
		essential[m] = true
	}
	intentModels := cfg.IntentModels
	if intentModels == nil {
		intentModels = make(map[string][]string)
	}

	catalog := make(map[string]router.Model, len(cfg.ModelCatalog))
	for _, m := range cfg.ModelCatalog {
		catalog[m.Name] = m
	}

	intentScorer := make(map[string]*router.ModelScorer, len(intentModels))
	for intent, names := range intentModels {
		if len(names) < 2 {
			continue
		}
		var candidates []router.Model
		for _, name := range names {
			if m, ok := catalog[name]; ok {
				candidates = append(candidates, m)
			}
		}
		if len(candidates) < 2 {
			continue
		}
		intentScorer[intent] = router.NewModelScorer(logger, router.Config{Models: candidates, LocalFirst: true})
	}

	return &Manager{
		loader:        cfg.Loader,
		profile:       cfg.Profile,
		logger:        logger.With("component", "modelmanager"),
		essential:     essential,
		intentModels:  intentModels,
		intentScorer:  intentScorer,
		models:        make(map[string]*loadState),
		inFlight:      make(map[string]chan struct{}),
		preloadTimers: make(map[string]*time.Timer),
	}
}

// SelectForIntent resolves the local model configured to serve an
// intent, satisfying router.ModelSelector. An intent with a single
// configured candidate returns it directly; an intent with more than
// one defers to that intent's ModelScorer to pick among them by the
// actual query instead of always taking the first name in the list.
func (m *Manager) SelectForIntent(intent, query string) (string, bool) {
	m.mu.Lock()
	names := m.intentModels[intent]
	scorer := m.intentScorer[intent]
	m.mu.Unlock()

	if len(names) == 0 {
		return "", false
	}
	if scorer == nil {
		return names[0], true
	}

	model, _ := scorer.Score(context.Background(), router.Request{Query: query, Priority: router.PriorityInteractive})
	if model == "" {
		return names[0], true
	}
	return model, true
}

// EnsureLoaded makes model available through the loader's Pull and then
// records it as loaded, coalescing concurrent callers for the same model
// into a single Pull with a per-model channel rather than pulling in
// golang.org/x/sync. A caller that waited on another caller's Pull gets
// an error when that Pull failed. It does not check free memory, does
// not evict other models, and sends no warm-up request to the model.
func (m *Manager) EnsureLoaded(ctx context.Context, model string) error {
	m.mu.Lock()
	if st, ok := m.models[model]; ok && st.loaded {
		st.lastUsed = time.Now()
		m.mu.Unlock()
		return nil
	}
	if ch, inFlight := m.inFlight[model]; inFlight {
		m.mu.Unlock()
		select {
		case <-ch:
			m.mu.Lock()
			st, ok := m.models[model]
			loaded := ok && st.loaded
			m.mu.Unlock()
			if !loaded {
				return errkind.Wrap(fmt.Errorf("load model %s: concurrent load failed", model), errkind.Unavailable)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	m.inFlight[model] = ch
	m.mu.Unlock()

	err := m.loader.Pull(ctx, model, func(p llm.PullProgress) {
		m.logger.Debug("loading model", "model", model, "status", p.Status)
	})

	m.mu.Lock()
	delete(m.inFlight, model)
	if err == nil {
		m.models[model] = &loadState{loaded: true, lastUsed: time.Now()}
	}
	close(ch)
	m.mu.Unlock()

	if err != nil {
		return errkind.Wrap(fmt.Errorf("load model %s: %w", model, err), errkind.Unavailable)
	}
	return nil
}

// AcquireLock marks model as in-use and returns a release closure that
// must be called when the caller is done with it. Holding a lock
// prevents UnloadNonEssential from evicting the model out from under
// an in-flight request.
func (m *Manager) AcquireLock(model string) func() {
	m.mu.Lock()
	st, ok := m.models[model]
	if !ok {
		st = &loadState{}
		m.models[model] = st
	}
	st.refcount++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if st, ok := m.models[model]; ok && st.refcount > 0 {
				st.refcount--
			}
			m.mu.Unlock()
		})
	}
}

// ScheduleBackgroundPreload debounces a preload request for model: if
// called again for the same model within preloadDebounce, the earlier
// timer is reset rather than firing twice. Errors from the eventual
// load are logged, not returned, since this runs detached from any
// request.
func (m *Manager) ScheduleBackgroundPreload(model string) {
	m.preloadMu.Lock()
	defer m.preloadMu.Unlock()

	if t, ok := m.preloadTimers[model]; ok {
		t.Stop()
	}
	m.preloadTimers[model] = time.AfterFunc(preloadDebounce, func() {
		m.preloadMu.Lock()
		delete(m.preloadTimers, model)
		m.preloadMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := m.EnsureLoaded(ctx, model); err != nil {
			m.logger.Warn("background preload failed", "model", model, "error", err)
		}
	})
}

// UnloadNonEssential evicts idle, non-essential, unreferenced models
// until total estimated footprint fits within the device's concurrent-
// model budget, largest footprint first — freeing the most memory per
// eviction. Models with an outstanding AcquireLock, or named in
// Config.Essential, are never touched.
func (m *Manager) UnloadNonEssential(ctx context.Context) error {
	budget := concurrentModelBudget(m.profile)

	m.mu.Lock()
	type candidate struct {
		name      string
		footprint uint64
	}
	var resident []candidate
	var total uint64
	for name, st := range m.models {
		if !st.loaded {
			continue
		}
		fp := Footprint(name)
		total += fp
		if m.essential[name] || st.refcount > 0 {
			continue
		}
		resident = append(resident, candidate{name: name, footprint: fp})
	}
	m.mu.Unlock()

	if total <= budget {
		return nil
	}

	sort.Slice(resident, func(i, j int) bool { return resident[i].footprint > resident[j].footprint })

	var errs []string
	for _, c := range resident {
		if total <= budget {
			break
		}
		if err := m.loader.Unload(ctx, c.name); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", c.name, err))
			continue
		}
		m.mu.Lock()
		delete(m.models, c.name)
		m.mu.Unlock()
		total -= c.footprint
		m.logger.Info("unloaded idle model", "model", c.name, "freed_bytes", c.footprint)
	}

	if len(errs) > 0 {
		return fmt.Errorf("unload errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// concurrentModelBudget derives a total-footprint ceiling from the
// device's concurrent-model allowance and its own recommended model's
// footprint, so the budget scales with what the device profile already
// decided this machine can run at once.
func concurrentModelBudget(p device.Profile) uint64 {
	n := p.ConcurrentModels
	if n <= 0 {
		n = 1
	}
	unit := Footprint(p.MaxModelSize)
	if unit == 0 {
		unit = footprintUnknown
	}
	return unit * uint64(n)
}

// Reconcile refreshes the manager's view of what's actually resident
// in Ollama against /api/ps, correcting for models unloaded outside
// this process (manual `ollama stop`, an OOM kill, a restart).
func (m *Manager) Reconcile(ctx context.Context) error {
	running, err := m.loader.Ps(ctx)
	if err != nil {
		return fmt.Errorf("ps: %w", err)
	}
	actual := make(map[string]bool, len(running))
	for _, r := range running {
		actual[r.Name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, st := range m.models {
		st.loaded = actual[name]
	}
	for name := range actual {
		if _, ok := m.models[name]; !ok {
			m.models[name] = &loadState{loaded: true, lastUsed: time.Now()}
		}
	}
	return nil
}
