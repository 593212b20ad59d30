package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// tickInterval is the scheduler's polling cadence.
const tickInterval = 60 * time.Second

// window absorbs missed ticks: a reminder becomes eligible for
// dispatch as soon as its TriggerAt falls within this window of now,
// so a delayed tick (or a reminder due between ticks) is still caught
// on the next pass rather than waiting a full cycle.
const window = 5 * time.Minute

// recoveredPrefix marks a reminder re-dispatched after a crash
// between its 0→1 transition and delivery. Kept in English — it is an
// internal crash-recovery marker on the persisted message, not
// user-facing copy subject to the channel's translation layer.
const recoveredPrefix = "(recovered) "

// NotificationSink delivers a reminder's message to the user.
type NotificationSink interface {
	Send(ctx context.Context, message string) error
}

// Scheduler holds reminders due in the future in a slice kept sorted
// ascending by TriggerAt, backed by a durable store for status and
// crash recovery. Mirrors the teacher's scheduler.Scheduler shape —
// timer-map tick loop, start/stop lifecycle — generalized from
// cron-repeating tasks to fire-once reminders with a monotonic status
// field instead of an Execution history table.
type Scheduler struct {
	store  *store
	sink   NotificationSink
	logger *slog.Logger

	mu    sync.Mutex
	armed []*Reminder // sorted ascending by TriggerAt
}

// New opens the reminder store at dbPath and wires a scheduler.
func New(dbPath string, sink NotificationSink, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := newStore(dbPath)
	if err != nil {
		return nil, err
	}
	return &Scheduler{store: s, sink: sink, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Scheduler) Close() error {
	return s.store.close()
}

// Startup loads armed reminders into the in-memory queue and recovers
// any reminder stuck at status=1 (triggered but not confirmed
// delivered) whose TriggerAt has already passed — re-dispatching it
// with the recovered marker and only advancing it to delivered on a
// successful send. Call once, before Run.
func (s *Scheduler) Startup(ctx context.Context) error {
	armed, err := s.store.listByStatus(StatusArmed)
	if err != nil {
		return fmt.Errorf("load armed reminders: %w", err)
	}

	s.mu.Lock()
	s.armed = armed // already ordered by trigger_at ASC
	s.mu.Unlock()

	stuck, err := s.store.listByStatus(StatusTriggered)
	if err != nil {
		return fmt.Errorf("load triggered reminders: %w", err)
	}

	now := time.Now()
	for _, r := range stuck {
		if r.TriggerAt.After(now) {
			continue
		}
		s.recover(ctx, r)
	}

	return nil
}

func (s *Scheduler) recover(ctx context.Context, r *Reminder) {
	s.logger.Info("recovering stuck reminder", "id", r.ID, "trigger_at", r.TriggerAt)
	if err := s.sink.Send(ctx, recoveredPrefix+r.Message); err != nil {
		s.logger.Warn("reminder recovery dispatch failed, leaving at triggered", "id", r.ID, "error", err)
		return
	}
	if err := s.store.setStatus(r.ID, StatusDelivered); err != nil {
		s.logger.Error("mark recovered reminder delivered", "id", r.ID, "error", err)
	}
}

// Create persists a new armed reminder and inserts it into the sorted
// queue at its correct position via binary search.
func (s *Scheduler) Create(message string, triggerAt time.Time) (*Reminder, error) {
	r, err := s.store.create(message, triggerAt)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.armed), func(i int) bool {
		return s.armed[i].TriggerAt.After(r.TriggerAt)
	})
	s.armed = append(s.armed, nil)
	copy(s.armed[idx+1:], s.armed[idx:])
	s.armed[idx] = r

	return r, nil
}

// Cancel removes an armed reminder, if present, and deletes it.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	for i, r := range s.armed {
		if r.ID == id {
			s.armed = append(s.armed[:i], s.armed[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	return s.store.delete(id)
}

// ClearAll cancels every armed reminder.
func (s *Scheduler) ClearAll() (int, error) {
	s.mu.Lock()
	toDelete := s.armed
	s.armed = nil
	s.mu.Unlock()

	for _, r := range toDelete {
		if err := s.store.delete(r.ID); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// List returns the currently armed reminders, ascending by TriggerAt.
func (s *Scheduler) List() []*Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Reminder, len(s.armed))
	copy(out, s.armed)
	return out
}

// Run starts the tick loop; it blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick collects every reminder due within window of now from the
// front of the sorted queue, transitions each to triggered before
// attempting delivery, and advances to delivered on success.
func (s *Scheduler) tick(ctx context.Context) {
	cutoff := time.Now().Add(window)

	s.mu.Lock()
	i := 0
	for i < len(s.armed) && !s.armed[i].TriggerAt.After(cutoff) {
		i++
	}
	due := s.armed[:i]
	s.armed = s.armed[i:]
	s.mu.Unlock()

	for _, r := range due {
		s.dispatch(ctx, r)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, r *Reminder) {
	if err := s.store.setStatus(r.ID, StatusTriggered); err != nil {
		s.logger.Error("mark reminder triggered", "id", r.ID, "error", err)
		return
	}

	if err := s.sink.Send(ctx, r.Message); err != nil {
		s.logger.Warn("reminder dispatch failed, left at triggered for recovery", "id", r.ID, "error", err)
		return
	}

	if err := s.store.setStatus(r.ID, StatusDelivered); err != nil {
		s.logger.Error("mark reminder delivered", "id", r.ID, "error", err)
	}
}
