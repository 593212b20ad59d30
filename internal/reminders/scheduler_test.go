package reminders

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var errSinkFailure = errors.New("sink unavailable")

type recordingSink struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (s *recordingSink) Send(ctx context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSinkFailure
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

func newTestScheduler(t *testing.T, sink NotificationSink) *Scheduler {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "reminders.db"), sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate_InsertsInSortedOrder(t *testing.T) {
	s := newTestScheduler(t, &recordingSink{})
	now := time.Now()

	if _, err := s.Create("third", now.Add(30*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("first", now.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("second", now.Add(20*time.Minute)); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("got %d reminders, want 3", len(list))
	}
	if list[0].Message != "first" || list[1].Message != "second" || list[2].Message != "third" {
		t.Fatalf("not sorted: %+v", list)
	}
}

func TestTick_DispatchesDueRemindersWithinWindow(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, sink)
	now := time.Now()

	// Within the window — now - 5min + 1ms is still eligible.
	if _, err := s.Create("overdue", now.Add(-5*time.Minute+time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	// Due within the next 5 minutes.
	if _, err := s.Create("soon", now.Add(4*time.Minute)); err != nil {
		t.Fatal(err)
	}
	// Not yet due.
	if _, err := s.Create("later", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	s.tick(context.Background())

	sent := sink.sent()
	if len(sent) != 2 {
		t.Fatalf("dispatched %d, want 2: %v", len(sent), sent)
	}

	remaining := s.List()
	if len(remaining) != 1 || remaining[0].Message != "later" {
		t.Fatalf("expected only 'later' to remain armed, got %+v", remaining)
	}
}

func TestTick_FailedSendLeavesStatusTriggered(t *testing.T) {
	sink := &recordingSink{fail: true}
	s := newTestScheduler(t, sink)

	r, err := s.Create("call mom", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}

	s.tick(context.Background())

	got, err := s.store.listByStatus(StatusTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != r.ID {
		t.Fatalf("expected reminder stuck at triggered, got %+v", got)
	}
}

func TestStartup_RecoversStuckTriggeredReminder(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, sink)

	r, err := s.store.create("llamar al banco", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.store.setStatus(r.ID, StatusTriggered); err != nil {
		t.Fatal(err)
	}

	if err := s.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	sent := sink.sent()
	if len(sent) != 1 || sent[0] != recoveredPrefix+"llamar al banco" {
		t.Fatalf("expected one recovered dispatch, got %v", sent)
	}

	delivered, err := s.store.listByStatus(StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 || delivered[0].ID != r.ID {
		t.Fatal("expected reminder to be marked delivered after recovery")
	}
}

func TestStartup_LeavesFutureTriggeredReminderAlone(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, sink)

	// A reminder marked triggered but whose TriggerAt is still in the
	// future should not be recovered — it isn't actually stuck yet.
	r, err := s.store.create("future", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.store.setStatus(r.ID, StatusTriggered); err != nil {
		t.Fatal(err)
	}

	if err := s.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.sent()) != 0 {
		t.Fatal("future-triggered reminder should not be recovered yet")
	}
}

func TestCancel_RemovesArmedReminder(t *testing.T) {
	s := newTestScheduler(t, &recordingSink{})
	r, err := s.Create("cancel me", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Cancel(r.ID); err != nil {
		t.Fatal(err)
	}

	if len(s.List()) != 0 {
		t.Fatal("expected reminder to be removed")
	}
}

func TestClearAll_RemovesEverything(t *testing.T) {
	s := newTestScheduler(t, &recordingSink{})
	now := time.Now()
	if _, err := s.Create("a", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("b", now.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := s.ClearAll()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty list after ClearAll")
	}
}
