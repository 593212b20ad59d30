package ctxguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// backupMessageMaxChars caps the content stored per message in a
// recovery line, matching the fixed 500-char cap on a persisted fact.
const backupMessageMaxChars = 500

// backupMessage is the per-message shape written into a recovery line.
type backupMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// backupEvent is one JSONL line in the truncation recovery file.
type backupEvent struct {
	Timestamp      time.Time       `json:"timestamp"`
	MessageCount   int             `json:"messageCount"`
	PotentialFacts bool            `json:"potentialFacts"`
	Messages       []backupMessage `json:"messages"`
}

// recoveryBackup appends truncation events to a single append-only
// JSONL file, synchronously — the whole point of the backup is to
// survive the crash that a failed truncation/compaction cycle might
// otherwise cause, so it can't be deferred to a background worker.
type recoveryBackup struct {
	mu   sync.Mutex
	path string
}

func newRecoveryBackup(path string) *recoveryBackup {
	return &recoveryBackup{path: path}
}

// append writes one recovery line for the removed slice. It creates
// the parent directory if missing. Returns an error on any failure so
// the caller can set backupFailed and adjust the warning it surfaces.
func (b *recoveryBackup) append(removed []Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	msgs := make([]backupMessage, len(removed))
	for i, m := range removed {
		content := m.Content
		if len(content) > backupMessageMaxChars {
			content = content[:backupMessageMaxChars]
		}
		msgs[i] = backupMessage{Role: m.Role, Content: content}
	}

	event := backupEvent{
		Timestamp:      time.Now(),
		MessageCount:   len(removed),
		PotentialFacts: anyImportantFact(removed),
		Messages:       msgs,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal backup event: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write backup line: %w", err)
	}
	return nil
}
