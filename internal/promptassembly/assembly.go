// Package promptassembly builds the system prompt handed to a chat
// model: persona identity, relevant facts, and recent conversation
// history, each sanitized before injection. Grounded on the teacher's
// agent.Loop.buildSystemPrompt (persona-first section ordering) and
// agent/channel_provider.go's sanitizeField (whitespace-collapse +
// length cap before a field reaches a prompt).
package promptassembly

import (
	"encoding/json"
	"strings"
	"time"
)

// maxFieldLen bounds any single injected field (a fact line, a history
// message) so one oversized value can't blow the prompt budget.
const maxFieldLen = 2000

// defaultPersona is used when no persona file content is configured.
const defaultPersona = "You are a helpful personal assistant. Be concise and direct."

// HistoryMessage is the minimal shape history formatting needs.
type HistoryMessage struct {
	Role      string
	Content   string
	Timestamp time.Time
}

type historyEntry struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Input collects everything a single assembly call needs.
type Input struct {
	Persona string
	Facts   []string
	History []HistoryMessage
}

// Assemble builds the full system prompt: persona section, then a
// knowledge section listing sanitized facts (if any), then a
// conversation-history section as a JSON array (if any) — mirroring
// the teacher's section-marked concatenation order (identity, then
// knowledge, then history).
func Assemble(in Input) string {
	var sb strings.Builder

	if in.Persona != "" {
		sb.WriteString(sanitizeField(in.Persona))
	} else {
		sb.WriteString(defaultPersona)
	}

	if len(in.Facts) > 0 {
		sb.WriteString("\n\n## Known Facts\n\n")
		for _, f := range in.Facts {
			sb.WriteString("- ")
			sb.WriteString(sanitizeField(f))
			sb.WriteString("\n")
		}
	}

	if len(in.History) > 0 {
		sb.WriteString("\n\n## Conversation History\n\n")
		sb.WriteString(formatHistoryJSON(in.History))
	}

	return sb.String()
}

// sanitizeField collapses whitespace runs (including newlines) to a
// single space and truncates to maxFieldLen, so a fact or persona file
// carrying embedded newlines or runaway length can't distort prompt
// structure or blow the token budget.
func sanitizeField(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxFieldLen {
		return s[:maxFieldLen] + "…"
	}
	return s
}

// formatHistoryJSON renders messages as a JSON array of
// {role, text, timestamp}, matching the teacher's formatHistoryJSON
// shape (structured, machine-parseable history beats a flat
// role-prefixed transcript for a small local model to follow).
func formatHistoryJSON(messages []HistoryMessage) string {
	entries := make([]historyEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, historyEntry{
			Role:      m.Role,
			Text:      sanitizeField(m.Content),
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(b)
}
