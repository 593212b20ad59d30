package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chartreuse/sentry-agent/internal/channel"
	"github.com/chartreuse/sentry-agent/internal/ctxguard"
	"github.com/chartreuse/sentry-agent/internal/facts"
	"github.com/chartreuse/sentry-agent/internal/llm"
	"github.com/chartreuse/sentry-agent/internal/memory"
	"github.com/chartreuse/sentry-agent/internal/proactive"
)

// summarizerAdapter bridges memory.Summarizer (operates on
// memory.Message) to ctxguard.Summarizer (operates on ctxguard.Message)
// so the same LLM-backed summarizer serves both the conversation
// compactor and the topic-shift hook, without either package importing
// the other.
type summarizerAdapter struct {
	summarizer memory.Summarizer
}

func (a summarizerAdapter) Summarize(ctx context.Context, messages []ctxguard.Message) (string, error) {
	converted := make([]memory.Message, len(messages))
	for i, m := range messages {
		converted[i] = memory.Message{Role: m.Role, Content: m.Content}
	}
	return a.summarizer.Summarize(ctx, converted)
}

// channelSink delivers a reminder or proactive message back through
// the channel.Source for a fixed user. It satisfies both
// reminders.NotificationSink and proactive.NotificationSink, which are
// declared as the identical one-method shape so neither package needs
// to import the other.
type channelSink struct {
	src    channel.Source
	userID string
}

func (s *channelSink) Send(ctx context.Context, message string) error {
	if s.src == nil {
		return fmt.Errorf("no channel source configured")
	}
	return s.src.SendResponse(s.userID, message)
}

// deciderAdapter turns a proactive.DecisionContext into a chat prompt
// and runs it through the same llm.Client used for ordinary replies.
type deciderAdapter struct {
	llm   llm.Client
	model string
}

func (a *deciderAdapter) Decide(ctx context.Context, dc proactive.DecisionContext) (string, error) {
	prompt := buildProactivePrompt(dc)
	resp, err := a.llm.Chat(ctx, a.model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func buildProactivePrompt(dc proactive.DecisionContext) string {
	var sb strings.Builder
	sb.WriteString("You decide whether to proactively message the user right now. ")
	sb.WriteString("Reply with strict JSON: {\"shouldSpeak\":bool,\"reason\":string,\"messageType\":string,\"message\":string}. ")
	sb.WriteString("messageType must be one of: none, greeting, check-in, info. ")
	sb.WriteString("Never claim to have performed an action (like setting a reminder) you were not asked to perform.\n\n")
	fmt.Fprintf(&sb, "Current time: %s\n", dc.Now.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Greeting window: %s (already greeted today: %v)\n", dc.GreetingWindow, dc.GreetedToday)
	fmt.Fprintf(&sb, "Messages left this hour: %d, this day: %d\n", dc.HourQuotaLeft, dc.DayQuotaLeft)
	if dc.ActivityDelta != "" {
		fmt.Fprintf(&sb, "Recent activity: %s\n", dc.ActivityDelta)
	}
	if len(dc.RelevantFacts) > 0 {
		sb.WriteString("Relevant facts:\n")
		for _, f := range dc.RelevantFacts {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// factProviderAdapter exposes the most recently confirmed, non-stale
// facts to the proactive decision prompt.
type factProviderAdapter struct {
	store *facts.Store
}

func (a *factProviderAdapter) TopFacts(ctx context.Context, n int) ([]string, error) {
	all, err := a.store.GetAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastConfirmedAt.After(all[j].LastConfirmedAt)
	})
	out := make([]string, 0, n)
	for _, f := range all {
		if f.Archived || f.Stale {
			continue
		}
		out = append(out, f.Text)
		if len(out) >= n {
			break
		}
	}
	return out, nil
}
