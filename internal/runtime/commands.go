package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// dispatchCommand recognizes a small set of "!"-prefixed debug/utility
// commands ahead of the normal router pipeline. handled is false for
// anything else, in which case HandleUserMessage proceeds normally.
func (rt *Runtime) dispatchCommand(ctx context.Context, userID, text string) (response string, handled bool, err error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "!") {
		return "", false, nil
	}

	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return "", false, nil
	}
	cmd := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed[1:], fields[0]))

	switch cmd {
	case "help":
		return helpText, true, nil

	case "clear":
		if err := rt.memoryStore.Clear(userID); err != nil {
			return "", true, fmt.Errorf("clear conversation: %w", err)
		}
		return "Conversation history cleared.", true, nil

	case "remember":
		resp, err := rt.factsTools.RememberCommand(ctx, rest)
		return resp, true, err

	case "facts":
		resp, err := rt.factsTools.FactsCommand(rest)
		return resp, true, err

	case "reminders":
		return formatReminderList(rt.reminderSched.List()), true, nil

	case "cancel":
		if rest == "" {
			return "Usage: !cancel <reminder id>", true, nil
		}
		if err := rt.reminderSched.Cancel(rest); err != nil {
			return "", true, fmt.Errorf("cancel reminder: %w", err)
		}
		return "Reminder canceled.", true, nil

	case "quiet":
		d := parseQuietDuration(rest)
		if err := rt.proactiveLoop.QuietFor(d); err != nil {
			return "", true, fmt.Errorf("set quiet period: %w", err)
		}
		return fmt.Sprintf("Staying quiet for %s.", d), true, nil

	case "status":
		return rt.statusReport(), true, nil

	default:
		return "", false, nil
	}
}

const helpText = `Available commands:
!help                 show this message
!clear                clear conversation history
!remember <text>      store a fact
!facts [domain]       list known facts, optionally filtered by domain
!reminders            list pending reminders
!cancel <id>          cancel a reminder
!quiet <duration>      pause proactive messages (e.g. !quiet 2h)
!status               show router metrics and ollama availability`

func parseQuietDuration(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return time.Hour
}

func (rt *Runtime) statusReport() string {
	snap := rt.metrics.Snapshot()
	ollama := rt.ollamaHealth.Status()
	return fmt.Sprintf(
		"local %.1f%% / deterministic %.1f%% / api %.1f%%, fallback rate %.1f%%, est. savings $%.2f; ollama available=%v",
		snap.LocalPercent, snap.DeterministicPercent, snap.APIPercent, snap.FallbackRate, snap.EstCostSavingsUSD, ollama.Available,
	)
}
