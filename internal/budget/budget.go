// Package budget trims conversation history to fit a model's context window.
package budget

import (
	"strings"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// InputBudget returns the tokens available for the prompt once the output
// reservation is honoured. A non-positive maxInputTokens means "no caller cap".
func InputBudget(maxInputTokens, maxOutputTokens, contextTokens int) int {
	budget := contextTokens
	if maxInputTokens > 0 && maxInputTokens < budget {
		budget = maxInputTokens
	}
	if overflow := budget + maxOutputTokens - contextTokens; overflow > 0 {
		budget -= overflow
	}
	return budget
}

// BuildContextWindow selects the most recent messages that fit the input
// budget and returns them in chronological order behind a single system
// message. System-role entries inside messages are folded into systemPrompt.
//
// The walk is greedy from newest to oldest and stops at the first message
// that would overflow; everything older is dropped. The system prompt is
// reserved up front and never dropped. A TokenBudgetExceededError is
// returned when the system prompt alone, or the newest message, cannot fit.
func BuildContextWindow(systemPrompt string, messages []canonical.Message, maxInputTokens, maxOutputTokens, contextTokens int) ([]canonical.Message, error) {
	system, history := splitSystem(systemPrompt, messages)

	budget := InputBudget(maxInputTokens, maxOutputTokens, contextTokens)
	systemTokens := canonical.CountTokens(system)
	if systemTokens > budget {
		return nil, &canonical.TokenBudgetExceededError{Required: systemTokens + maxOutputTokens, Available: contextTokens}
	}
	remaining := budget - systemTokens

	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := canonical.CountMessage(history[i])
		if used+n > remaining {
			break
		}
		used += n
		start = i
	}

	if start == len(history) && len(history) > 0 {
		need := systemTokens + canonical.CountMessage(history[len(history)-1]) + maxOutputTokens
		return nil, &canonical.TokenBudgetExceededError{Required: need, Available: contextTokens}
	}

	// A tool result whose tool call fell outside the window is meaningless
	// to every provider.
	for start < len(history) && history[start].Role == canonical.RoleTool {
		start++
	}

	out := make([]canonical.Message, 0, len(history)-start+1)
	if system != "" {
		out = append(out, canonical.Message{Role: canonical.RoleSystem, Content: canonical.Text(system)})
	}
	return append(out, history[start:]...), nil
}

func splitSystem(systemPrompt string, messages []canonical.Message) (string, []canonical.Message) {
	var parts []string
	if strings.TrimSpace(systemPrompt) != "" {
		parts = append(parts, systemPrompt)
	}
	history := make([]canonical.Message, 0, len(messages))
	for _, m := range messages {
		if canonical.IsSystemMessage(m) {
			if text := m.Content.Text(); strings.TrimSpace(text) != "" {
				parts = append(parts, text)
			}
			continue
		}
		history = append(history, m)
	}
	return strings.Join(parts, "\n\n"), history
}
