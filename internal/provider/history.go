package provider

import (
	"github.com/vnmchuo/modelbridge/internal/canonical"
)

const (
	EmptyContentPlaceholder = "(empty)"
	FillerUserTurn          = "(conversation continues)"
	MissingToolResult       = "tool result unavailable"
)

type RepairOptions struct {
	// MergeToolTurns collapses consecutive tool turns into one, for vendors
	// that expect all results of a step in a single turn.
	MergeToolTurns bool
}

// RepairHistory normalizes a conversation (without system turns) so that
// vendors with strict turn rules accept it:
//   - tool results with no matching call in the preceding assistant turn are dropped
//   - tool calls left unanswered before the next turn get an error result
//   - empty user and assistant turns get a placeholder
//   - consecutive turns of the same role are merged
//   - a filler user turn is inserted if the conversation does not start with one
func RepairHistory(msgs []canonical.Message, opts RepairOptions) []canonical.Message {
	msgs = answerDanglingCalls(dropOrphanResults(msgs))

	out := make([]canonical.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role != canonical.RoleTool && m.Content.IsEmpty() && len(m.ToolUses()) == 0 {
			m.Content = canonical.Text(EmptyContentPlaceholder)
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role && (m.Role != canonical.RoleTool || opts.MergeToolTurns) {
			out[n-1] = merge(out[n-1], m)
			continue
		}
		out = append(out, m)
	}

	if len(out) == 0 || out[0].Role != canonical.RoleUser {
		out = append([]canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text(FillerUserTurn)}}, out...)
	}
	return out
}

func dropOrphanResults(msgs []canonical.Message) []canonical.Message {
	out := make([]canonical.Message, 0, len(msgs))
	pending := map[string]bool{}
	for _, m := range msgs {
		switch m.Role {
		case canonical.RoleAssistant:
			pending = map[string]bool{}
			for _, c := range m.ToolUses() {
				pending[c.ID] = true
			}
		case canonical.RoleTool:
			var kept []canonical.Block
			for _, r := range m.ToolResults() {
				if pending[r.CallID] {
					kept = append(kept, canonical.ToolResultBlock(r.CallID, r.Content, r.IsError))
				}
			}
			if len(kept) == 0 {
				continue
			}
			m = canonical.Message{Role: canonical.RoleTool, Content: canonical.Blocks(kept...)}
		default:
			pending = map[string]bool{}
		}
		out = append(out, m)
	}
	return out
}

func answerDanglingCalls(msgs []canonical.Message) []canonical.Message {
	out := make([]canonical.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		out = append(out, msgs[i])
		if msgs[i].Role != canonical.RoleAssistant {
			continue
		}
		calls := msgs[i].ToolUses()
		if len(calls) == 0 {
			continue
		}
		answered := map[string]bool{}
		j := i + 1
		for ; j < len(msgs) && msgs[j].Role == canonical.RoleTool; j++ {
			for _, r := range msgs[j].ToolResults() {
				answered[r.CallID] = true
			}
			out = append(out, msgs[j])
		}
		i = j - 1
		if j == len(msgs) && len(answered) == 0 {
			// The assistant turn is last: the caller has not run the tools yet.
			continue
		}
		var missing []canonical.Block
		for _, c := range calls {
			if !answered[c.ID] {
				missing = append(missing, canonical.ToolResultBlock(c.ID, MissingToolResult, true))
			}
		}
		if len(missing) > 0 {
			out = append(out, canonical.Message{Role: canonical.RoleTool, Content: canonical.Blocks(missing...)})
		}
	}
	return out
}

func merge(a, b canonical.Message) canonical.Message {
	merged := canonical.Message{Role: a.Role}
	merged.ToolCalls = append(append([]canonical.ToolCall(nil), a.ToolCalls...), b.ToolCalls...)
	if !a.Content.IsBlocks() && !b.Content.IsBlocks() && a.Role != canonical.RoleTool {
		merged.Content = canonical.Text(a.Content.Text() + "\n\n" + b.Content.Text())
		return merged
	}
	merged.Content = canonical.Blocks(append(contentBlocks(a), contentBlocks(b)...)...)
	return merged
}

func contentBlocks(m canonical.Message) []canonical.Block {
	if m.Role == canonical.RoleTool && !m.Content.IsBlocks() {
		return []canonical.Block{canonical.ToolResultBlock(m.ToolCallID, m.Content.Text(), false)}
	}
	return m.Content.Blocks()
}

// ToolNames maps tool-call ids to tool names across a history, for vendors
// whose results are correlated by name.
func ToolNames(msgs []canonical.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range msgs {
		for _, c := range m.ToolUses() {
			names[c.ID] = c.Name
		}
	}
	return names
}

// MatchResults orders results like the calls of prior and fills in an error
// result for every call left unanswered. Results for unknown ids are an error.
func MatchResults(prior canonical.Message, results []canonical.ToolResult) ([]canonical.ToolResult, error) {
	calls := prior.ToolUses()
	byID := make(map[string]canonical.ToolResult, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}
	known := make(map[string]bool, len(calls))
	ordered := make([]canonical.ToolResult, 0, len(calls))
	for _, c := range calls {
		known[c.ID] = true
		r, ok := byID[c.ID]
		if !ok {
			r = canonical.ToolResult{CallID: c.ID, Content: MissingToolResult, IsError: true}
		}
		ordered = append(ordered, r)
	}
	for _, r := range results {
		if !known[r.CallID] {
			return nil, &UnmatchedToolResultError{CallID: r.CallID}
		}
	}
	return ordered, nil
}

type UnmatchedToolResultError struct {
	CallID string
}

func (e *UnmatchedToolResultError) Error() string {
	return "tool result " + e.CallID + " does not match any call of the preceding assistant turn"
}
