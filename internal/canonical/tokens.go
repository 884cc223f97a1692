package canonical

import "unicode/utf8"

// charsPerToken is the provider-agnostic estimate used for budgeting. It
// errs on the side of overcounting for English prose.
const charsPerToken = 4

// CountTokens estimates the token count of a text fragment.
func CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// CountContent counts every text-bearing part of a content value: text,
// thinking, tool arguments and tool-result payloads. Images are not counted.
func CountContent(c Content) int {
	if !c.IsBlocks() {
		return CountTokens(c.Text())
	}
	total := 0
	for _, b := range c.Blocks() {
		switch b.Type {
		case BlockText, BlockThinking:
			total += CountTokens(b.Text)
		case BlockToolUse:
			total += CountTokens(b.ToolName) + CountTokens(b.Arguments)
		case BlockToolResult:
			total += CountTokens(b.Result)
		}
	}
	return total
}

func CountMessage(m Message) int {
	total := CountContent(m.Content)
	for _, call := range m.ToolCalls {
		total += CountTokens(call.Name) + CountTokens(call.Arguments)
	}
	return total
}

func CountMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(m)
	}
	return total
}
