package canonical

import "encoding/json"

type ResponseFormat string

const (
	ResponseFormatText ResponseFormat = ""
	ResponseFormatJSON ResponseFormat = "json"
)

// File is an attachment forwarded as an image block on the last user turn.
type File struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type"`
	Data      string `json:"data,omitempty"` // base64
	URL       string `json:"url,omitempty"`
}

// Request is the caller-facing generate/converse request.
type Request struct {
	ModelID         string           `json:"model"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	ToolChoice      *ToolChoice      `json:"tool_choice,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	MaxInputTokens  int              `json:"max_input_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	TopK            *int             `json:"top_k,omitempty"`
	StopSequences   []string         `json:"stop_sequences,omitempty"`
	ResponseFormat  ResponseFormat   `json:"response_format,omitempty"`
	ReasoningBudget int              `json:"reasoning_budget,omitempty"`
	Files           []File           `json:"files,omitempty"`
}

// Caller identifies who a call is made for; it scopes vault lookups,
// authorization and usage attribution.
type Caller struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Response is the canonical non-streaming result. Thinking is the joined
// reasoning text; Reasoning keeps the blocks with their signatures so the
// turn can be replayed.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     Provider     `json:"provider"`
	Content      string       `json:"content"`
	Thinking     string       `json:"thinking,omitempty"`
	Reasoning    []Block      `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        UsageRecord  `json:"usage"`

	// Parsed holds the structured output when ResponseFormatJSON was asked
	// for and the text parsed (possibly after repair).
	Parsed json.RawMessage `json:"parsed,omitempty"`
	// FormatError is set instead of failing the call when it did not.
	FormatError *InvalidResponseFormatError `json:"format_error,omitempty"`
}

// AssistantMessage is the turn to append to the history before sending tool
// results or the next user message. Reasoning blocks come first.
func (r *Response) AssistantMessage() Message {
	blocks := append([]Block(nil), r.Reasoning...)
	if r.Content != "" {
		blocks = append(blocks, TextBlock(r.Content))
	}
	m := Message{Role: RoleAssistant, ToolCalls: r.ToolCalls}
	if len(blocks) > 0 {
		m.Content = Blocks(blocks...)
	}
	return m
}
