package canonical

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
)

// Normal reports whether generation ended the way the model intended.
func (r FinishReason) Normal() bool { return r == FinishStop || r == FinishToolCalls }

type EventType string

const (
	EventContent     EventType = "content"
	EventThinking    EventType = "thinking"
	EventToolInfo    EventType = "toolInfo"
	EventInterrupted EventType = "interrupted"
	EventEnd         EventType = "end"
	EventError       EventType = "error"
)

// StreamEvent is one element of the canonical event sequence. A stream
// carries zero or more content, thinking, toolInfo and interrupted events and
// exactly one terminal end or error event.
//
// A thinking event with a Signature closes the current thinking block; one
// with Redacted set carries an encrypted block in Data.
type StreamEvent struct {
	Type         EventType     `json:"type"`
	Text         string        `json:"text,omitempty"`
	Signature    string        `json:"signature,omitempty"`
	Redacted     bool          `json:"redacted,omitempty"`
	Data         string        `json:"data,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	FinishReason FinishReason  `json:"finish_reason,omitempty"`
	Usage        []UsageRecord `json:"usage,omitempty"`
	Err          error         `json:"-"`
}

func (e StreamEvent) Terminal() bool { return e.Type == EventEnd || e.Type == EventError }

func ContentEvent(text string) StreamEvent  { return StreamEvent{Type: EventContent, Text: text} }
func ThinkingEvent(text string) StreamEvent { return StreamEvent{Type: EventThinking, Text: text} }
func ErrorEvent(err error) StreamEvent      { return StreamEvent{Type: EventError, Err: err} }

func InterruptedEvent(reason string) StreamEvent {
	return StreamEvent{Type: EventInterrupted, Reason: reason}
}
