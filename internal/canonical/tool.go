package canonical

import "encoding/json"

// ToolDefinition declares a caller-supplied function. Parameters holds the
// JSON-schema "properties" object; adapters wrap it into their own shape.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

// Schema returns the full object schema for the tool's parameters.
func (t ToolDefinition) Schema() map[string]any {
	props := t.Parameters
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(t.Required) > 0 {
		schema["required"] = t.Required
	}
	return schema
}

type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool" // force Name
)

type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// ToolCall is a model-requested function invocation. Arguments is raw JSON
// text; during streaming it is accumulated fragment by fragment.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	// Invalid is set when Arguments never became valid JSON.
	Invalid bool `json:"invalid,omitempty"`
	// Signature is an opaque vendor token bound to the call; replay it with
	// the assistant turn.
	Signature string `json:"signature,omitempty"`
}

func (c ToolCall) Valid() bool { return !c.Invalid && json.Valid([]byte(c.Arguments)) }

// ToolResult is the caller's answer to one ToolCall, correlated by CallID.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
