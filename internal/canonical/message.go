// Package canonical holds the provider-agnostic request, response, usage and
// stream event types every adapter translates to and from.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
	BlockImage      BlockType = "image"
)

// Block is one typed element of a message body. Which fields are meaningful
// depends on Type.
type Block struct {
	Type BlockType `json:"type"`

	// text, thinking. Signature is the vendor's opaque proof over a thinking
	// block (or, on tool_use, over the call) and must be replayed verbatim.
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
	// Redacted thinking carries only an encrypted payload in Data.
	Redacted bool `json:"redacted,omitempty"`

	// tool_use, tool_result
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64
	URL       string `json:"url,omitempty"`
}

func TextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

func ToolResultBlock(callID, result string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolCallID: callID, Result: result, IsError: isError}
}

// Content is either plain text or an ordered list of blocks, never both.
// On the wire it is a JSON string or a JSON array.
type Content struct {
	text   string
	blocks []Block
}

func Text(s string) Content { return Content{text: s} }

func Blocks(b ...Block) Content {
	if len(b) == 0 {
		return Content{}
	}
	return Content{blocks: append([]Block(nil), b...)}
}

func (c Content) IsBlocks() bool { return c.blocks != nil }

// Blocks returns the block list. Plain text content is returned as a single
// text block so callers can treat both variants uniformly.
func (c Content) Blocks() []Block {
	if c.blocks != nil {
		return c.blocks
	}
	if c.text == "" {
		return nil
	}
	return []Block{TextBlock(c.text)}
}

// Text concatenates the text blocks (or returns the plain text).
func (c Content) Text() string {
	if c.blocks == nil {
		return c.text
	}
	var sb strings.Builder
	for _, b := range c.blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// IsEmpty reports whether the content carries nothing a provider could render.
func (c Content) IsEmpty() bool {
	if c.blocks == nil {
		return strings.TrimSpace(c.text) == ""
	}
	for _, b := range c.blocks {
		if b.Type != BlockText || strings.TrimSpace(b.Text) != "" {
			return false
		}
	}
	return true
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.blocks != nil {
		return json.Marshal(c.blocks)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	case data[0] == '[':
		var blocks []Block
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*c = Blocks(blocks...)
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of blocks")
	}
}

// Message is one conversation turn. Order across a conversation is significant.
type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool role with plain text content
}

func IsSystemMessage(m Message) bool { return m.Role == RoleSystem }

// ToolUses returns the tool calls of an assistant turn, whether they were
// supplied through ToolCalls or as tool_use blocks.
func (m Message) ToolUses() []ToolCall {
	calls := append([]ToolCall(nil), m.ToolCalls...)
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		seen[c.ID] = true
	}
	for _, b := range m.Content.Blocks() {
		if b.Type == BlockToolUse && !seen[b.ToolCallID] {
			calls = append(calls, ToolCall{ID: b.ToolCallID, Name: b.ToolName, Arguments: b.Arguments, Signature: b.Signature})
			seen[b.ToolCallID] = true
		}
	}
	return calls
}

// ToolResults returns the tool results carried by a tool turn.
func (m Message) ToolResults() []ToolResult {
	if m.Role != RoleTool {
		return nil
	}
	if !m.Content.IsBlocks() {
		return []ToolResult{{CallID: m.ToolCallID, Content: m.Content.Text()}}
	}
	var out []ToolResult
	for _, b := range m.Content.Blocks() {
		if b.Type == BlockToolResult {
			out = append(out, ToolResult{CallID: b.ToolCallID, Content: b.Result, IsError: b.IsError})
		}
	}
	return out
}
