// Package claude adapts the Anthropic Messages API. It is the reference
// adapter: every other vendor is expected to behave like it from the
// caller's point of view.
package claude

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/stream"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096

	// minThinkingBudget is the smallest budget_tokens the API accepts.
	minThinkingBudget = 1024
)

type Adapter struct {
	baseURL string
	client  *http.Client
}

type Option func(*Adapter)

func WithBaseURL(u string) Option { return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") } }

func WithHTTPClient(c *http.Client) Option { return func(a *Adapter) { a.client = c } }

func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: DefaultBaseURL, client: http.DefaultClient}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() canonical.Provider { return canonical.ProviderAnthropic }

func (a *Adapter) AdaptRequest(p *provider.Params) (any, error) {
	if err := provider.CheckCapabilities(p); err != nil {
		return nil, err
	}

	system, history := provider.SplitSystem(p.Messages)
	system = provider.WithJSONInstruction(system, p.ResponseFormat)
	history = provider.AttachFiles(history, p.Files)
	history = provider.RepairHistory(history, provider.RepairOptions{MergeToolTurns: true})

	req := &Request{
		Model:         p.Descriptor.ModelID,
		MaxTokens:     maxTokens(p),
		System:        system,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		StopSequences: p.StopSequences,
	}
	for _, m := range history {
		req.Messages = appendMessage(req.Messages, toMessage(m))
	}

	for _, t := range p.Tools {
		req.Tools = append(req.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.Schema()})
	}
	if c := p.ToolChoice; c != nil && len(req.Tools) > 0 {
		switch c.Mode {
		case canonical.ToolChoiceAuto:
			req.ToolChoice = &ToolChoice{Type: "auto"}
		case canonical.ToolChoiceRequired:
			req.ToolChoice = &ToolChoice{Type: "any"}
		case canonical.ToolChoiceTool:
			req.ToolChoice = &ToolChoice{Type: "tool", Name: c.Name}
		case canonical.ToolChoiceNone:
			req.ToolChoice = &ToolChoice{Type: "none"}
		}
	}

	if p.ReasoningBudget > 0 {
		budget, err := thinkingBudget(p.Descriptor.ModelID, p.ReasoningBudget, req.MaxTokens)
		if err != nil {
			return nil, err
		}
		req.Thinking = &Thinking{Type: "enabled", BudgetTokens: budget}
		// Sampling overrides are rejected together with extended thinking.
		req.Temperature, req.TopP, req.TopK = nil, nil, nil
	}
	return req, nil
}

// thinkingBudget fits the requested budget strictly below max_tokens, which
// is the output reservation and is never raised here.
func thinkingBudget(modelID string, requested, maxTokens int) (int, error) {
	budget := max(requested, minThinkingBudget)
	if budget >= maxTokens {
		budget = maxTokens - 1
	}
	if budget < minThinkingBudget {
		return 0, &canonical.UnsupportedCapabilityError{
			ModelID:    modelID,
			Capability: fmt.Sprintf("reasoning within %d output tokens", maxTokens),
		}
	}
	return budget, nil
}

func maxTokens(p *provider.Params) int {
	switch {
	case p.MaxOutputTokens > 0:
		return p.MaxOutputTokens
	case p.Descriptor.MaxCompletionTokens > 0:
		return p.Descriptor.MaxCompletionTokens
	}
	return defaultMaxTokens
}

// appendMessage merges into the previous wire message when roles collide,
// since tool results travel as user turns.
func appendMessage(msgs []Message, m Message) []Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role {
		msgs[n-1].Content = append(msgs[n-1].Content, m.Content...)
		return msgs
	}
	return append(msgs, m)
}

func toMessage(m canonical.Message) Message {
	role := "user"
	if m.Role == canonical.RoleAssistant {
		role = "assistant"
	}
	out := Message{Role: role}

	if m.Role == canonical.RoleTool {
		for _, r := range m.ToolResults() {
			out.Content = append(out.Content, ContentBlock{
				Type:      "tool_result",
				ToolUseID: r.CallID,
				Content:   r.Content,
				IsError:   r.IsError,
			})
		}
		return out
	}

	for _, b := range m.Content.Blocks() {
		switch b.Type {
		case canonical.BlockText:
			if strings.TrimSpace(b.Text) != "" {
				out.Content = append(out.Content, ContentBlock{Type: "text", Text: b.Text})
			}
		case canonical.BlockThinking:
			// Thinking without a signature cannot be replayed.
			switch {
			case role != "assistant":
			case b.Redacted && b.Data != "":
				out.Content = append(out.Content, ContentBlock{Type: "redacted_thinking", Data: b.Data})
			case b.Signature != "":
				out.Content = append(out.Content, ContentBlock{Type: "thinking", Thinking: b.Text, Signature: b.Signature})
			}
		case canonical.BlockImage:
			src := &ImageSource{Type: "base64", MediaType: b.MediaType, Data: b.Data}
			if b.URL != "" {
				src = &ImageSource{Type: "url", URL: b.URL}
			}
			out.Content = append(out.Content, ContentBlock{Type: "image", Source: src})
		}
	}
	if m.Role == canonical.RoleAssistant {
		for _, c := range m.ToolUses() {
			out.Content = append(out.Content, ContentBlock{
				Type:  "tool_use",
				ID:    c.ID,
				Name:  c.Name,
				Input: provider.ParseArguments(c.Arguments),
			})
		}
	}
	if len(out.Content) == 0 {
		out.Content = []ContentBlock{{Type: "text", Text: provider.EmptyContentPlaceholder}}
	}
	return out
}

func (a *Adapter) endpoint(call provider.Call) string {
	base := a.baseURL
	if call.Descriptor.BaseURL != "" {
		base = strings.TrimRight(call.Descriptor.BaseURL, "/")
	}
	return base + "/messages"
}

func headers(call provider.Call) http.Header {
	h := http.Header{}
	h.Set("anthropic-version", apiVersion)
	if key := call.Credentials.Key(); key != "" {
		h.Set("x-api-key", key)
	}
	return h
}

func (a *Adapter) Invoke(ctx context.Context, call provider.Call, body any) (any, error) {
	req, ok := body.(*Request)
	if !ok {
		return nil, fmt.Errorf("claude: unexpected request body %T", body)
	}
	r := *req
	r.Stream = false

	resp, err := provider.PostJSON(ctx, a.client, a.Name(), a.endpoint(call), headers(call), &r)
	if err != nil {
		return nil, err
	}
	var out Response
	if err := provider.DecodeJSON(a.Name(), resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) AdaptResponse(raw any) (*provider.Result, error) {
	resp, ok := raw.(*Response)
	if !ok {
		return nil, fmt.Errorf("claude: unexpected response %T", raw)
	}
	res := &provider.Result{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: finishReason(resp.StopReason),
		Usage:        resp.Usage.canonical(),
	}
	var text, thinking strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "thinking":
			thinking.WriteString(b.Thinking)
			res.Reasoning = append(res.Reasoning, canonical.Block{Type: canonical.BlockThinking, Text: b.Thinking, Signature: b.Signature})
		case "redacted_thinking":
			res.Reasoning = append(res.Reasoning, canonical.Block{Type: canonical.BlockThinking, Redacted: true, Data: b.Data})
		case "tool_use":
			args := string(b.Input)
			if args == "" || args == "null" {
				args = "{}"
			}
			res.ToolCalls = append(res.ToolCalls, canonical.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	res.Content = text.String()
	res.Thinking = thinking.String()
	return res, nil
}

func (a *Adapter) CreateStream(ctx context.Context, call provider.Call, body any) (io.ReadCloser, error) {
	req, ok := body.(*Request)
	if !ok {
		return nil, fmt.Errorf("claude: unexpected request body %T", body)
	}
	r := *req
	r.Stream = true

	resp, err := provider.PostJSON(ctx, a.client, a.Name(), a.endpoint(call), headers(call), &r)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) NormalizeStream(h io.ReadCloser) stream.Source {
	return &source{body: h, sse: provider.NewSSEReader(h)}
}

// TransformToolResultTurn answers every tool_use of prior in one turn, in
// call order. Claude rejects a tool_use left without a tool_result.
func (a *Adapter) TransformToolResultTurn(prior canonical.Message, results []canonical.ToolResult) ([]canonical.Message, error) {
	ordered, err := provider.MatchResults(prior, results)
	if err != nil {
		return nil, err
	}
	if len(ordered) == 0 {
		return nil, nil
	}
	blocks := make([]canonical.Block, 0, len(ordered))
	for _, r := range ordered {
		blocks = append(blocks, canonical.ToolResultBlock(r.CallID, r.Content, r.IsError))
	}
	return []canonical.Message{{Role: canonical.RoleTool, Content: canonical.Blocks(blocks...)}}, nil
}

func finishReason(stop string) canonical.FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return canonical.FinishStop
	case "max_tokens", "model_context_window_exceeded":
		return canonical.FinishLength
	case "tool_use":
		return canonical.FinishToolCalls
	case "refusal":
		return canonical.FinishContentFilter
	case "":
		return ""
	}
	return canonical.FinishOther
}
