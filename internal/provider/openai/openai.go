package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/stream"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Adapter struct {
	baseURL string
	client  *http.Client
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Tools               []chatTool      `json:"tools,omitempty"`
	ToolChoice          any             `json:"tool_choice,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *streamOptions  `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *respMessage `json:"message,omitempty"`
	Delta        *respMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type respMessage struct {
	Content          *string        `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	Refusal          string         `json:"refusal,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
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

func (a *Adapter) Name() canonical.Provider { return canonical.ProviderOpenAI }

func (a *Adapter) AdaptRequest(p *provider.Params) (any, error) {
	if err := provider.CheckCapabilities(p); err != nil {
		return nil, err
	}

	system, history := provider.SplitSystem(p.Messages)
	system = provider.WithJSONInstruction(system, p.ResponseFormat)
	history = provider.AttachFiles(history, p.Files)
	history = provider.RepairHistory(history, provider.RepairOptions{})

	req := &chatRequest{
		Model:               p.Descriptor.ModelID,
		MaxCompletionTokens: p.MaxOutputTokens,
		Temperature:         p.Temperature,
		TopP:                p.TopP,
		Stop:                p.StopSequences,
	}

	if p.Descriptor.NoSystemRole {
		history = provider.FoldSystem(system, history)
	} else if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	for _, m := range history {
		req.Messages = append(req.Messages, mapMessage(m)...)
	}

	for _, t := range p.Tools {
		req.Tools = append(req.Tools, chatTool{
			Type:     "function",
			Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: t.Schema()},
		})
	}
	if c := p.ToolChoice; c != nil && len(req.Tools) > 0 {
		switch c.Mode {
		case canonical.ToolChoiceTool:
			req.ToolChoice = map[string]any{"type": "function", "function": map[string]string{"name": c.Name}}
		default:
			req.ToolChoice = string(c.Mode)
		}
	}
	if p.ResponseFormat == canonical.ResponseFormatJSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if p.ReasoningBudget > 0 {
		req.ReasoningEffort = effort(p.ReasoningBudget)
	}
	return req, nil
}

// effort buckets a thinking-token budget into the levels the API accepts.
func effort(budget int) string {
	switch {
	case budget < 4096:
		return "low"
	case budget < 16384:
		return "medium"
	}
	return "high"
}

func mapMessage(m canonical.Message) []chatMessage {
	switch m.Role {
	case canonical.RoleTool:
		results := m.ToolResults()
		out := make([]chatMessage, 0, len(results))
		for _, r := range results {
			content := r.Content
			if content == "" {
				content = provider.EmptyContentPlaceholder
			}
			if r.IsError {
				content = "Error: " + content
			}
			out = append(out, chatMessage{Role: "tool", ToolCallID: r.CallID, Content: content})
		}
		return out
	case canonical.RoleAssistant:
		msg := chatMessage{Role: "assistant"}
		if text := m.Content.Text(); text != "" {
			msg.Content = text
		}
		for _, c := range m.ToolUses() {
			args := c.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       c.ID,
				Type:     "function",
				Function: functionCall{Name: c.Name, Arguments: args},
			})
		}
		return []chatMessage{msg}
	}

	if !m.Content.IsBlocks() {
		return []chatMessage{{Role: "user", Content: m.Content.Text()}}
	}
	var parts []contentPart
	for _, b := range m.Content.Blocks() {
		switch b.Type {
		case canonical.BlockText:
			parts = append(parts, contentPart{Type: "text", Text: b.Text})
		case canonical.BlockImage:
			u := b.URL
			if u == "" {
				u = fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data)
			}
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
		}
	}
	return []chatMessage{{Role: "user", Content: parts}}
}

func (a *Adapter) endpoint(call provider.Call) string {
	base := a.baseURL
	if call.Descriptor.BaseURL != "" {
		base = strings.TrimRight(call.Descriptor.BaseURL, "/")
	}
	return base + "/chat/completions"
}

func headers(call provider.Call) http.Header {
	h := http.Header{}
	if key := call.Credentials.Key(); key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	if org := call.Credentials.JSONBlob["organization"]; org != "" {
		h.Set("OpenAI-Organization", org)
	}
	if project := call.Credentials.JSONBlob["project"]; project != "" {
		h.Set("OpenAI-Project", project)
	}
	return h
}

func (a *Adapter) Invoke(ctx context.Context, call provider.Call, body any) (any, error) {
	req, ok := body.(*chatRequest)
	if !ok {
		return nil, fmt.Errorf("openai: unexpected request body %T", body)
	}
	r := *req
	r.Stream, r.StreamOptions = false, nil

	resp, err := provider.PostJSON(ctx, a.client, a.Name(), a.endpoint(call), headers(call), &r)
	if err != nil {
		return nil, err
	}
	var out chatResponse
	if err := provider.DecodeJSON(a.Name(), resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) AdaptResponse(raw any) (*provider.Result, error) {
	resp, ok := raw.(*chatResponse)
	if !ok {
		return nil, fmt.Errorf("openai: unexpected response %T", raw)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, &canonical.UpstreamProviderError{Provider: a.Name(), Message: "response has no choices"}
	}
	choice := resp.Choices[0]
	res := &provider.Result{
		ID:           resp.ID,
		Model:        resp.Model,
		Thinking:     choice.Message.ReasoningContent,
		FinishReason: finishReason(choice.FinishReason),
		Usage:        resp.Usage.canonical(),
	}
	if choice.Message.Content != nil {
		res.Content = *choice.Message.Content
	}
	if res.Content == "" && choice.Message.Refusal != "" {
		res.Content = choice.Message.Refusal
		res.FinishReason = canonical.FinishContentFilter
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		res.ToolCalls = append(res.ToolCalls, canonical.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			Invalid:   !json.Valid([]byte(args)),
		})
	}
	return res, nil
}

// canonical maps chat-completions usage. prompt_tokens includes cached
// tokens, which the usage reporter subtracts.
func (u *chatUsage) canonical() canonical.ProviderUsage {
	if u == nil {
		return canonical.ProviderUsage{}
	}
	out := canonical.ProviderUsage{
		InputTokens:        canonical.Int(u.PromptTokens),
		OutputTokens:       canonical.Int(u.CompletionTokens),
		CachedReadIncluded: true,
	}
	if u.PromptTokensDetails != nil {
		out.CachedReadTokens = canonical.Int(u.PromptTokensDetails.CachedTokens)
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = canonical.Int(u.CompletionTokensDetails.ReasoningTokens)
	}
	return out
}

func (a *Adapter) CreateStream(ctx context.Context, call provider.Call, body any) (io.ReadCloser, error) {
	req, ok := body.(*chatRequest)
	if !ok {
		return nil, fmt.Errorf("openai: unexpected request body %T", body)
	}
	r := *req
	r.Stream = true
	r.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := provider.PostJSON(ctx, a.client, a.Name(), a.endpoint(call), headers(call), &r)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) NormalizeStream(h io.ReadCloser) stream.Source {
	return &source{body: h, sse: provider.NewSSEReader(h)}
}

type source struct {
	body io.ReadCloser
	sse  *provider.SSEReader
}

func (s *source) Close() error { return s.body.Close() }

// streamErrorCode maps an in-stream error object to the HTTP status the same
// failure carries outside a stream. error.code is usually a string such as
// "rate_limit_exceeded"; some compatible servers send a number.
func streamErrorCode(errObj gjson.Result) int {
	if code := errObj.Get("code"); code.Type == gjson.Number {
		return int(code.Int())
	}
	for _, key := range []string{"code", "type"} {
		switch errObj.Get(key).String() {
		case "rate_limit_exceeded", "rate_limit_error":
			return http.StatusTooManyRequests
		case "server_error", "api_error":
			return http.StatusInternalServerError
		case "service_unavailable", "overloaded_error":
			return http.StatusServiceUnavailable
		}
	}
	return 0
}

func (s *source) Next() (stream.Delta, error) {
	ev, err := s.sse.Next()
	if err != nil {
		return stream.Delta{}, err
	}
	if strings.TrimSpace(ev.Data) == "[DONE]" {
		return stream.Delta{Done: true}, nil
	}

	var chunk chatResponse
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return stream.Delta{}, &canonical.UpstreamProviderError{Provider: canonical.ProviderOpenAI, Message: "malformed stream chunk", Err: err}
	}
	if errObj := gjson.Get(ev.Data, "error"); errObj.Exists() {
		return stream.Delta{}, &canonical.UpstreamProviderError{
			Provider: canonical.ProviderOpenAI,
			Code:     streamErrorCode(errObj),
			Message:  provider.ErrorMessage([]byte(ev.Data)),
		}
	}

	var d stream.Delta
	if chunk.Usage != nil {
		u := chunk.Usage.canonical()
		d.Usage = &u
	}
	if len(chunk.Choices) == 0 {
		return d, nil
	}
	choice := chunk.Choices[0]
	if delta := choice.Delta; delta != nil {
		if delta.Content != nil {
			d.Content = *delta.Content
		}
		d.Thinking = delta.ReasoningContent
		for i, tc := range delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			d.ToolCalls = append(d.ToolCalls, stream.ToolCallDelta{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	if choice.FinishReason != "" {
		d.FinishReason = finishReason(choice.FinishReason)
	}
	return d, nil
}

// TransformToolResultTurn emits one tool turn per result, in call order.
func (a *Adapter) TransformToolResultTurn(prior canonical.Message, results []canonical.ToolResult) ([]canonical.Message, error) {
	ordered, err := provider.MatchResults(prior, results)
	if err != nil {
		return nil, err
	}
	out := make([]canonical.Message, 0, len(ordered))
	for _, r := range ordered {
		out = append(out, canonical.Message{
			Role:       canonical.RoleTool,
			ToolCallID: r.CallID,
			Content:    canonical.Blocks(canonical.ToolResultBlock(r.CallID, r.Content, r.IsError)),
		})
	}
	return out, nil
}

func finishReason(r string) canonical.FinishReason {
	switch r {
	case "stop":
		return canonical.FinishStop
	case "length":
		return canonical.FinishLength
	case "tool_calls", "function_call":
		return canonical.FinishToolCalls
	case "content_filter":
		return canonical.FinishContentFilter
	case "":
		return ""
	}
	return canonical.FinishOther
}
