package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/stream"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Adapter struct {
	baseURL string
	client  *http.Client
	newID   func() string
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`

	model string
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FileData         *fileData         `json:"fileData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	TopK             *int            `json:"topK,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

type geminiResponse struct {
	ResponseID    string               `json:"responseId"`
	ModelVersion  string               `json:"modelVersion"`
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
}

type Option func(*Adapter)

func WithBaseURL(u string) Option { return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") } }

func WithHTTPClient(c *http.Client) Option { return func(a *Adapter) { a.client = c } }

// WithIDGenerator replaces the generator for tool-call ids the API omits.
func WithIDGenerator(f func() string) Option { return func(a *Adapter) { a.newID = f } }

func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
		newID:   func() string { return "call_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() canonical.Provider { return canonical.ProviderGemini }

func (a *Adapter) AdaptRequest(p *provider.Params) (any, error) {
	if err := provider.CheckCapabilities(p); err != nil {
		return nil, err
	}

	system, history := provider.SplitSystem(p.Messages)
	system = provider.WithJSONInstruction(system, p.ResponseFormat)
	history = provider.AttachFiles(history, p.Files)
	history = provider.RepairHistory(history, provider.RepairOptions{MergeToolTurns: true})

	req := &geminiRequest{model: p.Descriptor.ModelID}
	if system != "" {
		if p.Descriptor.NoSystemRole {
			history = provider.FoldSystem(system, history)
		} else {
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
		}
	}

	names := provider.ToolNames(history)
	for _, m := range history {
		c := mapMessage(m, names)
		// Tool results travel as user turns; keep roles alternating.
		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == c.Role {
			req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, c.Parts...)
			continue
		}
		req.Contents = append(req.Contents, c)
	}

	if len(p.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(p.Tools))
		for _, t := range p.Tools {
			decls = append(decls, functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Schema()})
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if c := p.ToolChoice; c != nil && len(p.Tools) > 0 {
		cfg := functionCallingConfig{Mode: "AUTO"}
		switch c.Mode {
		case canonical.ToolChoiceNone:
			cfg.Mode = "NONE"
		case canonical.ToolChoiceRequired:
			cfg.Mode = "ANY"
		case canonical.ToolChoiceTool:
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{c.Name}
		}
		req.ToolConfig = &toolConfig{FunctionCallingConfig: cfg}
	}

	gc := &generationConfig{
		MaxOutputTokens: p.MaxOutputTokens,
		Temperature:     p.Temperature,
		TopP:            p.TopP,
		TopK:            p.TopK,
		StopSequences:   p.StopSequences,
	}
	if p.ResponseFormat == canonical.ResponseFormatJSON {
		gc.ResponseMimeType = "application/json"
	}
	if p.ReasoningBudget > 0 {
		gc.ThinkingConfig = &thinkingConfig{ThinkingBudget: p.ReasoningBudget, IncludeThoughts: true}
	}
	req.GenerationConfig = gc
	return req, nil
}

func mapMessage(m canonical.Message, names map[string]string) geminiContent {
	if m.Role == canonical.RoleTool {
		c := geminiContent{Role: "user"}
		for _, r := range m.ToolResults() {
			resp := map[string]any{"content": r.Content}
			if r.IsError {
				resp = map[string]any{"error": r.Content}
			}
			c.Parts = append(c.Parts, geminiPart{FunctionResponse: &functionResponse{
				ID:       r.CallID,
				Name:     names[r.CallID],
				Response: resp,
			}})
		}
		return c
	}

	role := "user"
	if m.Role == canonical.RoleAssistant {
		role = "model"
	}
	c := geminiContent{Role: role}
	for _, b := range m.Content.Blocks() {
		switch b.Type {
		case canonical.BlockText:
			if b.Text != "" {
				c.Parts = append(c.Parts, geminiPart{Text: b.Text})
			}
		case canonical.BlockThinking:
			if role == "model" && b.Signature != "" {
				c.Parts = append(c.Parts, geminiPart{Text: b.Text, Thought: true, ThoughtSignature: b.Signature})
			}
		case canonical.BlockImage:
			if b.URL != "" {
				c.Parts = append(c.Parts, geminiPart{FileData: &fileData{MimeType: b.MediaType, FileURI: b.URL}})
			} else {
				c.Parts = append(c.Parts, geminiPart{InlineData: &inlineData{MimeType: b.MediaType, Data: b.Data}})
			}
		}
	}
	if m.Role == canonical.RoleAssistant {
		for _, call := range m.ToolUses() {
			c.Parts = append(c.Parts, geminiPart{
				FunctionCall: &functionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: provider.ParseArguments(call.Arguments),
				},
				ThoughtSignature: call.Signature,
			})
		}
	}
	if len(c.Parts) == 0 {
		c.Parts = []geminiPart{{Text: provider.EmptyContentPlaceholder}}
	}
	return c
}

func (a *Adapter) endpoint(call provider.Call, model string, streaming bool) string {
	base := a.baseURL
	if call.Descriptor.BaseURL != "" {
		base = strings.TrimRight(call.Descriptor.BaseURL, "/")
	}
	if streaming {
		return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", base, url.PathEscape(model))
	}
	return fmt.Sprintf("%s/models/%s:generateContent", base, url.PathEscape(model))
}

func headers(call provider.Call) http.Header {
	h := http.Header{}
	if key := call.Credentials.Key(); key != "" {
		h.Set("x-goog-api-key", key)
	}
	return h
}

func (a *Adapter) Invoke(ctx context.Context, call provider.Call, body any) (any, error) {
	req, ok := body.(*geminiRequest)
	if !ok {
		return nil, fmt.Errorf("gemini: unexpected request body %T", body)
	}
	resp, err := provider.PostJSON(ctx, a.client, a.Name(), a.endpoint(call, req.model, false), headers(call), req)
	if err != nil {
		return nil, err
	}
	var out geminiResponse
	if err := provider.DecodeJSON(a.Name(), resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) AdaptResponse(raw any) (*provider.Result, error) {
	resp, ok := raw.(*geminiResponse)
	if !ok {
		return nil, fmt.Errorf("gemini: unexpected response %T", raw)
	}
	if len(resp.Candidates) == 0 {
		return nil, &canonical.UpstreamProviderError{Provider: a.Name(), Message: "response has no candidates"}
	}
	cand := resp.Candidates[0]
	res := &provider.Result{
		ID:    resp.ResponseID,
		Model: resp.ModelVersion,
		Usage: resp.UsageMetadata.canonical(),
	}
	var text, thinking strings.Builder
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			res.ToolCalls = append(res.ToolCalls, a.toolCall(part))
		case part.Thought:
			thinking.WriteString(part.Text)
			res.Reasoning = append(res.Reasoning, canonical.Block{Type: canonical.BlockThinking, Text: part.Text, Signature: part.ThoughtSignature})
		default:
			text.WriteString(part.Text)
		}
	}
	res.Content = text.String()
	res.Thinking = thinking.String()
	res.FinishReason = finishReason(cand.FinishReason, len(res.ToolCalls) > 0)
	return res, nil
}

// toolCall converts a functionCall part. The part's thought signature stays
// with the call so it can be replayed on the same part.
func (a *Adapter) toolCall(part geminiPart) canonical.ToolCall {
	fc := part.FunctionCall
	id := fc.ID
	if id == "" {
		id = a.newID()
	}
	args := string(fc.Args)
	if args == "" || args == "null" {
		args = "{}"
	}
	return canonical.ToolCall{ID: id, Name: fc.Name, Arguments: args, Signature: part.ThoughtSignature}
}

// canonical maps usageMetadata. promptTokenCount includes cached content.
func (u *geminiUsageMetadata) canonical() canonical.ProviderUsage {
	if u == nil {
		return canonical.ProviderUsage{}
	}
	return canonical.ProviderUsage{
		InputTokens:        canonical.Int(u.PromptTokenCount),
		OutputTokens:       canonical.Int(u.CandidatesTokenCount),
		CachedReadTokens:   canonical.Int(u.CachedContentTokenCount),
		ReasoningTokens:    canonical.Int(u.ThoughtsTokenCount),
		CachedReadIncluded: true,
	}
}

func (a *Adapter) CreateStream(ctx context.Context, call provider.Call, body any) (io.ReadCloser, error) {
	req, ok := body.(*geminiRequest)
	if !ok {
		return nil, fmt.Errorf("gemini: unexpected request body %T", body)
	}
	resp, err := provider.PostJSON(ctx, a.client, a.Name(), a.endpoint(call, req.model, true), headers(call), req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) NormalizeStream(h io.ReadCloser) stream.Source {
	return &source{adapter: a, body: h, sse: provider.NewSSEReader(h)}
}

// source emits each functionCall part as a complete call under its own
// index; Gemini never fragments call arguments.
type source struct {
	adapter *Adapter
	body    io.ReadCloser
	sse     *provider.SSEReader
	calls   int
}

func (s *source) Close() error { return s.body.Close() }

func (s *source) Next() (stream.Delta, error) {
	ev, err := s.sse.Next()
	if err != nil {
		return stream.Delta{}, err
	}
	var chunk geminiResponse
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return stream.Delta{}, &canonical.UpstreamProviderError{Provider: canonical.ProviderGemini, Message: "malformed stream chunk", Err: err}
	}

	var d stream.Delta
	if chunk.UsageMetadata != nil {
		u := chunk.UsageMetadata.canonical()
		d.Usage = &u
	}
	if len(chunk.Candidates) == 0 {
		if errObj := gjson.Get(ev.Data, "error"); errObj.Exists() {
			return stream.Delta{}, &canonical.UpstreamProviderError{
				Provider: canonical.ProviderGemini,
				Code:     int(errObj.Get("code").Int()),
				Message:  provider.ErrorMessage([]byte(ev.Data)),
			}
		}
		return d, nil
	}
	cand := chunk.Candidates[0]
	var text, thinking strings.Builder
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			call := s.adapter.toolCall(part)
			d.ToolCalls = append(d.ToolCalls, stream.ToolCallDelta{
				Index:     s.calls,
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Signature: call.Signature,
			})
			s.calls++
		case part.Thought:
			thinking.WriteString(part.Text)
			if part.ThoughtSignature != "" {
				d.Signature = part.ThoughtSignature
			}
		default:
			text.WriteString(part.Text)
		}
	}
	d.Content = text.String()
	d.Thinking = thinking.String()
	if cand.FinishReason != "" {
		d.FinishReason = finishReason(cand.FinishReason, s.calls > 0)
	}
	return d, nil
}

// TransformToolResultTurn answers all calls of prior in a single turn;
// functionResponse parts are matched to calls by id and name.
func (a *Adapter) TransformToolResultTurn(prior canonical.Message, results []canonical.ToolResult) ([]canonical.Message, error) {
	ordered, err := provider.MatchResults(prior, results)
	if err != nil {
		return nil, err
	}
	if len(ordered) == 0 {
		return nil, nil
	}
	names := provider.ToolNames([]canonical.Message{prior})
	blocks := make([]canonical.Block, 0, len(ordered))
	for _, r := range ordered {
		b := canonical.ToolResultBlock(r.CallID, r.Content, r.IsError)
		b.ToolName = names[r.CallID]
		blocks = append(blocks, b)
	}
	return []canonical.Message{{Role: canonical.RoleTool, Content: canonical.Blocks(blocks...)}}, nil
}

func finishReason(r string, hasCalls bool) canonical.FinishReason {
	switch r {
	case "STOP":
		if hasCalls {
			return canonical.FinishToolCalls
		}
		return canonical.FinishStop
	case "MAX_TOKENS":
		return canonical.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return canonical.FinishContentFilter
	case "MALFORMED_FUNCTION_CALL":
		return canonical.FinishError
	case "":
		return ""
	}
	return canonical.FinishOther
}
