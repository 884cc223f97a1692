package gemini

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/stream"
)

var flash = canonical.ModelDescriptor{
	ModelID:             "gemini-2.5-flash",
	Provider:            canonical.ProviderGemini,
	ContextTokens:       1000000,
	MaxCompletionTokens: 65536,
	Capabilities:        canonical.Capabilities{Tools: true, Vision: true, Reasoning: true, JSONMode: true},
}

func fixedIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("gen_%d", n)
	})
}

func TestAdaptRequest_Shape(t *testing.T) {
	body, err := New().AdaptRequest(&provider.Params{
		Descriptor: flash,
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Content: canonical.Text("be brief")},
			{Role: canonical.RoleUser, Content: canonical.Text("hi")},
			{Role: canonical.RoleAssistant, Content: canonical.Text("hello")},
			{Role: canonical.RoleUser, Content: canonical.Text("json please")},
		},
		Tools:           []canonical.ToolDefinition{{Name: "f"}},
		ToolChoice:      &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: "f"},
		ResponseFormat:  canonical.ResponseFormatJSON,
		ReasoningBudget: 1024,
	})
	require.NoError(t, err)
	req := body.(*geminiRequest)

	require.NotNil(t, req.SystemInstruction)
	assert.True(t, strings.HasPrefix(req.SystemInstruction.Parts[0].Text, "be brief"))
	require.Len(t, req.Contents, 3)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "model", req.Contents[1].Role)
	assert.Equal(t, "ANY", req.ToolConfig.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"f"}, req.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)
	assert.Equal(t, "application/json", req.GenerationConfig.ResponseMimeType)
	assert.Equal(t, 1024, req.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestToolResultRoundTrip_PreservesID(t *testing.T) {
	a := New()
	prior := canonical.Message{
		Role:      canonical.RoleAssistant,
		ToolCalls: []canonical.ToolCall{{ID: "t1", Name: "f", Arguments: "{}"}},
	}
	turns, err := a.TransformToolResultTurn(prior, []canonical.ToolResult{{CallID: "t1", Content: "42"}})
	require.NoError(t, err)
	require.Len(t, turns, 1)

	history := append([]canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text("go")}, prior}, turns...)
	body, err := a.AdaptRequest(&provider.Params{Descriptor: flash, Messages: history})
	require.NoError(t, err)

	contents := body.(*geminiRequest).Contents
	require.Len(t, contents, 3)
	call := contents[1].Parts[0].FunctionCall
	resp := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, call)
	require.NotNil(t, resp)
	assert.Equal(t, "t1", call.ID)
	assert.Equal(t, "t1", resp.ID)
	assert.Equal(t, "f", resp.Name)
	assert.Equal(t, map[string]any{"content": "42"}, resp.Response)
}

func TestInvoke_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"responseId": "r1",
			"modelVersion": "gemini-2.5-flash",
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"text": "pondering", "thought": true},
					{"text": "Calling f."},
					{"functionCall": {"name": "f", "args": {"x": 1}}}
				]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 7, "cachedContentTokenCount": 10, "thoughtsTokenCount": 3}
		}`)
	}))
	defer server.Close()

	a := New(WithBaseURL(server.URL), fixedIDs())
	body, err := a.AdaptRequest(&provider.Params{
		Descriptor: flash,
		Messages:   []canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text("hi")}},
	})
	require.NoError(t, err)
	raw, err := a.Invoke(context.Background(), provider.Call{Descriptor: flash, Credentials: canonical.APIKeyCredentials("g-key", false)}, body)
	require.NoError(t, err)
	res, err := a.AdaptResponse(raw)
	require.NoError(t, err)

	assert.Equal(t, "Calling f.", res.Content)
	assert.Equal(t, "pondering", res.Thinking)
	assert.Equal(t, canonical.FinishToolCalls, res.FinishReason)
	assert.Equal(t, []canonical.ToolCall{{ID: "gen_1", Name: "f", Arguments: `{"x": 1}`}}, res.ToolCalls)
	assert.Equal(t, 30, *res.Usage.InputTokens)
	assert.Equal(t, 10, *res.Usage.CachedReadTokens)
	assert.True(t, res.Usage.CachedReadIncluded)
	assert.Equal(t, 3, *res.Usage.ReasoningTokens)
}

func TestInvoke_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"}}`)
	}))
	defer server.Close()

	a := New(WithBaseURL(server.URL))
	body, _ := a.AdaptRequest(&provider.Params{
		Descriptor: flash,
		Messages:   []canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text("hi")}},
	})
	_, err := a.Invoke(context.Background(), provider.Call{Descriptor: flash}, body)

	var upstream *canonical.UpstreamProviderError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 429, upstream.Code)
	assert.Equal(t, "Resource has been exhausted", upstream.Message)
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hel\"}]}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"lo\"}]}}],\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":1}}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[]},\"finishReason\":\"MAX_TOKENS\"}],\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":2}}\r\n\r\n")
	}))
	defer server.Close()

	a := New(WithBaseURL(server.URL))
	body, _ := a.AdaptRequest(&provider.Params{
		Descriptor: flash,
		Messages:   []canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text("hi")}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := a.CreateStream(ctx, provider.Call{Descriptor: flash}, body)
	require.NoError(t, err)

	var usage canonical.ProviderUsage
	n := stream.NewNormalizer(func(u canonical.ProviderUsage) []canonical.UsageRecord {
		usage = u
		return nil
	})
	var got []canonical.StreamEvent
	for ev := range stream.Run(ctx, cancel, a.NormalizeStream(h), n, stream.Options{}).Events() {
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.Equal(t, canonical.ContentEvent("Hel"), got[0])
	assert.Equal(t, canonical.ContentEvent("lo"), got[1])
	assert.Equal(t, canonical.InterruptedEvent("length"), got[2])
	assert.Equal(t, canonical.EventEnd, got[3].Type)
	assert.Equal(t, 2, *usage.OutputTokens)
}

func TestStream_FunctionCallsGetIndexesAndIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"functionCall\":{\"name\":\"a\",\"args\":{}}},{\"functionCall\":{\"id\":\"srv\",\"name\":\"b\",\"args\":{\"k\":true}}}]},\"finishReason\":\"STOP\"}]}\n\n")
	}))
	defer server.Close()

	a := New(WithBaseURL(server.URL), fixedIDs())
	ctx, cancel := context.WithCancel(context.Background())
	h, err := a.CreateStream(ctx, provider.Call{Descriptor: flash}, &geminiRequest{model: flash.ModelID})
	require.NoError(t, err)

	resp, err := stream.Run(ctx, cancel, a.NormalizeStream(h), stream.NewNormalizer(nil), stream.Options{}).Collect()
	require.NoError(t, err)
	assert.Equal(t, canonical.FinishToolCalls, resp.FinishReason)
	assert.Equal(t, []canonical.ToolCall{
		{ID: "gen_1", Name: "a", Arguments: "{}"},
		{ID: "srv", Name: "b", Arguments: `{"k":true}`},
	}, resp.ToolCalls)
}

func TestThoughtSignaturesReplayOnTheirParts(t *testing.T) {
	a := New(fixedIDs())
	res, err := a.AdaptResponse(&geminiResponse{Candidates: []geminiCandidate{{
		Content: geminiContent{Role: "model", Parts: []geminiPart{
			{Text: "plan", Thought: true, ThoughtSignature: "T-SIG"},
			{FunctionCall: &functionCall{Name: "f", Args: []byte(`{}`)}, ThoughtSignature: "F-SIG"},
		}},
		FinishReason: "STOP",
	}}})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "F-SIG", res.ToolCalls[0].Signature)
	assert.Equal(t, []canonical.Block{{Type: canonical.BlockThinking, Text: "plan", Signature: "T-SIG"}}, res.Reasoning)

	prior := (&canonical.Response{Reasoning: res.Reasoning, ToolCalls: res.ToolCalls}).AssistantMessage()
	turns, err := a.TransformToolResultTurn(prior, []canonical.ToolResult{{CallID: "gen_1", Content: "ok"}})
	require.NoError(t, err)

	body, err := a.AdaptRequest(&provider.Params{
		Descriptor: flash,
		Messages:   append([]canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text("go")}, prior}, turns...),
	})
	require.NoError(t, err)
	req := body.(*geminiRequest)
	require.Len(t, req.Contents, 3)
	parts := req.Contents[1].Parts
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, "T-SIG", parts[0].ThoughtSignature)
	require.NotNil(t, parts[1].FunctionCall)
	assert.Equal(t, "F-SIG", parts[1].ThoughtSignature)
}

func TestStream_ErrorChunk(t *testing.T) {
	src := New().NormalizeStream(io.NopCloser(strings.NewReader(
		"data: {\"error\":{\"code\":503,\"message\":\"The model is overloaded\",\"status\":\"UNAVAILABLE\"}}\n\n")))
	_, err := src.Next()

	var upstream *canonical.UpstreamProviderError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 503, upstream.Code)
	assert.Equal(t, "The model is overloaded", upstream.Message)

	src = New().NormalizeStream(io.NopCloser(strings.NewReader(
		"data: {\"candidates\":[],\"usageMetadata\":{\"promptTokenCount\":2},\"note\":\"no \\\"error\\\" here\"}\n\n")))
	d, err := src.Next()
	require.NoError(t, err)
	require.NotNil(t, d.Usage)
}
