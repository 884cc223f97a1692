package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/stream"
)

var gpt = canonical.ModelDescriptor{
	ModelID:             "gpt-4o",
	Provider:            canonical.ProviderOpenAI,
	ContextTokens:       128000,
	MaxCompletionTokens: 16384,
	Capabilities:        canonical.Capabilities{Tools: true, Vision: true, JSONMode: true},
}

func userParams(text string) *provider.Params {
	return &provider.Params{
		Descriptor: gpt,
		Messages:   []canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text(text)}},
	}
}

func TestAdaptRequest_SystemFoldingAndJSON(t *testing.T) {
	d := gpt
	d.NoSystemRole = true
	body, err := New().AdaptRequest(&provider.Params{
		Descriptor: d,
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Content: canonical.Text("be brief")},
			{Role: canonical.RoleUser, Content: canonical.Text("list colors")},
		},
		ResponseFormat: canonical.ResponseFormatJSON,
	})
	if err != nil {
		t.Fatalf("AdaptRequest failed: %v", err)
	}
	req := body.(*chatRequest)

	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("expected system folded into the user turn, got %+v", req.Messages)
	}
	text := req.Messages[0].Content.(string)
	want := "be brief\n\n" + provider.JSONInstruction + "\n\nlist colors"
	if text != want {
		t.Errorf("unexpected folded content %q", text)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
		t.Errorf("expected json_object response format")
	}
}

func TestAdaptRequest_ToolChoice(t *testing.T) {
	p := userParams("hi")
	p.Tools = []canonical.ToolDefinition{{Name: "f"}}
	p.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: "f"}

	body, err := New().AdaptRequest(p)
	if err != nil {
		t.Fatalf("AdaptRequest failed: %v", err)
	}
	raw, _ := json.Marshal(body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	choice := decoded["tool_choice"].(map[string]any)
	if choice["type"] != "function" || choice["function"].(map[string]any)["name"] != "f" {
		t.Errorf("unexpected tool_choice %v", choice)
	}
}

func TestToolResultRoundTrip_PreservesID(t *testing.T) {
	a := New()
	prior := canonical.Message{
		Role:      canonical.RoleAssistant,
		ToolCalls: []canonical.ToolCall{{ID: "t1", Name: "f", Arguments: "{}"}, {ID: "t2", Name: "g", Arguments: ""}},
	}
	turns, err := a.TransformToolResultTurn(prior, []canonical.ToolResult{
		{CallID: "t2", Content: "two"},
		{CallID: "t1", Content: "one"},
	})
	if err != nil {
		t.Fatalf("TransformToolResultTurn failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected one tool turn per result, got %d", len(turns))
	}

	history := append([]canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text("go")}, prior}, turns...)
	body, err := a.AdaptRequest(&provider.Params{Descriptor: gpt, Messages: history})
	if err != nil {
		t.Fatalf("AdaptRequest failed: %v", err)
	}
	msgs := body.(*chatRequest).Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 wire messages, got %d", len(msgs))
	}
	calls := msgs[1].ToolCalls
	if calls[0].ID != "t1" || calls[1].ID != "t2" || calls[1].Function.Arguments != "{}" {
		t.Errorf("unexpected tool calls %+v", calls)
	}
	if msgs[2].ToolCallID != "t1" || msgs[2].Content != "one" || msgs[3].ToolCallID != "t2" {
		t.Errorf("tool results out of call order: %+v", msgs[2:])
	}
}

func TestInvoke_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-user" || r.Header.Get("OpenAI-Organization") != "org-1" {
			t.Errorf("unexpected headers %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-123",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello from OpenAI mock!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 20, "prompt_tokens_details": {"cached_tokens": 4}}
		}`)
	}))
	defer server.Close()

	a := New(WithBaseURL(server.URL))
	body, _ := a.AdaptRequest(userParams("hi"))
	creds := canonical.Credentials{
		Kind:         canonical.CredentialKindJSONBlob,
		JSONBlob:     map[string]string{"api_key": "sk-user", "organization": "org-1"},
		UserSupplied: true,
	}
	raw, err := a.Invoke(context.Background(), provider.Call{Descriptor: gpt, Credentials: creds}, body)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	res, err := a.AdaptResponse(raw)
	if err != nil {
		t.Fatalf("AdaptResponse failed: %v", err)
	}

	if res.Content != "Hello from OpenAI mock!" {
		t.Errorf("Expected 'Hello from OpenAI mock!', got %s", res.Content)
	}
	if res.FinishReason != canonical.FinishStop {
		t.Errorf("expected stop, got %s", res.FinishReason)
	}
	if *res.Usage.InputTokens != 10 || *res.Usage.CachedReadTokens != 4 || !res.Usage.CachedReadIncluded {
		t.Errorf("unexpected usage %+v", res.Usage)
	}
}

func TestStream_Mock(t *testing.T) {
	chunks := []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"f","arguments":""}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3}}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream with include_usage")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	a := New(WithBaseURL(server.URL))
	body, _ := a.AdaptRequest(userParams("hi"))
	ctx, cancel := context.WithCancel(context.Background())
	h, err := a.CreateStream(ctx, provider.Call{Descriptor: gpt, Credentials: canonical.APIKeyCredentials("k", false)}, body)
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}

	var usage canonical.ProviderUsage
	n := stream.NewNormalizer(func(u canonical.ProviderUsage) []canonical.UsageRecord {
		usage = u
		return nil
	})
	var events []canonical.StreamEvent
	for ev := range stream.Run(ctx, cancel, a.NormalizeStream(h), n, stream.Options{}).Events() {
		events = append(events, ev)
	}

	if len(events) != 4 {
		t.Fatalf("expected content, content, toolInfo, end; got %+v", events)
	}
	if events[0].Text != "Hel" || events[1].Text != "lo" || events[2].Type != canonical.EventToolInfo {
		t.Errorf("unexpected leading events %+v", events[:3])
	}
	end := events[3]
	if end.Type != canonical.EventEnd || end.FinishReason != canonical.FinishToolCalls {
		t.Fatalf("unexpected terminal %+v", end)
	}
	if len(end.ToolCalls) != 1 || end.ToolCalls[0].ID != "call_1" || end.ToolCalls[0].Arguments != `{"a":1}` {
		t.Errorf("unexpected tool calls %+v", end.ToolCalls)
	}
	if usage.InputTokens == nil || *usage.InputTokens != 9 {
		t.Errorf("usage chunk after finish_reason was lost: %+v", usage)
	}
}

func TestName(t *testing.T) {
	if New().Name() != canonical.ProviderOpenAI {
		t.Errorf("unexpected name %s", New().Name())
	}
}

func TestStream_ErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		data string
		want int
	}{
		{"string code", `{"error":{"message":"slow down","type":"tokens","code":"rate_limit_exceeded"}}`, http.StatusTooManyRequests},
		{"type only", `{"error":{"message":"boom","type":"server_error","code":null}}`, http.StatusInternalServerError},
		{"numeric code", `{"error":{"message":"busy","code":503}}`, http.StatusServiceUnavailable},
		{"unknown", `{"error":{"message":"bad","type":"invalid_request_error"}}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := New().NormalizeStream(io.NopCloser(strings.NewReader("data: " + tc.data + "\n\n")))
			_, err := src.Next()

			var upstream *canonical.UpstreamProviderError
			if !errors.As(err, &upstream) {
				t.Fatalf("expected UpstreamProviderError, got %v", err)
			}
			if upstream.Code != tc.want {
				t.Errorf("code = %d, want %d", upstream.Code, tc.want)
			}
		})
	}
}
