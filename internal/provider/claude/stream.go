package claude

import (
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/stream"
)

type source struct {
	body io.ReadCloser
	sse  *provider.SSEReader
}

func (s *source) Close() error { return s.body.Close() }

func (s *source) Next() (stream.Delta, error) {
	for {
		ev, err := s.sse.Next()
		if err != nil {
			return stream.Delta{}, err
		}

		kind := gjson.Get(ev.Data, "type").String()
		if kind == "" {
			kind = ev.Name
		}
		if kind == "ping" {
			continue
		}

		var e streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			return stream.Delta{}, &canonical.UpstreamProviderError{
				Provider: canonical.ProviderAnthropic, Message: "malformed stream event", Err: err,
			}
		}

		switch kind {
		case "message_start":
			if e.Message != nil {
				u := e.Message.Usage.canonical()
				return stream.Delta{Usage: &u}, nil
			}
		case "content_block_start":
			if b := e.ContentBlock; b != nil {
				switch b.Type {
				case "tool_use":
					return stream.Delta{ToolCalls: []stream.ToolCallDelta{{Index: e.Index, ID: b.ID, Name: b.Name}}}, nil
				case "text":
					if b.Text != "" {
						return stream.Delta{Content: b.Text}, nil
					}
				case "redacted_thinking":
					return stream.Delta{RedactedThinking: b.Data}, nil
				}
			}
		case "content_block_delta":
			if d := e.Delta; d != nil {
				switch d.Type {
				case "text_delta":
					return stream.Delta{Content: d.Text}, nil
				case "thinking_delta":
					return stream.Delta{Thinking: d.Thinking}, nil
				case "signature_delta":
					return stream.Delta{Signature: d.Signature}, nil
				case "input_json_delta":
					return stream.Delta{ToolCalls: []stream.ToolCallDelta{{Index: e.Index, Arguments: d.PartialJSON}}}, nil
				}
			}
		case "message_delta":
			out := stream.Delta{}
			if e.Delta != nil {
				out.FinishReason = finishReason(e.Delta.StopReason)
			}
			if e.Usage != nil {
				u := e.Usage.canonical()
				out.Usage = &u
			}
			return out, nil
		case "message_stop":
			return stream.Delta{Done: true}, nil
		case "error":
			msg := provider.ErrorMessage([]byte(ev.Data))
			code := 0
			if e.Error != nil && e.Error.Type == "overloaded_error" {
				code = 529
			}
			return stream.Delta{}, &canonical.UpstreamProviderError{Provider: canonical.ProviderAnthropic, Code: code, Message: msg}
		}
	}
}
