package stream

import (
	"encoding/json"
	"sort"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateToolAccumulating
	StateInterrupted
	StateEnded
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateToolAccumulating:
		return "tool_accumulating"
	case StateInterrupted:
		return "interrupted"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// FinalizeFunc turns the accumulated vendor usage into the records carried
// by the End event. It runs exactly once per successful stream.
type FinalizeFunc func(canonical.ProviderUsage) []canonical.UsageRecord

// Normalizer is the per-stream state machine. It is not safe for concurrent
// use; a single producer goroutine drives it.
type Normalizer struct {
	state    State
	calls    map[int]*canonical.ToolCall
	usage    canonical.ProviderUsage
	reason   canonical.FinishReason
	finalize FinalizeFunc
}

func NewNormalizer(finalize FinalizeFunc) *Normalizer {
	return &Normalizer{
		calls:    make(map[int]*canonical.ToolCall),
		finalize: finalize,
	}
}

func (n *Normalizer) State() State { return n.state }

// Done reports whether a terminal event has been produced.
func (n *Normalizer) Done() bool { return n.state == StateEnded || n.state == StateErrored }

// Feed applies one delta and returns the events it produces, in order.
func (n *Normalizer) Feed(d Delta) []canonical.StreamEvent {
	if n.Done() {
		return nil
	}
	if n.state == StateIdle {
		n.state = StateStreaming
	}

	var events []canonical.StreamEvent
	if d.Thinking != "" {
		events = append(events, canonical.ThinkingEvent(d.Thinking))
	}
	if d.Signature != "" {
		events = append(events, canonical.StreamEvent{Type: canonical.EventThinking, Signature: d.Signature})
	}
	if d.RedactedThinking != "" {
		events = append(events, canonical.StreamEvent{Type: canonical.EventThinking, Redacted: true, Data: d.RedactedThinking})
	}
	if d.Content != "" {
		events = append(events, canonical.ContentEvent(d.Content))
	}
	for _, tc := range d.ToolCalls {
		call, ok := n.calls[tc.Index]
		if !ok {
			call = &canonical.ToolCall{}
			n.calls[tc.Index] = call
		}
		call.ID += tc.ID
		call.Name += tc.Name
		call.Arguments += tc.Arguments
		call.Signature += tc.Signature
		n.state = StateToolAccumulating
	}
	if d.Usage != nil {
		n.usage.Merge(*d.Usage)
	}
	if d.FinishReason != "" {
		n.reason = d.FinishReason
	}
	if d.Done {
		events = append(events, n.Finish()...)
	}
	return events
}

// Finish closes the stream normally. Without a recorded finish reason the
// stream ends as tool_calls when calls were accumulated, else stop.
func (n *Normalizer) Finish() []canonical.StreamEvent {
	if n.Done() {
		return nil
	}
	calls := n.assemble()
	reason := n.reason
	if reason == "" {
		reason = canonical.FinishStop
		if len(calls) > 0 {
			reason = canonical.FinishToolCalls
		}
	}

	var events []canonical.StreamEvent
	if len(calls) > 0 {
		events = append(events, canonical.StreamEvent{Type: canonical.EventToolInfo, ToolCalls: calls})
	}
	if !reason.Normal() {
		n.state = StateInterrupted
		events = append(events, canonical.InterruptedEvent(string(reason)))
	}

	var usage []canonical.UsageRecord
	if n.finalize != nil {
		usage = n.finalize(n.usage)
	}
	n.state = StateEnded
	return append(events, canonical.StreamEvent{
		Type:         canonical.EventEnd,
		ToolCalls:    calls,
		FinishReason: reason,
		Usage:        usage,
	})
}

// Fail moves the machine to Errored. Nothing is emitted afterwards.
func (n *Normalizer) Fail(err error) []canonical.StreamEvent {
	if n.Done() {
		return nil
	}
	n.state = StateErrored
	return []canonical.StreamEvent{canonical.ErrorEvent(err)}
}

func (n *Normalizer) assemble() []canonical.ToolCall {
	if len(n.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(n.calls))
	for i := range n.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]canonical.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := *n.calls[i]
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		call.Invalid = !json.Valid([]byte(call.Arguments))
		calls = append(calls, call)
	}
	return calls
}
