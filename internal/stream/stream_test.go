package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// sliceSource replays deltas, then returns tail (io.EOF when nil).
type sliceSource struct {
	deltas []Delta
	tail   error
	closed bool
}

func (s *sliceSource) Next() (Delta, error) {
	if len(s.deltas) == 0 {
		if s.tail != nil {
			return Delta{}, s.tail
		}
		return Delta{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func collectEvents(t *testing.T, s *Stream) []canonical.StreamEvent {
	t.Helper()
	var events []canonical.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func types(events []canonical.StreamEvent) []canonical.EventType {
	out := make([]canonical.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func run(src Source, n *Normalizer, opts Options) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return Run(ctx, cancel, src, n, opts)
}

func TestNormalizer_ReassemblesFragmentedToolCall(t *testing.T) {
	n := NewNormalizer(nil)
	var events []canonical.StreamEvent
	events = append(events, n.Feed(Delta{ToolCalls: []ToolCallDelta{{Index: 0, Name: "f"}}})...)
	assert.Equal(t, StateToolAccumulating, n.State())
	events = append(events, n.Feed(Delta{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"a":`}}})...)
	events = append(events, n.Feed(Delta{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `1}`}}})...)
	events = append(events, n.Feed(Delta{Done: true})...)

	var ends []canonical.StreamEvent
	for _, ev := range events {
		if ev.Type == canonical.EventEnd {
			ends = append(ends, ev)
		}
	}
	require.Len(t, ends, 1)
	require.Len(t, ends[0].ToolCalls, 1)
	call := ends[0].ToolCalls[0]
	assert.Equal(t, "f", call.Name)
	assert.Equal(t, `{"a":1}`, call.Arguments)
	assert.True(t, call.Valid())
	assert.Equal(t, canonical.FinishToolCalls, ends[0].FinishReason)
	assert.Equal(t, StateEnded, n.State())
}

func TestNormalizer_NonStopFinishInterruptsBeforeEnd(t *testing.T) {
	n := NewNormalizer(nil)
	var events []canonical.StreamEvent
	events = append(events, n.Feed(Delta{Content: "Hel"})...)
	events = append(events, n.Feed(Delta{Content: "lo"})...)
	events = append(events, n.Feed(Delta{FinishReason: canonical.FinishLength, Done: true})...)

	assert.Equal(t, []canonical.EventType{
		canonical.EventContent,
		canonical.EventContent,
		canonical.EventInterrupted,
		canonical.EventEnd,
	}, types(events))
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.Equal(t, string(canonical.FinishLength), events[2].Reason)
	assert.Equal(t, canonical.FinishLength, events[3].FinishReason)
}

func TestNormalizer_InvalidArgumentsMarkedNotFatal(t *testing.T) {
	n := NewNormalizer(nil)
	n.Feed(Delta{ToolCalls: []ToolCallDelta{{Index: 1, ID: "b", Name: "g", Arguments: `{"x":`}}})
	n.Feed(Delta{ToolCalls: []ToolCallDelta{{Index: 0, ID: "a"}}})
	events := n.Finish()

	end := events[len(events)-1]
	require.Equal(t, canonical.EventEnd, end.Type)
	require.Len(t, end.ToolCalls, 2)
	assert.Equal(t, "a", end.ToolCalls[0].ID)
	assert.Equal(t, "", end.ToolCalls[0].Name)
	assert.Equal(t, "{}", end.ToolCalls[0].Arguments)
	assert.False(t, end.ToolCalls[0].Invalid)
	assert.True(t, end.ToolCalls[1].Invalid)
}

func TestNormalizer_UsageLastWriteWins(t *testing.T) {
	var got canonical.ProviderUsage
	n := NewNormalizer(func(u canonical.ProviderUsage) []canonical.UsageRecord {
		got = u
		return []canonical.UsageRecord{{InputTokens: *u.InputTokens, OutputTokens: *u.OutputTokens}}
	})
	n.Feed(Delta{Usage: &canonical.ProviderUsage{InputTokens: canonical.Int(12), OutputTokens: canonical.Int(1)}})
	n.Feed(Delta{Content: "x", Usage: &canonical.ProviderUsage{OutputTokens: canonical.Int(5)}})
	events := n.Feed(Delta{FinishReason: canonical.FinishStop, Done: true})

	assert.Equal(t, 12, *got.InputTokens)
	assert.Equal(t, 5, *got.OutputTokens)
	end := events[len(events)-1]
	assert.Equal(t, []canonical.UsageRecord{{InputTokens: 12, OutputTokens: 5}}, end.Usage)
}

func TestNormalizer_NothingAfterTerminal(t *testing.T) {
	n := NewNormalizer(nil)
	require.Len(t, n.Fail(errors.New("boom")), 1)
	assert.Equal(t, StateErrored, n.State())
	assert.Empty(t, n.Feed(Delta{Content: "late"}))
	assert.Empty(t, n.Finish())
	assert.Empty(t, n.Fail(errors.New("again")))
}

func TestStream_FinishReasonBeforeUsageChunk(t *testing.T) {
	src := &sliceSource{deltas: []Delta{
		{Content: "hi"},
		{FinishReason: canonical.FinishStop},
		{Usage: &canonical.ProviderUsage{InputTokens: canonical.Int(3), OutputTokens: canonical.Int(1)}},
	}}
	var usage canonical.ProviderUsage
	n := NewNormalizer(func(u canonical.ProviderUsage) []canonical.UsageRecord {
		usage = u
		return nil
	})

	events := collectEvents(t, run(src, n, Options{}))
	assert.Equal(t, []canonical.EventType{canonical.EventContent, canonical.EventEnd}, types(events))
	assert.Equal(t, canonical.FinishStop, events[1].FinishReason)
	assert.Equal(t, 3, *usage.InputTokens)
	assert.True(t, src.closed)
}

func TestStream_TransportErrorIsTerminal(t *testing.T) {
	boom := errors.New("connection reset")
	src := &sliceSource{deltas: []Delta{{Content: "par"}}, tail: boom}

	events := collectEvents(t, run(src, NewNormalizer(nil), Options{}))
	require.Equal(t, []canonical.EventType{canonical.EventContent, canonical.EventError}, types(events))
	assert.ErrorIs(t, events[1].Err, boom)
}

func TestStream_DropPolicyEndsWithOverflowError(t *testing.T) {
	deltas := make([]Delta, 20)
	for i := range deltas {
		deltas[i] = Delta{Content: "x"}
	}
	src := &sliceSource{deltas: deltas}
	s := run(src, NewNormalizer(nil), Options{BufferSize: 4, Overflow: OverflowDrop})

	// Let the producer fill the buffer before reading anything.
	<-s.done
	events := collectEvents(t, s)

	require.Len(t, events, 4)
	last := events[len(events)-1]
	assert.Equal(t, canonical.EventError, last.Type)
	assert.ErrorIs(t, last.Err, ErrStreamOverflow)
	for _, ev := range events[:3] {
		assert.Equal(t, canonical.EventContent, ev.Type)
	}
}

func TestStream_BlockPolicyDeliversEverything(t *testing.T) {
	deltas := make([]Delta, 50)
	for i := range deltas {
		deltas[i] = Delta{Content: "x"}
	}
	s := run(&sliceSource{deltas: deltas}, NewNormalizer(nil), Options{BufferSize: 2, Overflow: OverflowBlock})

	resp, err := s.Collect()
	require.NoError(t, err)
	assert.Len(t, resp.Content, 50)
	assert.Equal(t, canonical.FinishStop, resp.FinishReason)
}

func TestStream_CloseCancelsUpstream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := SourceFunc(func() (Delta, error) {
		select {
		case <-ctx.Done():
			return Delta{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return Delta{Content: "tick"}, nil
		}
	})
	s := Run(ctx, cancel, src, NewNormalizer(nil), Options{BufferSize: 8})

	<-s.Events()
	s.Close()

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	_, open := <-s.Events()
	for open {
		_, open = <-s.Events()
	}
}

func TestStream_CollectReturnsStreamError(t *testing.T) {
	upstream := &canonical.UpstreamProviderError{Provider: canonical.ProviderAnthropic, Code: 529, Message: "overloaded"}
	s := run(&sliceSource{tail: upstream}, NewNormalizer(nil), Options{})

	_, err := s.Collect()
	assert.ErrorIs(t, err, canonical.ErrUpstreamProvider)
}

func TestStream_OnDoneSeesTerminalError(t *testing.T) {
	boom := errors.New("connection reset")
	var got []error
	opts := Options{OnDone: func(err error) { got = append(got, err) }}

	collectEvents(t, run(&sliceSource{deltas: []Delta{{Content: "a"}}}, NewNormalizer(nil), opts))
	collectEvents(t, run(&sliceSource{tail: boom}, NewNormalizer(nil), opts))

	require.Len(t, got, 2)
	assert.NoError(t, got[0])
	assert.ErrorIs(t, got[1], boom)
}

func TestStream_CollectKeepsReasoningBlocks(t *testing.T) {
	src := &sliceSource{deltas: []Delta{
		{Thinking: "first"},
		{Signature: "S1"},
		{RedactedThinking: "ENC"},
		{Thinking: "second"},
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "c1", Name: "f", Arguments: "{}", Signature: "C-SIG"}}},
		{Done: true},
	}}

	resp, err := run(src, NewNormalizer(nil), Options{}).Collect()
	require.NoError(t, err)
	assert.Equal(t, "firstsecond", resp.Thinking)
	assert.Equal(t, []canonical.Block{
		{Type: canonical.BlockThinking, Text: "first", Signature: "S1"},
		{Type: canonical.BlockThinking, Redacted: true, Data: "ENC"},
		{Type: canonical.BlockThinking, Text: "second"},
	}, resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "C-SIG", resp.ToolCalls[0].Signature)
}
