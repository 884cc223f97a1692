package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

var ErrStreamOverflow = errors.New("stream buffer overflow: consumer too slow")

type OverflowPolicy string

const (
	// OverflowBlock makes the producer wait for the consumer.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDrop aborts the upstream call and ends the stream with an
	// Error event once the buffer is full.
	OverflowDrop OverflowPolicy = "drop"
)

const DefaultBufferSize = 64

type Options struct {
	BufferSize int
	Overflow   OverflowPolicy
	Logger     *slog.Logger
	// OnDone runs once the producer has stopped, before the event channel
	// is closed. err is the error carried by the terminal event, if any.
	OnDone func(err error)
}

// Stream is a single-producer, single-consumer event stream. The channel
// returned by Events always carries exactly one terminal event unless the
// consumer closed the stream first.
type Stream struct {
	events   chan canonical.StreamEvent
	cancel   context.CancelFunc
	done     chan struct{}
	capacity int
	policy   OverflowPolicy
	logger   *slog.Logger
	onDone   func(error)
	err      error
}

// Run starts pumping src through n. cancel must abort the context the
// upstream call was made with; the stream calls it when it finishes or is
// closed.
func Run(ctx context.Context, cancel context.CancelFunc, src Source, n *Normalizer, opts Options) *Stream {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	if size < 2 {
		size = 2
	}
	policy := opts.Overflow
	if policy == "" {
		policy = OverflowBlock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stream{
		events:   make(chan canonical.StreamEvent, size),
		cancel:   cancel,
		done:     make(chan struct{}),
		capacity: size,
		policy:   policy,
		logger:   logger,
		onDone:   opts.OnDone,
	}
	go s.pump(ctx, src, n)
	return s
}

func (s *Stream) Events() <-chan canonical.StreamEvent { return s.events }

// Close aborts the upstream call and waits for the producer to exit.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) pump(ctx context.Context, src Source, n *Normalizer) {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		if s.onDone != nil {
			s.onDone(s.err)
		}
	}()
	defer s.cancel()
	defer src.Close()

	for {
		d, err := src.Next()
		if errors.Is(err, io.EOF) {
			if !s.deliver(ctx, n.Finish()) {
				s.abort(ctx, n)
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.deliver(ctx, n.Fail(err))
			return
		}
		if !s.deliver(ctx, n.Feed(d)) {
			s.abort(ctx, n)
			return
		}
		if n.Done() {
			return
		}
	}
}

// abort ends a stream whose consumer stopped keeping up or went away.
func (s *Stream) abort(ctx context.Context, n *Normalizer) {
	err := ctx.Err()
	if err == nil {
		s.logger.Warn("stream consumer too slow, aborting upstream", "buffer", s.capacity)
		s.cancel()
		err = ErrStreamOverflow
	}
	n.Fail(err)
	s.terminal(ctx, []canonical.StreamEvent{canonical.ErrorEvent(err)})
}

// deliver sends events in order. It reports false when a non-terminal
// event could not be queued.
func (s *Stream) deliver(ctx context.Context, events []canonical.StreamEvent) bool {
	for _, ev := range events {
		if ev.Terminal() {
			s.terminal(ctx, []canonical.StreamEvent{ev})
			continue
		}
		if !s.send(ctx, ev) {
			return false
		}
	}
	return true
}

func (s *Stream) send(ctx context.Context, ev canonical.StreamEvent) bool {
	if s.policy == OverflowDrop {
		// Only this goroutine sends, so the check cannot race into a
		// blocking send. One slot stays free for the terminal event.
		if len(s.events) >= s.capacity-1 {
			return false
		}
		s.events <- ev
		return true
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) terminal(ctx context.Context, events []canonical.StreamEvent) {
	for _, ev := range events {
		if ev.Type == canonical.EventError {
			s.err = ev.Err
		}
		select {
		case s.events <- ev:
			continue
		default:
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
		}
	}
}

// Collect drains the stream into a single response. Interruptions are not
// errors; an Error event is returned as err.
func (s *Stream) Collect() (*canonical.Response, error) {
	var (
		resp      canonical.Response
		content   strings.Builder
		thinking  strings.Builder
		block     *canonical.Block
		streamErr error
	)
	closeBlock := func() {
		if block != nil {
			resp.Reasoning = append(resp.Reasoning, *block)
			block = nil
		}
	}
	for ev := range s.events {
		switch ev.Type {
		case canonical.EventContent:
			content.WriteString(ev.Text)
		case canonical.EventThinking:
			if ev.Redacted {
				closeBlock()
				resp.Reasoning = append(resp.Reasoning, canonical.Block{Type: canonical.BlockThinking, Redacted: true, Data: ev.Data})
				continue
			}
			thinking.WriteString(ev.Text)
			if block == nil {
				block = &canonical.Block{Type: canonical.BlockThinking}
			}
			block.Text += ev.Text
			if ev.Signature != "" {
				block.Signature = ev.Signature
				closeBlock()
			}
		case canonical.EventEnd:
			resp.ToolCalls = ev.ToolCalls
			resp.FinishReason = ev.FinishReason
			if len(ev.Usage) > 0 {
				resp.Usage = ev.Usage[len(ev.Usage)-1]
			}
		case canonical.EventError:
			streamErr = ev.Err
		}
	}
	<-s.done
	if streamErr != nil {
		return nil, streamErr
	}
	closeBlock()
	resp.Content = content.String()
	resp.Thinking = thinking.String()
	return &resp, nil
}
