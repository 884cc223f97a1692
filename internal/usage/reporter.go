package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// DefaultEmitTimeout bounds a single sink emit.
const DefaultEmitTimeout = 5 * time.Second

// Sink is a metering destination.
type Sink interface {
	Emit(ctx context.Context, rec canonical.UsageRecord) error
}

type SinkFunc func(ctx context.Context, rec canonical.UsageRecord) error

func (f SinkFunc) Emit(ctx context.Context, rec canonical.UsageRecord) error { return f(ctx, rec) }

// Reporter fans usage records out to its sinks. Emits run in the background
// on a context detached from the request, so a finished or cancelled call
// still gets metered; sink failures are logged and never reach the caller.
type Reporter struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewReporter(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}
	return &Reporter{sinks: sinks, timeout: timeout, logger: logger}
}

// Report emits recs to every sink and returns immediately.
func (r *Reporter) Report(ctx context.Context, recs ...canonical.UsageRecord) {
	if r == nil || len(r.sinks) == 0 || len(recs) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		go func(sink Sink) {
			ctx, cancel := context.WithTimeout(detached, r.timeout)
			defer cancel()
			for _, rec := range recs {
				if err := sink.Emit(ctx, rec); err != nil {
					r.logger.Error("usage emit failed",
						"error", err,
						"request_id", rec.RequestID,
						"model", rec.Model,
						"provider", rec.Provider,
					)
				}
			}
		}(sink)
	}
}

// LogSink writes each record as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, rec canonical.UsageRecord) error {
	attrs := []any{
		"request_id", rec.RequestID,
		"provider", rec.Provider,
		"model", rec.Model,
		"team_id", rec.TeamID,
		"agent_id", rec.AgentID,
		"key_source", rec.KeySource,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cached_read_tokens", rec.CachedReadTokens,
		"cached_write_tokens", rec.CachedWriteTokens,
		"reasoning_tokens", rec.ReasoningTokens,
	}
	if rec.Cost != nil {
		attrs = append(attrs, "cost", *rec.Cost)
	}
	s.Logger.InfoContext(ctx, "usage", attrs...)
	return nil
}
