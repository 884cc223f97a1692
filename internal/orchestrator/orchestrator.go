// Package orchestrator runs a canonical request end to end: model lookup,
// credentials, output clamp, context window, adapter call and usage
// reporting.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/modelbridge/internal/access"
	"github.com/vnmchuo/modelbridge/internal/budget"
	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/registry"
	"github.com/vnmchuo/modelbridge/internal/stream"
	"github.com/vnmchuo/modelbridge/internal/usage"
)

const tracerName = "github.com/vnmchuo/modelbridge/internal/orchestrator"

type CredentialResolver interface {
	Resolve(ctx context.Context, caller canonical.Caller, desc canonical.ModelDescriptor) (canonical.Credentials, error)
}

type UsageReporter interface {
	Report(ctx context.Context, recs ...canonical.UsageRecord)
}

type Option func(*Orchestrator)

func WithAuthorizer(a access.Authorizer) Option { return func(o *Orchestrator) { o.authz = a } }

func WithReporter(r UsageReporter) Option { return func(o *Orchestrator) { o.reporter = r } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithDefaultCompletionTokens caps the output of calls made with system
// credentials. Caller-supplied keys may use the model's full limit.
func WithDefaultCompletionTokens(n int) Option {
	return func(o *Orchestrator) { o.defaultCompletion = n }
}

// WithRetry enables retrying non-streaming calls that hit rate limits or
// overload, up to attempts tries in total. Streams are never retried.
func WithRetry(attempts int) Option { return func(o *Orchestrator) { o.retryAttempts = attempts } }

func WithStreamOptions(opts stream.Options) Option {
	return func(o *Orchestrator) { o.streamOpts = opts }
}

func WithBreakerSettings(s BreakerSettings) Option {
	return func(o *Orchestrator) { o.breakers = newBreakers(s) }
}

type Orchestrator struct {
	models   registry.Registry
	creds    CredentialResolver
	adapters *provider.Registry

	authz             access.Authorizer
	reporter          UsageReporter
	logger            *slog.Logger
	tracer            trace.Tracer
	breakers          *breakers
	defaultCompletion int
	retryAttempts     int
	streamOpts        stream.Options

	generateFn func(context.Context, canonical.Caller, *canonical.Request) (*canonical.Response, error)
	streamFn   func(context.Context, canonical.Caller, *canonical.Request) (*stream.Stream, error)
}

func New(models registry.Registry, creds CredentialResolver, adapters *provider.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		models:   models,
		creds:    creds,
		adapters: adapters,
		authz:    access.AllowAll,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		breakers: newBreakers(DefaultBreakerSettings),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.streamOpts.Logger == nil {
		o.streamOpts.Logger = o.logger
	}

	model := func(r *canonical.Request) string { return r.ModelID }
	o.generateFn = access.Guard(o.authz, access.ActionGenerate, model, o.doGenerate)
	o.streamFn = access.Guard(o.authz, access.ActionStream, model, o.doStream)
	return o
}

// Generate runs a non-streaming call.
func (o *Orchestrator) Generate(ctx context.Context, caller canonical.Caller, req *canonical.Request) (*canonical.Response, error) {
	return o.generateFn(ctx, caller, req)
}

// Stream starts a streaming call. The caller must drain or Close the
// returned stream.
func (o *Orchestrator) Stream(ctx context.Context, caller canonical.Caller, req *canonical.Request) (*stream.Stream, error) {
	return o.streamFn(ctx, caller, req)
}

// ToolResultTurn builds the follow-up turn(s) that answer prior's tool
// calls in the shape the model's provider expects. It performs no I/O
// beyond the registry lookup and is not access-checked.
func (o *Orchestrator) ToolResultTurn(ctx context.Context, modelID string, prior canonical.Message, results []canonical.ToolResult) ([]canonical.Message, error) {
	desc, err := o.models.GetModelDescriptor(ctx, modelID)
	if err != nil {
		return nil, err
	}
	adapter, err := o.adapters.Get(desc.Provider)
	if err != nil {
		return nil, err
	}
	return adapter.TransformToolResultTurn(prior, results)
}

// prepared is a request that passed every pre-flight check and is ready
// to be sent.
type prepared struct {
	desc    canonical.ModelDescriptor
	call    provider.Call
	adapter provider.Adapter
	body    any
	usage   usage.Context
}

func (o *Orchestrator) prepare(ctx context.Context, caller canonical.Caller, req *canonical.Request) (*prepared, error) {
	desc, err := o.models.GetModelDescriptor(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	creds, err := o.creds.Resolve(ctx, caller, desc)
	if err != nil {
		return nil, err
	}

	maxOut := o.clampOutput(desc, creds, outputRequest(req))
	window, err := budget.BuildContextWindow("", req.Messages, req.MaxInputTokens, maxOut, desc.ContextTokens)
	if err != nil {
		var budgetErr *canonical.TokenBudgetExceededError
		if errors.As(err, &budgetErr) {
			budgetErr.UserSupplied = creds.UserSupplied
		}
		return nil, err
	}

	adapter, err := o.adapters.Get(desc.Provider)
	if err != nil {
		return nil, err
	}
	body, err := adapter.AdaptRequest(&provider.Params{
		Descriptor:      desc,
		Messages:        window,
		Tools:           req.Tools,
		ToolChoice:      req.ToolChoice,
		MaxOutputTokens: maxOut,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
		ResponseFormat:  req.ResponseFormat,
		ReasoningBudget: req.ReasoningBudget,
		Files:           req.Files,
	})
	if err != nil {
		return nil, err
	}

	return &prepared{
		desc:    desc,
		call:    provider.Call{Descriptor: desc, Credentials: creds},
		adapter: adapter,
		body:    body,
		usage:   usage.ContextFor(caller, desc, creds),
	}, nil
}

// clampOutput returns the output reservation for the call: the requested
// amount limited to what the credentials allow, or that limit when the
// caller did not ask for a specific amount.
func (o *Orchestrator) clampOutput(desc canonical.ModelDescriptor, creds canonical.Credentials, requested int) int {
	limit := desc.MaxCompletionTokens
	if !creds.UserSupplied && o.defaultCompletion > 0 && o.defaultCompletion < limit {
		limit = o.defaultCompletion
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

// outputRequest is the output the caller asked for. Every vendor counts
// reasoning against the output limit, so the reasoning budget is reserved on
// top of the answer.
func outputRequest(req *canonical.Request) int {
	if req.MaxOutputTokens <= 0 {
		return 0
	}
	return req.MaxOutputTokens + max(req.ReasoningBudget, 0)
}

func (o *Orchestrator) doGenerate(ctx context.Context, caller canonical.Caller, req *canonical.Request) (*canonical.Response, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.generate", trace.WithAttributes(attribute.String("model", req.ModelID)))
	defer span.End()
	logger := o.logger.With("request_id", caller.RequestID, "model", req.ModelID)

	p, err := o.prepare(ctx, caller, req)
	if err != nil {
		return nil, o.fail(span, logger, err)
	}
	span.SetAttributes(attribute.String("provider", string(p.desc.Provider)))
	logger = logger.With("provider", p.desc.Provider)

	callCtx := ctx
	if p.desc.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.desc.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := withRetry(callCtx, o.retryAttempts, func() (any, error) {
		return execute(o.breakers, p.desc.Provider, func() (any, error) {
			return p.adapter.Invoke(callCtx, p.call, p.body)
		})
	})
	if err != nil {
		return nil, o.fail(span, logger, err)
	}
	res, err := p.adapter.AdaptResponse(raw)
	if err != nil {
		return nil, o.fail(span, logger, err)
	}

	rec := usage.Normalize(res.Usage, p.usage)
	o.report(ctx, rec)

	resp := &canonical.Response{
		ID:           res.ID,
		Model:        res.Model,
		Provider:     p.desc.Provider,
		Content:      res.Content,
		Thinking:     res.Thinking,
		Reasoning:    res.Reasoning,
		ToolCalls:    res.ToolCalls,
		FinishReason: res.FinishReason,
		Usage:        rec,
	}
	if resp.Model == "" {
		resp.Model = p.desc.ModelID
	}
	if req.ResponseFormat == canonical.ResponseFormatJSON {
		resp.Parsed, resp.FormatError = parseStructured(res.Content)
		if resp.FormatError != nil {
			logger.Warn("structured output did not parse", "reason", resp.FormatError.Reason)
		}
	}

	span.SetAttributes(
		attribute.Int("usage.input_tokens", rec.InputTokens),
		attribute.Int("usage.output_tokens", rec.OutputTokens),
		attribute.String("finish_reason", string(res.FinishReason)),
	)
	logger.Info("generate completed",
		"finish_reason", res.FinishReason,
		"latency_ms", time.Since(start).Milliseconds(),
		"key_source", rec.KeySource,
	)
	return resp, nil
}

func (o *Orchestrator) doStream(ctx context.Context, caller canonical.Caller, req *canonical.Request) (*stream.Stream, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stream", trace.WithAttributes(attribute.String("model", req.ModelID)))
	logger := o.logger.With("request_id", caller.RequestID, "model", req.ModelID)

	p, err := o.prepare(ctx, caller, req)
	if err != nil {
		err = o.fail(span, logger, err)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", string(p.desc.Provider)))
	logger = logger.With("provider", p.desc.Provider)

	streamCtx, cancel := context.WithCancel(ctx)
	h, err := execute(o.breakers, p.desc.Provider, func() (io.ReadCloser, error) {
		return p.adapter.CreateStream(streamCtx, p.call, p.body)
	})
	if err != nil {
		cancel()
		err = o.fail(span, logger, err)
		span.End()
		return nil, err
	}

	n := stream.NewNormalizer(func(u canonical.ProviderUsage) []canonical.UsageRecord {
		rec := usage.Normalize(u, p.usage)
		o.report(ctx, rec)
		span.SetAttributes(
			attribute.Int("usage.input_tokens", rec.InputTokens),
			attribute.Int("usage.output_tokens", rec.OutputTokens),
		)
		return []canonical.UsageRecord{rec}
	})

	opts := o.streamOpts
	start := time.Now()
	opts.OnDone = func(err error) {
		defer span.End()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				o.breakers.record(p.desc.Provider, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("stream ended with error", "error", err, "latency_ms", time.Since(start).Milliseconds())
			return
		}
		logger.Info("stream completed", "latency_ms", time.Since(start).Milliseconds())
	}
	return stream.Run(streamCtx, cancel, p.adapter.NormalizeStream(h), n, opts), nil
}

func (o *Orchestrator) report(ctx context.Context, rec canonical.UsageRecord) {
	if o.reporter != nil {
		o.reporter.Report(ctx, rec)
	}
}

// fail records err on the span and returns it unchanged.
func (o *Orchestrator) fail(span trace.Span, logger *slog.Logger, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Warn("call failed", "error", err)
	return err
}
