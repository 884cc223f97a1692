package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/modelbridge/internal/access"
	"github.com/vnmchuo/modelbridge/internal/auth"
	"github.com/vnmchuo/modelbridge/internal/billing"
	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/registry"
	"github.com/vnmchuo/modelbridge/internal/stream"
	"github.com/vnmchuo/modelbridge/pkg/ratelimit"
)

// defaultOutputEstimate is charged against the rate limit when a request
// leaves max_output_tokens unset.
const defaultOutputEstimate = 1000

// Gateway runs canonical requests. *orchestrator.Orchestrator satisfies it.
type Gateway interface {
	Generate(ctx context.Context, caller canonical.Caller, req *canonical.Request) (*canonical.Response, error)
	Stream(ctx context.Context, caller canonical.Caller, req *canonical.Request) (*stream.Stream, error)
	ToolResultTurn(ctx context.Context, modelID string, prior canonical.Message, results []canonical.ToolResult) ([]canonical.Message, error)
}

// ModelLister exposes the configured models. *registry.Static satisfies it.
type ModelLister interface {
	Models() []canonical.ModelDescriptor
}

type Handler struct {
	gateway Gateway
	models  ModelLister
	billing billing.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewHandler(gateway Gateway, models ModelLister, billing billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *slog.Logger) *Handler {
	return &Handler{
		gateway: gateway,
		models:  models,
		billing: billing,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger,
	}
}

// HandleGenerate serves POST /v1/generate.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.generate")
	defer span.End()

	caller, req, ok := h.prepare(ctx, w, r, span)
	if !ok {
		return
	}

	resp, err := h.gateway.Generate(ctx, caller, req)
	if err != nil {
		h.writeError(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGenerateStream serves POST /v1/generate/stream as server-sent
// events named after the canonical event types.
func (h *Handler) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.generate_stream")
	defer span.End()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	caller, req, ok := h.prepare(ctx, w, r, span)
	if !ok {
		return
	}

	s, err := h.gateway.Stream(ctx, caller, req)
	if err != nil {
		h.writeError(w, span, err)
		return
	}
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.Events() {
		if err := writeEvent(w, ev); err != nil {
			h.logger.Warn("sse write failed", "error", err, "request_id", caller.RequestID)
			return
		}
		flusher.Flush()
		if ev.Type == canonical.EventError {
			span.RecordError(ev.Err)
			span.SetStatus(codes.Error, ev.Err.Error())
		}
	}
}

// prepare authenticates, decodes and admits a request. On failure the
// response has already been written.
func (h *Handler) prepare(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span) (canonical.Caller, *canonical.Request, bool) {
	caller, ok := auth.GetCaller(ctx)
	if !ok || caller.TeamID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return caller, nil, false
	}

	var req canonical.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return caller, nil, false
	}
	if req.ModelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return caller, nil, false
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return caller, nil, false
	}

	span.SetAttributes(
		attribute.String("team_id", caller.TeamID),
		attribute.String("agent_id", caller.AgentID),
		attribute.String("request_id", caller.RequestID),
		attribute.String("model", req.ModelID),
	)

	estimated := estimateTokens(&req)
	allowed, err := h.limiter.Allow(ctx, caller.TeamID, estimated)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "error", err, "team_id", caller.TeamID)
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return caller, nil, false
	}
	return caller, &req, true
}

// estimateTokens is the admission charge: the prompt estimate plus the
// requested output reservation.
func estimateTokens(req *canonical.Request) int {
	out := req.MaxOutputTokens
	if out <= 0 {
		out = defaultOutputEstimate
	}
	return canonical.CountMessages(req.Messages) + out
}

type toolResultsRequest struct {
	ModelID string                 `json:"model"`
	Prior   canonical.Message      `json:"prior"`
	Results []canonical.ToolResult `json:"results"`
}

// HandleToolResults serves POST /v1/tool-results: it returns the turns to
// append to the history so the conversation can continue after the caller
// ran the tools of prior.
func (h *Handler) HandleToolResults(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.tool_results")
	defer span.End()

	if _, ok := auth.GetCaller(ctx); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req toolResultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	msgs, err := h.gateway.ToolResultTurn(ctx, req.ModelID, req.Prior, req.Results)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		span.RecordError(err)
		writeJSON(w, status, newErrorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	teamID := auth.GetTeamID(ctx)
	if teamID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
		to = t
	}

	logs, err := h.billing.GetUsageByTeam(ctx, teamID, from, to)
	if err != nil {
		h.logger.Error("usage query failed", "error", err, "team_id", teamID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load usage"})
		return
	}
	totalCost, err := h.billing.GetTotalCostByTeam(ctx, teamID, from, to)
	if err != nil {
		h.logger.Error("usage cost query failed", "error", err, "team_id", teamID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load usage"})
		return
	}
	if logs == nil {
		logs = []*billing.UsageLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"team_id":        teamID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

type modelInfo struct {
	ID                  string                 `json:"id"`
	Provider            canonical.Provider     `json:"provider"`
	ContextTokens       int                    `json:"context_tokens"`
	MaxCompletionTokens int                    `json:"max_completion_tokens"`
	Capabilities        canonical.Capabilities `json:"capabilities"`
}

// HandleModels serves GET /v1/models. Credentials and pricing are not exposed.
func (h *Handler) HandleModels(w http.ResponseWriter, _ *http.Request) {
	out := []modelInfo{}
	if h.models != nil {
		for _, d := range h.models.Models() {
			out = append(out, modelInfo{
				ID:                  d.ModelID,
				Provider:            d.Provider,
				ContextTokens:       d.ContextTokens,
				MaxCompletionTokens: d.MaxCompletionTokens,
				Capabilities:        d.Capabilities,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

// statusFor maps orchestration errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, canonical.ErrCredentialMissing):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, canonical.ErrUnsupportedCapability):
		return http.StatusBadRequest
	case errors.Is(err, canonical.ErrTokenBudgetExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, registry.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, canonical.ErrUpstreamProvider):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error          string `json:"error"`
	Provider       string `json:"provider,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

func newErrorBody(err error) errorBody {
	body := errorBody{Error: err.Error()}
	var upstream *canonical.UpstreamProviderError
	if errors.As(err, &upstream) {
		body.Provider = string(upstream.Provider)
		body.UpstreamStatus = upstream.Code
	}
	return body
}

func (h *Handler) writeError(w http.ResponseWriter, span trace.Span, err error) {
	status := statusFor(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "status", status)
	}
	writeJSON(w, status, newErrorBody(err))
}

// writeEvent writes one SSE frame. Error events carry the message and the
// status the same failure would have produced before streaming began.
func writeEvent(w http.ResponseWriter, ev canonical.StreamEvent) error {
	var data any = ev
	if ev.Type == canonical.EventError {
		err := ev.Err
		if err == nil {
			err = errors.New("stream failed")
		}
		data = struct {
			Type   canonical.EventType `json:"type"`
			Status int                 `json:"status"`
			errorBody
		}{canonical.EventError, statusFor(err), newErrorBody(err)}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
