package usage

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// PrometheusSink counts requests, tokens and cost per provider and model,
// and tracks the size of each call.
type PrometheusSink struct {
	requests   *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	cost       *prometheus.CounterVec
	callTokens *prometheus.HistogramVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelbridge",
			Name:      "usage_requests_total",
			Help:      "Metered model calls.",
		}, []string{"provider", "model", "key_source"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelbridge",
			Name:      "usage_tokens_total",
			Help:      "Tokens consumed, by kind.",
		}, []string{"provider", "model", "key_source", "kind"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelbridge",
			Name:      "usage_cost_usd_total",
			Help:      "Cost of metered model calls in USD.",
		}, []string{"provider", "model", "key_source"}),
		callTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelbridge",
			Name:      "usage_call_tokens",
			Help:      "Total tokens billed per call.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"provider", "model"}),
	}
	if reg != nil {
		reg.MustRegister(s.requests, s.tokens, s.cost, s.callTokens)
	}
	return s
}

func (s *PrometheusSink) Emit(_ context.Context, rec canonical.UsageRecord) error {
	provider, model, source := string(rec.Provider), rec.Model, string(rec.KeySource)
	s.requests.WithLabelValues(provider, model, source).Inc()
	for kind, n := range map[string]int{
		"input":        rec.InputTokens,
		"output":       rec.OutputTokens,
		"cached_read":  rec.CachedReadTokens,
		"cached_write": rec.CachedWriteTokens,
		"reasoning":    rec.ReasoningTokens,
	} {
		if n > 0 {
			s.tokens.WithLabelValues(provider, model, source, kind).Add(float64(n))
		}
	}
	s.callTokens.WithLabelValues(provider, model).Observe(float64(rec.TotalTokens()))
	if rec.Cost != nil && *rec.Cost > 0 {
		s.cost.WithLabelValues(provider, model, source).Add(*rec.Cost)
	}
	return nil
}
