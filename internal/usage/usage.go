// Package usage turns vendor usage statistics into canonical usage records
// and hands them to metering sinks.
package usage

import (
	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// Context carries the call attributes stamped onto every record.
type Context struct {
	KeySource canonical.KeySource
	AgentID   string
	TeamID    string
	Provider  canonical.Provider
	Model     string
	RequestID string
	Pricing   canonical.Pricing
}

// ContextFor builds the record context of a call.
func ContextFor(caller canonical.Caller, desc canonical.ModelDescriptor, creds canonical.Credentials) Context {
	return Context{
		KeySource: creds.KeySource(),
		AgentID:   caller.AgentID,
		TeamID:    caller.TeamID,
		Provider:  desc.Provider,
		Model:     desc.ModelID,
		RequestID: caller.RequestID,
		Pricing:   desc.Pricing,
	}
}

// Normalize maps vendor usage into a UsageRecord. Fields the vendor did not
// report are zero. When the vendor counts cache reads inside its prompt
// tokens they are subtracted, so InputTokens only counts uncached input.
//
// A vendor-reported cost is used as is. Otherwise cost is derived from the
// metered tool calls and token prices in c.Pricing, and left nil when the
// model has no pricing at all.
//
// Normalize is idempotent over records: Normalize(r.AsProviderUsage(), c)
// reproduces r for any record r built with the same c.
func Normalize(u canonical.ProviderUsage, c Context) canonical.UsageRecord {
	rec := canonical.UsageRecord{
		InputTokens:       deref(u.InputTokens),
		OutputTokens:      deref(u.OutputTokens),
		CachedReadTokens:  deref(u.CachedReadTokens),
		CachedWriteTokens: deref(u.CachedWriteTokens),
		ReasoningTokens:   deref(u.ReasoningTokens),
		KeySource:         c.KeySource,
		AgentID:           c.AgentID,
		TeamID:            c.TeamID,
		Provider:          c.Provider,
		Model:             c.Model,
		RequestID:         c.RequestID,
	}
	if rec.KeySource == "" {
		rec.KeySource = canonical.KeySourceNone
	}
	if u.CachedReadIncluded {
		rec.InputTokens = max(rec.InputTokens-rec.CachedReadTokens, 0)
	}

	if u.Cost != nil {
		cost := *u.Cost
		rec.Cost = &cost
		return rec
	}
	if cost, ok := price(rec, u.ToolCalls, c.Pricing); ok {
		rec.Cost = &cost
	}
	return rec
}

func price(rec canonical.UsageRecord, toolCalls map[string]int, p canonical.Pricing) (float64, bool) {
	priced := false
	var cost float64
	for name, n := range toolCalls {
		if per, ok := p.PerToolCall[name]; ok {
			cost += per * float64(n)
			priced = true
		}
	}
	if p.InputPerToken != 0 || p.OutputPerToken != 0 || p.CacheReadPerToken != 0 || p.CacheWritePerToken != 0 {
		cost += float64(rec.InputTokens)*p.InputPerToken +
			float64(rec.OutputTokens)*p.OutputPerToken +
			float64(rec.CachedReadTokens)*p.CacheReadPerToken +
			float64(rec.CachedWriteTokens)*p.CacheWritePerToken
		priced = true
	}
	return cost, priced
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
