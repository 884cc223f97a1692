// Package billing persists usage records and reads them back per team.
package billing

import (
	"context"
	"time"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

type UsageLog struct {
	ID                string    `json:"id"`
	TeamID            string    `json:"team_id"`
	AgentID           string    `json:"agent_id,omitempty"`
	RequestID         string    `json:"request_id"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	KeySource         string    `json:"key_source"`
	InputTokens       int       `json:"input_tokens"`
	OutputTokens      int       `json:"output_tokens"`
	CachedReadTokens  int       `json:"cached_read_tokens"`
	CachedWriteTokens int       `json:"cached_write_tokens"`
	ReasoningTokens   int       `json:"reasoning_tokens"`
	CostUSD           float64   `json:"cost_usd"`
	CreatedAt         time.Time `json:"created_at"`
}

func FromRecord(rec canonical.UsageRecord) *UsageLog {
	l := &UsageLog{
		TeamID:            rec.TeamID,
		AgentID:           rec.AgentID,
		RequestID:         rec.RequestID,
		Provider:          string(rec.Provider),
		Model:             rec.Model,
		KeySource:         string(rec.KeySource),
		InputTokens:       rec.InputTokens,
		OutputTokens:      rec.OutputTokens,
		CachedReadTokens:  rec.CachedReadTokens,
		CachedWriteTokens: rec.CachedWriteTokens,
		ReasoningTokens:   rec.ReasoningTokens,
	}
	if rec.Cost != nil {
		l.CostUSD = *rec.Cost
	}
	return l
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTeam(ctx context.Context, teamID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTeam(ctx context.Context, teamID string, from, to time.Time) (float64, error)
}

// Sink writes every usage record to a Store.
type Sink struct {
	store Store
}

func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

func (s *Sink) Emit(ctx context.Context, rec canonical.UsageRecord) error {
	return s.store.LogUsage(ctx, FromRecord(rec))
}
