package canonical

type KeySource string

const (
	KeySourceNone   KeySource = "none"
	KeySourceSystem KeySource = "system"
	KeySourceUser   KeySource = "user"
)

// ProviderUsage is the raw accounting an adapter extracts from a vendor
// response or stream chunk. Nil fields were not reported.
type ProviderUsage struct {
	InputTokens       *int
	OutputTokens      *int
	CachedReadTokens  *int
	CachedWriteTokens *int
	ReasoningTokens   *int
	// CachedReadIncluded is set by vendors whose prompt count already
	// contains the cache-read tokens.
	CachedReadIncluded bool
	// Cost is a flat, vendor-reported amount that replaces token accounting.
	Cost *float64
	// ToolCalls counts metered tool invocations by tool name.
	ToolCalls map[string]int
}

// Merge overwrites the fields other reports (last write wins per field).
func (u *ProviderUsage) Merge(other ProviderUsage) {
	if other.InputTokens != nil {
		u.InputTokens = other.InputTokens
		u.CachedReadIncluded = other.CachedReadIncluded
	}
	if other.OutputTokens != nil {
		u.OutputTokens = other.OutputTokens
	}
	if other.CachedReadTokens != nil {
		u.CachedReadTokens = other.CachedReadTokens
	}
	if other.CachedWriteTokens != nil {
		u.CachedWriteTokens = other.CachedWriteTokens
	}
	if other.ReasoningTokens != nil {
		u.ReasoningTokens = other.ReasoningTokens
	}
	if other.Cost != nil {
		u.Cost = other.Cost
	}
	for name, n := range other.ToolCalls {
		if u.ToolCalls == nil {
			u.ToolCalls = make(map[string]int, len(other.ToolCalls))
		}
		u.ToolCalls[name] = n
	}
}

func (u ProviderUsage) IsZero() bool {
	return u.InputTokens == nil && u.OutputTokens == nil && u.CachedReadTokens == nil &&
		u.CachedWriteTokens == nil && u.ReasoningTokens == nil && u.Cost == nil && len(u.ToolCalls) == 0
}

// Int returns a pointer to n; adapters use it to fill ProviderUsage.
func Int(n int) *int { return &n }

// UsageRecord is the normalized metering record handed to the sink once per
// call (or once per stream).
type UsageRecord struct {
	InputTokens       int       `json:"input_tokens"`
	OutputTokens      int       `json:"output_tokens"`
	CachedReadTokens  int       `json:"cached_read_tokens"`
	CachedWriteTokens int       `json:"cached_write_tokens"`
	ReasoningTokens   int       `json:"reasoning_tokens"`
	Cost              *float64  `json:"cost,omitempty"`
	KeySource         KeySource `json:"key_source"`
	AgentID           string    `json:"agent_id,omitempty"`
	TeamID            string    `json:"team_id,omitempty"`

	Provider  Provider `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// AsProviderUsage turns a normalized record back into raw usage with nothing
// left to reconcile.
func (r UsageRecord) AsProviderUsage() ProviderUsage {
	u := ProviderUsage{
		InputTokens:       Int(r.InputTokens),
		OutputTokens:      Int(r.OutputTokens),
		CachedReadTokens:  Int(r.CachedReadTokens),
		CachedWriteTokens: Int(r.CachedWriteTokens),
		ReasoningTokens:   Int(r.ReasoningTokens),
	}
	if r.Cost != nil {
		c := *r.Cost
		u.Cost = &c
	}
	return u
}

// TotalTokens counts every token the call was billed for.
func (r UsageRecord) TotalTokens() int {
	return r.InputTokens + r.OutputTokens + r.CachedReadTokens + r.CachedWriteTokens
}
