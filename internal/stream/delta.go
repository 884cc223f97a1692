// Package stream turns provider-specific incremental chunks into the
// canonical event sequence and delivers it over a bounded channel.
package stream

import "github.com/vnmchuo/modelbridge/internal/canonical"

// ToolCallDelta is one fragment of a tool call. Fragments sharing an Index
// belong to the same call; any field may be empty.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Signature string
}

// Delta is what an adapter decodes from a single upstream chunk.
type Delta struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCallDelta

	// Signature closes the thinking block in progress. RedactedThinking is
	// a complete encrypted block.
	Signature        string
	RedactedThinking string

	// FinishReason is recorded when seen; the stream keeps going until Done
	// or EOF because some vendors send usage after the finish chunk.
	FinishReason canonical.FinishReason
	// Done is the vendor's explicit end-of-message signal.
	Done  bool
	Usage *canonical.ProviderUsage
}

// Source yields deltas from an open upstream stream. Next returns io.EOF
// when the upstream closed cleanly.
type Source interface {
	Next() (Delta, error)
	Close() error
}

// SourceFunc adapts a function to Source for streams with nothing to close.
type SourceFunc func() (Delta, error)

func (f SourceFunc) Next() (Delta, error) { return f() }
func (f SourceFunc) Close() error         { return nil }
