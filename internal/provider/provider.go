// Package provider defines the adapter contract every upstream vendor
// implements and the wire helpers the adapters share.
package provider

import (
	"context"
	"io"

	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/stream"
)

// Params is the canonical request after budgeting: Messages is the trimmed
// context window with the system message, if any, first.
type Params struct {
	Descriptor      canonical.ModelDescriptor
	Messages        []canonical.Message
	Tools           []canonical.ToolDefinition
	ToolChoice      *canonical.ToolChoice
	MaxOutputTokens int
	Temperature     *float64
	TopP            *float64
	TopK            *int
	StopSequences   []string
	ResponseFormat  canonical.ResponseFormat
	ReasoningBudget int
	Files           []canonical.File
}

// Call carries what an adapter needs at execution time but must not bake
// into the request body.
type Call struct {
	Descriptor  canonical.ModelDescriptor
	Credentials canonical.Credentials
}

// Result is the canonical shape of a non-streaming response before usage
// normalization.
type Result struct {
	ID           string
	Model        string
	Content      string
	Thinking     string
	Reasoning    []canonical.Block
	ToolCalls    []canonical.ToolCall
	FinishReason canonical.FinishReason
	Usage        canonical.ProviderUsage
}

// Adapter translates between the canonical model and one vendor's wire
// format. AdaptRequest, AdaptResponse and TransformToolResultTurn are pure;
// Invoke and CreateStream perform I/O and never retry.
type Adapter interface {
	Name() canonical.Provider

	AdaptRequest(p *Params) (any, error)
	Invoke(ctx context.Context, call Call, body any) (any, error)
	AdaptResponse(raw any) (*Result, error)

	// CreateStream opens the upstream stream. The returned handle is owned
	// by the caller; cancelling ctx aborts it.
	CreateStream(ctx context.Context, call Call, body any) (io.ReadCloser, error)
	NormalizeStream(h io.ReadCloser) stream.Source

	// TransformToolResultTurn builds the canonical follow-up turn(s) for
	// results of the tool calls in prior, shaped so that AdaptRequest
	// produces a history the vendor accepts.
	TransformToolResultTurn(prior canonical.Message, results []canonical.ToolResult) ([]canonical.Message, error)
}
