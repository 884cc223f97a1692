package canonical

import (
	"errors"
	"fmt"
)

var (
	ErrCredentialMissing     = errors.New("credential missing")
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrTokenBudgetExceeded   = errors.New("token budget exceeded")
	ErrUpstreamProvider      = errors.New("upstream provider error")
	ErrStreamInterrupted     = errors.New("stream interrupted")
	ErrInvalidResponseFormat = errors.New("invalid response format")
)

type CredentialMissingError struct {
	Provider Provider
	ModelID  string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("no credentials available for model %s (provider %s)", e.ModelID, e.Provider)
}

func (e *CredentialMissingError) Is(target error) bool { return target == ErrCredentialMissing }

type UnsupportedCapabilityError struct {
	ModelID    string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("model %s does not support %s", e.ModelID, e.Capability)
}

func (e *UnsupportedCapabilityError) Is(target error) bool { return target == ErrUnsupportedCapability }

// TokenBudgetExceededError is raised before any network call. The message
// tells the caller what would actually help.
type TokenBudgetExceededError struct {
	Required     int
	Available    int
	UserSupplied bool
}

func (e *TokenBudgetExceededError) Error() string {
	if e.UserSupplied {
		return fmt.Sprintf("request needs %d tokens but only %d fit the model's context window: reduce the prompt or max output tokens",
			e.Required, e.Available)
	}
	return fmt.Sprintf("request needs %d tokens but only %d are available with the shared key: add your own key or reduce the prompt or output size",
		e.Required, e.Available)
}

func (e *TokenBudgetExceededError) Is(target error) bool { return target == ErrTokenBudgetExceeded }

// UpstreamProviderError wraps a vendor's native error without interpreting it.
type UpstreamProviderError struct {
	Provider Provider
	Code     int
	Message  string
	Err      error
}

func (e *UpstreamProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

func (e *UpstreamProviderError) Unwrap() error { return e.Err }

func (e *UpstreamProviderError) Is(target error) bool { return target == ErrUpstreamProvider }

// StreamInterruptedError is informational: content already emitted stays valid.
type StreamInterruptedError struct {
	Reason string
}

func (e *StreamInterruptedError) Error() string { return "stream interrupted: " + e.Reason }

func (e *StreamInterruptedError) Is(target error) bool { return target == ErrStreamInterrupted }

// InvalidResponseFormatError is returned alongside the raw text, never thrown.
type InvalidResponseFormatError struct {
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

func (e *InvalidResponseFormatError) Error() string {
	return "structured output did not parse: " + e.Reason
}

func (e *InvalidResponseFormatError) Is(target error) bool { return target == ErrInvalidResponseFormat }
