package canonical

import "time"

// Provider identifies an upstream vendor. Adapters are registered per value.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderBedrock   Provider = "bedrock"
)

// CredentialStrategy names one step of a model's credential mode.
type CredentialStrategy string

const (
	CredentialNone          CredentialStrategy = "none"
	CredentialInternal      CredentialStrategy = "internal"
	CredentialVault         CredentialStrategy = "vault"
	CredentialProviderVault CredentialStrategy = "provider_vault"
)

type Capabilities struct {
	Tools     bool `json:"tools"`
	Vision    bool `json:"vision"`
	Reasoning bool `json:"reasoning"`
	ImageGen  bool `json:"image_gen"`
	WebSearch bool `json:"web_search"`
	JSONMode  bool `json:"json_mode"`
}

// Pricing is optional; zero values mean the usage record carries no cost.
type Pricing struct {
	InputPerToken      float64 `json:"input_per_token,omitempty"`
	OutputPerToken     float64 `json:"output_per_token,omitempty"`
	CacheReadPerToken  float64 `json:"cache_read_per_token,omitempty"`
	CacheWritePerToken float64 `json:"cache_write_per_token,omitempty"`
	// PerToolCall prices metered tools (e.g. web search) per invocation.
	PerToolCall map[string]float64 `json:"per_tool_call,omitempty"`
}

// ModelDescriptor is resolved once per call from the model registry and is
// treated as immutable afterwards.
type ModelDescriptor struct {
	ModelID             string               `json:"model_id"`
	Provider            Provider             `json:"provider"`
	ContextTokens       int                  `json:"context_tokens"`
	MaxCompletionTokens int                  `json:"max_completion_tokens"`
	CredentialMode      []CredentialStrategy `json:"credential_mode"`
	BaseURL             string               `json:"base_url,omitempty"`
	Capabilities        Capabilities         `json:"capabilities"`
	Pricing             Pricing              `json:"pricing"`

	// VaultKey overrides the secret name used by the vault strategy.
	VaultKey string `json:"vault_key,omitempty"`
	// NoSystemRole marks models that reject system turns; the system prompt
	// is folded into the first user turn instead.
	NoSystemRole bool          `json:"no_system_role,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Strategies returns the credential mode, defaulting to the internal key.
func (d ModelDescriptor) Strategies() []CredentialStrategy {
	if len(d.CredentialMode) == 0 {
		return []CredentialStrategy{CredentialInternal}
	}
	return d.CredentialMode
}
