// Package config loads gateway configuration from an optional YAML file,
// .env and GATEWAY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

const envPrefix = "GATEWAY_"

type Config struct {
	Server      ServerConfig              `koanf:"server"`
	Postgres    PostgresConfig            `koanf:"postgres"`
	Redis       RedisConfig               `koanf:"redis"`
	Providers   map[string]ProviderConfig `koanf:"providers"`
	Models      []ModelConfig             `koanf:"models"`
	Credentials CredentialsConfig         `koanf:"credentials"`
	Stream      StreamConfig              `koanf:"stream"`
	Limits      LimitsConfig              `koanf:"limits"`
	Retry       RetryConfig               `koanf:"retry"`
	Telemetry   TelemetryConfig           `koanf:"telemetry"`
	Log         LogConfig                 `koanf:"log"`
	Access      AccessConfig              `koanf:"access"`
	Seed        bool                      `koanf:"seed"`
}

type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
}

// ProviderConfig holds the process-wide settings of one upstream vendor.
// APIKey is the system key used by the internal credential strategy.
type ProviderConfig struct {
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

type ModelConfig struct {
	ID                  string             `koanf:"id"`
	Provider            string             `koanf:"provider"`
	ContextTokens       int                `koanf:"context_tokens"`
	MaxCompletionTokens int                `koanf:"max_completion_tokens"`
	CredentialMode      []string           `koanf:"credential_mode"`
	BaseURL             string             `koanf:"base_url"`
	VaultKey            string             `koanf:"vault_key"`
	NoSystemRole        bool               `koanf:"no_system_role"`
	Timeout             time.Duration      `koanf:"timeout"`
	Capabilities        CapabilitiesConfig `koanf:"capabilities"`
	Pricing             PricingConfig      `koanf:"pricing"`
}

type CapabilitiesConfig struct {
	Tools     bool `koanf:"tools"`
	Vision    bool `koanf:"vision"`
	Reasoning bool `koanf:"reasoning"`
	ImageGen  bool `koanf:"image_gen"`
	WebSearch bool `koanf:"web_search"`
	JSONMode  bool `koanf:"json_mode"`
}

type PricingConfig struct {
	InputPerToken      float64            `koanf:"input_per_token"`
	OutputPerToken     float64            `koanf:"output_per_token"`
	CacheReadPerToken  float64            `koanf:"cache_read_per_token"`
	CacheWritePerToken float64            `koanf:"cache_write_per_token"`
	PerToolCall        map[string]float64 `koanf:"per_tool_call"`
}

type CredentialsConfig struct {
	SecretTimeout time.Duration `koanf:"secret_timeout"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`
}

type StreamConfig struct {
	BufferSize int    `koanf:"buffer_size"`
	Overflow   string `koanf:"overflow"`
}

type LimitsConfig struct {
	RateLimitTPM            int64 `koanf:"rate_limit_tpm"`
	DefaultCompletionTokens int   `koanf:"default_completion_tokens"`
}

type RetryConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

type TelemetryConfig struct {
	Exporter string `koanf:"exporter"` // "stdout" or "otlp"
	Endpoint string `koanf:"endpoint"`
}

// AccessConfig selects the model authorizer: "allow_all" or "postgres"
// (grants in the model_grants table).
type AccessConfig struct {
	Mode string `koanf:"mode"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads path (skipped when empty or missing), then layers GATEWAY_
// environment variables on top and applies defaults.
func Load(path string) (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Postgres.DSN = expand(cfg.Postgres.DSN)
	for name, p := range cfg.Providers {
		p.APIKey = expand(p.APIKey)
		cfg.Providers[name] = p
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps an environment variable to a config path. The first segment
// after the prefix names the section and the rest is the key, so
// GATEWAY_SERVER_READ_TIMEOUT is server.read_timeout. Providers nest one
// level deeper: GATEWAY_PROVIDERS_OPENAI_API_KEY is providers.openai.api_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	if section == "providers" {
		name, key, ok := strings.Cut(rest, "_")
		if ok {
			return section + "." + name + "." + key
		}
	}
	return section + "." + rest
}

// expand resolves a whole-value ${VAR} placeholder from the environment.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Credentials.SecretTimeout == 0 {
		c.Credentials.SecretTimeout = 2 * time.Second
	}
	if c.Credentials.CacheTTL == 0 {
		c.Credentials.CacheTTL = time.Minute
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 64
	}
	if c.Stream.Overflow == "" {
		c.Stream.Overflow = "block"
	}
	if c.Limits.RateLimitTPM == 0 {
		c.Limits.RateLimitTPM = 100000
	}
	if c.Limits.DefaultCompletionTokens == 0 {
		c.Limits.DefaultCompletionTokens = 4096
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "stdout"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4317"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Access.Mode == "" {
		c.Access.Mode = "allow_all"
	}
}

func (c *Config) validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Stream.Overflow {
	case "block", "drop":
	default:
		return fmt.Errorf("stream.overflow must be block or drop, got %q", c.Stream.Overflow)
	}
	switch c.Telemetry.Exporter {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("telemetry.exporter must be stdout, otlp or none, got %q", c.Telemetry.Exporter)
	}
	switch c.Access.Mode {
	case "allow_all", "postgres":
	default:
		return fmt.Errorf("access.mode must be allow_all or postgres, got %q", c.Access.Mode)
	}
	return nil
}

// DefaultKeys returns the configured system key per provider.
func (c *Config) DefaultKeys() map[canonical.Provider]string {
	keys := make(map[canonical.Provider]string, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			keys[canonical.Provider(name)] = p.APIKey
		}
	}
	return keys
}

// Descriptors converts the model entries, filling base URL and timeout
// from the provider section when a model does not set its own.
func (c *Config) Descriptors() []canonical.ModelDescriptor {
	out := make([]canonical.ModelDescriptor, 0, len(c.Models))
	for _, m := range c.Models {
		d := m.Descriptor()
		if p, ok := c.Providers[m.Provider]; ok {
			if d.BaseURL == "" {
				d.BaseURL = p.BaseURL
			}
			if d.Timeout == 0 {
				d.Timeout = p.Timeout
			}
		}
		out = append(out, d)
	}
	return out
}

func (m ModelConfig) Descriptor() canonical.ModelDescriptor {
	modes := make([]canonical.CredentialStrategy, 0, len(m.CredentialMode))
	for _, s := range m.CredentialMode {
		modes = append(modes, canonical.CredentialStrategy(s))
	}
	return canonical.ModelDescriptor{
		ModelID:             m.ID,
		Provider:            canonical.Provider(m.Provider),
		ContextTokens:       m.ContextTokens,
		MaxCompletionTokens: m.MaxCompletionTokens,
		CredentialMode:      modes,
		BaseURL:             m.BaseURL,
		Capabilities: canonical.Capabilities{
			Tools:     m.Capabilities.Tools,
			Vision:    m.Capabilities.Vision,
			Reasoning: m.Capabilities.Reasoning,
			ImageGen:  m.Capabilities.ImageGen,
			WebSearch: m.Capabilities.WebSearch,
			JSONMode:  m.Capabilities.JSONMode,
		},
		Pricing: canonical.Pricing{
			InputPerToken:      m.Pricing.InputPerToken,
			OutputPerToken:     m.Pricing.OutputPerToken,
			CacheReadPerToken:  m.Pricing.CacheReadPerToken,
			CacheWritePerToken: m.Pricing.CacheWritePerToken,
			PerToolCall:        m.Pricing.PerToolCall,
		},
		VaultKey:     m.VaultKey,
		NoSystemRole: m.NoSystemRole,
		Timeout:      m.Timeout,
	}
}
