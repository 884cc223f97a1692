// Package credential resolves the authentication material for a model call
// by walking the model's credential mode in declared order.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

var ErrSecretNotFound = errors.New("secret not found")

const DefaultSecretTimeout = 2 * time.Second

// SecretStore looks up caller-scoped secrets. Implementations return
// ErrSecretNotFound (or an empty string) when the caller has none.
type SecretStore interface {
	GetSecret(ctx context.Context, caller canonical.Caller, key string) (string, error)
}

// Strategy is one step of a credential mode. ok=false means "skip".
type Strategy interface {
	Resolve(ctx context.Context, caller canonical.Caller, desc canonical.ModelDescriptor) (creds canonical.Credentials, ok bool)
}

// DefaultKeys holds the process-level keys for the internal strategy.
type DefaultKeys map[canonical.Provider]string

type Resolver struct {
	strategies map[canonical.CredentialStrategy]Strategy
	logger     *slog.Logger
}

type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver wires the four built-in strategies. secrets may be nil, in
// which case the vault strategies always skip.
func NewResolver(keys DefaultKeys, secrets SecretStore, secretTimeout time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		strategies: map[canonical.CredentialStrategy]Strategy{
			canonical.CredentialNone:          None{},
			canonical.CredentialInternal:      Internal{Keys: keys},
			canonical.CredentialVault:         &Vault{Store: secrets, Timeout: secretTimeout},
			canonical.CredentialProviderVault: &ProviderVault{Store: secrets, Timeout: secretTimeout},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, s := range r.strategies {
		switch v := s.(type) {
		case *Vault:
			v.Logger = r.logger
		case *ProviderVault:
			v.Logger = r.logger
		}
	}
	return r
}

// Resolve returns the first non-empty credentials produced by the
// descriptor's strategies. Later strategies are never attempted.
func (r *Resolver) Resolve(ctx context.Context, caller canonical.Caller, desc canonical.ModelDescriptor) (canonical.Credentials, error) {
	for _, name := range desc.Strategies() {
		s, ok := r.strategies[name]
		if !ok {
			r.logger.Warn("unknown credential strategy", "strategy", name, "model", desc.ModelID)
			continue
		}
		creds, ok := s.Resolve(ctx, caller, desc)
		if ok && !creds.IsEmpty() {
			r.logger.Debug("credentials resolved", "strategy", name, "model", desc.ModelID, "key_source", creds.KeySource())
			return creds, nil
		}
	}
	return canonical.Credentials{}, &canonical.CredentialMissingError{Provider: desc.Provider, ModelID: desc.ModelID}
}

type None struct{}

func (None) Resolve(context.Context, canonical.Caller, canonical.ModelDescriptor) (canonical.Credentials, bool) {
	return canonical.NoCredentials(), true
}

type Internal struct {
	Keys DefaultKeys
}

func (s Internal) Resolve(_ context.Context, _ canonical.Caller, desc canonical.ModelDescriptor) (canonical.Credentials, bool) {
	key := s.Keys[desc.Provider]
	if key == "" {
		return canonical.Credentials{}, false
	}
	return canonical.APIKeyCredentials(key, false), true
}

// Vault asks the secret store for a caller-scoped API key. Errors and
// timeouts count as "no credential".
type Vault struct {
	Store   SecretStore
	Timeout time.Duration
	Logger  *slog.Logger
}

func (s *Vault) Resolve(ctx context.Context, caller canonical.Caller, desc canonical.ModelDescriptor) (canonical.Credentials, bool) {
	if s.Store == nil {
		return canonical.Credentials{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(s.Timeout))
	defer cancel()

	name := desc.VaultKey
	if name == "" {
		name = string(desc.Provider) + "_api_key"
	}
	secret, err := s.Store.GetSecret(ctx, caller, name)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			loggerOrDefault(s.Logger).Warn("vault lookup failed", "key", name, "error", err)
		}
		return canonical.Credentials{}, false
	}
	if secret == "" {
		return canonical.Credentials{}, false
	}
	return canonical.APIKeyCredentials(secret, true), true
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultSecretTimeout
	}
	return d
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
