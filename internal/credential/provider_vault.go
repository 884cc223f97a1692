package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// CompoundSpec lists the secrets a provider needs beyond a single key.
// Secret names are "<provider>_<field>".
type CompoundSpec struct {
	Kind     canonical.CredentialKind
	Required []string
	Optional []string
}

var DefaultCompoundSpecs = map[canonical.Provider]CompoundSpec{
	canonical.ProviderBedrock: {
		Kind:     canonical.CredentialKindAWSKeys,
		Required: []string{"access_key_id", "secret_access_key"},
		Optional: []string{"session_token"},
	},
	canonical.ProviderOpenAI: {
		Kind:     canonical.CredentialKindJSONBlob,
		Required: []string{"api_key"},
		Optional: []string{"organization", "project"},
	},
	canonical.ProviderGemini: {
		Kind:     canonical.CredentialKindJSONBlob,
		Required: []string{"api_key"},
	},
}

// ProviderVault assembles a compound credential from several caller-scoped
// secrets and skips when any required one is missing.
type ProviderVault struct {
	Store   SecretStore
	Timeout time.Duration
	Specs   map[canonical.Provider]CompoundSpec
	Logger  *slog.Logger
}

func (s *ProviderVault) Resolve(ctx context.Context, caller canonical.Caller, desc canonical.ModelDescriptor) (canonical.Credentials, bool) {
	if s.Store == nil {
		return canonical.Credentials{}, false
	}
	specs := s.Specs
	if specs == nil {
		specs = DefaultCompoundSpecs
	}
	spec, ok := specs[desc.Provider]
	if !ok {
		return canonical.Credentials{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(s.Timeout))
	defer cancel()

	fields := make(map[string]string, len(spec.Required)+len(spec.Optional))
	for _, f := range spec.Required {
		v, ok := s.lookup(ctx, caller, desc.Provider, f)
		if !ok {
			return canonical.Credentials{}, false
		}
		fields[f] = v
	}
	for _, f := range spec.Optional {
		if v, ok := s.lookup(ctx, caller, desc.Provider, f); ok {
			fields[f] = v
		}
	}

	if spec.Kind == canonical.CredentialKindAWSKeys {
		return canonical.Credentials{
			Kind: canonical.CredentialKindAWSKeys,
			AWS: &canonical.AWSKeys{
				AccessKeyID:     fields["access_key_id"],
				SecretAccessKey: fields["secret_access_key"],
				SessionToken:    fields["session_token"],
			},
			UserSupplied: true,
		}, true
	}
	return canonical.Credentials{Kind: canonical.CredentialKindJSONBlob, JSONBlob: fields, UserSupplied: true}, true
}

func (s *ProviderVault) lookup(ctx context.Context, caller canonical.Caller, p canonical.Provider, field string) (string, bool) {
	name := string(p) + "_" + field
	v, err := s.Store.GetSecret(ctx, caller, name)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			loggerOrDefault(s.Logger).Warn("provider vault lookup failed", "key", name, "error", err)
		}
		return "", false
	}
	return v, v != ""
}
