// Package registry resolves model ids to model descriptors.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

var ErrUnknownModel = errors.New("unknown model")

type Registry interface {
	GetModelDescriptor(ctx context.Context, modelID string) (canonical.ModelDescriptor, error)
}

// Static is an immutable registry built at startup.
type Static struct {
	models map[string]canonical.ModelDescriptor
}

func NewStatic(descs ...canonical.ModelDescriptor) (*Static, error) {
	models := make(map[string]canonical.ModelDescriptor, len(descs))
	for _, d := range descs {
		if err := validate(d); err != nil {
			return nil, err
		}
		if _, dup := models[d.ModelID]; dup {
			return nil, fmt.Errorf("model %q registered twice", d.ModelID)
		}
		models[d.ModelID] = d
	}
	return &Static{models: models}, nil
}

func validate(d canonical.ModelDescriptor) error {
	switch {
	case d.ModelID == "":
		return errors.New("model id is required")
	case d.Provider == "":
		return fmt.Errorf("model %q: provider is required", d.ModelID)
	case d.ContextTokens <= 0:
		return fmt.Errorf("model %q: context_tokens must be positive", d.ModelID)
	case d.MaxCompletionTokens <= 0 || d.MaxCompletionTokens >= d.ContextTokens:
		return fmt.Errorf("model %q: max_completion_tokens must be positive and below context_tokens", d.ModelID)
	}
	for _, s := range d.CredentialMode {
		switch s {
		case canonical.CredentialNone, canonical.CredentialInternal, canonical.CredentialVault, canonical.CredentialProviderVault:
		default:
			return fmt.Errorf("model %q: unknown credential strategy %q", d.ModelID, s)
		}
	}
	return nil
}

func (s *Static) GetModelDescriptor(_ context.Context, modelID string) (canonical.ModelDescriptor, error) {
	d, ok := s.models[modelID]
	if !ok {
		return canonical.ModelDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return d, nil
}

// Models lists the registered descriptors ordered by id.
func (s *Static) Models() []canonical.ModelDescriptor {
	out := make([]canonical.ModelDescriptor, 0, len(s.models))
	for _, d := range s.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
