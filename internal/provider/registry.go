package provider

import (
	"fmt"
	"slices"
	"sync"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

type Factory func() Adapter

type lazyAdapter struct {
	once    sync.Once
	factory Factory
	adapter Adapter
}

// Registry maps a provider to its adapter. Adapters are built on first use
// and shared afterwards; they hold no per-call state.
type Registry struct {
	mu       sync.RWMutex
	adapters map[canonical.Provider]*lazyAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[canonical.Provider]*lazyAdapter)}
}

// Register is meant for startup; a later registration replaces the earlier one.
func (r *Registry) Register(p canonical.Provider, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = &lazyAdapter{factory: f}
}

func (r *Registry) Get(p canonical.Provider) (Adapter, error) {
	r.mu.RLock()
	l, ok := r.adapters[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}
	l.once.Do(func() { l.adapter = l.factory() })
	return l.adapter, nil
}

func (r *Registry) Providers() []canonical.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]canonical.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
