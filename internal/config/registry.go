package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coachlens/coachlens/pkg/provider/llm"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Factory constructs an LLM provider from its declared spec.
type Factory func(ProviderSpec) (llm.Provider, error)

// Registry maps backend names to provider constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given backend name, replacing any
// existing registration.
func (r *Registry) Register(backend string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = f
}

// Create builds the provider declared by spec using the factory registered
// for its backend.
func (r *Registry) Create(spec ProviderSpec) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, spec.Backend)
	}
	p, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q (backend %q): %w", spec.Name, spec.Backend, err)
	}
	return p, nil
}

// Backends returns the registered backend names, for startup logging.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
