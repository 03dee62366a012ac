package module

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factory builds a module from its workflow config.
type Factory func(Config) (Module, error)

// Registry maps module ids to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds factory under id. Ids cannot be registered twice.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return errors.New("module: id is required")
	}
	if factory == nil {
		return fmt.Errorf("module: factory is required for %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.factories[id]; taken {
		return fmt.Errorf("module: %s already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// MustRegister is Register for built-in modules; it panics on error.
func (r *Registry) MustRegister(id string, factory Factory) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// Resolve builds module id with cfg and validates its Info.
func (r *Registry) Resolve(id string, cfg Config) (Module, error) {
	r.mu.RLock()
	factory := r.factories[id]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("module: unknown id %s", id)
	}
	m, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.Info().Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns the registered ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
