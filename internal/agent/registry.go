// ABOUTME: Registry pattern for runtime backend selection.
// ABOUTME: Backends register factories; callers create handles by name from config.

package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Handle from an opaque configuration value. Factories
// are pure functions of the config: they either construct a handle or fail
// with a configuration error (missing or invalid fields).
type Factory func(config json.RawMessage) (*Handle, error)

// Registry maps backend names to factories for runtime selection. The
// default set is assembled once at startup from the enabled backend kinds;
// after that the registry is only mutated by explicit test or extension
// registration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any existing entry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds a handle for the named backend from the given config.
func (r *Registry) Create(name string, config json.RawMessage) (*Handle, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("Unknown backend: %s", name)
	}
	return factory(config)
}

// CreateFromConfig builds a handle from a discriminated BackendConfig.
func (r *Registry) CreateFromConfig(cfg *BackendConfig) (*Handle, error) {
	return r.Create(cfg.Type, cfg.Raw)
}

// Available lists the registered backend names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
