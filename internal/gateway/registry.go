// ABOUTME: Runtime registry of platform adapters keyed by platform ID.
// ABOUTME: Shutdown is partial-failure tolerant: one bad adapter never blocks the rest.

package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the active platform adapters. Lookups are concurrent;
// registration replaces any existing adapter for the same platform ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.With("component", "gateway"),
	}
}

// Register adds an adapter, replacing any previous one for its platform ID.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.PlatformID()] = a
	r.logger.Info("adapter registered", "platform", a.PlatformID())
}

// Unregister removes and returns the adapter for the platform ID, or nil if
// none is registered.
func (r *Registry) Unregister(platformID string) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.adapters[platformID]
	if !ok {
		return nil
	}
	delete(r.adapters, platformID)
	return a
}

// Get looks up the adapter for a platform ID.
func (r *Registry) Get(platformID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platformID]
	return a, ok
}

// PlatformIDs lists registered platform IDs, sorted.
func (r *Registry) PlatformIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ShutdownAll drains the registry, stopping every adapter. Individual stop
// failures are logged and do not prevent the remaining adapters from
// shutting down.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for id, a := range r.adapters {
		adapters = append(adapters, a)
		delete(r.adapters, id)
	}
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Stop(ctx); err != nil {
			r.logger.Error("adapter shutdown failed",
				"platform", a.PlatformID(),
				"error", err)
			continue
		}
		r.logger.Info("adapter stopped", "platform", a.PlatformID())
	}
}
