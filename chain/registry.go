package chain

import (
	"fmt"
	"sync"
)

// Registry maps chain IDs to adapters. Populated once at startup, read-only
// afterwards; the mutex only guards against misuse during wiring.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its chain ID. Registering the same chain
// twice is a wiring bug and returns an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ChainID()
	if _, ok := r.adapters[id]; ok {
		return fmt.Errorf("chain %s already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Adapter returns the adapter for a chain ID.
func (r *Registry) Adapter(chainID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for chain %s", chainID)
	}
	return a, nil
}

// Chains returns the registered chain IDs.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
