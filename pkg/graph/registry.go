package graph

import (
	"fmt"
	"sync"

	"github.com/epigraph-dev/epigraph/pkg/ontology"
)

// BackendFactory is a function that creates a Store from a Config and the
// ontology the store should extract against.
type BackendFactory func(cfg Config, reg *ontology.Registry) (Store, error)

// registry holds all registered graph store backends.
var (
	registry = make(map[string]BackendFactory)
	mu       sync.RWMutex
)

// Register adds a graph store backend to the registry. Backends call this
// from init, so importing a backend package for side effects is enough to
// make it selectable by name.
func Register(name string, factory BackendFactory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("graph: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("graph: Register called twice for backend " + name)
	}
	registry[name] = factory
}

// New creates a Store for the backend named in the config. A nil registry
// selects the default ontology.
func New(cfg Config, reg *ontology.Registry) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph configuration: %w", err)
	}
	if reg == nil {
		reg = ontology.Default()
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ontology: %w", err)
	}

	mu.RLock()
	factory, ok := registry[cfg.Backend]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown graph backend: %s (available: %v)", cfg.Backend, ListBackends())
	}

	return factory(cfg, reg)
}

// ListBackends returns the names of all registered backends.
func ListBackends() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks if a backend is registered.
func IsRegistered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := registry[name]
	return ok
}
