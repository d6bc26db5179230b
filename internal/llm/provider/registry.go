package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a provider from a config map. Keys are provider-specific
// (api_key, base_url, project_id, region, ...); factories fall back to the
// provider's conventional environment variables for anything unset.
type Factory func(config map[string]any) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a provider factory under a name. Called from
// provider init() functions; a duplicate name panics because it means two
// implementations claim the same config value.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("provider factory %q registered twice", name))
	}
	factories[name] = factory
}

// NewProvider constructs a provider by registered name.
func NewProvider(name string, config map[string]any) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, ListProviders())
	}
	return factory(config)
}

// ListProviders returns the registered provider names, sorted.
func ListProviders() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
