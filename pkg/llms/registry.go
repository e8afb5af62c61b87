package llms

import (
	"sort"
	"sync"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// Registry provides a thread-safe registry of named providers. Providers
// registered by configuration are constructed on first use.
type Registry struct {
	configs   map[string]Config
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		configs:   make(map[string]Config),
		providers: make(map[string]Provider),
	}
}

// Register adds a ready-made provider under name, replacing any previous
// entry.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, name)
	r.providers[name] = p
}

// RegisterConfig records a provider configuration to be built by Get.
func (r *Registry) RegisterConfig(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	r.configs[name] = cfg
}

// Get returns the provider registered under name, constructing it from its
// configuration on first use.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "provider not found in registry"),
			errors.Fields{"name": name},
		)
	}
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, errors.WithFields(err, errors.Fields{"provider": name})
	}
	r.providers[name] = p
	return p, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	if !ok {
		_, ok = r.configs[name]
	}
	return ok
}

// Names lists the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers)+len(r.configs))
	for n := range r.providers {
		names = append(names, n)
	}
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
