package agents

import (
	"sort"
	"sync"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// Registry provides a thread-safe registry of named agent definitions.
type Registry struct {
	defs map[string]*Definition
	mu   sync.RWMutex
}

// NewRegistry creates a new Registry
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds a definition to the registry with the given name
func (r *Registry) Register(name string, def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = def
}

// Get retrieves a definition by name
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[name]
	if !exists {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "agent not found in registry"),
			errors.Fields{"agent": name},
		)
	}
	return def, nil
}

// List returns all registered agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered definitions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Unregister removes a definition from the registry
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, name)
}
