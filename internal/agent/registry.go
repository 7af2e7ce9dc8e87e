package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/podlog/kube-log-watcher/internal/config"
)

// Registry is a thread-safe map of agent name → Factory. The builtin
// agents (scalyr, appdynamics, symlinker) are registered at startup by the
// command, keeping this package free of their dependencies.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named agents. Unknown names fail the whole call;
// the watcher refuses to start with a partial agent set.
func (r *Registry) Build(names []string, cfg *config.Config, overrides *config.WatcherConfig) ([]Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]Agent, 0, len(names))
	for _, name := range names {
		factory, ok := r.factories[name]
		if !ok {
			supported := make([]string, 0, len(r.factories))
			for n := range r.factories {
				supported = append(supported, n)
			}
			sort.Strings(supported)
			return nil, fmt.Errorf("unsupported agent %q, supported agents are %v", name, supported)
		}
		a, err := factory(cfg, overrides)
		if err != nil {
			return nil, fmt.Errorf("initializing agent %q: %w", name, err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}
