package agent

import (
	"sort"
	"sync"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// Registry looks up a configured agent adapter by family name; it
// satisfies pipeline.AgentRegistry so pkg/router never imports
// pkg/agent directly.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]pipeline.AgentHandle
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]pipeline.AgentHandle{}}
}

func (r *Registry) Register(name string, handle pipeline.AgentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = handle
}

func (r *Registry) Get(name string) (pipeline.AgentHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.agents[name]
	return handle, ok
}

func (r *Registry) List() []pipeline.AgentHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.AgentHandle, 0, len(r.agents))
	for _, handle := range r.agents {
		out = append(out, handle)
	}
	return out
}

func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
