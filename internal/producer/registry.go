package producer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

type entry struct {
	producer Producer
	info     domain.ToolInfo
}

// Registry stores tool producers keyed by tool name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

// Register adds a producer for a tool name.
func (r *Registry) Register(info domain.ToolInfo, p Producer) error {
	if info.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if p == nil {
		return fmt.Errorf("producer is required")
	}
	if info.Kind == "" {
		info.Kind = domain.ToolKindBatch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Name]; exists {
		return fmt.Errorf("producer already registered for %s", info.Name)
	}
	r.entries[info.Name] = entry{producer: p, info: info}
	return nil
}

// MustRegister adds a producer or panics.
func (r *Registry) MustRegister(info domain.ToolInfo, p Producer) {
	if err := r.Register(info, p); err != nil {
		panic(err)
	}
}

// Lookup returns the producer for a tool name.
func (r *Registry) Lookup(name string) (Producer, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}
	return e.producer, nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []domain.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
