package exporters

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gosuda/agentaudit/internal/pipeline"
)

// ErrUnknownExporter is returned when a requested exporter is not registered.
var ErrUnknownExporter = errors.New("exporters: unknown exporter") //nolint:gochecknoglobals // sentinel error

// Factory builds one exporter instance.
type Factory func() (pipeline.Exporter, error)

// Registry maps exporter names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the named exporter.
func (r *Registry) Create(name string) (pipeline.Exporter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("exporters.Registry.Create(%q): %w", name, ErrUnknownExporter)
	}

	exp, err := factory()
	if err != nil {
		return nil, fmt.Errorf("exporters.Registry.Create(%q): %w", name, err)
	}
	return exp, nil
}

// CreateAll instantiates every named exporter, stopping at the first error.
func (r *Registry) CreateAll(names []string) ([]pipeline.Exporter, error) {
	out := make([]pipeline.Exporter, 0, len(names))
	for _, name := range names {
		exp, err := r.Create(name)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

// Available returns registered exporter names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.factories {
			if !yield(name) {
				return
			}
		}
	})
	sort.Strings(names)

	return names
}
