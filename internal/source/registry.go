package source

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// Registry maps source names to adapters.
type Registry struct {
	adapters map[string]harvest.Adapter
}

// NewRegistry registers adapters under their Name.
func NewRegistry(adapters ...harvest.Adapter) *Registry {
	r := &Registry{adapters: make(map[string]harvest.Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (harvest.Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q: %w", name, harvest.ErrNotFound)
	}
	return a, nil
}

// Bulk returns the adapter for name if it supports paginated bulk walks.
func (r *Registry) Bulk(name string) (harvest.BulkAdapter, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	b, ok := a.(harvest.BulkAdapter)
	if !ok {
		return nil, fmt.Errorf("source %q does not support bulk walks", name)
	}
	return b, nil
}

// Names lists the registered sources in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
