// Package registry maintains the provider table: descriptor plus adapter
// per name, and a model index for default resolution.
package registry

import (
	"fmt"
	"sync"

	"github.com/rubberduck-ai/llmgate/pkg/provider"
)

type entry struct {
	desc    *provider.Descriptor
	adapter provider.Adapter
}

// Registry maps provider names to adapters and descriptors. It also keeps
// a model -> provider index; when several providers list the same model,
// the first-added provider wins for default resolution.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	order      []string
	modelIndex map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		modelIndex: make(map[string]string),
	}
}

// Add registers a provider. The descriptor is validated first.
func (r *Registry) Add(desc *provider.Descriptor, adapter provider.Adapter) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if adapter == nil {
		return fmt.Errorf("provider %q: adapter instance is required", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("provider %q already registered", desc.Name)
	}
	r.entries[desc.Name] = &entry{desc: desc, adapter: adapter}
	r.order = append(r.order, desc.Name)
	for _, model := range desc.Models {
		if _, taken := r.modelIndex[model]; !taken {
			r.modelIndex[model] = desc.Name
		}
	}
	return nil
}

// Remove deletes a provider and rebuilds the model index.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rebuildIndexLocked()
}

// Update replaces a provider's descriptor in place and rebuilds the index.
func (r *Registry) Update(desc *provider.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[desc.Name]
	if !ok {
		return fmt.Errorf("provider %q not registered", desc.Name)
	}
	e.desc = desc
	r.rebuildIndexLocked()
	return nil
}

// Descriptor returns a snapshot copy of the provider's descriptor.
func (r *Registry) Descriptor(name string) (*provider.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.desc.Clone(), true
}

// Adapter returns the adapter registered for the provider.
func (r *Registry) Adapter(name string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ResolveModel returns the default provider for a model.
func (r *Registry) ResolveModel(model string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.modelIndex[model]
	return name, ok
}

// ProvidersForModel returns every provider listing the model, in
// registration order.
func (r *Registry) ProvidersForModel(model string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, name := range r.order {
		if r.entries[name].desc.SupportsModel(model) {
			names = append(names, name)
		}
	}
	return names
}

// Models returns every (model, provider) pair in registration order.
func (r *Registry) Models() []ModelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ModelEntry
	for _, name := range r.order {
		for _, model := range r.entries[name].desc.Models {
			out = append(out, ModelEntry{Model: model, Provider: name})
		}
	}
	return out
}

// ModelEntry is one row of the model listing.
type ModelEntry struct {
	Model    string
	Provider string
}

// rebuildIndexLocked recomputes the model index preserving first-added-wins.
func (r *Registry) rebuildIndexLocked() {
	r.modelIndex = make(map[string]string)
	for _, name := range r.order {
		for _, model := range r.entries[name].desc.Models {
			if _, taken := r.modelIndex[model]; !taken {
				r.modelIndex[model] = name
			}
		}
	}
}
