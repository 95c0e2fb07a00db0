// Package providers provides a unified registry for all built-in adapter
// implementations, so descriptors can name an adapter type and have it
// instantiated automatically.
package providers

import (
	"fmt"
	"sync"

	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/providers/anthropic"
	"github.com/rubberduck-ai/llmgate/providers/ollama"
	"github.com/rubberduck-ai/llmgate/providers/openai"
	"github.com/rubberduck-ai/llmgate/providers/tgi"
)

var (
	registry     = make(map[string]provider.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers an adapter factory with the given type name.
func Register(adapterType string, factory provider.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[adapterType] = factory
}

// Get returns the factory for the given adapter type.
func Get(adapterType string) (provider.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[adapterType]
	return f, ok
}

// Create instantiates the adapter named by the descriptor.
func Create(desc *provider.Descriptor) (provider.Adapter, error) {
	RegisterBuiltins()

	registryMu.RLock()
	factory, ok := registry[desc.Adapter]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter type: %s (available: %v)", desc.Adapter, List())
	}
	return factory(desc)
}

// List returns all registered adapter type names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins registers all built-in adapter factories.
// This is called automatically on first use.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		Register("openai", openai.NewFromDescriptor)
		Register("anthropic", anthropic.NewFromDescriptor)
		Register("ollama", ollama.NewFromDescriptor)
		Register("tgi", tgi.NewFromDescriptor)
	})
}
