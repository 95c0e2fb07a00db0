// Package ollama adapts a local Ollama runtime through its
// OpenAI-compatible endpoint. Usage is free; the pricing table prices
// local providers at zero.
package ollama

import (
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/providers/openailike"
)

const (
	// AdapterName is the identifier for this adapter.
	AdapterName = "ollama"

	// DefaultBaseURL is the local Ollama OpenAI-compatible endpoint.
	DefaultBaseURL = "http://localhost:11434/v1"
)

// New creates an Ollama adapter.
func New() *openailike.Adapter {
	return openailike.New(AdapterName, DefaultBaseURL, nil)
}

// NewFromDescriptor is the factory registered with the adapter registry.
func NewFromDescriptor(*provider.Descriptor) (provider.Adapter, error) {
	return New(), nil
}
