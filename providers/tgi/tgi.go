// Package tgi adapts a local text-generation-inference server through its
// OpenAI-compatible endpoint.
package tgi

import (
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/providers/openailike"
)

const (
	// AdapterName is the identifier for this adapter.
	AdapterName = "tgi"

	// DefaultBaseURL is the local text-generation-inference endpoint.
	DefaultBaseURL = "http://localhost:8080/v1"
)

// New creates a TGI adapter.
func New() *openailike.Adapter {
	return openailike.New(AdapterName, DefaultBaseURL, nil)
}

// NewFromDescriptor is the factory registered with the adapter registry.
func NewFromDescriptor(*provider.Descriptor) (provider.Adapter, error) {
	return New(), nil
}
