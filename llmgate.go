// Package llmgate provides a multi-provider LLM gateway as a Go library.
// It dispatches completion requests across configured providers with
// validation, rate limiting, circuit breaking, queueing, automatic
// fallback, bounded retry, streaming, and cost/health telemetry.
//
// Basic usage:
//
//	svc, err := llmgate.New(
//	    llmgate.WithProvider(llmgate.Descriptor{
//	        Name:    "openai",
//	        Adapter: "openai",
//	        APIKey:  os.Getenv("OPENAI_API_KEY"),
//	        Models:  []string{"gpt-4", "gpt-4o-mini"},
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	resp, err := svc.Completion(ctx, llmgate.CompletionOpts{
//	    Model: "gpt-4",
//	    Messages: []llmgate.Message{
//	        {Role: "user", Content: "Hello!"},
//	    },
//	})
package llmgate

import (
	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// Version is the current version of the gateway.
const Version = "1.0.0"

// Re-export core types for convenience, so callers use llmgate.Message
// instead of types.Message.
type (
	// Message is a single conversation turn.
	Message = types.Message

	// Options carries the tunable parameters of a completion request.
	Options = types.Options

	// Request is the unified completion request.
	Request = types.Request

	// Response is the unified completion response.
	Response = types.Response

	// Chunk is one streaming event.
	Chunk = types.Chunk

	// Usage is the token accounting of a response.
	Usage = types.Usage

	// Descriptor configures one provider.
	Descriptor = provider.Descriptor

	// RateLimit is a provider's token-bucket configuration.
	RateLimit = provider.RateLimit

	// Adapter is the per-vendor capability contract.
	Adapter = provider.Adapter

	// Error is the typed gateway error.
	Error = errors.Error
)

// Role and priority constants, re-exported.
const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant

	PriorityHigh   = types.PriorityHigh
	PriorityNormal = types.PriorityNormal
	PriorityLow    = types.PriorityLow
)

// ErrResultPending is returned by GetResult while an async request is
// still in flight.
var ErrResultPending = errors.ErrResultPending
