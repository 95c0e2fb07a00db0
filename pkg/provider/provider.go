// Package provider defines the contract between the dispatch engine and
// vendor adapters. Adapters are pure strategies: they encode a unified
// request, call the vendor, and decode the reply into the unified response.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// Feature names an optional adapter capability.
type Feature string

// Adapter features.
const (
	FeatureStreaming       Feature = "streaming"
	FeatureFunctionCalling Feature = "function_calling"
	FeatureSystemMessages  Feature = "system_messages"
	FeatureVision          Feature = "vision"
	FeatureJSONMode        Feature = "json_mode"
)

// Window is the refill period of a rate limit.
type Window string

// Rate limit windows.
const (
	WindowSecond Window = "second"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

// Duration converts the window to its time span.
func (w Window) Duration() (time.Duration, error) {
	switch w {
	case WindowSecond:
		return time.Second, nil
	case WindowMinute:
		return time.Minute, nil
	case WindowHour:
		return time.Hour, nil
	}
	return 0, fmt.Errorf("invalid rate limit window %q", w)
}

// RateLimit describes a provider's token bucket: Limit permits refill
// every Window.
type RateLimit struct {
	Limit  int    `json:"limit"`
	Window Window `json:"unit"`
}

// Descriptor is the static configuration record for one provider.
type Descriptor struct {
	Name       string            `json:"name"`
	Adapter    string            `json:"adapter"`
	APIKey     string            `json:"-"`
	BaseURL    string            `json:"base_url,omitempty"`
	Models     []string          `json:"models"`
	Priority   int               `json:"priority"`
	RateLimit  *RateLimit        `json:"rate_limit,omitempty"`
	MaxRetries int               `json:"max_retries"`
	Timeout    time.Duration     `json:"timeout_ms"`
	Headers    map[string]string `json:"headers,omitempty"`
	Extra      map[string]any    `json:"options,omitempty"`
}

// SupportsModel reports whether the descriptor lists the model.
func (d *Descriptor) SupportsModel(model string) bool {
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Clone returns a copy safe for external readers.
func (d *Descriptor) Clone() *Descriptor {
	dup := *d
	dup.Models = append([]string(nil), d.Models...)
	if d.Headers != nil {
		dup.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			dup.Headers[k] = v
		}
	}
	if d.Extra != nil {
		dup.Extra = make(map[string]any, len(d.Extra))
		for k, v := range d.Extra {
			dup.Extra[k] = v
		}
	}
	if d.RateLimit != nil {
		rl := *d.RateLimit
		dup.RateLimit = &rl
	}
	return &dup
}

// Validate checks the descriptor fields required by the registry.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if d.Adapter == "" {
		return fmt.Errorf("provider %q: adapter is required", d.Name)
	}
	for i, m := range d.Models {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("provider %q: models[%d] is empty", d.Name, i)
		}
	}
	if d.Priority < 0 {
		return fmt.Errorf("provider %q: priority cannot be negative", d.Name)
	}
	if d.RateLimit != nil {
		if d.RateLimit.Limit <= 0 {
			return fmt.Errorf("provider %q: rate limit must be a positive integer", d.Name)
		}
		if _, err := d.RateLimit.Window.Duration(); err != nil {
			return fmt.Errorf("provider %q: %w", d.Name, err)
		}
	}
	if d.Timeout < 0 {
		return fmt.Errorf("provider %q: timeout cannot be negative", d.Name)
	}
	return nil
}

// EmitFunc receives streaming chunks in vendor order. Adapters must invoke
// it with exactly one terminal chunk and never emit after it.
type EmitFunc func(*types.Chunk)

// Adapter is the capability set implemented per vendor.
type Adapter interface {
	// Name returns the adapter type identifier (e.g. "openai").
	Name() string

	// Execute sends a completion request and blocks until the vendor
	// responds or the context expires.
	Execute(ctx context.Context, req *types.Request, desc *Descriptor) (*types.Response, error)

	// Stream sends a streaming completion request, invoking emit per chunk.
	Stream(ctx context.Context, req *types.Request, desc *Descriptor, emit EmitFunc) error

	// Connect establishes any provider-level state and returns an opaque
	// payload handed back to Disconnect and HealthCheck.
	Connect(ctx context.Context, desc *Descriptor) (any, error)

	// Disconnect tears down the connection payload. Idempotent.
	Disconnect(ctx context.Context, desc *Descriptor, payload any) error

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context, desc *Descriptor, payload any) error

	// Supports reports whether the adapter implements a feature.
	Supports(feature Feature) bool
}

// Factory creates an adapter instance for a descriptor.
type Factory func(desc *Descriptor) (Adapter, error)

// Base provides default no-op implementations of the optional adapter
// operations; stateless adapters embed it.
type Base struct{}

// Connect returns no payload; the adapter is stateless.
func (Base) Connect(ctx context.Context, desc *Descriptor) (any, error) { return nil, nil }

// Disconnect is a no-op for stateless adapters.
func (Base) Disconnect(ctx context.Context, desc *Descriptor, payload any) error { return nil }

// HealthCheck reports healthy by default.
func (Base) HealthCheck(ctx context.Context, desc *Descriptor, payload any) error { return nil }
