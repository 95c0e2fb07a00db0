// Package types defines the provider-agnostic data model for gateway
// requests, responses and streaming chunks. Every vendor payload is
// normalized into these shapes before it crosses a package boundary.
package types

import (
	"fmt"
	"time"
)

// Message roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Priority controls scheduling hints for a request.
type Priority string

// Request priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Status tracks the lifecycle of a request inside the dispatch engine.
// Transitions follow pending -> processing -> (completed | failed);
// retries re-enter processing from processing.
type Status string

// Request statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the tunable parameters of a completion request.
type Options struct {
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	N                int           `json:"n,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	Timeout          time.Duration `json:"timeout_ms,omitempty"`
	Priority         Priority      `json:"priority,omitempty"`
	UserID           string        `json:"user_id,omitempty"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second
)

// ApplyDefaults fills unset option fields with their documented defaults.
func (o *Options) ApplyDefaults() {
	if o.Temperature == nil {
		t := DefaultTemperature
		o.Temperature = &t
	}
	if o.N <= 0 {
		o.N = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
}

// Validate checks option values against their permitted bounds.
func (o *Options) Validate() error {
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return fmt.Errorf("temperature must be in [0, 2], got %v", *o.Temperature)
	}
	if o.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", o.MaxTokens)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	switch o.Priority {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return fmt.Errorf("invalid priority %q", o.Priority)
	}
	return nil
}

// Request is the unified completion request owned by the dispatch engine.
type Request struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Options     Options   `json:"options"`
	Status      Status    `json:"status"`
	Retries     int       `json:"retries"`
	Async       bool      `json:"async"`
	Response    *Response `json:"response,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate checks the request shape: model and messages are required and
// every message must carry a recognized role.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return r.Options.Validate()
}

// Clone returns a deep copy of the request. The dispatch engine clones
// before handing a request to a fallback provider or a recovery strategy.
func (r *Request) Clone() *Request {
	dup := *r
	dup.Messages = make([]Message, len(r.Messages))
	copy(dup.Messages, r.Messages)
	if r.Options.Stop != nil {
		dup.Options.Stop = append([]string(nil), r.Options.Stop...)
	}
	return &dup
}
