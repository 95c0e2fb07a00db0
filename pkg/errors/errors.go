// Package errors defines the unified error taxonomy for gateway operations.
// Vendor-specific failures are mapped onto a fixed set of kinds carrying
// severity and recoverability, which drive retry and fallback decisions.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies the class of a gateway error.
type Kind string

// Error kinds.
const (
	KindInvalidRequest          Kind = "invalid_request"
	KindProviderNotConfigured   Kind = "provider_not_configured"
	KindProviderNotConnected    Kind = "provider_not_connected"
	KindModelNotAvailable       Kind = "model_not_available"
	KindAllProvidersUnavailable Kind = "all_providers_unavailable"
	KindAuthenticationFailed    Kind = "authentication_failed"
	KindRateLimitExceeded       Kind = "rate_limit_exceeded"
	KindTimeout                 Kind = "timeout"
	KindNetworkError            Kind = "network_error"
	KindServiceUnavailable      Kind = "service_unavailable"
	KindContextTooLarge         Kind = "context_too_large"
	KindInvalidResponse         Kind = "invalid_response"
	KindUnknown                 Kind = "unknown_error"
)

// Severity ranks the impact of an error.
type Severity string

// Severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrResultPending is returned by result retrieval when a request has not
// reached a terminal status within the caller's deadline.
var ErrResultPending = stderrors.New("request result pending")

// Error is the standardized gateway error.
type Error struct {
	Kind        Kind     `json:"kind"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	StatusCode  int      `json:"status_code,omitempty"`
	Recoverable bool     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
}

// policy describes how the recovery layer treats a kind.
type policy struct {
	severity     Severity
	recoverable  bool
	maxRetries   int
	initialDelay time.Duration
}

var policies = map[Kind]policy{
	KindInvalidRequest:          {SeverityError, false, 0, 0},
	KindProviderNotConfigured:   {SeverityError, false, 0, 0},
	KindProviderNotConnected:    {SeverityError, false, 0, 0},
	KindModelNotAvailable:       {SeverityError, false, 0, 0},
	KindAllProvidersUnavailable: {SeverityCritical, false, 0, 0},
	KindAuthenticationFailed:    {SeverityCritical, false, 0, 0},
	KindRateLimitExceeded:       {SeverityWarning, true, 3, 5 * time.Second},
	KindTimeout:                 {SeverityWarning, true, 2, time.Second},
	KindNetworkError:            {SeverityError, true, 3, time.Second},
	KindServiceUnavailable:      {SeverityError, true, 2, time.Second},
	KindContextTooLarge:         {SeverityWarning, true, 1, 0},
	KindInvalidResponse:         {SeverityError, true, 1, time.Second},
	KindUnknown:                 {SeverityError, true, 1, time.Second},
}

// userMessages is the static table of caller-facing failure explanations.
// Vendor bodies are never surfaced directly.
var userMessages = map[Kind]string{
	KindInvalidRequest:          "The request was malformed or missing required fields.",
	KindProviderNotConfigured:   "The requested provider is not configured.",
	KindProviderNotConnected:    "The requested provider is not connected.",
	KindModelNotAvailable:       "No configured provider supports the requested model.",
	KindAllProvidersUnavailable: "All providers for the requested model are currently unavailable.",
	KindAuthenticationFailed:    "Authentication with the upstream provider failed; check the API key.",
	KindRateLimitExceeded:       "The provider rate limit was exceeded; the request may be retried later.",
	KindTimeout:                 "The provider did not respond within the configured timeout.",
	KindNetworkError:            "A network error occurred while contacting the provider.",
	KindServiceUnavailable:      "The provider is temporarily unavailable.",
	KindContextTooLarge:         "The conversation is too large for the requested model.",
	KindInvalidResponse:         "The provider returned an unreadable response.",
	KindUnknown:                 "An unexpected error occurred while processing the request.",
}

// New creates an Error of the given kind, stamping severity and
// recoverability from the policy table.
func New(kind Kind, provider, model, message string) *Error {
	p, ok := policies[kind]
	if !ok {
		p = policies[KindUnknown]
		kind = KindUnknown
	}
	return &Error{
		Kind:        kind,
		Severity:    p.severity,
		Message:     message,
		Provider:    provider,
		Model:       model,
		Recoverable: p.recoverable,
	}
}

// Newf is New with a formatted message.
func Newf(kind Kind, provider, model, format string, args ...any) *Error {
	return New(kind, provider, model, fmt.Sprintf(format, args...))
}

// FromStatusCode maps an upstream HTTP status to a gateway error.
func FromStatusCode(provider, model string, status int, message string) *Error {
	var kind Kind
	switch {
	case status == http.StatusUnauthorized:
		kind = KindAuthenticationFailed
	case status == http.StatusTooManyRequests:
		kind = KindRateLimitExceeded
	case status == http.StatusInternalServerError, status == http.StatusServiceUnavailable:
		kind = KindServiceUnavailable
	case status >= 400 && status < 600:
		kind = KindNetworkError
	default:
		kind = KindUnknown
	}
	err := New(kind, provider, model, message)
	err.StatusCode = status
	return err
}

// KindOf extracts the kind from an error, returning KindUnknown for
// anything that is not a gateway Error.
func KindOf(err error) Kind {
	var ge *Error
	if stderrors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// As unwraps err into a gateway Error.
func As(err error) (*Error, bool) {
	var ge *Error
	ok := stderrors.As(err, &ge)
	return ge, ok
}

// IsRecoverable reports whether err may be retried against the same provider.
func IsRecoverable(err error) bool {
	if ge, ok := As(err); ok {
		return ge.Recoverable
	}
	return false
}

// MaxRetries returns the per-kind retry budget.
func MaxRetries(kind Kind) int {
	return policies[kind].maxRetries
}

// InitialDelay returns the per-kind initial backoff delay. A zero value
// means the generic exponential schedule applies unchanged.
func InitialDelay(kind Kind) time.Duration {
	return policies[kind].initialDelay
}

// UserMessage renders a caller-facing explanation for an error kind.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

// TripsBreaker reports whether a failure of this kind should count toward
// opening the provider's circuit breaker. Authentication and configuration
// failures are excluded so that a bad key cannot mask a healthy peer.
func TripsBreaker(kind Kind) bool {
	switch kind {
	case KindAuthenticationFailed, KindInvalidRequest, KindProviderNotConfigured, KindModelNotAvailable:
		return false
	}
	return true
}

// AllowsFallback reports whether the dispatcher may re-attempt the request
// on a different provider supporting the same model after this failure.
func AllowsFallback(kind Kind) bool {
	switch kind {
	case KindInvalidRequest, KindAuthenticationFailed, KindContextTooLarge:
		return false
	}
	return true
}
