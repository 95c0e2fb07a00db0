// Package api provides the HTTP surface of the gateway. It exposes an
// OpenAI-compatible completions endpoint plus health, cost, and provider
// management routes.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/rubberduck-ai/llmgate"
	"github.com/rubberduck-ai/llmgate/internal/conn"
	"github.com/rubberduck-ai/llmgate/internal/httputil"
	"github.com/rubberduck-ai/llmgate/internal/telemetry"
	"github.com/rubberduck-ai/llmgate/pkg/errors"
)

// Gateway is the service surface the handlers dispatch against.
type Gateway interface {
	Completion(ctx context.Context, opts llmgate.CompletionOpts) (*llmgate.Response, error)
	StreamCompletion(ctx context.Context, opts llmgate.CompletionOpts, emit func(*llmgate.Chunk)) error
	ListModels() []llmgate.ModelInfo
	HealthStatus() map[string]telemetry.HealthSummary
	CostSummary(filter llmgate.CostFilter) telemetry.CostSummary
	ExportCostCSV(w io.Writer) error
	ConnectionStatus() map[string]conn.Snapshot
	SetEnabled(name string, enabled bool)
}

// Handler serves the gateway's HTTP API.
type Handler struct {
	gw      Gateway
	logger  *slog.Logger
	maxBody int64
}

// NewHandler creates an API handler around the gateway.
func NewHandler(gw Gateway, logger *slog.Logger) *Handler {
	return &Handler{
		gw:      gw,
		logger:  logger,
		maxBody: httputil.DefaultMaxRequestBodyBytes,
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.Liveness)
	mux.HandleFunc("GET /health/ready", h.Readiness)
	mux.HandleFunc("GET /health/providers", h.ProviderHealth)

	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("GET /v1/models", h.ListModels)

	mux.HandleFunc("GET /v1/costs", h.CostSummary)
	mux.HandleFunc("GET /v1/costs/export", h.ExportCosts)

	mux.HandleFunc("GET /v1/providers", h.Providers)
	mux.HandleFunc("POST /v1/providers/{name}/enable", h.EnableProvider)
	mux.HandleFunc("POST /v1/providers/{name}/disable", h.DisableProvider)
}

// completionRequest is the wire shape of POST /v1/chat/completions.
type completionRequest struct {
	Model       string            `json:"model"`
	Provider    string            `json:"provider,omitempty"`
	Messages    []llmgate.Message `json:"messages"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	N           int               `json:"n,omitempty"`
	User        string            `json:"user,omitempty"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadLimitedBody(r.Body, h.maxBody)
	if err != nil {
		h.writeError(w, errors.New(errors.KindInvalidRequest, "", "", "failed to read request body"))
		return
	}
	defer r.Body.Close()

	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, errors.New(errors.KindInvalidRequest, "", req.Model, "invalid JSON: "+err.Error()))
		return
	}

	opts := llmgate.CompletionOpts{
		Provider: req.Provider,
		Model:    req.Model,
		Messages: req.Messages,
		Options: llmgate.Options{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
			N:           req.N,
			UserID:      req.User,
		},
	}

	if req.Stream {
		h.streamCompletion(w, r, opts)
		return
	}

	resp, err := h.gw.Completion(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, opts llmgate.CompletionOpts) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, errors.New(errors.KindInvalidRequest, opts.Provider, opts.Model, "streaming not supported by connection"))
		return
	}

	headerSent := false
	err := h.gw.StreamCompletion(r.Context(), opts, func(c *llmgate.Chunk) {
		if !headerSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			headerSent = true
		}
		data, err := json.Marshal(c)
		if err != nil {
			return
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(append(data, '\n', '\n')); err != nil {
			return
		}
		flusher.Flush()
	})
	if err != nil {
		if !headerSent {
			h.writeError(w, err)
			return
		}
		h.logger.Warn("stream aborted", "error", err)
		return
	}
	if _, err := w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return
	}
	flusher.Flush()
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   h.gw.ListModels(),
	})
}

// Liveness handles GET /health/live.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness handles GET /health/ready. The server is ready when at least
// one provider is dispatchable.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	for _, m := range h.gw.ListModels() {
		if m.Available {
			h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no providers available"})
}

// ProviderHealth handles GET /health/providers.
func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.gw.HealthStatus())
}

// CostSummary handles GET /v1/costs. Optional query parameters: provider,
// model, and since (RFC3339).
func (h *Handler) CostSummary(w http.ResponseWriter, r *http.Request) {
	filter := llmgate.CostFilter{
		Provider: r.URL.Query().Get("provider"),
		Model:    r.URL.Query().Get("model"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, errors.New(errors.KindInvalidRequest, "", "", "since must be RFC3339"))
			return
		}
		filter.Since = since
	}
	h.writeJSON(w, http.StatusOK, h.gw.CostSummary(filter))
}

// ExportCosts handles GET /v1/costs/export, returning CSV.
func (h *Handler) ExportCosts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="costs.csv"`)
	if err := h.gw.ExportCostCSV(w); err != nil {
		h.logger.Error("cost export failed", "error", err)
	}
}

// Providers handles GET /v1/providers.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.gw.ConnectionStatus())
}

// EnableProvider handles POST /v1/providers/{name}/enable.
func (h *Handler) EnableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableProvider handles POST /v1/providers/{name}/disable.
func (h *Handler) DisableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := r.PathValue("name")
	if name == "" {
		h.writeError(w, errors.New(errors.KindInvalidRequest, "", "", "provider name is required"))
		return
	}
	if _, ok := h.gw.ConnectionStatus()[name]; !ok {
		h.writeError(w, errors.Newf(errors.KindProviderNotConfigured, name, "", "provider %q is not registered", name))
		return
	}
	h.gw.SetEnabled(name, enabled)
	h.writeJSON(w, http.StatusOK, map[string]any{"provider": name, "enabled": enabled})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// errorBody is the error envelope, compatible with OpenAI clients.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	detail := errorDetail{
		Message: errors.UserMessage(kind),
		Type:    string(kind),
	}
	if ge, ok := errors.As(err); ok {
		detail.Provider = ge.Provider
		detail.Model = ge.Model
	}
	h.logger.Warn("request failed", "kind", kind, "error", err)
	h.writeJSON(w, statusFor(kind), errorBody{Error: detail})
}

// statusFor maps an error kind to its HTTP status code.
func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidRequest, errors.KindContextTooLarge:
		return http.StatusBadRequest
	case errors.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case errors.KindModelNotAvailable, errors.KindProviderNotConfigured:
		return http.StatusNotFound
	case errors.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindProviderNotConnected, errors.KindServiceUnavailable, errors.KindAllProvidersUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
