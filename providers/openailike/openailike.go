// Package openailike implements a generic adapter for servers speaking the
// OpenAI chat completions wire format. Local runtimes such as Ollama and
// text-generation-inference expose this surface; the adapter is
// parameterized by name and default endpoint so each gets its own identity.
package openailike

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rubberduck-ai/llmgate/internal/streaming"
	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// Adapter implements provider.Adapter against any OpenAI-compatible server.
type Adapter struct {
	provider.Base
	name           string
	defaultBaseURL string
	features       map[provider.Feature]bool
	client         *http.Client
	logger         *slog.Logger
}

// New creates an adapter with the given identity. The features set lists
// what the backing server supports; nil means streaming and system
// messages only.
func New(name, defaultBaseURL string, features map[provider.Feature]bool) *Adapter {
	if features == nil {
		features = map[provider.Feature]bool{
			provider.FeatureStreaming:      true,
			provider.FeatureSystemMessages: true,
		}
	}
	return &Adapter{
		name:           name,
		defaultBaseURL: defaultBaseURL,
		features:       features,
		client:         &http.Client{},
		logger:         slog.Default(),
	}
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string {
	return a.name
}

// Supports reports whether the backing server implements the feature.
func (a *Adapter) Supports(f provider.Feature) bool {
	return a.features[f]
}

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      types.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

func (a *Adapter) do(ctx context.Context, desc *provider.Descriptor, path string, body any) (*http.Response, error) {
	var reader io.Reader
	method := http.MethodGet
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
		method = http.MethodPost
	}

	base := desc.BaseURL
	if base == "" {
		base = a.defaultBaseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if desc.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+desc.APIKey)
	}
	for k, v := range desc.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.New(errors.KindTimeout, desc.Name, "", "provider did not respond in time")
		}
		return nil, errors.Newf(errors.KindNetworkError, desc.Name, "", "request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = "unknown error"
		}
		return nil, errors.FromStatusCode(desc.Name, "", resp.StatusCode, message)
	}
	return resp, nil
}

func (a *Adapter) withTimeout(ctx context.Context, req *types.Request, desc *provider.Descriptor) (context.Context, context.CancelFunc) {
	timeout := desc.Timeout
	if req.Options.Timeout > 0 {
		timeout = req.Options.Timeout
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Execute sends a blocking completion request.
func (a *Adapter) Execute(ctx context.Context, req *types.Request, desc *provider.Descriptor) (*types.Response, error) {
	ctx, cancel := a.withTimeout(ctx, req, desc)
	defer cancel()

	resp, err := a.do(ctx, desc, "/chat/completions", chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		TopP:        req.Options.TopP,
		Stop:        req.Options.Stop,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Newf(errors.KindNetworkError, desc.Name, req.Model, "read response: %v", err)
	}

	var wire chatResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.Newf(errors.KindInvalidResponse, desc.Name, req.Model, "unmarshal response: %v", err)
	}
	if len(wire.Choices) == 0 {
		return nil, errors.New(errors.KindInvalidResponse, desc.Name, req.Model, "response has no choices")
	}

	out := &types.Response{
		ID:        wire.ID,
		Model:     wire.Model,
		Provider:  desc.Name,
		Usage:     wire.Usage,
		CreatedAt: time.Unix(wire.Created, 0),
	}
	for _, c := range wire.Choices {
		finish := c.FinishReason
		if finish == "" {
			finish = "stop"
		}
		out.Choices = append(out.Choices, types.Choice{
			Index:        c.Index,
			Message:      c.Message,
			FinishReason: finish,
		})
	}
	return out, nil
}

// Stream sends a streaming completion request. Exactly one terminal chunk
// is emitted.
func (a *Adapter) Stream(ctx context.Context, req *types.Request, desc *provider.Descriptor, emit provider.EmitFunc) error {
	ctx, cancel := a.withTimeout(ctx, req, desc)
	defer cancel()

	resp, err := a.do(ctx, desc, "/chat/completions", chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		TopP:        req.Options.TopP,
		Stop:        req.Options.Stop,
		Stream:      true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	parser := streaming.NewParser(streaming.FormatOpenAI, a.logger)
	terminal := false
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, chunk := range parser.Feed(buf[:n]) {
				if chunk.Terminal() {
					terminal = true
				}
				emit(chunk)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Newf(errors.KindNetworkError, desc.Name, req.Model, "stream read: %v", readErr)
		}
	}
	if chunk := parser.Flush(); chunk != nil {
		if chunk.Terminal() {
			terminal = true
		}
		emit(chunk)
	}
	if !terminal {
		emit(&types.Chunk{FinishReason: "stop"})
	}
	return nil
}

// HealthCheck probes the models listing endpoint.
func (a *Adapter) HealthCheck(ctx context.Context, desc *provider.Descriptor, _ any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := a.do(ctx, desc, "/models", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
