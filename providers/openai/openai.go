// Package openai implements the OpenAI chat completions adapter. It serves
// as the reference implementation for other adapters.
package openai

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

const (
	// AdapterName is the identifier for this adapter.
	AdapterName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Adapter implements provider.Adapter for the OpenAI API.
type Adapter struct {
	provider.Base
	client *http.Client
	logger *slog.Logger
}

// New creates an OpenAI adapter.
func New() *Adapter {
	return &Adapter{
		client: &http.Client{},
		logger: slog.Default(),
	}
}

// NewFromDescriptor is the factory registered with the adapter registry.
func NewFromDescriptor(*provider.Descriptor) (provider.Adapter, error) {
	return New(), nil
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string {
	return AdapterName
}

// Supports reports the feature set of the OpenAI chat API.
func (a *Adapter) Supports(f provider.Feature) bool {
	switch f {
	case provider.FeatureStreaming,
		provider.FeatureFunctionCalling,
		provider.FeatureSystemMessages,
		provider.FeatureVision,
		provider.FeatureJSONMode:
		return true
	}
	return false
}

type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []types.Message `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	User             string          `json:"user,omitempty"`
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

func buildBody(req *types.Request, stream bool) chatRequest {
	return chatRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Options.Temperature,
		MaxTokens:        req.Options.MaxTokens,
		TopP:             req.Options.TopP,
		FrequencyPenalty: req.Options.FrequencyPenalty,
		PresencePenalty:  req.Options.PresencePenalty,
		Stop:             req.Options.Stop,
		N:                req.Options.N,
		Stream:           stream,
		User:             req.Options.UserID,
	}
}

func (a *Adapter) newRequest(ctx context.Context, desc *provider.Descriptor, path string, body any) (*http.Request, error) {
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
		base = DefaultBaseURL
	}
	url := strings.TrimSuffix(base, "/") + path

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+desc.APIKey)
	for k, v := range desc.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) do(ctx context.Context, desc *provider.Descriptor, path string, body any) (*http.Response, error) {
	httpReq, err := a.newRequest(ctx, desc, path, body)
	if err != nil {
		return nil, err
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
		return nil, mapError(desc.Name, resp.StatusCode, raw)
	}
	return resp, nil
}

// Execute sends a blocking completion request.
func (a *Adapter) Execute(ctx context.Context, req *types.Request, desc *provider.Descriptor) (*types.Response, error) {
	timeout := desc.Timeout
	if req.Options.Timeout > 0 {
		timeout = req.Options.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := a.do(ctx, desc, "/chat/completions", buildBody(req, false))
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

// Stream sends a streaming completion request, emitting chunks as they
// arrive. Exactly one terminal chunk is emitted.
func (a *Adapter) Stream(ctx context.Context, req *types.Request, desc *provider.Descriptor, emit provider.EmitFunc) error {
	timeout := desc.Timeout
	if req.Options.Timeout > 0 {
		timeout = req.Options.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := a.do(ctx, desc, "/chat/completions", buildBody(req, true))
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
	// Body content is irrelevant; a 200 means the credentials work.
	resp.Body.Close()
	return nil
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func mapError(providerName string, status int, body []byte) error {
	var wire errorBody
	message := "unknown error"
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		message = wire.Error.Message
	}
	if wire.Error.Code == "context_length_exceeded" ||
		strings.Contains(message, "maximum context length") {
		return errors.New(errors.KindContextTooLarge, providerName, "", message)
	}
	return errors.FromStatusCode(providerName, "", status, message)
}
