// Package anthropic implements the Anthropic messages adapter. Anthropic
// carries the system prompt as a top-level field and frames streaming as
// typed SSE events.
package anthropic

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
	AdapterName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"

	// defaultMaxTokens is used when the caller sets no limit; the messages
	// API requires max_tokens.
	defaultMaxTokens = 4096
)

// Adapter implements provider.Adapter for the Anthropic API.
type Adapter struct {
	provider.Base
	client *http.Client
	logger *slog.Logger
}

// New creates an Anthropic adapter.
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

// Supports reports the feature set of the messages API.
func (a *Adapter) Supports(f provider.Feature) bool {
	switch f {
	case provider.FeatureStreaming,
		provider.FeatureSystemMessages,
		provider.FeatureVision:
		return true
	}
	return false
}

type messagesRequest struct {
	Model         string          `json:"model"`
	System        string          `json:"system,omitempty"`
	Messages      []types.Message `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// buildBody splits system messages out of the conversation, concatenating
// them into the top-level system field.
func buildBody(req *types.Request, stream bool) messagesRequest {
	var system []string
	var rest []types.Message
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}

	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return messagesRequest{
		Model:         req.Model,
		System:        strings.Join(system, "\n"),
		Messages:      rest,
		MaxTokens:     maxTokens,
		Temperature:   req.Options.Temperature,
		TopP:          req.Options.TopP,
		StopSequences: req.Options.Stop,
		Stream:        stream,
	}
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
		base = DefaultBaseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", desc.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
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
		return nil, mapError(desc.Name, resp.StatusCode, raw)
	}
	return resp, nil
}

func requestTimeout(req *types.Request, desc *provider.Descriptor) time.Duration {
	if req.Options.Timeout > 0 {
		return req.Options.Timeout
	}
	return desc.Timeout
}

// Execute sends a blocking messages request.
func (a *Adapter) Execute(ctx context.Context, req *types.Request, desc *provider.Descriptor) (*types.Response, error) {
	if timeout := requestTimeout(req, desc); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := a.do(ctx, desc, "/messages", buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Newf(errors.KindNetworkError, desc.Name, req.Model, "read response: %v", err)
	}

	var wire messagesResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.Newf(errors.KindInvalidResponse, desc.Name, req.Model, "unmarshal response: %v", err)
	}
	if len(wire.Content) == 0 {
		return nil, errors.New(errors.KindInvalidResponse, desc.Name, req.Model, "response has no content")
	}

	var text strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	role := wire.Role
	if role == "" {
		role = types.RoleAssistant
	}

	return &types.Response{
		ID:       wire.ID,
		Model:    wire.Model,
		Provider: desc.Name,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.Message{Role: role, Content: text.String()},
			FinishReason: mapStopReason(wire.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Stream sends a streaming messages request, emitting chunks as the typed
// events arrive. Exactly one terminal chunk is emitted.
func (a *Adapter) Stream(ctx context.Context, req *types.Request, desc *provider.Descriptor, emit provider.EmitFunc) error {
	if timeout := requestTimeout(req, desc); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := a.do(ctx, desc, "/messages", buildBody(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	parser := streaming.NewParser(streaming.FormatAnthropic, a.logger)
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

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func mapError(providerName string, status int, body []byte) error {
	var wire errorBody
	message := "unknown error"
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		message = wire.Error.Message
	}
	if wire.Error.Type == "invalid_request_error" &&
		strings.Contains(message, "prompt is too long") {
		return errors.New(errors.KindContextTooLarge, providerName, "", message)
	}
	return errors.FromStatusCode(providerName, "", status, message)
}
