package llmgate

import (
	"context"
	"time"

	"github.com/rubberduck-ai/llmgate/internal/telemetry"
	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// StreamHandle tracks an in-flight streaming request. Done is closed when
// the stream terminates; Err is valid only after that.
type StreamHandle struct {
	id   string
	done chan struct{}
	err  error
}

// ID returns the request id of the stream.
func (h *StreamHandle) ID() string { return h.id }

// Done is closed when the stream has terminated.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error, or nil. Call only after Done is closed.
func (h *StreamHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the stream terminates or ctx is cancelled.
func (h *StreamHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CompletionStream starts a streaming request, delivering chunks to emit
// in arrival order. Exactly one terminal chunk is delivered on success.
// A rate-limited stream is rejected rather than queued.
func (s *Service) CompletionStream(ctx context.Context, opts CompletionOpts, emit func(*Chunk)) (*StreamHandle, error) {
	req, err := s.buildRequest(opts)
	if err != nil {
		return nil, err
	}
	name := req.Provider

	adapter, okA := s.registry.Adapter(name)
	desc, okD := s.registry.Descriptor(name)
	if !okA || !okD {
		return nil, errors.Newf(errors.KindProviderNotConfigured, name, req.Model, "provider %q is not configured", name)
	}
	if !adapter.Supports(provider.FeatureStreaming) {
		return nil, errors.Newf(errors.KindInvalidRequest, name, req.Model, "provider %q does not support streaming", name)
	}
	if !s.conn.Available(name) {
		return nil, errors.Newf(errors.KindProviderNotConnected, name, req.Model, "provider %q is not available", name)
	}

	s.mu.Lock()
	rt := s.runtimeLocked(name)
	if !rt.breaker.CanAttempt() {
		s.mu.Unlock()
		return nil, errors.Newf(errors.KindAllProvidersUnavailable, name, req.Model, "circuit open for %q", name)
	}
	if rt.bucket != nil && !rt.bucket.TryAcquire() {
		s.mu.Unlock()
		return nil, errors.Newf(errors.KindRateLimitExceeded, name, req.Model, "rate limit exceeded for %q", name)
	}
	if !rt.breaker.Allow() {
		s.mu.Unlock()
		return nil, errors.Newf(errors.KindAllProvidersUnavailable, name, req.Model, "circuit open for %q", name)
	}
	rt.active++
	s.mu.Unlock()

	s.conn.MarkUsed(name)
	req.Status = types.StatusProcessing

	h := &StreamHandle{id: req.ID, done: make(chan struct{})}
	go s.runStream(ctx, req, adapter, desc, rt, emit, h)
	return h, nil
}

// StreamCompletion is the blocking form of CompletionStream: it returns
// once the stream has terminated.
func (s *Service) StreamCompletion(ctx context.Context, opts CompletionOpts, emit func(*Chunk)) error {
	h, err := s.CompletionStream(ctx, opts, emit)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

func (s *Service) runStream(ctx context.Context, req *types.Request, adapter provider.Adapter, desc *provider.Descriptor, rt *runtime, emit func(*Chunk), h *StreamHandle) {
	var usage *types.Usage
	wrapped := func(c *types.Chunk) {
		if c.Usage != nil {
			usage = c.Usage
		}
		emit(c)
	}

	err := adapter.Stream(ctx, req, desc, wrapped)

	s.mu.Lock()
	rt.active--
	s.mu.Unlock()

	name := req.Provider
	latency := time.Since(req.SubmittedAt)
	if err == nil {
		req.Status = types.StatusCompleted
		rt.breaker.RecordSuccess()
		s.health.RecordSuccess(name, latency)
		telemetry.RequestsTotal.WithLabelValues(name, req.Model, "success").Inc()
		telemetry.RequestLatency.WithLabelValues(name, req.Model).Observe(latency.Seconds())
		if usage != nil {
			cost := s.costs.Record(name, req.Model, usage)
			telemetry.RecordUsage(name, req.Model, usage.PromptTokens, usage.CompletionTokens, cost)
		}
	} else {
		req.Status = types.StatusFailed
		if errors.TripsBreaker(errors.KindOf(err)) {
			rt.breaker.RecordFailure()
		} else {
			rt.breaker.ReleaseProbe()
		}
		s.health.RecordFailure(name, latency, err.Error())
		telemetry.RequestsTotal.WithLabelValues(name, req.Model, "failure").Inc()
		s.logger.Warn("stream failed", "provider", name, "request_id", req.ID, "error", err)
	}

	h.err = err
	close(h.done)
}
