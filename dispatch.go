package llmgate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rubberduck-ai/llmgate/internal/recovery"
	"github.com/rubberduck-ai/llmgate/internal/resilience"
	"github.com/rubberduck-ai/llmgate/internal/telemetry"
	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// CompletionOpts is the caller-facing request shape. Provider is optional;
// when empty the engine resolves it from user preferences and the model
// index.
type CompletionOpts struct {
	Provider string
	Model    string
	Messages []Message
	Options  Options
}

// defaultMaxRetries applies when the descriptor leaves MaxRetries unset.
const defaultMaxRetries = 3

// buildRequest validates the options and resolves the target provider.
func (s *Service) buildRequest(opts CompletionOpts) (*types.Request, error) {
	req := &types.Request{
		ID:          uuid.NewString(),
		Provider:    opts.Provider,
		Model:       opts.Model,
		Messages:    opts.Messages,
		Options:     opts.Options,
		Status:      types.StatusPending,
		SubmittedAt: time.Now(),
	}
	req.Options.ApplyDefaults()
	s.applyUserDefaults(req)
	if err := req.Validate(); err != nil {
		return nil, errors.Newf(errors.KindInvalidRequest, req.Provider, req.Model, "invalid request: %v", err)
	}
	if err := s.resolveProvider(req); err != nil {
		return nil, err
	}
	return req, nil
}

// applyUserDefaults fills a missing model (and provider) from the user's
// stored preferences before validation.
func (s *Service) applyUserDefaults(req *types.Request) {
	if s.prefs == nil || req.Options.UserID == "" || req.Model != "" {
		return
	}
	if req.Provider == "" {
		if name, model, ok := s.prefs.DefaultProviderAndModel(req.Options.UserID); ok {
			req.Provider = name
			req.Model = model
		}
		return
	}
	if model, ok := s.prefs.ProviderDefaultModel(req.Options.UserID, req.Provider); ok {
		req.Model = model
	}
}

// resolveProvider fills req.Provider: an explicit provider is checked
// against the registry; otherwise the user's pinned provider wins over the
// model index.
func (s *Service) resolveProvider(req *types.Request) error {
	if req.Provider != "" {
		desc, ok := s.registry.Descriptor(req.Provider)
		if !ok {
			return errors.Newf(errors.KindProviderNotConfigured, req.Provider, req.Model, "provider %q is not configured", req.Provider)
		}
		if !desc.SupportsModel(req.Model) {
			return errors.Newf(errors.KindModelNotAvailable, req.Provider, req.Model, "provider %q does not serve model %q", req.Provider, req.Model)
		}
		return nil
	}

	if s.prefs != nil && req.Options.UserID != "" {
		if name, ok := s.prefs.ProviderForModel(req.Options.UserID, req.Model); ok {
			if _, exists := s.registry.Descriptor(name); exists {
				req.Provider = name
				return nil
			}
		}
	}

	if name, ok := s.registry.ResolveModel(req.Model); ok {
		req.Provider = name
		return nil
	}
	return errors.Newf(errors.KindModelNotAvailable, "", req.Model, "no provider serves model %q", req.Model)
}

// Completion runs a request synchronously and returns the terminal result.
func (s *Service) Completion(ctx context.Context, opts CompletionOpts) (*Response, error) {
	req, err := s.buildRequest(opts)
	if err != nil {
		return nil, err
	}

	ar := &activeRequest{req: req, ctx: ctx, done: make(chan struct{})}
	s.mu.Lock()
	s.active[req.ID] = ar
	s.mu.Unlock()

	s.dispatch(req, ar)

	select {
	case <-ar.done:
		s.mu.Lock()
		delete(s.active, req.ID)
		s.mu.Unlock()
		return ar.resp, ar.err
	case <-ctx.Done():
		go func() {
			<-ar.done
			s.mu.Lock()
			delete(s.active, req.ID)
			s.mu.Unlock()
		}()
		return nil, errors.New(errors.KindTimeout, req.Provider, req.Model, "request cancelled by caller")
	}
}

// CompletionAsync submits a request for background execution and returns
// its id immediately. The result is retrieved with GetResult.
func (s *Service) CompletionAsync(opts CompletionOpts) (string, error) {
	req, err := s.buildRequest(opts)
	if err != nil {
		return "", err
	}
	req.Async = true

	ar := &activeRequest{req: req, ctx: s.ctx, done: make(chan struct{})}
	s.mu.Lock()
	s.active[req.ID] = ar
	s.mu.Unlock()

	s.dispatch(req, ar)
	return req.ID, nil
}

// GetResult retrieves an async request's result, waiting up to timeout.
// While the request is still in flight it returns ErrResultPending; on a
// terminal result the entry is removed.
func (s *Service) GetResult(id string, timeout time.Duration) (*Response, error) {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.KindInvalidRequest, "", "", "unknown request id %q", id)
	}

	if timeout <= 0 {
		select {
		case <-ar.done:
		default:
			return nil, ErrResultPending
		}
	} else {
		select {
		case <-ar.done:
		case <-time.After(timeout):
			return nil, ErrResultPending
		}
	}

	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	return ar.resp, ar.err
}

// dispatch runs the admission pipeline for one request: availability,
// breaker, rate bucket, then a worker. Denied-by-bucket requests are
// queued; unavailable providers fall back when a sibling qualifies.
func (s *Service) dispatch(req *types.Request, ar *activeRequest) {
	excluded := make(map[string]bool)
	for {
		name := req.Provider

		if !s.conn.Available(name) {
			excluded[name] = true
			if next, ok := s.selectFallback(req.Model, excluded); ok {
				s.noteFallback(req, next)
				continue
			}
			s.finish(req, ar, nil, errors.Newf(errors.KindProviderNotConnected, name, req.Model, "provider %q is not available", name))
			return
		}

		s.mu.Lock()
		rt := s.runtimeLocked(name)
		if !rt.breaker.CanAttempt() {
			s.mu.Unlock()
			excluded[name] = true
			if next, ok := s.selectFallback(req.Model, excluded); ok {
				s.noteFallback(req, next)
				continue
			}
			s.finish(req, ar, nil, errors.Newf(errors.KindAllProvidersUnavailable, name, req.Model, "circuit open for %q and no fallback serves %q", name, req.Model))
			return
		}
		if rt.bucket != nil && !rt.bucket.TryAcquire() {
			s.queue = append(s.queue, &queuedRequest{req: req, ar: ar})
			telemetry.QueueDepth.Set(float64(len(s.queue)))
			s.mu.Unlock()
			s.logger.Debug("request queued on rate limit", "provider", name, "request_id", req.ID)
			return
		}
		if !rt.breaker.Allow() {
			s.mu.Unlock()
			excluded[name] = true
			if next, ok := s.selectFallback(req.Model, excluded); ok {
				s.noteFallback(req, next)
				continue
			}
			s.finish(req, ar, nil, errors.Newf(errors.KindAllProvidersUnavailable, name, req.Model, "no provider available for %q", req.Model))
			return
		}
		rt.active++
		s.mu.Unlock()

		s.conn.MarkUsed(name)
		go s.execute(req, ar)
		return
	}
}

// selectFallback picks the best alternate provider for a model: not
// excluded, circuit closed, available, and serving the model. Smallest
// priority wins; ties go to the earliest registration.
func (s *Service) selectFallback(model string, excluded map[string]bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := ""
	bestPriority := 0
	for _, name := range s.registry.Names() {
		if excluded[name] {
			continue
		}
		desc, ok := s.registry.Descriptor(name)
		if !ok || !desc.SupportsModel(model) {
			continue
		}
		if !s.conn.Available(name) {
			continue
		}
		if s.runtimeLocked(name).breaker.State() != resilience.StateClosed {
			continue
		}
		if best == "" || desc.Priority < bestPriority {
			best = name
			bestPriority = desc.Priority
		}
	}
	return best, best != ""
}

func (s *Service) noteFallback(req *types.Request, next string) {
	telemetry.FallbacksTotal.WithLabelValues(req.Provider, next).Inc()
	s.logger.Info("falling back to alternate provider",
		"from", req.Provider,
		"to", next,
		"request_id", req.ID,
	)
	req.Provider = next
}

// execute invokes the adapter with bounded retry and context
// simplification, then routes the outcome through the completion handler.
func (s *Service) execute(req *types.Request, ar *activeRequest) {
	adapter, okA := s.registry.Adapter(req.Provider)
	desc, okD := s.registry.Descriptor(req.Provider)
	if !okA || !okD {
		s.complete(req, ar, nil, errors.Newf(errors.KindProviderNotConfigured, req.Provider, req.Model, "provider %q disappeared", req.Provider))
		return
	}

	req.Status = types.StatusProcessing
	maxRetries := desc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var (
		resp           *types.Response
		err            error
		simplifiedFrom int
		cancelled      bool
	)
	for attempt := 0; ; {
		resp, err = adapter.Execute(ar.ctx, req, desc)
		if err == nil {
			break
		}
		kind := errors.KindOf(err)

		if kind == errors.KindContextTooLarge && simplifiedFrom == 0 {
			if small, ok := recovery.SimplifyMessages(req); ok {
				simplifiedFrom = len(req.Messages)
				req.Messages = small.Messages
				req.Retries++
				s.logger.Info("retrying with simplified context",
					"provider", req.Provider,
					"request_id", req.ID,
					"kept_messages", len(req.Messages),
				)
				continue
			}
		}

		if !errors.IsRecoverable(err) {
			break
		}
		budget := errors.MaxRetries(kind)
		if budget > maxRetries {
			budget = maxRetries
		}
		if attempt >= budget {
			break
		}

		telemetry.RetriesTotal.WithLabelValues(req.Provider, string(kind)).Inc()
		req.Retries++
		select {
		case <-time.After(recovery.Backoff(kind, attempt)):
		case <-ar.ctx.Done():
			cancelled = true
		}
		if cancelled {
			err = errors.New(errors.KindTimeout, req.Provider, req.Model, "request cancelled during retry backoff")
			break
		}
		attempt++
	}

	if err == nil && simplifiedFrom > 0 {
		recovery.Annotate(resp, simplifiedFrom, len(req.Messages))
	}
	s.complete(req, ar, resp, err)
}

// complete is the completion handler: telemetry bookkeeping, breaker
// updates, and the post-failure strategies (one provider fallback, one
// alternative-model retry).
func (s *Service) complete(req *types.Request, ar *activeRequest, resp *types.Response, err error) {
	name := req.Provider
	s.mu.Lock()
	rt := s.runtimeLocked(name)
	rt.active--
	s.mu.Unlock()

	latency := time.Since(req.SubmittedAt)
	if err == nil {
		rt.breaker.RecordSuccess()
		s.health.RecordSuccess(name, latency)
		telemetry.RequestsTotal.WithLabelValues(name, req.Model, "success").Inc()
		telemetry.RequestLatency.WithLabelValues(name, req.Model).Observe(latency.Seconds())
		if resp.Usage != nil {
			cost := s.costs.Record(name, req.Model, resp.Usage)
			telemetry.RecordUsage(name, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost)
		}
		if ar.altFrom != "" {
			resp.SetMeta("alternative_model", req.Model)
			resp.SetMeta("original_model", ar.altFrom)
		}
		s.finish(req, ar, resp, nil)
		return
	}

	kind := errors.KindOf(err)
	if errors.TripsBreaker(kind) {
		rt.breaker.RecordFailure()
	} else {
		rt.breaker.ReleaseProbe()
	}
	s.health.RecordFailure(name, latency, err.Error())
	telemetry.RequestsTotal.WithLabelValues(name, req.Model, "failure").Inc()

	if errors.AllowsFallback(kind) && !ar.fallbackTried {
		ar.fallbackTried = true
		if next, ok := s.selectFallback(req.Model, map[string]bool{name: true}); ok {
			s.noteFallback(req, next)
			s.dispatch(req, ar)
			return
		}
	}

	if errors.AllowsFallback(kind) && !ar.altModelTried {
		ar.altModelTried = true
		if alt, ok := recovery.AlternativeModel(req.Model); ok {
			if target, ok := s.providerFor(alt, name); ok {
				s.logger.Info("retrying with alternative model",
					"from", req.Model,
					"to", alt,
					"provider", target,
					"request_id", req.ID,
				)
				ar.altFrom = req.Model
				req.Model = alt
				req.Provider = target
				s.dispatch(req, ar)
				return
			}
		}
	}

	s.finish(req, ar, nil, err)
}

// providerFor finds a provider serving the model, preferring the current
// one.
func (s *Service) providerFor(model, current string) (string, bool) {
	if desc, ok := s.registry.Descriptor(current); ok && desc.SupportsModel(model) {
		return current, true
	}
	if name, ok := s.registry.ResolveModel(model); ok {
		return name, true
	}
	return "", false
}

// finish delivers the terminal result exactly once. With graceful
// degradation enabled, a failure becomes a synthetic response instead.
func (s *Service) finish(req *types.Request, ar *activeRequest, resp *types.Response, err error) {
	if err != nil && s.cfg.degradation {
		s.logger.Warn("degrading to synthetic response",
			"provider", req.Provider,
			"request_id", req.ID,
			"error", err,
		)
		resp = recovery.Degraded(req, err)
		err = nil
	}

	s.mu.Lock()
	if err == nil {
		req.Status = types.StatusCompleted
		req.Response = resp
	} else {
		req.Status = types.StatusFailed
	}
	ar.resp = resp
	ar.err = err
	s.mu.Unlock()
	close(ar.done)
}

// queueLoop drains the pending queue one head per tick, strictly FIFO.
func (s *Service) queueLoop() {
	ticker := time.NewTicker(s.cfg.queueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.processQueue()
		}
	}
}

// processQueue attempts the head of the queue. If the head's provider is
// not dispatchable the head stays and the tick ends; no reordering.
func (s *Service) processQueue() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	head := s.queue[0]
	name := head.req.Provider
	rt := s.runtimeLocked(name)

	if !s.conn.Available(name) || !rt.breaker.CanAttempt() {
		s.mu.Unlock()
		return
	}
	if rt.bucket != nil && !rt.bucket.TryAcquire() {
		s.mu.Unlock()
		return
	}
	if !rt.breaker.Allow() {
		s.mu.Unlock()
		return
	}
	s.queue = s.queue[1:]
	telemetry.QueueDepth.Set(float64(len(s.queue)))
	rt.active++
	s.mu.Unlock()

	s.conn.MarkUsed(name)
	go s.execute(head.req, head.ar)
}
