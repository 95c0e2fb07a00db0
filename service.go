package llmgate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rubberduck-ai/llmgate/internal/config"
	"github.com/rubberduck-ai/llmgate/internal/conn"
	"github.com/rubberduck-ai/llmgate/internal/registry"
	"github.com/rubberduck-ai/llmgate/internal/resilience"
	"github.com/rubberduck-ai/llmgate/internal/telemetry"
	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/pkg/types"
	"github.com/rubberduck-ai/llmgate/providers"
)

// runtime is the per-provider dispatch state: breaker, rate bucket, and
// in-flight counter. Mutated only under Service.mu.
type runtime struct {
	breaker *resilience.Breaker
	bucket  *resilience.Bucket
	active  int
}

// queuedRequest is one rate-limited request waiting for bucket tokens.
type queuedRequest struct {
	req *types.Request
	ar  *activeRequest
}

// activeRequest tracks one in-flight request until its terminal result is
// delivered. done closes exactly once.
type activeRequest struct {
	req           *types.Request
	ctx           context.Context
	resp          *types.Response
	err           error
	done          chan struct{}
	fallbackTried bool
	altModelTried bool
	altFrom       string
}

// Service is the gateway: it owns the registry, the dispatch state, the
// connection manager, and the telemetry trackers.
type Service struct {
	mu       sync.Mutex
	registry *registry.Registry
	conn     *conn.Manager
	runtimes map[string]*runtime
	queue    []*queuedRequest
	active   map[string]*activeRequest

	health *telemetry.HealthTracker
	costs  *telemetry.CostTracker
	prefs  PreferenceStore
	cfg    *serviceConfig
	cfgMgr *config.Manager
	logger *slog.Logger

	fileProviders map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a service from the given options, registers every configured
// provider, and (unless disabled) connects them all.
func New(opts ...Option) (*Service, error) {
	cfg := defaultServiceConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		registry:      registry.New(),
		runtimes:      make(map[string]*runtime),
		active:        make(map[string]*activeRequest),
		health:        telemetry.NewHealthTracker(0),
		costs:         telemetry.NewCostTracker(nil),
		prefs:         cfg.prefs,
		cfg:           cfg,
		logger:        cfg.logger,
		fileProviders: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	if cfg.clock != nil {
		s.health.SetClock(cfg.clock)
		s.costs.SetClock(cfg.clock)
	}

	for _, o := range cfg.pricing {
		s.costs.Pricing().Add(o.provider, telemetry.ModelPricing{
			Model:           o.model,
			PromptPer1K:     o.promptPer1K,
			CompletionPer1K: o.completionPer1K,
		})
	}

	for _, desc := range cfg.providers {
		config.Resolve(desc, "", "")
		if err := s.addProvider(desc); err != nil {
			cancel()
			return nil, err
		}
	}

	if cfg.configFile != "" {
		mgr, err := config.NewManager(cfg.configFile, cfg.logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.cfgMgr = mgr
		if err := s.applyFileConfig(mgr.Get()); err != nil {
			cancel()
			return nil, err
		}
		mgr.OnChange(func(c *config.Config) {
			if err := s.applyFileConfig(c); err != nil {
				s.logger.Error("applying reloaded config failed", "error", err)
			}
		})
		if cfg.watchConfig {
			if err := mgr.Watch(ctx); err != nil {
				cancel()
				return nil, err
			}
		}
	}

	s.conn = conn.NewManager(s.registry, cfg.healthInterval, cfg.logger)
	if cfg.clock != nil {
		s.conn.SetClock(cfg.clock)
	}
	s.conn.Start(ctx)
	go s.queueLoop()

	if cfg.autoConnect {
		if err := s.conn.ConnectAll(ctx); err != nil {
			s.logger.Warn("not all providers connected", "error", err)
		}
	}
	return s, nil
}

// addProvider validates a descriptor, resolves its adapter, and registers
// both.
func (s *Service) addProvider(desc *provider.Descriptor) error {
	adapter, ok := s.cfg.adapters[desc.Name]
	if !ok {
		var err error
		adapter, err = providers.Create(desc)
		if err != nil {
			return fmt.Errorf("provider %q: %w", desc.Name, err)
		}
	}
	return s.registry.Add(desc, adapter)
}

// applyFileConfig merges the config file's providers: new ones are added,
// file-sourced ones updated, and file-sourced providers absent from the
// new file removed. Providers registered programmatically win name
// collisions and are never updated or removed by the file.
func (s *Service) applyFileConfig(c *config.Config) error {
	seen := make(map[string]bool)
	var firstErr error
	for _, desc := range c.Descriptors() {
		seen[desc.Name] = true
		if _, exists := s.registry.Descriptor(desc.Name); exists {
			s.mu.Lock()
			fileOwned := s.fileProviders[desc.Name]
			s.mu.Unlock()
			if !fileOwned {
				continue
			}
			if err := s.registry.Update(desc); err != nil && firstErr == nil {
				firstErr = err
			}
			s.resetRuntime(desc)
			continue
		}
		if err := s.addProvider(desc); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		s.fileProviders[desc.Name] = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	var stale []string
	for name := range s.fileProviders {
		if !seen[name] {
			stale = append(stale, name)
			delete(s.fileProviders, name)
			delete(s.runtimes, name)
		}
	}
	s.mu.Unlock()
	for _, name := range stale {
		s.registry.Remove(name)
		s.logger.Info("provider removed by config reload", "provider", name)
	}
	return firstErr
}

// resetRuntime rebuilds a provider's rate bucket after reconfiguration.
// The breaker keeps its state; only the bucket resets.
func (s *Service) resetRuntime(desc *provider.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[desc.Name]
	if !ok {
		return
	}
	rt.bucket = newBucket(desc)
}

func newBucket(desc *provider.Descriptor) *resilience.Bucket {
	if desc.RateLimit == nil {
		return nil
	}
	window, err := desc.RateLimit.Window.Duration()
	if err != nil {
		return nil
	}
	return resilience.NewBucket(desc.RateLimit.Limit, window)
}

// runtimeLocked returns the provider's dispatch state, creating it on
// first use. Callers hold s.mu.
func (s *Service) runtimeLocked(name string) *runtime {
	rt, ok := s.runtimes[name]
	if ok {
		return rt
	}
	desc, _ := s.registry.Descriptor(name)
	rt = &runtime{
		breaker: resilience.NewBreaker(name, s.cfg.breaker),
	}
	if desc != nil {
		rt.bucket = newBucket(desc)
	}
	rt.breaker.OnStateChange(func(providerName string, from, to resilience.CircuitState) {
		telemetry.BreakerState.WithLabelValues(providerName).Set(float64(to))
		s.logger.Warn("circuit breaker state changed",
			"provider", providerName,
			"from", from.String(),
			"to", to.String(),
		)
	})
	s.runtimes[name] = rt
	return rt
}

// ListModels returns every configured (model, provider) pair and whether
// the provider is currently dispatchable.
func (s *Service) ListModels() []ModelInfo {
	var out []ModelInfo
	for _, e := range s.registry.Models() {
		out = append(out, ModelInfo{
			Model:     e.Model,
			Provider:  e.Provider,
			Available: s.conn.Available(e.Provider),
		})
	}
	return out
}

// ModelInfo is one row of the model listing.
type ModelInfo struct {
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
}

// HealthStatus aggregates each registered provider's recent dispatch
// history over the last hour.
func (s *Service) HealthStatus() map[string]telemetry.HealthSummary {
	out := make(map[string]telemetry.HealthSummary)
	for _, name := range s.registry.Names() {
		sum := s.health.Aggregate(name, time.Hour)
		if state := s.conn.StateOf(name); state != conn.StateConnected {
			sum.Status = string(state)
		}
		out[name] = sum
	}
	return out
}

// CostFilter narrows a cost summary.
type CostFilter = telemetry.CostFilter

// CostSummary aggregates recorded spend matching the filter.
func (s *Service) CostSummary(filter CostFilter) telemetry.CostSummary {
	return s.costs.Summary(filter)
}

// ExportCostCSV writes the retained cost records as CSV, oldest first.
func (s *Service) ExportCostCSV(w io.Writer) error {
	return s.costs.ExportCSV(w)
}

// ReloadConfig re-reads the config file immediately.
func (s *Service) ReloadConfig() error {
	if s.cfgMgr == nil {
		return fmt.Errorf("no config file configured")
	}
	return s.cfgMgr.Reload()
}

// ProviderUpdate carries partial descriptor overrides. Nil fields keep
// their current values.
type ProviderUpdate struct {
	APIKey     *string
	BaseURL    *string
	Models     []string
	Priority   *int
	RateLimit  *RateLimit
	MaxRetries *int
	Timeout    *time.Duration
	Headers    map[string]string
}

// UpdateProviderConfig applies runtime overrides to one provider. A rate
// limit change resets the provider's bucket.
func (s *Service) UpdateProviderConfig(name string, update ProviderUpdate) error {
	desc, ok := s.registry.Descriptor(name)
	if !ok {
		return errors.Newf(errors.KindProviderNotConfigured, name, "", "provider %q is not registered", name)
	}

	if update.APIKey != nil {
		desc.APIKey = *update.APIKey
	}
	if update.BaseURL != nil {
		desc.BaseURL = *update.BaseURL
	}
	if update.Models != nil {
		desc.Models = append([]string(nil), update.Models...)
	}
	if update.Priority != nil {
		desc.Priority = *update.Priority
	}
	if update.RateLimit != nil {
		rl := *update.RateLimit
		desc.RateLimit = &rl
	}
	if update.MaxRetries != nil {
		desc.MaxRetries = *update.MaxRetries
	}
	if update.Timeout != nil {
		desc.Timeout = *update.Timeout
	}
	for k, v := range update.Headers {
		if desc.Headers == nil {
			desc.Headers = make(map[string]string)
		}
		desc.Headers[k] = v
	}

	if err := s.registry.Update(desc); err != nil {
		return err
	}
	if update.RateLimit != nil {
		s.resetRuntime(desc)
	}
	return nil
}

// GetProviderConfig returns a copy of the provider's current descriptor.
func (s *Service) GetProviderConfig(name string) (*Descriptor, error) {
	desc, ok := s.registry.Descriptor(name)
	if !ok {
		return nil, errors.Newf(errors.KindProviderNotConfigured, name, "", "provider %q is not registered", name)
	}
	return desc, nil
}

// Connect establishes the provider's connection.
func (s *Service) Connect(ctx context.Context, name string) error {
	return s.conn.Connect(ctx, name)
}

// Disconnect tears the provider's connection down.
func (s *Service) Disconnect(ctx context.Context, name string) error {
	return s.conn.Disconnect(ctx, name)
}

// ConnectAll connects every registered provider.
func (s *Service) ConnectAll(ctx context.Context) error {
	return s.conn.ConnectAll(ctx)
}

// DisconnectAll disconnects every registered provider.
func (s *Service) DisconnectAll(ctx context.Context) error {
	return s.conn.DisconnectAll(ctx)
}

// ConnectionStatus returns a snapshot of every provider's connection record.
func (s *Service) ConnectionStatus() map[string]conn.Snapshot {
	return s.conn.Status()
}

// Connected reports whether the provider is in the connected state.
func (s *Service) Connected(name string) bool {
	return s.conn.Connected(name)
}

// SetEnabled flips a provider's dispatch eligibility without touching its
// connection state.
func (s *Service) SetEnabled(name string, enabled bool) {
	s.conn.SetEnabled(name, enabled)
}

// Close stops the background loops and disconnects every provider.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
		if s.cfgMgr != nil {
			_ = s.cfgMgr.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.conn.DisconnectAll(ctx)
	})
	return err
}
