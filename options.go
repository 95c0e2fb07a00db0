package llmgate

import (
	"log/slog"
	"time"

	"github.com/rubberduck-ai/llmgate/internal/prefs"
	"github.com/rubberduck-ai/llmgate/internal/resilience"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
)

// PreferenceStore resolves per-user provider and model preferences.
type PreferenceStore = prefs.Store

// serviceConfig collects everything New needs before wiring the service.
type serviceConfig struct {
	configFile     string
	watchConfig    bool
	providers      []*provider.Descriptor
	adapters       map[string]provider.Adapter
	logger         *slog.Logger
	queueInterval  time.Duration
	healthInterval time.Duration
	breaker        resilience.BreakerConfig
	degradation    bool
	prefs          prefs.Store
	pricing        []pricingOverride
	autoConnect    bool
	clock          func() time.Time
}

type pricingOverride struct {
	provider        string
	model           string
	promptPer1K     float64
	completionPer1K float64
}

func defaultServiceConfig() *serviceConfig {
	return &serviceConfig{
		adapters:       make(map[string]provider.Adapter),
		logger:         slog.Default(),
		queueInterval:  100 * time.Millisecond,
		healthInterval: 30 * time.Second,
		breaker:        resilience.DefaultBreakerConfig(),
		autoConnect:    true,
	}
}

// Option configures the service.
type Option func(*serviceConfig)

// WithConfigFile loads provider descriptors from a JSON or YAML file.
// Providers added with WithProvider take precedence on name collision.
func WithConfigFile(path string) Option {
	return func(c *serviceConfig) {
		c.configFile = path
	}
}

// WithConfigWatch enables hot reload of the config file via fsnotify.
// Only meaningful together with WithConfigFile.
func WithConfigWatch(enabled bool) Option {
	return func(c *serviceConfig) {
		c.watchConfig = enabled
	}
}

// WithProvider registers a provider descriptor. The adapter is
// instantiated from the descriptor's Adapter field unless WithAdapter
// supplied an instance for the same name.
func WithProvider(desc Descriptor) Option {
	return func(c *serviceConfig) {
		d := desc
		c.providers = append(c.providers, &d)
	}
}

// WithAdapter supplies a concrete adapter instance for a provider name,
// bypassing the factory registry.
func WithAdapter(name string, adapter Adapter) Option {
	return func(c *serviceConfig) {
		c.adapters[name] = adapter
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueueInterval sets the pending-queue processor tick.
func WithQueueInterval(d time.Duration) Option {
	return func(c *serviceConfig) {
		if d > 0 {
			c.queueInterval = d
		}
	}
}

// WithHealthCheckInterval sets the connection manager's probe period.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *serviceConfig) {
		if d > 0 {
			c.healthInterval = d
		}
	}
}

// WithBreaker overrides the circuit breaker defaults.
func WithBreaker(failureThreshold int, recoveryTimeout time.Duration) Option {
	return func(c *serviceConfig) {
		if failureThreshold > 0 {
			c.breaker.FailureThreshold = failureThreshold
		}
		if recoveryTimeout > 0 {
			c.breaker.RecoveryTimeout = recoveryTimeout
		}
	}
}

// WithGracefulDegradation controls whether an exhausted request yields a
// synthetic response instead of an error.
func WithGracefulDegradation(enabled bool) Option {
	return func(c *serviceConfig) {
		c.degradation = enabled
	}
}

// WithPreferences installs a user preference store consulted during
// provider resolution.
func WithPreferences(store PreferenceStore) Option {
	return func(c *serviceConfig) {
		c.prefs = store
	}
}

// WithPricing overrides the price of one model. Prices are USD per 1000
// tokens.
func WithPricing(providerName, model string, promptPer1K, completionPer1K float64) Option {
	return func(c *serviceConfig) {
		c.pricing = append(c.pricing, pricingOverride{
			provider:        providerName,
			model:           model,
			promptPer1K:     promptPer1K,
			completionPer1K: completionPer1K,
		})
	}
}

// WithClock overrides the time source used by the telemetry trackers and
// the connection manager. Test seam.
func WithClock(now func() time.Time) Option {
	return func(c *serviceConfig) {
		c.clock = now
	}
}

// WithAutoConnect controls whether New connects every provider before
// returning. Default true; disable to drive the lifecycle manually.
func WithAutoConnect(enabled bool) Option {
	return func(c *serviceConfig) {
		c.autoConnect = enabled
	}
}
