// Package conn tracks per-provider connection lifecycle and runs periodic
// health checks. It is distinct from the circuit breaker: the breaker reacts
// to dispatch failures, the connection manager reflects operator intent and
// probe health.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
)

// State is a provider's connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateUnhealthy     State = "unhealthy"
	StateDisconnecting State = "disconnecting"
)

// unhealthyThreshold is the number of consecutive health-check failures
// that moves a connected provider to unhealthy.
const unhealthyThreshold = 3

// DefaultHealthInterval is the default period between health-check sweeps.
const DefaultHealthInterval = 30 * time.Second

// Source resolves provider names to adapters and descriptors. The registry
// satisfies it.
type Source interface {
	Descriptor(name string) (*provider.Descriptor, bool)
	Adapter(name string) (provider.Adapter, bool)
	Names() []string
}

type record struct {
	mu             sync.Mutex
	state          State
	enabled        bool
	payload        any
	errorCount     int
	healthFailures int
	connectedAt    time.Time
	lastCheckAt    time.Time
	lastUsedAt     time.Time
	lastError      error
}

// Snapshot is a read-only copy of one provider's connection record.
type Snapshot struct {
	State          State     `json:"state"`
	Enabled        bool      `json:"enabled"`
	ErrorCount     int       `json:"error_count"`
	HealthFailures int       `json:"health_failures"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
	LastCheckAt    time.Time `json:"last_check_at,omitempty"`
	LastUsedAt     time.Time `json:"last_used_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Manager owns the connection records for every registered provider.
type Manager struct {
	mu       sync.RWMutex
	records  map[string]*record
	source   Source
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a connection manager over the given provider source.
func NewManager(source Source, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		records:  make(map[string]*record),
		source:   source,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) record(name string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[name]
	if !ok {
		r = &record{state: StateDisconnected, enabled: true}
		m.records[name] = r
	}
	return r
}

// Connect moves a provider from disconnected to connected through the
// adapter's Connect hook. A failed attempt returns to disconnected and
// increments the error count.
func (m *Manager) Connect(ctx context.Context, name string) error {
	adapter, ok := m.source.Adapter(name)
	if !ok {
		return errors.Newf(errors.KindProviderNotConfigured, name, "", "provider %q is not registered", name)
	}
	desc, ok := m.source.Descriptor(name)
	if !ok {
		return errors.Newf(errors.KindProviderNotConfigured, name, "", "provider %q has no descriptor", name)
	}

	r := m.record(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateConnected, StateUnhealthy:
		return nil
	case StateConnecting, StateDisconnecting:
		return fmt.Errorf("provider %q is %s", name, r.state)
	}

	r.state = StateConnecting
	payload, err := adapter.Connect(ctx, desc)
	if err != nil {
		r.state = StateDisconnected
		r.errorCount++
		r.lastError = err
		m.logger.Warn("provider connect failed", "provider", name, "error", err)
		return err
	}

	r.state = StateConnected
	r.payload = payload
	r.healthFailures = 0
	r.lastError = nil
	r.connectedAt = m.now()
	m.logger.Info("provider connected", "provider", name)
	return nil
}

// Disconnect tears a provider down through the adapter's Disconnect hook.
// Disconnecting an already disconnected provider is a no-op.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	adapter, ok := m.source.Adapter(name)
	if !ok {
		return errors.Newf(errors.KindProviderNotConfigured, name, "", "provider %q is not registered", name)
	}
	desc, _ := m.source.Descriptor(name)

	r := m.record(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateDisconnected {
		return nil
	}

	r.state = StateDisconnecting
	err := adapter.Disconnect(ctx, desc, r.payload)
	r.state = StateDisconnected
	r.payload = nil
	r.healthFailures = 0
	if err != nil {
		m.logger.Warn("provider disconnect reported error", "provider", name, "error", err)
	} else {
		m.logger.Info("provider disconnected", "provider", name)
	}
	return err
}

// ConnectAll connects every provider known to the source, returning the
// first error encountered while still attempting the rest.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var firstErr error
	for _, name := range m.source.Names() {
		if err := m.Connect(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DisconnectAll disconnects every provider known to the source.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var firstErr error
	for _, name := range m.source.Names() {
		if err := m.Disconnect(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetEnabled flips the dispatch-eligibility flag. The connection state
// machine is untouched.
func (m *Manager) SetEnabled(name string, enabled bool) {
	r := m.record(name)
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	m.logger.Info("provider enabled flag changed", "provider", name, "enabled", enabled)
}

// Connected reports whether the provider is in the connected state.
func (m *Manager) Connected(name string) bool {
	return m.StateOf(name) == StateConnected
}

// Available reports whether the dispatch engine may use the provider:
// connected and enabled.
func (m *Manager) Available(name string) bool {
	r := m.record(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateConnected && r.enabled
}

// StateOf returns the provider's current connection state.
func (m *Manager) StateOf(name string) State {
	r := m.record(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MarkUsed records a dispatch against the provider.
func (m *Manager) MarkUsed(name string) {
	r := m.record(name)
	r.mu.Lock()
	r.lastUsedAt = m.now()
	r.mu.Unlock()
}

// Status returns a snapshot of every tracked provider.
func (m *Manager) Status() map[string]Snapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		r := m.record(name)
		r.mu.Lock()
		snap := Snapshot{
			State:          r.state,
			Enabled:        r.enabled,
			ErrorCount:     r.errorCount,
			HealthFailures: r.healthFailures,
			ConnectedAt:    r.connectedAt,
			LastCheckAt:    r.lastCheckAt,
			LastUsedAt:     r.lastUsedAt,
		}
		if r.lastError != nil {
			snap.LastError = r.lastError.Error()
		}
		r.mu.Unlock()
		out[name] = snap
	}
	return out
}

// Start launches the periodic health loop. It runs until Close or the
// context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

// Close stops the health loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// CheckAll runs one health sweep over connected and unhealthy providers.
// Unhealthy providers are probed too so a passing check restores them.
func (m *Manager) CheckAll(ctx context.Context) {
	for _, name := range m.source.Names() {
		state := m.StateOf(name)
		if state != StateConnected && state != StateUnhealthy {
			continue
		}
		m.check(ctx, name)
	}
}

func (m *Manager) check(ctx context.Context, name string) {
	adapter, ok := m.source.Adapter(name)
	if !ok {
		return
	}
	desc, _ := m.source.Descriptor(name)

	r := m.record(name)
	r.mu.Lock()
	payload := r.payload
	r.mu.Unlock()

	err := adapter.HealthCheck(ctx, desc, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCheckAt = m.now()

	if err != nil {
		r.healthFailures++
		r.lastError = err
		if r.state == StateConnected && r.healthFailures >= unhealthyThreshold {
			r.state = StateUnhealthy
			m.logger.Warn("provider marked unhealthy",
				"provider", name,
				"consecutive_failures", r.healthFailures,
				"error", err,
			)
		}
		return
	}

	r.healthFailures = 0
	r.lastError = nil
	if r.state == StateUnhealthy {
		r.state = StateConnected
		m.logger.Info("provider recovered", "provider", name)
	}
}
