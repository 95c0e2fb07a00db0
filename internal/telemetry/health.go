package telemetry

import (
	"sync"
	"time"
)

// healthCap bounds the number of retained records per provider.
const healthCap = 100

// HealthRecord is one dispatch outcome against a provider.
type HealthRecord struct {
	Provider string
	Success  bool
	Latency  time.Duration
	Error    string
	At       time.Time
}

// HealthSummary aggregates a provider's records over a window.
type HealthSummary struct {
	Status       string    `json:"status"`
	LastCheck    time.Time `json:"last_check"`
	UptimePct    float64   `json:"uptime_pct"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	RecentErrors int       `json:"recent_errors"`
}

// HealthTracker keeps newest-first rolling records per provider, pruned to
// healthCap and an optional retention window on every insert.
type HealthTracker struct {
	mu        sync.RWMutex
	records   map[string][]HealthRecord
	retention time.Duration
	now       func() time.Time
}

// NewHealthTracker creates a tracker. A zero retention keeps records until
// the cap evicts them.
func NewHealthTracker(retention time.Duration) *HealthTracker {
	return &HealthTracker{
		records:   make(map[string][]HealthRecord),
		retention: retention,
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (t *HealthTracker) SetClock(now func() time.Time) {
	t.now = now
}

// RecordSuccess appends a successful dispatch record.
func (t *HealthTracker) RecordSuccess(provider string, latency time.Duration) {
	t.insert(HealthRecord{Provider: provider, Success: true, Latency: latency, At: t.now()})
}

// RecordFailure appends a failed dispatch record.
func (t *HealthTracker) RecordFailure(provider string, latency time.Duration, errMsg string) {
	t.insert(HealthRecord{Provider: provider, Latency: latency, Error: errMsg, At: t.now()})
}

func (t *HealthTracker) insert(rec HealthRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := append([]HealthRecord{rec}, t.records[rec.Provider]...)
	if len(list) > healthCap {
		list = list[:healthCap]
	}
	if t.retention > 0 {
		cutoff := t.now().Add(-t.retention)
		for len(list) > 0 && list[len(list)-1].At.Before(cutoff) {
			list = list[:len(list)-1]
		}
	}
	t.records[rec.Provider] = list
}

// Records returns a newest-first snapshot for one provider.
func (t *HealthTracker) Records(provider string) []HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]HealthRecord(nil), t.records[provider]...)
}

// Providers returns every provider with at least one record.
func (t *HealthTracker) Providers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.records))
	for name := range t.records {
		out = append(out, name)
	}
	return out
}

// Aggregate summarizes a provider's records inside the window ending now.
// A zero window considers all retained records.
func (t *HealthTracker) Aggregate(provider string, window time.Duration) HealthSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = t.now().Add(-window)
	}

	var (
		total      int
		successes  int
		failures   int
		latencySum time.Duration
		last       time.Time
	)
	for _, rec := range t.records[provider] {
		if window > 0 && rec.At.Before(cutoff) {
			break
		}
		total++
		if rec.Success {
			successes++
		} else {
			failures++
		}
		latencySum += rec.Latency
		if rec.At.After(last) {
			last = rec.At
		}
	}

	sum := HealthSummary{Status: "unknown", LastCheck: last, RecentErrors: failures}
	if total == 0 {
		return sum
	}
	sum.UptimePct = float64(successes) / float64(total) * 100
	sum.AvgLatencyMS = float64(latencySum.Milliseconds()) / float64(total)
	switch {
	case sum.UptimePct >= 99:
		sum.Status = "healthy"
	case sum.UptimePct >= 90:
		sum.Status = "degraded"
	default:
		sum.Status = "unhealthy"
	}
	return sum
}
