package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// costCap bounds the number of retained cost records.
const costCap = 1000

// CostRecord is the billing trace of one completed request.
type CostRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
}

// CostFilter narrows a summary to a time range, provider, or model.
// Zero fields match everything.
type CostFilter struct {
	Since    time.Time
	Provider string
	Model    string
}

// TokenUsage totals tokens across matched records.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TimeRange is the span covered by matched records.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CostSummary is the aggregation returned by Summary.
type CostSummary struct {
	TotalCost         float64            `json:"total_cost"`
	RecordCount       int                `json:"record_count"`
	ByProvider        map[string]float64 `json:"by_provider"`
	ByModel           map[string]float64 `json:"by_model"`
	TokenUsage        TokenUsage         `json:"token_usage"`
	AvgCostPerRequest float64            `json:"avg_cost_per_request"`
	TimeRange         *TimeRange         `json:"time_range,omitempty"`
}

// CostTracker keeps a newest-first rolling log of cost records, capped at
// costCap entries.
type CostTracker struct {
	mu      sync.RWMutex
	records []CostRecord
	pricing *PricingTable
	now     func() time.Time
}

// NewCostTracker creates a tracker over the given pricing table.
func NewCostTracker(pricing *PricingTable) *CostTracker {
	if pricing == nil {
		pricing = NewPricingTable()
	}
	return &CostTracker{pricing: pricing, now: time.Now}
}

// SetClock overrides the time source for tests.
func (t *CostTracker) SetClock(now func() time.Time) {
	t.now = now
}

// Pricing exposes the table so callers can override prices.
func (t *CostTracker) Pricing() *PricingTable {
	return t.pricing
}

// Record prices a completed response's usage and appends a record.
// Responses without usage are not recorded. Returns the computed cost.
func (t *CostTracker) Record(provider, model string, usage *types.Usage) float64 {
	if usage == nil {
		return 0
	}
	cost := t.pricing.Cost(provider, model, usage)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append([]CostRecord{{
		Timestamp:        t.now(),
		Provider:         provider,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             cost,
	}}, t.records...)
	if len(t.records) > costCap {
		t.records = t.records[:costCap]
	}
	return cost
}

// Records returns a newest-first snapshot.
func (t *CostTracker) Records() []CostRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]CostRecord(nil), t.records...)
}

// Summary aggregates records matching the filter.
func (t *CostTracker) Summary(filter CostFilter) CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sum := CostSummary{
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
	}
	var from, to time.Time
	for _, rec := range t.records {
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.Provider != "" && rec.Provider != filter.Provider {
			continue
		}
		if filter.Model != "" && rec.Model != filter.Model {
			continue
		}
		sum.TotalCost += rec.Cost
		sum.RecordCount++
		sum.ByProvider[rec.Provider] += rec.Cost
		sum.ByModel[rec.Model] += rec.Cost
		sum.TokenUsage.PromptTokens += rec.PromptTokens
		sum.TokenUsage.CompletionTokens += rec.CompletionTokens
		sum.TokenUsage.TotalTokens += rec.TotalTokens
		if from.IsZero() || rec.Timestamp.Before(from) {
			from = rec.Timestamp
		}
		if rec.Timestamp.After(to) {
			to = rec.Timestamp
		}
	}
	if sum.RecordCount > 0 {
		sum.AvgCostPerRequest = sum.TotalCost / float64(sum.RecordCount)
		sum.TimeRange = &TimeRange{From: from, To: to}
	}
	return sum
}

// ExportCSV writes all retained records oldest-first. Costs are rounded to
// four decimal places.
func (t *CostTracker) ExportCSV(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, err := io.WriteString(w, "Timestamp,Provider,Model,Prompt Tokens,Completion Tokens,Total Tokens,Cost\n"); err != nil {
		return err
	}
	for i := len(t.records) - 1; i >= 0; i-- {
		rec := t.records[i]
		_, err := fmt.Fprintf(w, "%s,%s,%s,%d,%d,%d,%.4f\n",
			rec.Timestamp.Format(time.RFC3339),
			rec.Provider,
			rec.Model,
			rec.PromptTokens,
			rec.CompletionTokens,
			rec.TotalTokens,
			rec.Cost,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
