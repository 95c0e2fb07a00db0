// Package telemetry maintains health and cost records as by-products of
// dispatch, plus the static pricing table and Prometheus mirrors.
package telemetry

import (
	"strings"
	"sync"

	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// ModelPricing defines the price of a model in USD per 1000 tokens.
// Model supports a trailing wildcard, e.g. "gpt-4*".
type ModelPricing struct {
	Model           string
	PromptPer1K     float64
	CompletionPer1K float64
}

// defaultPricing is the built-in per-provider table. Prices in USD per
// 1000 tokens. Local providers are free.
var defaultPricing = map[string][]ModelPricing{
	"openai": {
		{Model: "gpt-4o", PromptPer1K: 0.005, CompletionPer1K: 0.015},
		{Model: "gpt-4o-mini", PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
		{Model: "gpt-4-turbo*", PromptPer1K: 0.01, CompletionPer1K: 0.03},
		{Model: "gpt-4*", PromptPer1K: 0.03, CompletionPer1K: 0.06},
		{Model: "gpt-3.5-turbo", PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	},
	"anthropic": {
		{Model: "claude-3-5-sonnet*", PromptPer1K: 0.003, CompletionPer1K: 0.015},
		{Model: "claude-3-opus*", PromptPer1K: 0.015, CompletionPer1K: 0.075},
		{Model: "claude-3-sonnet*", PromptPer1K: 0.003, CompletionPer1K: 0.015},
		{Model: "claude-3-haiku*", PromptPer1K: 0.00025, CompletionPer1K: 0.00125},
	},
	"ollama": {},
	"tgi":    {},
}

// providerDefaults covers models a provider serves but the table does not
// list. Local providers default to zero cost.
var providerDefaults = map[string]ModelPricing{
	"openai":    {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"anthropic": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"ollama":    {},
	"tgi":       {},
}

// PricingTable resolves (provider, model) to a price. Lookup tries an exact
// match first, then the longest wildcard prefix, then the provider default.
type PricingTable struct {
	mu       sync.RWMutex
	models   map[string][]ModelPricing
	defaults map[string]ModelPricing
}

// NewPricingTable returns a table seeded with the built-in prices.
func NewPricingTable() *PricingTable {
	t := &PricingTable{
		models:   make(map[string][]ModelPricing, len(defaultPricing)),
		defaults: make(map[string]ModelPricing, len(providerDefaults)),
	}
	for prov, list := range defaultPricing {
		t.models[prov] = append([]ModelPricing(nil), list...)
	}
	for prov, def := range providerDefaults {
		t.defaults[prov] = def
	}
	return t
}

// Add registers or overrides the price of one model for a provider.
func (t *PricingTable) Add(provider string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.models[provider]
	for i, existing := range list {
		if strings.EqualFold(existing.Model, p.Model) {
			list[i] = p
			return
		}
	}
	t.models[provider] = append(list, p)
}

// SetDefault sets the provider-level fallback price.
func (t *PricingTable) SetDefault(provider string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaults[provider] = p
}

// Lookup resolves the price for a provider/model pair.
func (t *PricingTable) Lookup(provider, model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.models[provider]
	for _, p := range list {
		if strings.EqualFold(p.Model, model) {
			return p, true
		}
	}

	modelLower := strings.ToLower(model)
	var best *ModelPricing
	bestLen := -1
	for i := range list {
		pattern := list[i].Model
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(pattern, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			best = &list[i]
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return *best, true
	}

	if def, ok := t.defaults[provider]; ok {
		return def, true
	}
	return ModelPricing{}, false
}

// Cost computes the USD cost of a usage record. Unknown providers cost 0.
func (t *PricingTable) Cost(provider, model string, usage *types.Usage) float64 {
	if usage == nil {
		return 0
	}
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	prompt := float64(usage.PromptTokens) / 1000.0 * p.PromptPer1K
	completion := float64(usage.CompletionTokens) / 1000.0 * p.CompletionPer1K
	return prompt + completion
}
