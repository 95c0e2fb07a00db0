// Package prefs resolves per-user provider and model preferences. The
// dispatch engine consults it before the registry's model index; a pinned
// preference overrides the application mapping for that user's request only.
package prefs

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the preference lookup consumed by the dispatch engine.
type Store interface {
	// DefaultProviderAndModel returns the user's pinned provider and model.
	DefaultProviderAndModel(userID string) (provider, model string, ok bool)

	// ProviderDefaultModel returns the user's preferred model on a provider.
	ProviderDefaultModel(userID, provider string) (model string, ok bool)

	// ModelsByProvider returns the user's preferred models grouped by provider.
	ModelsByProvider(userID string) map[string][]string

	// ProviderForModel returns the user's pinned provider for a model.
	ProviderForModel(userID, model string) (provider string, ok bool)
}

type userPrefs struct {
	defaultProvider string
	defaultModel    string
	perProvider     map[string]string
	pins            map[string]string
}

// MemoryStore is a TTL-backed in-process Store. Entries expire so stale
// preferences do not pin users to decommissioned providers forever.
type MemoryStore struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewMemoryStore creates a store whose entries live for ttl. A zero ttl
// keeps entries until overwritten.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	expiry := ttl
	if expiry <= 0 {
		expiry = gocache.NoExpiration
	}
	return &MemoryStore{
		cache: gocache.New(expiry, 10*time.Minute),
		ttl:   ttl,
	}
}

func (s *MemoryStore) get(userID string) (*userPrefs, bool) {
	v, ok := s.cache.Get(userID)
	if !ok {
		return nil, false
	}
	return v.(*userPrefs), true
}

func (s *MemoryStore) upsert(userID string, mutate func(*userPrefs)) {
	p, ok := s.get(userID)
	if !ok {
		p = &userPrefs{
			perProvider: make(map[string]string),
			pins:        make(map[string]string),
		}
	}
	mutate(p)
	s.cache.SetDefault(userID, p)
}

// SetDefault pins the user's default provider and model.
func (s *MemoryStore) SetDefault(userID, provider, model string) {
	s.upsert(userID, func(p *userPrefs) {
		p.defaultProvider = provider
		p.defaultModel = model
	})
}

// SetProviderDefault pins the user's preferred model on one provider.
func (s *MemoryStore) SetProviderDefault(userID, provider, model string) {
	s.upsert(userID, func(p *userPrefs) {
		p.perProvider[provider] = model
	})
}

// PinModel pins a model to a provider for the user.
func (s *MemoryStore) PinModel(userID, model, provider string) {
	s.upsert(userID, func(p *userPrefs) {
		p.pins[model] = provider
	})
}

// Forget drops all preferences for a user.
func (s *MemoryStore) Forget(userID string) {
	s.cache.Delete(userID)
}

func (s *MemoryStore) DefaultProviderAndModel(userID string) (string, string, bool) {
	p, ok := s.get(userID)
	if !ok || p.defaultProvider == "" {
		return "", "", false
	}
	return p.defaultProvider, p.defaultModel, true
}

func (s *MemoryStore) ProviderDefaultModel(userID, provider string) (string, bool) {
	p, ok := s.get(userID)
	if !ok {
		return "", false
	}
	model, ok := p.perProvider[provider]
	return model, ok
}

func (s *MemoryStore) ModelsByProvider(userID string) map[string][]string {
	p, ok := s.get(userID)
	if !ok {
		return nil
	}
	out := make(map[string][]string)
	for provider, model := range p.perProvider {
		out[provider] = append(out[provider], model)
	}
	for model, provider := range p.pins {
		out[provider] = append(out[provider], model)
	}
	return out
}

func (s *MemoryStore) ProviderForModel(userID, model string) (string, bool) {
	p, ok := s.get(userID)
	if !ok {
		return "", false
	}
	provider, ok := p.pins[model]
	return provider, ok
}
