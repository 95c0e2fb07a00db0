package prefs

import (
	"testing"
	"time"
)

func TestMemoryStoreDefaults(t *testing.T) {
	s := NewMemoryStore(0)

	if _, _, ok := s.DefaultProviderAndModel("u1"); ok {
		t.Fatal("unexpected preference for unknown user")
	}

	s.SetDefault("u1", "anthropic", "claude-3-haiku")
	provider, model, ok := s.DefaultProviderAndModel("u1")
	if !ok || provider != "anthropic" || model != "claude-3-haiku" {
		t.Fatalf("got %q, %q, %v", provider, model, ok)
	}

	if _, _, ok := s.DefaultProviderAndModel("u2"); ok {
		t.Fatal("preference leaked across users")
	}
}

func TestMemoryStoreProviderDefault(t *testing.T) {
	s := NewMemoryStore(0)
	s.SetProviderDefault("u1", "openai", "gpt-4o-mini")

	model, ok := s.ProviderDefaultModel("u1", "openai")
	if !ok || model != "gpt-4o-mini" {
		t.Fatalf("got %q, %v", model, ok)
	}
	if _, ok := s.ProviderDefaultModel("u1", "anthropic"); ok {
		t.Fatal("unexpected model for unset provider")
	}
}

func TestMemoryStorePins(t *testing.T) {
	s := NewMemoryStore(0)
	s.PinModel("u1", "gpt-4", "azure")

	provider, ok := s.ProviderForModel("u1", "gpt-4")
	if !ok || provider != "azure" {
		t.Fatalf("got %q, %v", provider, ok)
	}
	if _, ok := s.ProviderForModel("u1", "gpt-4o"); ok {
		t.Fatal("unexpected pin")
	}
}

func TestMemoryStoreModelsByProvider(t *testing.T) {
	s := NewMemoryStore(0)
	s.SetProviderDefault("u1", "openai", "gpt-4o")
	s.PinModel("u1", "claude-3-opus", "anthropic")

	got := s.ModelsByProvider("u1")
	if len(got["openai"]) != 1 || got["openai"][0] != "gpt-4o" {
		t.Fatalf("openai models = %v", got["openai"])
	}
	if len(got["anthropic"]) != 1 || got["anthropic"][0] != "claude-3-opus" {
		t.Fatalf("anthropic models = %v", got["anthropic"])
	}
}

func TestMemoryStoreForget(t *testing.T) {
	s := NewMemoryStore(0)
	s.SetDefault("u1", "openai", "gpt-4")
	s.Forget("u1")

	if _, _, ok := s.DefaultProviderAndModel("u1"); ok {
		t.Fatal("preferences survived Forget")
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	s.SetDefault("u1", "openai", "gpt-4")

	time.Sleep(30 * time.Millisecond)
	if _, _, ok := s.DefaultProviderAndModel("u1"); ok {
		t.Fatal("preferences survived TTL expiry")
	}
}
