package config

import (
	"os"
	"strings"

	"github.com/rubberduck-ai/llmgate/pkg/provider"
)

// Resolve fills a descriptor's credential and endpoint fields from the
// environment. Precedence is runtime value > config file value > environment
// variable; a field already set on the descriptor is never overwritten.
//
// Env var names default to the upper-cased provider name plus a suffix
// (OPENAI_API_KEY, OLLAMA_BASE_URL) and can be overridden per provider.
func Resolve(desc *provider.Descriptor, apiKeyVar, baseURLVar string) {
	if desc.APIKey == "" {
		if apiKeyVar == "" {
			apiKeyVar = EnvName(desc.Name, "API_KEY")
		}
		desc.APIKey = os.Getenv(apiKeyVar)
	}
	if desc.BaseURL == "" {
		if baseURLVar == "" {
			baseURLVar = EnvName(desc.Name, "BASE_URL")
		}
		desc.BaseURL = os.Getenv(baseURLVar)
	}
}

// EnvName derives the conventional environment variable name for a provider
// field: the provider name upper-cased with non-alphanumerics collapsed to
// underscores, then the suffix.
func EnvName(providerName, suffix string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(providerName) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String() + "_" + suffix
}
