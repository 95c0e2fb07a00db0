// Package config provides configuration loading with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rubberduck-ai/llmgate/pkg/provider"
)

// Config is the on-disk gateway configuration.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

// ProviderConfig defines a single provider entry. Timeout is expressed in
// milliseconds in the file.
type ProviderConfig struct {
	Adapter       string            `json:"adapter" yaml:"adapter"`
	APIKey        string            `json:"api_key" yaml:"api_key"`
	BaseURL       string            `json:"base_url" yaml:"base_url"`
	EnvVarName    string            `json:"env_var_name" yaml:"env_var_name"`
	BaseURLEnvVar string            `json:"base_url_env_var" yaml:"base_url_env_var"`
	Models        []string          `json:"models" yaml:"models"`
	Priority      int               `json:"priority" yaml:"priority"`
	RateLimit     *RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	MaxRetries    int               `json:"max_retries" yaml:"max_retries"`
	TimeoutMS     int               `json:"timeout" yaml:"timeout"`
	Headers       map[string]string `json:"headers" yaml:"headers"`
	Options       map[string]any    `json:"options" yaml:"options"`
}

// RateLimitConfig mirrors the file's rate_limit block.
type RateLimitConfig struct {
	Limit int    `json:"limit" yaml:"limit"`
	Unit  string `json:"unit" yaml:"unit"`
}

// LoadFromFile reads and parses a configuration file. The format is chosen
// by extension: .yaml/.yml is YAML, everything else is JSON. ${VAR}
// references are expanded from the environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(expanded), &cfg)
	default:
		err = json.Unmarshal([]byte(expanded), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints that the descriptor layer cannot
// see, such as rate-limit units.
func (c *Config) Validate() error {
	for name, pc := range c.Providers {
		if pc.RateLimit != nil {
			if pc.RateLimit.Limit <= 0 {
				return fmt.Errorf("provider %q: rate_limit.limit must be positive", name)
			}
			switch provider.Window(pc.RateLimit.Unit) {
			case provider.WindowSecond, provider.WindowMinute, provider.WindowHour:
			default:
				return fmt.Errorf("provider %q: unknown rate_limit.unit %q", name, pc.RateLimit.Unit)
			}
		}
		if pc.TimeoutMS < 0 {
			return fmt.Errorf("provider %q: timeout must not be negative", name)
		}
		if pc.MaxRetries < 0 {
			return fmt.Errorf("provider %q: max_retries must not be negative", name)
		}
	}
	return nil
}

// Descriptor converts one named provider entry into a runtime descriptor.
// The entry's name keys the providers map, so it is passed in.
func (pc ProviderConfig) Descriptor(name string) *provider.Descriptor {
	desc := &provider.Descriptor{
		Name:       name,
		Adapter:    pc.Adapter,
		APIKey:     pc.APIKey,
		BaseURL:    pc.BaseURL,
		Models:     append([]string(nil), pc.Models...),
		Priority:   pc.Priority,
		MaxRetries: pc.MaxRetries,
		Timeout:    time.Duration(pc.TimeoutMS) * time.Millisecond,
	}
	if desc.Adapter == "" {
		desc.Adapter = name
	}
	if pc.RateLimit != nil {
		desc.RateLimit = &provider.RateLimit{
			Limit:  pc.RateLimit.Limit,
			Window: provider.Window(pc.RateLimit.Unit),
		}
	}
	if len(pc.Headers) > 0 {
		desc.Headers = make(map[string]string, len(pc.Headers))
		for k, v := range pc.Headers {
			desc.Headers[k] = v
		}
	}
	if len(pc.Options) > 0 {
		desc.Extra = make(map[string]any, len(pc.Options))
		for k, v := range pc.Options {
			desc.Extra[k] = v
		}
	}
	return desc
}

// Descriptors converts the whole config into descriptors, resolving
// credentials through the environment where the file left them blank.
func (c *Config) Descriptors() []*provider.Descriptor {
	out := make([]*provider.Descriptor, 0, len(c.Providers))
	for name, pc := range c.Providers {
		desc := pc.Descriptor(name)
		Resolve(desc, pc.EnvVarName, pc.BaseURLEnvVar)
		out = append(out, desc)
	}
	return out
}
