// Package config loads anthroxy's environment-scoped configuration: the
// channel table that the router (internal/router) and request translator
// (internal/translate) consult to pick an upstream base URL/API key and to
// resolve the haiku/sonnet aliases.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultChannel is the channel key used when a model string carries no
// explicit `:channel` suffix.
const DefaultChannel = "default"

// ProviderConfig is one channel's upstream connection details (spec.md §3's
// "Provider config").
type ProviderConfig struct {
	Name    string `koanf:"name"`
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

// Config is anthroxy's fully resolved configuration.
type Config struct {
	PreferredProvider string
	BigModel          string
	SmallModel        string
	Debug             bool

	channels map[string]ProviderConfig
}

// channelsFile is the optional YAML overlay koanf loads, mirroring the
// teacher's file.Provider+yaml.Parser layering but scoped to channels only.
type channelsFile struct {
	Channels map[string]ProviderConfig `koanf:"channels"`
}

// Load builds a Config from the process environment: it loads an optional
// .env file (ignored if absent, same as the teacher), an optional
// channels.yaml overlay at path (ignored if path is empty or the file
// doesn't exist), the literal environment-scoped keys from spec.md §6, and
// finally a scan of os.Environ() for CHANNEL_<NAME>_BASE_URL /
// CHANNEL_<NAME>_API_KEY pairs — env-declared channels override anything
// the YAML layer declared under the same name, mirroring the teacher's
// "env overrides file" precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PreferredProvider: getenvDefault("PREFERRED_PROVIDER", "openai"),
		BigModel:          getenvDefault("BIG_MODEL", "gpt-4.1"),
		SmallModel:        getenvDefault("SMALL_MODEL", "gpt-4.1-mini"),
		Debug:             os.Getenv("DEBUG") != "",
		channels:          map[string]ProviderConfig{},
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			k := koanf.New(".")
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", path, err)
			}
			var cf channelsFile
			if err := k.Unmarshal("", &cf); err != nil {
				return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
			}
			for name, p := range cf.Channels {
				name = strings.ToLower(name)
				p.Name = name
				cfg.channels[name] = expandProviderEnv(p)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg.channels[DefaultChannel] = ProviderConfig{
		Name:    DefaultChannel,
		BaseURL: firstNonEmpty(os.Getenv("BASE_URL"), os.Getenv("API_BASE")),
		APIKey:  firstNonEmpty(os.Getenv("API_KEY"), defaultProviderKey(cfg.PreferredProvider)),
	}

	for name, p := range scanChannelEnv(os.Environ()) {
		cfg.channels[name] = p
	}

	return cfg, nil
}

// Channel looks up a channel by name (case-insensitive), falling back to
// DefaultChannel when name is unknown — matching the router's "fall back
// to default and note the miss" resolution rule (spec.md §4.C.2).
func (c *Config) Channel(name string) (ProviderConfig, bool) {
	name = strings.ToLower(name)
	if p, ok := c.channels[name]; ok {
		return p, true
	}
	if p, ok := c.channels[DefaultChannel]; ok {
		return p, true
	}
	return ProviderConfig{}, false
}

// defaultProviderKey returns the per-provider credential matching
// preferred (ANTHROPIC_API_KEY/OPENAI_API_KEY/GEMINI_API_KEY), used as the
// default channel's API key when API_KEY itself isn't set.
func defaultProviderKey(preferred string) string {
	switch strings.ToLower(preferred) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "google", "gemini":
		return os.Getenv("GEMINI_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

// scanChannelEnv pattern-matches CHANNEL_<NAME>_BASE_URL and
// CHANNEL_<NAME>_API_KEY out of a set of "KEY=VALUE" environment entries
// and groups them into ProviderConfig values keyed by lowercased <NAME>.
func scanChannelEnv(environ []string) map[string]ProviderConfig {
	out := map[string]ProviderConfig{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "CHANNEL_") {
			continue
		}
		rest := strings.TrimPrefix(key, "CHANNEL_")

		var name, field string
		switch {
		case strings.HasSuffix(rest, "_BASE_URL"):
			name, field = strings.TrimSuffix(rest, "_BASE_URL"), "base_url"
		case strings.HasSuffix(rest, "_API_KEY"):
			name, field = strings.TrimSuffix(rest, "_API_KEY"), "api_key"
		default:
			continue
		}
		if name == "" {
			continue
		}
		name = strings.ToLower(name)

		p := out[name]
		p.Name = name
		if field == "base_url" {
			p.BaseURL = value
		} else {
			p.APIKey = value
		}
		out[name] = p
	}
	return out
}

// expandProviderEnv resolves ${VAR} placeholders in a YAML-declared
// channel's api_key, the same convention the teacher's config.Load applies
// after unmarshaling.
func expandProviderEnv(p ProviderConfig) ProviderConfig {
	if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
		p.APIKey = os.Getenv(p.APIKey[2 : len(p.APIKey)-1])
	}
	return p
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
