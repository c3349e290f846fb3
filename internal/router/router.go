// Package router implements the Model Router (component C): it turns the
// model string a caller put on the wire into a routing Decision — which
// channel's upstream to call, what model name to send it, and whether CFP
// adaptation is needed — unifying the two copies of this logic that
// `original_source/server.py` carries (`validate_model_field` and
// `validate_model_token_count`, flagged in spec.md §9 as duplicated) into
// one routine used by both `/v1/messages` and `/v1/messages/count_tokens`.
package router

import (
	"fmt"
	"strings"

	"github.com/nullswan/anthroxy/internal/config"
)

// cfpSuffixes are recognized anywhere in the model string, not just as a
// trailing suffix — matching spec.md's "occurring anywhere" wording, which
// is the looser of the two behaviors original_source/server.py and
// cfp_adapter.py disagree on (validate_model_field uses substring `in`,
// cfp_adapter.py's should_use_cfp uses `endswith`).
var cfpSuffixes = []string{"-textonly", "-cfp", "-text"}

// knownPrefixes are the provider prefixes a caller may already have
// attached to a model name.
var knownPrefixes = []string{"anthropic/", "openai/", "gemini/"}

// Decision is the outcome of resolving a model string against the
// channel table: which channel to call, the model name to send it, and
// whether CFP adaptation applies.
type Decision struct {
	Channel       string
	Model         string
	OriginalModel string
	CFPEnabled    bool
	Provider      config.ProviderConfig
}

// Resolve splits an optional `model:channel` suffix, strips any CFP
// suffix, applies the haiku/sonnet alias mapping, and attaches a provider
// prefix — then looks up the resulting channel in cfg.
func Resolve(model string, cfg *config.Config) (Decision, error) {
	original := model

	channelName, rest := splitChannel(model)

	cfpEnabled, rest := stripCFPSuffix(rest)

	resolved := applyAlias(rest, cfg)

	provider, ok := cfg.Channel(channelName)
	if !ok {
		return Decision{}, fmt.Errorf("router: unknown channel %q", channelName)
	}

	return Decision{
		Channel:       channelName,
		Model:         resolved,
		OriginalModel: original,
		CFPEnabled:    cfpEnabled,
		Provider:      provider,
	}, nil
}

// splitChannel splits "model:channel" into (channel, model) on the first
// ":" (spec.md §4.C.1). When there is no ":" the default channel is used.
func splitChannel(model string) (channel, rest string) {
	if idx := strings.Index(model, ":"); idx >= 0 {
		return model[idx+1:], model[:idx]
	}
	return config.DefaultChannel, model
}

// stripCFPSuffix reports whether any recognized CFP suffix occurs anywhere
// in model, and returns model with every occurrence of every suffix
// removed.
func stripCFPSuffix(model string) (enabled bool, stripped string) {
	stripped = model
	for _, suffix := range cfpSuffixes {
		if strings.Contains(stripped, suffix) {
			enabled = true
			stripped = strings.ReplaceAll(stripped, suffix, "")
		}
	}
	return enabled, stripped
}

// applyAlias maps any model whose name (provider prefix aside) contains
// "haiku"/"sonnet", case-insensitively, to cfg's configured
// SmallModel/BigModel, then — for any model that still carries no provider
// prefix — attaches one derived from cfg.PreferredProvider. Models that
// already carry a recognized provider prefix and contain neither alias
// pass through untouched.
func applyAlias(model string, cfg *config.Config) string {
	clean, prefix := stripKnownPrefix(model)

	switch {
	case strings.Contains(strings.ToLower(clean), "haiku"):
		return withDefaultPrefix(cfg.SmallModel, cfg)
	case strings.Contains(strings.ToLower(clean), "sonnet"):
		return withDefaultPrefix(cfg.BigModel, cfg)
	case prefix != "":
		return model
	default:
		return withDefaultPrefix(clean, cfg)
	}
}

// withDefaultPrefix returns model unchanged if it already has a known
// prefix, otherwise prepends the prefix derived from cfg.PreferredProvider.
func withDefaultPrefix(model string, cfg *config.Config) string {
	if _, prefix := stripKnownPrefix(model); prefix != "" {
		return model
	}
	return preferredPrefix(cfg.PreferredProvider) + model
}

func stripKnownPrefix(model string) (clean, prefix string) {
	for _, p := range knownPrefixes {
		if strings.HasPrefix(model, p) {
			return strings.TrimPrefix(model, p), p
		}
	}
	return model, ""
}

// preferredPrefix maps a PREFERRED_PROVIDER setting to the provider prefix
// it implies, defaulting to "openai/" the same way
// original_source/server.py's validate_model_field does.
func preferredPrefix(preferred string) string {
	switch strings.ToLower(preferred) {
	case "google", "gemini":
		return "gemini/"
	case "anthropic":
		return "anthropic/"
	default:
		return "openai/"
	}
}
