package router

import (
	"testing"

	"github.com/nullswan/anthroxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("BASE_URL", "https://api.example/v1")
	t.Setenv("API_KEY", "sk-default")
	t.Setenv("BIG_MODEL", "claude-4-sonnet")
	t.Setenv("SMALL_MODEL", "claude-4-haiku")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestResolveDefaultChannel(t *testing.T) {
	cfg := baseConfig(t)
	d, err := Resolve("gpt-4.1", cfg)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultChannel, d.Channel)
	assert.Equal(t, "openai/gpt-4.1", d.Model)
	assert.False(t, d.CFPEnabled)
	assert.Equal(t, "gpt-4.1", d.OriginalModel)
}

func TestResolveChannelOverride(t *testing.T) {
	// S5 — "sonnet:gemini" with CHANNEL_GEMINI_* set and BIG_MODEL configured.
	t.Setenv("CHANNEL_GEMINI_BASE_URL", "https://g.example/v1")
	t.Setenv("CHANNEL_GEMINI_API_KEY", "sk-gemini-channel")
	cfg := baseConfig(t)

	d, err := Resolve("sonnet:gemini", cfg)
	require.NoError(t, err)
	assert.Equal(t, "gemini", d.Channel)
	assert.Equal(t, "https://g.example/v1", d.Provider.BaseURL)
	assert.Equal(t, "sk-gemini-channel", d.Provider.APIKey)
	assert.Equal(t, "openai/claude-4-sonnet", d.Model)
}

func TestResolveUnknownChannelFallsBackToDefault(t *testing.T) {
	cfg := baseConfig(t)
	d, err := Resolve("gpt-4.1:nope", cfg)
	require.NoError(t, err)
	assert.Equal(t, "nope", d.Channel)
	assert.Equal(t, "https://api.example/v1", d.Provider.BaseURL)
}

func TestResolveCFPSuffixDetectionAndStripping(t *testing.T) {
	cfg := baseConfig(t)
	d, err := Resolve("gpt-4.1-textonly", cfg)
	require.NoError(t, err)
	assert.True(t, d.CFPEnabled)
	assert.NotContains(t, d.Model, "-textonly")
}

func TestResolveCFPSuffixAnywhereInString(t *testing.T) {
	cfg := baseConfig(t)
	d, err := Resolve("gpt-4.1-cfp-extra", cfg)
	require.NoError(t, err)
	assert.True(t, d.CFPEnabled)
	assert.NotContains(t, d.Model, "-cfp")
}

func TestResolveHaikuAlias(t *testing.T) {
	cfg := baseConfig(t)
	d, err := Resolve("claude-3-haiku-20240307", cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai/claude-4-haiku", d.Model)
}

func TestResolveSonnetAliasPreservesExistingPrefix(t *testing.T) {
	cfg := baseConfig(t)
	cfg.BigModel = "anthropic/claude-4-sonnet"
	d, err := Resolve("sonnet", cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-4-sonnet", d.Model)
}

func TestResolvePreservesExplicitProviderPrefix(t *testing.T) {
	cfg := baseConfig(t)
	d, err := Resolve("gemini/gemini-2.0-flash", cfg)
	require.NoError(t, err)
	assert.Equal(t, "gemini/gemini-2.0-flash", d.Model)
}

func TestResolvePreferredProviderPrefixDerivation(t *testing.T) {
	t.Setenv("PREFERRED_PROVIDER", "anthropic")
	cfg := baseConfig(t)
	d, err := Resolve("some-model", cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/some-model", d.Model)
}

func TestResolveSplitsOnFirstColonOnly(t *testing.T) {
	cfg := baseConfig(t)
	d, err := Resolve("openai/gpt-4:foo:bar", cfg)
	require.NoError(t, err)
	assert.Equal(t, "foo:bar", d.Channel)
	assert.Equal(t, "openai/gpt-4", d.Model)
	assert.Equal(t, "openai/gpt-4:foo:bar", d.OriginalModel)
}

func TestResolveIsIdempotentOnAlreadyResolvedModel(t *testing.T) {
	cfg := baseConfig(t)
	first, err := Resolve("gpt-4.1", cfg)
	require.NoError(t, err)
	second, err := Resolve(first.Model, cfg)
	require.NoError(t, err)
	assert.Equal(t, first.Model, second.Model)
}
