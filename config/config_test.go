package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capsulegen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "secret-key")

	path := writeConfig(t, `
store_path: /var/lib/capsulegen.db
metrics_addr: ":9102"
log_level: debug
redis:
  addr: localhost:6379
  queue_key: capsule:tasks
pipeline:
  lessons_per_batch: 5
  workers: 4
providers:
  gemini:
    api_key: ${TEST_GEMINI_KEY}
    model: gemini-2.0-flash
default:
  provider: gemini
  model: gemini-2.0-flash
features:
  capsule.outline:
    model: gemini-2.5-pro
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/capsulegen.db", cfg.StorePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "secret-key", cfg.Providers["gemini"].APIKey, "env references expand")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `providers: {}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "capsulegen.db", cfg.StorePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestResolve_FeatureOverridesDefault(t *testing.T) {
	cfg := &Config{
		Default: &ModelConfig{Provider: "gemini", Model: "gemini-2.0-flash", APIKey: "k"},
		Features: map[string]ModelConfig{
			"capsule.outline": {Model: "gemini-2.5-pro"},
		},
	}

	mc, err := cfg.Resolve("capsule.outline")
	require.NoError(t, err)
	assert.Equal(t, "gemini", mc.Provider, "provider inherited from default")
	assert.Equal(t, "gemini-2.5-pro", mc.Model, "model overridden per feature")
	assert.Equal(t, "k", mc.APIKey)
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	cfg := &Config{Default: &ModelConfig{Provider: "openai", Model: "gpt-4o-mini"}}

	mc, err := cfg.Resolve("capsule.lesson_content")
	require.NoError(t, err)
	assert.Equal(t, "openai", mc.Provider)
}

func TestResolve_NotConfigured(t *testing.T) {
	cfg := &Config{}

	_, err := cfg.Resolve("capsule.outline")
	assert.ErrorIs(t, err, ErrNotConfigured)

	cfg = &Config{Features: map[string]ModelConfig{"capsule.outline": {Model: "m"}}}
	_, err = cfg.Resolve("capsule.outline")
	assert.ErrorIs(t, err, ErrNotConfigured, "feature without provider and no default")
}
