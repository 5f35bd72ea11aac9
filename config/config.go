// Package config loads the daemon configuration and resolves which provider
// and model serve each generation feature.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotConfigured is returned when a feature key has no model binding and
// no default exists. Callers distinguish this from transport failures: it is
// an operator problem, not a retry candidate.
var ErrNotConfigured = errors.New("feature has no model configuration")

// ModelConfig binds one feature to a provider and model.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// ProviderConfig configures one vendor adapter.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig tunes the generation pipeline.
type PipelineConfig struct {
	LessonsPerBatch   int           `yaml:"lessons_per_batch"`
	LessonAttempts    int           `yaml:"lesson_attempts"`
	Workers           int           `yaml:"workers"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// RedisConfig enables the shared Redis task queue. Empty Addr keeps the
// in-process scheduler.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queue_key"`
}

// Config is the full daemon configuration.
type Config struct {
	StorePath   string                    `yaml:"store_path"`
	MetricsAddr string                    `yaml:"metrics_addr"`
	LogLevel    string                    `yaml:"log_level"`
	Redis       RedisConfig               `yaml:"redis"`
	Pipeline    PipelineConfig            `yaml:"pipeline"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Default     *ModelConfig              `yaml:"default"`
	Features    map[string]ModelConfig    `yaml:"features"`
}

// Load reads and parses a YAML config file. Environment references of the
// form ${VAR} are expanded before parsing so API keys can stay out of the
// file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StorePath == "" {
		c.StorePath = "capsulegen.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 2
	}
}

// Resolve returns the model binding for a feature key: the feature's own
// entry when present, otherwise the default, otherwise ErrNotConfigured.
// Empty fields in a feature entry inherit from the default.
func (c *Config) Resolve(feature string) (ModelConfig, error) {
	entry, ok := c.Features[feature]
	if !ok {
		if c.Default == nil {
			return ModelConfig{}, fmt.Errorf("%w: %s", ErrNotConfigured, feature)
		}
		return *c.Default, nil
	}
	if c.Default != nil {
		if entry.Provider == "" {
			entry.Provider = c.Default.Provider
		}
		if entry.Model == "" {
			entry.Model = c.Default.Model
		}
		if entry.APIKey == "" {
			entry.APIKey = c.Default.APIKey
		}
	}
	if entry.Provider == "" {
		return ModelConfig{}, fmt.Errorf("%w: %s has no provider", ErrNotConfigured, feature)
	}
	return entry, nil
}
