// Package config holds all configuration types and loading logic for tileflow.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a tileflow daemon instance.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Auth    AuthConfig     `yaml:"auth"`
	Logging LoggingConfig  `yaml:"logging"`
	DataDir string         `yaml:"data_dir"`
	Cache   CacheConfig    `yaml:"cache"`
	Planner PlannerConfig  `yaml:"planner"`
	Webhook WebhookConfig  `yaml:"webhook"`
	Sources []SourceConfig `yaml:"sources"`
}

// ServerConfig holds the HTTP listen settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// CacheConfig controls the on-disk tile cache.
type CacheConfig struct {
	// MaxAgeHours is how long a cached tile stays valid before the
	// sweeper removes it. Zero disables sweeping.
	MaxAgeHours int `yaml:"max_age_hours"`
	// SweepIntervalMinutes is how often the background sweep runs.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// PlannerConfig tunes the seeding loop.
type PlannerConfig struct {
	// PassIntervalMs is the cadence of the plan/drain pass.
	PassIntervalMs int `yaml:"pass_interval_ms"`
	// MaxLoading caps tiles in flight across all sources.
	MaxLoading int `yaml:"max_loading"`
	// MaxNewLoads caps loads started per pass.
	MaxNewLoads int `yaml:"max_new_loads"`
	// MaxQueued caps tiles enqueued ahead of the drain.
	MaxQueued int `yaml:"max_queued"`
}

// WebhookConfig controls job completion callbacks.
type WebhookConfig struct {
	// RetryDelaysMs is the list of delays between successive retry attempts.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
	TimeoutMs     int   `yaml:"timeout_ms"`
	// Secret, when set, signs callback bodies with HMAC-SHA256.
	Secret string `yaml:"secret"`
}

// SourceConfig describes one upstream tile server.
type SourceConfig struct {
	ID          string `yaml:"id"`
	URLTemplate string `yaml:"url_template"`
	MinZoom     int    `yaml:"min_zoom"`
	MaxZoom     int    `yaml:"max_zoom"`
	// RateLimit is requests per second toward this upstream. Zero means
	// unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	TimeoutMs int     `yaml:"timeout_ms"`
	UserAgent string  `yaml:"user_agent"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8400,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		DataDir: "./data",
		Cache: CacheConfig{
			MaxAgeHours:          24 * 14,
			SweepIntervalMinutes: 60,
		},
		Planner: PlannerConfig{
			PassIntervalMs: 250,
			MaxLoading:     16,
			MaxNewLoads:    8,
			MaxQueued:      512,
		},
		Webhook: WebhookConfig{
			RetryDelaysMs: []int{1_000, 5_000, 30_000},
			TimeoutMs:     5_000,
		},
		Sources: []SourceConfig{},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run tileflow with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	TILEFLOW_API_KEY   — sets auth.api_key and enables auth (auth.enabled = true)
//	TILEFLOW_DATA_DIR  — sets data_dir
//	TILEFLOW_PORT      — sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TILEFLOW_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("TILEFLOW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TILEFLOW_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return errors.New(`logging.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return errors.New(`logging.format must be "json" or "text"`)
	}
	if c.Cache.MaxAgeHours < 0 {
		return errors.New("cache.max_age_hours must be >= 0")
	}
	if c.Cache.SweepIntervalMinutes < 1 {
		return errors.New("cache.sweep_interval_minutes must be at least 1")
	}
	if c.Planner.PassIntervalMs < 1 {
		return errors.New("planner.pass_interval_ms must be at least 1")
	}
	if c.Planner.MaxLoading < 1 {
		return errors.New("planner.max_loading must be at least 1")
	}
	if c.Planner.MaxNewLoads < 1 {
		return errors.New("planner.max_new_loads must be at least 1")
	}
	if c.Planner.MaxQueued < c.Planner.MaxNewLoads {
		return errors.New("planner.max_queued must not be below planner.max_new_loads")
	}
	if c.Webhook.TimeoutMs < 1 {
		return errors.New("webhook.timeout_ms must be at least 1")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d].id must not be empty", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is declared twice", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.URLTemplate == "" {
			return fmt.Errorf("sources[%d].url_template must not be empty", i)
		}
		if s.MinZoom < 0 || s.MaxZoom < s.MinZoom {
			return fmt.Errorf("sources[%d]: zoom range %d..%d is invalid", i, s.MinZoom, s.MaxZoom)
		}
		if s.RateLimit < 0 {
			return fmt.Errorf("sources[%d].rate_limit must be >= 0", i)
		}
	}
	return nil
}
