package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/me/tileflow/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Port != 8400 {
		t.Errorf("expected default port 8400, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.DataDir)
	}
	if cfg.Planner.MaxLoading != 16 {
		t.Errorf("expected default max_loading 16, got %d", cfg.Planner.MaxLoading)
	}
	if cfg.Planner.MaxQueued != 512 {
		t.Errorf("expected default max_queued 512, got %d", cfg.Planner.MaxQueued)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default log format json, got %s", cfg.Logging.Format)
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
	if len(cfg.Webhook.RetryDelaysMs) != 3 {
		t.Errorf("expected 3 webhook retry delays, got %d", len(cfg.Webhook.RetryDelaysMs))
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("/tmp/tileflow_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Server.Port != 8400 {
		t.Errorf("expected default port for missing file, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  port: 9999
  host: "127.0.0.1"
data_dir: "/tmp/tileflow_test"
planner:
  max_loading: 4
  max_new_loads: 2
sources:
  - id: "osm"
    url_template: "https://tile.example.org/{z}/{x}/{y}.png"
    max_zoom: 19
    rate_limit: 2
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Planner.MaxLoading != 4 {
		t.Errorf("expected max_loading 4, got %d", cfg.Planner.MaxLoading)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].ID != "osm" {
		t.Errorf("expected one osm source, got %+v", cfg.Sources)
	}
	if cfg.Sources[0].MaxZoom != 19 {
		t.Errorf("expected source max_zoom 19, got %d", cfg.Sources[0].MaxZoom)
	}
	// Unset fields keep their defaults.
	if cfg.Planner.PassIntervalMs != 250 {
		t.Errorf("expected default pass_interval_ms 250 (unchanged), got %d", cfg.Planner.PassIntervalMs)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TILEFLOW_API_KEY", "sekrit")
	t.Setenv("TILEFLOW_PORT", "8555")

	cfg, err := config.Load("/tmp/tileflow_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "sekrit" {
		t.Errorf("expected env to enable auth with key, got %+v", cfg.Auth)
	}
	if cfg.Server.Port != 8555 {
		t.Errorf("expected env port 8555, got %d", cfg.Server.Port)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 0")
	}

	cfg.Server.Port = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 99999")
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty data_dir")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown log level")
	}
}

func TestValidate_QueueBelowNewLoads(t *testing.T) {
	cfg := config.Default()
	cfg.Planner.MaxQueued = 2 // below MaxNewLoads (8)
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when max_queued < max_new_loads")
	}
}

func TestValidate_DuplicateSourceIDs(t *testing.T) {
	cfg := config.Default()
	cfg.Sources = []config.SourceConfig{
		{ID: "osm", URLTemplate: "http://h/{z}/{x}/{y}", MaxZoom: 5},
		{ID: "osm", URLTemplate: "http://h2/{z}/{x}/{y}", MaxZoom: 5},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for duplicate source ids")
	}
}

func TestValidate_InvalidSourceZooms(t *testing.T) {
	cfg := config.Default()
	cfg.Sources = []config.SourceConfig{
		{ID: "osm", URLTemplate: "http://h/{z}/{x}/{y}", MinZoom: 9, MaxZoom: 3},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for inverted zoom range")
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
