package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("expected default driver %q, got %q", DriverSQLite, cfg.Store.Driver)
	}
	if cfg.Queue.DefaultMaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Queue.StuckTimeout != 10*time.Minute {
		t.Errorf("expected stuck timeout 10m, got %v", cfg.Queue.StuckTimeout)
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Workers.Count)
	}
	if cfg.Checkpoint.CompressThreshold != 64<<10 {
		t.Errorf("expected compress threshold 64KiB, got %d", cfg.Checkpoint.CompressThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite3
  path: /var/lib/stepflow/queue.db
queue:
  default_max_attempts: 5
  stuck_timeout: 2m
  retention_days: 3
workers:
  count: 8
  poll_interval: 50ms
  dequeue_rate: 20
anthropic:
  api_key: test-key
  use_bedrock: true
  aws_region: eu-west-1
tui:
  refresh_rate: 200ms
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Store.Driver != DriverSQLiteCGO {
		t.Errorf("expected driver sqlite3, got %q", cfg.Store.Driver)
	}
	if cfg.Store.Path != "/var/lib/stepflow/queue.db" {
		t.Errorf("unexpected store path %q", cfg.Store.Path)
	}
	if cfg.Queue.DefaultMaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Queue.StuckTimeout != 2*time.Minute {
		t.Errorf("expected stuck timeout 2m, got %v", cfg.Queue.StuckTimeout)
	}
	if cfg.Queue.ReapInterval != time.Minute {
		t.Errorf("expected default reap interval 1m, got %v", cfg.Queue.ReapInterval)
	}
	if cfg.Workers.Count != 8 || cfg.Workers.PollInterval != 50*time.Millisecond {
		t.Errorf("unexpected workers section %+v", cfg.Workers)
	}
	if cfg.Workers.DequeueRate != 20 {
		t.Errorf("expected dequeue rate 20, got %v", cfg.Workers.DequeueRate)
	}
	if !cfg.Anthropic.UseBedrock || cfg.Anthropic.AWSRegion != "eu-west-1" {
		t.Errorf("unexpected anthropic section %+v", cfg.Anthropic)
	}
	if cfg.TUI.RefreshRate != 200*time.Millisecond {
		t.Errorf("expected refresh rate 200ms, got %v", cfg.TUI.RefreshRate)
	}
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "workers:\n  count: 2\n")
	t.Setenv("STEPFLOW_WORKERS_COUNT", "6")
	t.Setenv("STEPFLOW_STORE_DRIVER", "memory")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Workers.Count != 6 {
		t.Errorf("expected env override 6 workers, got %d", cfg.Workers.Count)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("expected env override driver memory, got %q", cfg.Store.Driver)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("expected api key from env, got %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"driver", "store:\n  driver: postgres\n", "store.driver"},
		{"attempts", "queue:\n  default_max_attempts: 0\n", "default_max_attempts"},
		{"workers", "workers:\n  count: 0\n", "workers.count"},
		{"format", "logging:\n  format: xml\n", "logging.format"},
		{"retention", "queue:\n  retention_days: -1\n", "retention_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Workers.Count = 12
	cfg.Queue.StuckTimeout = 90 * time.Second
	cfg.Signals.Dir = "/tmp/signals"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	got, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if got.Workers.Count != 12 || got.Queue.StuckTimeout != 90*time.Second || got.Signals.Dir != "/tmp/signals" {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestSettingsMasksKey(t *testing.T) {
	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-1234567890abcdef"
	if got := cfg.Settings()["anthropic.api_key"]; got != "sk-ant-...cdef" {
		t.Errorf("expected masked key, got %v", got)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "expanded-value")

	if got := expandEnv("${TEST_VAR}"); got != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", got)
	}
	if got := expandEnv("prefix-${TEST_VAR}-suffix"); got != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", got)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if dir := getUserConfigDir(); dir != "/custom/config/stepflow" {
		t.Errorf("expected %q, got %q", "/custom/config/stepflow", dir)
	}
}

func TestDefaultSignalsDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/custom/state")

	if dir := DefaultSignalsDir(); dir != "/custom/state/stepflow/signals" {
		t.Errorf("unexpected signals dir %q", dir)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	projectFile := filepath.Join(root, ".stepflow.yaml")
	if err := os.WriteFile(projectFile, []byte("workers:\n  count: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err := os.Chdir(nested); err != nil {
		t.Fatal(err)
	}

	got := findProjectConfig()
	want, _ := filepath.EvalSymlinks(projectFile)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
