package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/researcher/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected addr ':8080', got %q", cfg.Server.Addr)
	}
	if cfg.Engine.MaxConcurrency != 5 {
		t.Errorf("expected max concurrency 5, got %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.RetryDelay != 2*time.Second {
		t.Errorf("expected retry delay 2s, got %v", cfg.Engine.RetryDelay)
	}
	if cfg.Engine.RetryMultiplier != 1.5 {
		t.Errorf("expected retry multiplier 1.5, got %v", cfg.Engine.RetryMultiplier)
	}
	if cfg.Jobs.MaxActivePerOwner != 3 {
		t.Errorf("expected 3 slots per owner, got %d", cfg.Jobs.MaxActivePerOwner)
	}
	if got := cfg.Gate.Thresholds[string(models.TaskTypeReportWrite)]; got != 0.85 {
		t.Errorf("expected report_write threshold 0.85, got %v", got)
	}
	if got := cfg.Gate.Budgets[string(models.TaskTypeReportWrite)]; got != 1 {
		t.Errorf("expected report_write budget 1, got %d", got)
	}
	if got := cfg.TimeoutFor(models.TaskTypeSynthesis); got != 300*time.Second {
		t.Errorf("expected synthesis timeout 300s, got %v", got)
	}
	if types := cfg.QuorumTypes(); len(types) != 1 || types[0] != models.TaskTypeReportWrite {
		t.Errorf("expected quorum on report_write, got %v", types)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  addr: ":9090"
engine:
  max_concurrency: 2
  retry_delay: 500ms
  quorum:
    fail_on_types: [report_write, synthesis]
    max_failed_ratio: 0.5
gate:
  thresholds:
    synthesis: 0.9
timeouts:
  retrieval_rag: 30s
jobs:
  max_active_per_owner: 1
planner:
  source: template
anthropic:
  api_key: test-key
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr ':9090', got %q", cfg.Server.Addr)
	}
	if cfg.Engine.MaxConcurrency != 2 {
		t.Errorf("expected max concurrency 2, got %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.RetryDelay != 500*time.Millisecond {
		t.Errorf("expected retry delay 500ms, got %v", cfg.Engine.RetryDelay)
	}
	if cfg.Engine.RetryMultiplier != 1.5 {
		t.Errorf("expected default retry multiplier kept, got %v", cfg.Engine.RetryMultiplier)
	}
	if len(cfg.Engine.Quorum.FailOnTypes) != 2 || cfg.Engine.Quorum.MaxFailedRatio != 0.5 {
		t.Errorf("unexpected quorum %+v", cfg.Engine.Quorum)
	}
	if got := cfg.Gate.Thresholds["synthesis"]; got != 0.9 {
		t.Errorf("expected synthesis threshold 0.9, got %v", got)
	}
	if got := cfg.Gate.Thresholds["report_write"]; got != 0.85 {
		t.Errorf("expected default report_write threshold kept, got %v", got)
	}
	if got := cfg.TimeoutFor(models.TaskTypeRetrievalRAG); got != 30*time.Second {
		t.Errorf("expected retrieval_rag timeout 30s, got %v", got)
	}
	if got := cfg.TimeoutFor(models.TaskTypeReview); got != 300*time.Second {
		t.Errorf("expected default review timeout kept, got %v", got)
	}
	if cfg.Jobs.MaxActivePerOwner != 1 {
		t.Errorf("expected 1 slot per owner, got %d", cfg.Jobs.MaxActivePerOwner)
	}
	if cfg.Planner.Source != "template" {
		t.Errorf("expected planner source 'template', got %q", cfg.Planner.Source)
	}
	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	t.Setenv("RESEARCHER_SERVER_ADDR", ":7070")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  addr: \":9090\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected env addr ':7070', got %q", cfg.Server.Addr)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("expected api key from env, got %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Server.Addr = ":6060"
	cfg.Engine.RetryDelay = 3 * time.Second
	cfg.Timeouts[string(models.TaskTypeSynthesis)] = time.Minute
	cfg.Anthropic.APIKey = "sk-ant-secret-key-value"

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	if strings.Contains(string(data), "sk-ant-secret") {
		t.Error("saved config must not contain the API key")
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Server.Addr != ":6060" {
		t.Errorf("expected addr ':6060', got %q", loaded.Server.Addr)
	}
	if loaded.Engine.RetryDelay != 3*time.Second {
		t.Errorf("expected retry delay 3s, got %v", loaded.Engine.RetryDelay)
	}
	if got := loaded.TimeoutFor(models.TaskTypeSynthesis); got != time.Minute {
		t.Errorf("expected synthesis timeout 1m, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero concurrency", func(c *Config) { c.Engine.MaxConcurrency = 0 }, "max_concurrency"},
		{"shrinking multiplier", func(c *Config) { c.Engine.RetryMultiplier = 0.5 }, "retry_multiplier"},
		{"ratio above one", func(c *Config) { c.Engine.Quorum.MaxFailedRatio = 1.5 }, "max_failed_ratio"},
		{"unknown quorum type", func(c *Config) { c.Engine.Quorum.FailOnTypes = []string{"summary"} }, "fail_on_types"},
		{"threshold out of range", func(c *Config) { c.Gate.Thresholds["synthesis"] = 2 }, "gate.thresholds.synthesis"},
		{"unknown threshold type", func(c *Config) { c.Gate.Thresholds["summary"] = 0.5 }, "gate.thresholds"},
		{"negative budget", func(c *Config) { c.Gate.Budgets["synthesis"] = -1 }, "gate.budgets.synthesis"},
		{"unknown timeout type", func(c *Config) { c.Timeouts["summary"] = time.Second }, "timeouts"},
		{"no slots", func(c *Config) { c.Jobs.MaxActivePerOwner = 0 }, "max_active_per_owner"},
		{"unknown planner", func(c *Config) { c.Planner.Source = "magic" }, "planner.source"},
		{"file planner without file", func(c *Config) { c.Planner.Source = "file" }, "plan_file"},
		{"unknown generator", func(c *Config) { c.Generator = "gpt" }, "generator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "expanded-value")

	if result := expandEnv("${TEST_VAR}"); result != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", result)
	}
	if result := expandEnv("prefix-${TEST_VAR}-suffix"); result != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", result)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if dir := getUserConfigDir(); dir != "/custom/config/researcher" {
		t.Errorf("expected %q, got %q", "/custom/config/researcher", dir)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"", false},
		{"warning", false},
		{"error", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		if _, err := ParseLevel(tt.in); (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q): expected error=%v, got %v", tt.in, tt.wantErr, err)
		}
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, 0)

	logger.Info("job created", "job_id", "j1")
	logger.Debug("hidden")

	if !strings.Contains(stderr.String(), "job_id=j1") {
		t.Errorf("expected text output on stderr, got %q", stderr.String())
	}
	if !strings.Contains(file.String(), `"job_id":"j1"`) {
		t.Errorf("expected JSON output in file, got %q", file.String())
	}
	if strings.Contains(stderr.String(), "hidden") {
		t.Error("debug must be filtered at info level")
	}
}

func TestSetupLogger_File(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "researcher.log")
	logger, cleanup := SetupLogger(0, logFile)
	logger.Info("started")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"started"`) {
		t.Errorf("expected JSON record in log file, got %q", string(data))
	}
}
