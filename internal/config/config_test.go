package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Model != "gpt-4o" {
		t.Errorf("default model = %q", cfg.Model.Model)
	}
	if cfg.Agent.MaxTurns != 30 {
		t.Errorf("default max_turns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Tasks.ConcurrencyCap != 3 {
		t.Errorf("default concurrency_cap = %d", cfg.Tasks.ConcurrencyCap)
	}
}

func TestLoadYAMLWithDurations(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "axon.yaml", `
model:
  base_url: http://localhost:8080/v1
  model: test-model
  timeout: 45s
tasks:
  cleanup_age: 2h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Model.Timeout.Std(); got != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", got)
	}
	if got := cfg.Tasks.CleanupAge.Std(); got != 2*time.Hour {
		t.Errorf("cleanup_age = %v, want 2h", got)
	}
	if cfg.Agent.MaxTurns != 30 {
		t.Errorf("defaults not applied, max_turns = %d", cfg.Agent.MaxTurns)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "axon.json5", `{
  // comments are allowed
  model: {
    base_url: "http://localhost:8080/v1",
    model: "test-model",
  },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("base_url = %q", cfg.Model.BaseURL)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("AXON_TEST_KEY", "sk-test-123")
	dir := t.TempDir()
	path := writeFile(t, dir, "axon.yaml", `
model:
  model: test-model
  api_key: ${AXON_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Model.APIKey)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
model:
  base_url: http://base:8080/v1
  model: base-model
logging:
  level: debug
`)
	path := writeFile(t, dir, "axon.yaml", `
$include: base.yaml
model:
  model: override-model
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Model != "override-model" {
		t.Errorf("including file should win, model = %q", cfg.Model.Model)
	}
	if cfg.Model.BaseURL != "http://base:8080/v1" {
		t.Errorf("base value lost, base_url = %q", cfg.Model.BaseURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("included logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("want cycle error, got %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "axon.yaml", `
model:
  model: test-model
  temprature: 0.5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("want error for misspelled field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing model", func(c *Config) { c.Model.Model = "" }, "model.model"},
		{"zero turns", func(c *Config) { c.Agent.MaxTurns = 0 }, "max_turns"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"zero cap", func(c *Config) { c.Tasks.ConcurrencyCap = -1 }, "concurrency_cap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	if d.String() != "1m30s" {
		t.Errorf("String = %q", d.String())
	}
	var parsed Duration
	if err := parsed.UnmarshalJSON([]byte(`"1m30s"`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if parsed != d {
		t.Errorf("round trip = %v, want %v", parsed, d)
	}
	if err := parsed.UnmarshalJSON([]byte(`"not a duration"`)); err == nil {
		t.Error("want error for malformed duration")
	}
}
