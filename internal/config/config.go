// Package config loads the runtime configuration from YAML or JSON5 files
// with $include resolution and environment variable expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Workspace string `yaml:"workspace" json:"workspace"`

	Model      ModelConfig      `yaml:"model" json:"model"`
	Agent      AgentConfig      `yaml:"agent" json:"agent"`
	History    HistoryConfig    `yaml:"history" json:"history"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	Tasks      TasksConfig      `yaml:"tasks" json:"tasks"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
}

// ModelConfig points the model client at a provider.
type ModelConfig struct {
	// BaseURL is the OpenAI-compatible endpoint root.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey is the bearer token; usually supplied via ${AXON_API_KEY}.
	APIKey string `yaml:"api_key" json:"api_key"`

	// Model is the default model id.
	Model string `yaml:"model" json:"model"`

	Temperature float64  `yaml:"temperature" json:"temperature"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
}

// AgentConfig carries the loop bounds and critic thresholds.
type AgentConfig struct {
	MaxTurns     int    `yaml:"max_turns" json:"max_turns"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	MaxRetries          int      `yaml:"max_retries" json:"max_retries"`
	ToolCallBudget      int      `yaml:"tool_call_budget" json:"tool_call_budget"`
	ShortInputLen       int      `yaml:"short_input_len" json:"short_input_len"`
	MinShortResponseLen int      `yaml:"min_short_response_len" json:"min_short_response_len"`
	LongInputLen        int      `yaml:"long_input_len" json:"long_input_len"`
	BriefResponseLen    int      `yaml:"brief_response_len" json:"brief_response_len"`
	CompletionTools     []string `yaml:"completion_tools" json:"completion_tools"`
}

// HistoryConfig controls the conversation store.
type HistoryConfig struct {
	// MaxContextTokens is the trimming budget.
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens"`

	// DatabasePath enables SQLite persistence when set.
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// CheckpointConfig controls request snapshots.
type CheckpointConfig struct {
	// Enabled turns checkpointing on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Dir stores snapshots on disk; empty keeps them in memory.
	Dir string `yaml:"dir" json:"dir"`
}

// TasksConfig controls the background task manager.
type TasksConfig struct {
	// ConcurrencyCap is the soft cap on parallel tasks.
	ConcurrencyCap int `yaml:"concurrency_cap" json:"concurrency_cap"`

	// CleanupAge prunes terminal tasks older than this.
	CleanupAge Duration `yaml:"cleanup_age" json:"cleanup_age"`
}

// LoggingConfig mirrors the observability logger settings.
type LoggingConfig struct {
	Level          string   `yaml:"level" json:"level"`
	Format         string   `yaml:"format" json:"format"`
	AddSource      bool     `yaml:"add_source" json:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	Environment  string  `yaml:"environment" json:"environment"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Model: ModelConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			Temperature: 0.7,
			Timeout:     Duration(120 * time.Second),
		},
		Agent: AgentConfig{
			MaxTurns: 30,
		},
		History: HistoryConfig{
			MaxContextTokens: 128000,
		},
		Tasks: TasksConfig{
			ConcurrencyCap: 3,
			CleanupAge:     Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName:  "axon",
			SamplingRate: 1.0,
		},
	}
}

// applyDefaults fills zero values after decode.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Workspace == "" {
		c.Workspace = d.Workspace
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = d.Model.BaseURL
	}
	if c.Model.Model == "" {
		c.Model.Model = d.Model.Model
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = d.Model.Temperature
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = d.Model.Timeout
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = d.Agent.MaxTurns
	}
	if c.History.MaxContextTokens == 0 {
		c.History.MaxContextTokens = d.History.MaxContextTokens
	}
	if c.Tasks.ConcurrencyCap == 0 {
		c.Tasks.ConcurrencyCap = d.Tasks.ConcurrencyCap
	}
	if c.Tasks.CleanupAge == 0 {
		c.Tasks.CleanupAge = d.Tasks.CleanupAge
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = d.Tracing.SamplingRate
	}
}

// Validate checks constraints that would otherwise fail deep inside the
// runtime.
func (c *Config) Validate() error {
	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model.model is required")
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Tasks.ConcurrencyCap < 1 {
		return fmt.Errorf("tasks.concurrency_cap must be positive, got %d", c.Tasks.ConcurrencyCap)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level)
	}
	return nil
}
