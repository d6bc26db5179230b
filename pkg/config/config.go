// Package config loads the application configuration: which completion
// provider to use, where the graph store lives, how sessions persist, and
// the research, commit, and sweep tuning knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

// maxConfigBytes guards against reading an unexpectedly large file; a
// config past this size is a mistake, not a config.
const maxConfigBytes = 1 << 20

// Config is the full application configuration.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Graph         graph.Config        `yaml:"graph"`
	Session       session.Config      `yaml:"session"`
	Research      ResearchConfig      `yaml:"research"`
	Commit        CommitConfig        `yaml:"commit"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LLMConfig selects and configures the completion provider.
type LLMConfig struct {
	// Provider is a registered provider name: "anthropic", "openai",
	// "gemini", "bedrock", "ollama", or "mock" for offline runs.
	Provider string `yaml:"provider"`

	// Model runs dialogue, classification, and structuring calls.
	Model string `yaml:"model"`

	// NarrativeModel optionally upgrades narrative synthesis to a
	// stronger model. Empty means Model.
	NarrativeModel string `yaml:"narrative_model,omitempty"`

	// APIKey overrides the provider's environment variable.
	APIKey string `yaml:"api_key,omitempty"`

	// Options passes provider-specific settings straight through to the
	// provider factory (base_url, region, project_id, location).
	Options map[string]any `yaml:"options,omitempty"`
}

// FactoryConfig builds the map the provider registry consumes.
func (c LLMConfig) FactoryConfig() map[string]any {
	out := make(map[string]any, len(c.Options)+1)
	for k, v := range c.Options {
		out[k] = v
	}
	if c.APIKey != "" {
		out["api_key"] = c.APIKey
	}
	return out
}

// ResearchConfig tunes the worker pool. Zero values fall back to the
// pool's defaults.
type ResearchConfig struct {
	// Roles overrides the built-in worker roster. Order is commit order.
	Roles []RoleConfig `yaml:"roles,omitempty"`

	// PollInterval is the batch status polling cadence.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// ProgressEvery is how often polling progress is logged.
	ProgressEvery time.Duration `yaml:"progress_every,omitempty"`

	// Deadline bounds one research pass end to end.
	Deadline time.Duration `yaml:"deadline,omitempty"`

	// MaxWorkerTokens caps each worker's completion.
	MaxWorkerTokens int `yaml:"max_worker_tokens,omitempty"`

	// DirectConcurrency caps parallel calls when the provider has no
	// batch support.
	DirectConcurrency int `yaml:"direct_concurrency,omitempty"`
}

// RoleConfig describes one research worker.
type RoleConfig struct {
	Name   string `yaml:"name"`
	Title  string `yaml:"title"`
	Focus  string `yaml:"focus"`
	Prompt string `yaml:"prompt"`
}

// CommitConfig tunes the graph commit pipeline. Zero values fall back to
// the pipeline's defaults.
type CommitConfig struct {
	// Attempts is the per-episode try budget for retryable failures.
	Attempts int `yaml:"attempts,omitempty"`

	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`

	// DryRun validates and logs every episode without touching the store
	// or the session record.
	DryRun bool `yaml:"dry_run,omitempty"`
}

// SweepConfig controls the background retroactive-commit sweeper.
type SweepConfig struct {
	// Enabled arms the schedule in long-running commands.
	Enabled bool `yaml:"enabled,omitempty"`

	// Schedule is a cron expression or descriptor ("@every 1h").
	Schedule string `yaml:"schedule,omitempty"`

	// MinIdle keeps the sweeper away from recently active sessions.
	MinIdle time.Duration `yaml:"min_idle,omitempty"`
}

// ObservabilityConfig controls the ops surface.
type ObservabilityConfig struct {
	// MetricsAddr exposes /metrics and health endpoints when set
	// (":9090"). Empty disables the ops server.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// TracesExporter is "otlp", "stdout", or "none".
	TracesExporter string `yaml:"traces_exporter,omitempty"`

	// TracesEndpoint overrides the OTLP endpoint.
	TracesEndpoint string `yaml:"traces_endpoint,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists:
// anthropic models, a local graphiti service, file-backed sessions.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
		},
		Graph: graph.Config{
			Backend:  "graphiti",
			Graphiti: &graph.GraphitiConfig{Endpoint: "http://localhost:8000"},
		},
		Session: session.DefaultConfig(),
		Sweep: SweepConfig{
			Schedule: "@every 1h",
		},
		Observability: ObservabilityConfig{
			TracesExporter: "none",
		},
	}
}

// DefaultPath is where LoadConfig looks when no path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".epigraph", "config.yaml")
}

// LoadConfig reads a YAML file over the defaults. An empty path means the
// default location, and a missing file there is not an error; an explicit
// path must exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := readBounded(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case explicit || !os.IsNotExist(err):
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func readBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigBytes {
		return nil, fmt.Errorf("config file %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return data, nil
}

// applyEnv fills settings whose components do not read the environment
// themselves. Provider API keys are resolved by the provider factories,
// and the graphiti client reads GRAPHITI_API_KEY on its own.
func applyEnv(cfg *Config) {
	if cfg.Graph.Graphiti != nil && cfg.Graph.Graphiti.Endpoint == "" {
		cfg.Graph.Graphiti.Endpoint = os.Getenv("GRAPHITI_ENDPOINT")
	}
	if cfg.Session.Backend == session.BackendFirestore && cfg.Session.Firestore.ProjectID == "" {
		cfg.Session.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
}

// SaveConfig writes the configuration as YAML, creating the directory if
// needed. Written 0600 since it can carry API keys.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration before the engine starts.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if err := c.Graph.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	for i, r := range c.Research.Roles {
		if r.Name == "" || r.Title == "" {
			return fmt.Errorf("research.roles[%d] needs both name and title", i)
		}
	}
	if c.Commit.Attempts < 0 {
		return fmt.Errorf("commit.attempts cannot be negative")
	}
	if c.Commit.InitialBackoff < 0 {
		return fmt.Errorf("commit.initial_backoff cannot be negative")
	}
	switch c.Observability.TracesExporter {
	case "", "none", "otlp", "stdout":
	default:
		return fmt.Errorf("unknown traces exporter %q", c.Observability.TracesExporter)
	}
	return nil
}
