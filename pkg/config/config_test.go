package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	large := strings.Repeat("x: value\n", 200000) // ~1.6MB
	path := writeConfig(t, large)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o
  options:
    base_url: https://proxy.internal/v1
graph:
  backend: graphiti
  group_id: team_research
  graphiti:
    endpoint: https://graphiti.internal
    rate_per_second: 0.5
session:
  backend: file
  dir: /var/lib/epigraph/sessions
research:
  deadline: 45m
  max_worker_tokens: 9000
commit:
  attempts: 5
  initial_backoff: 30s
sweep:
  enabled: true
  schedule: "@every 15m"
  min_idle: 1h
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if got := cfg.LLM.FactoryConfig()["base_url"]; got != "https://proxy.internal/v1" {
		t.Errorf("factory config base_url = %v", got)
	}
	if cfg.Graph.GroupID != "team_research" {
		t.Errorf("group id = %q", cfg.Graph.GroupID)
	}
	if cfg.Graph.Graphiti.Endpoint != "https://graphiti.internal" {
		t.Errorf("endpoint = %q", cfg.Graph.Graphiti.Endpoint)
	}
	if cfg.Session.Dir != "/var/lib/epigraph/sessions" {
		t.Errorf("session dir = %q", cfg.Session.Dir)
	}
	if cfg.Research.Deadline != 45*time.Minute || cfg.Research.MaxWorkerTokens != 9000 {
		t.Errorf("research = %+v", cfg.Research)
	}
	if cfg.Commit.Attempts != 5 || cfg.Commit.InitialBackoff != 30*time.Second {
		t.Errorf("commit = %+v", cfg.Commit)
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.Schedule != "@every 15m" || cfg.Sweep.MinIdle != time.Hour {
		t.Errorf("sweep = %+v", cfg.Sweep)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: mock
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LLM.Provider != "mock" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want the default preserved", cfg.LLM.Model)
	}
	if cfg.Graph.Backend != "graphiti" || cfg.Graph.Graphiti.Endpoint != "http://localhost:8000" {
		t.Errorf("graph defaults lost: %+v", cfg.Graph)
	}
	if cfg.Session.Backend != "file" {
		t.Errorf("session backend = %q", cfg.Session.Backend)
	}
}

func TestLoadConfig_NonexistentExplicitFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for nonexistent explicit path")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: openai\ninvalid yaml here: [[[\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_EnvFallbacks(t *testing.T) {
	t.Setenv("GRAPHITI_ENDPOINT", "https://graphiti.example.com")
	t.Setenv("GCP_PROJECT", "epigraph-prod")

	path := writeConfig(t, `
graph:
  backend: graphiti
  graphiti:
    endpoint: ""
session:
  backend: firestore
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Graph.Graphiti.Endpoint != "https://graphiti.example.com" {
		t.Errorf("endpoint = %q, want the environment fallback", cfg.Graph.Graphiti.Endpoint)
	}
	if cfg.Session.Firestore.ProjectID != "epigraph-prod" {
		t.Errorf("project = %q, want the environment fallback", cfg.Session.Firestore.ProjectID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing provider",
			mutate:  func(c *Config) { c.LLM.Provider = "" },
			wantErr: "llm.provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.LLM.Model = "" },
			wantErr: "llm.model",
		},
		{
			name:    "graphiti without endpoint",
			mutate:  func(c *Config) { c.Graph.Graphiti.Endpoint = "" },
			wantErr: "endpoint",
		},
		{
			name:    "invalid group id",
			mutate:  func(c *Config) { c.Graph.GroupID = "team/research" },
			wantErr: "group",
		},
		{
			name:    "role without title",
			mutate:  func(c *Config) { c.Research.Roles = []RoleConfig{{Name: "legal_research"}} },
			wantErr: "research.roles[0]",
		},
		{
			name:    "negative attempts",
			mutate:  func(c *Config) { c.Commit.Attempts = -1 },
			wantErr: "commit.attempts",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Observability.TracesExporter = "jaeger" },
			wantErr: "exporter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Provider = "gemini"
	cfg.LLM.Model = "gemini-2.5-pro"
	cfg.Sweep.MinIdle = 45 * time.Minute

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.LLM.Provider != "gemini" || loaded.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("llm = %+v", loaded.LLM)
	}
	if loaded.Sweep.MinIdle != 45*time.Minute {
		t.Errorf("min idle = %v", loaded.Sweep.MinIdle)
	}
}
