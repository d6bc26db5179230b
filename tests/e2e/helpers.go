// Package e2e exercises the full research lifecycle through the public
// engine API over real components: the file session backend on a temp
// dir, the in-memory graph store, and the offline mock provider. Only
// the LLM and the graph service are substituted; everything in between
// runs the production code paths.
package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/epigraph-dev/epigraph"
	"github.com/epigraph-dev/epigraph/pkg/config"
	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

// TestEnvironment wires a complete engine over throwaway storage.
type TestEnvironment struct {
	t       *testing.T
	engine  *epigraph.Engine
	cfg     *config.Config
	backend session.StorageBackend
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTestEnvironment builds an engine from the default config pointed at
// temp storage. Mutators run on the config before the engine is built, so
// a test can inject store failures or flip commit modes.
func NewTestEnvironment(t *testing.T, mutate ...func(*config.Config)) *TestEnvironment {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "mock"
	cfg.LLM.Model = "mock-model"
	cfg.Graph = graph.Config{Backend: "memory", GroupID: "e2e"}
	cfg.Session.Backend = "file"
	cfg.Session.Dir = t.TempDir()
	cfg.Research.PollInterval = time.Millisecond
	cfg.Commit.InitialBackoff = time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	eng, err := epigraph.New(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("building engine: %v", err)
	}

	// A second backend over the same directory, so tests inspect what
	// actually reached disk rather than any in-process state.
	backend, err := session.NewFileBackend(cfg.Session.Dir)
	if err != nil {
		cancel()
		t.Fatalf("opening inspection backend: %v", err)
	}

	return &TestEnvironment{
		t:       t,
		engine:  eng,
		cfg:     cfg,
		backend: backend,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Cleanup shuts the engine down. Safe to call once via defer.
func (e *TestEnvironment) Cleanup() {
	if err := e.engine.Close(context.Background()); err != nil {
		e.t.Errorf("engine close: %v", err)
	}
	_ = e.backend.Close()
	e.cancel()
}

// Restart closes the engine and builds a fresh one over the same storage,
// simulating a process restart.
func (e *TestEnvironment) Restart() {
	e.t.Helper()
	if err := e.engine.Close(context.Background()); err != nil {
		e.t.Fatalf("closing engine for restart: %v", err)
	}
	eng, err := epigraph.New(e.ctx, e.cfg)
	if err != nil {
		e.t.Fatalf("rebuilding engine: %v", err)
	}
	e.engine = eng
}

// Engine returns the engine under test.
func (e *TestEnvironment) Engine() *epigraph.Engine {
	return e.engine
}

// Context returns the test context.
func (e *TestEnvironment) Context() context.Context {
	return e.ctx
}

// Config returns the engine's config.
func (e *TestEnvironment) Config() *config.Config {
	return e.cfg
}

// Backend returns the independent storage backend for inspecting
// persisted records and artifacts.
func (e *TestEnvironment) Backend() session.StorageBackend {
	return e.backend
}

// LoadArtifact reads one artifact from disk, failing the test when the
// load errors.
func (e *TestEnvironment) LoadArtifact(safeName string, cycle int, name string) string {
	e.t.Helper()
	content, err := e.backend.LoadArtifact(e.ctx, safeName, cycle, name)
	if err != nil {
		e.t.Fatalf("loading artifact %s/%d/%s: %v", safeName, cycle, name, err)
	}
	return content
}

// AgeRecord rewrites a stored record's UpdatedAt so the sweeper's idle
// guard sees it as abandoned.
func (e *TestEnvironment) AgeRecord(safeName string, age time.Duration) {
	e.t.Helper()
	rec, err := e.backend.LoadRecord(e.ctx, safeName)
	if err != nil {
		e.t.Fatalf("loading record %s: %v", safeName, err)
	}
	rec.UpdatedAt = time.Now().UTC().Add(-age)
	if err := e.backend.SaveRecord(e.ctx, rec); err != nil {
		e.t.Fatalf("saving aged record %s: %v", safeName, err)
	}
}

// AssertNoError fails if err is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// AssertEqual fails if expected != actual
func AssertEqual(t *testing.T, expected, actual any, msg string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertContains fails if substr is not in s
func AssertContains(t *testing.T, s, substr, msg string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("%s: %q does not contain %q", msg, s, substr)
	}
}
