package epigraph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/epigraph-dev/epigraph/internal/commit"
	"github.com/epigraph-dev/epigraph/pkg/config"
	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "mock"
	cfg.LLM.Model = "mock-model"
	cfg.Graph = graph.Config{Backend: "memory", GroupID: "engine_test"}
	cfg.Session.Backend = "file"
	cfg.Session.Dir = t.TempDir()
	cfg.Research.PollInterval = time.Millisecond
	cfg.Commit.InitialBackoff = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return eng
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = ""

	_, err := New(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for missing provider, got nil")
	}
	if !strings.Contains(err.Error(), "llm.provider") {
		t.Errorf("error = %v, want mention of llm.provider", err)
	}
}

func TestNew_UnknownGraphBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Graph.Backend = "neo4j"

	_, err := New(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for unknown backend, got nil")
	}
	if !strings.Contains(err.Error(), "unknown graph backend") {
		t.Errorf("error = %v, want unknown graph backend", err)
	}
}

func TestEngine_ResearchCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig(t))

	sess, err := eng.CreateSession(ctx, "Graph Memory", "how temporal knowledge graphs persist agent memory")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := eng.Research(ctx, sess, sess.Record().Query, session.CycleInitial); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	rec := sess.Record()
	cycle, ok := rec.Cycle(1)
	if !ok || !cycle.Finished() {
		t.Fatalf("cycle 1 not finished after research: %+v", rec.Cycles)
	}
	if len(cycle.Missing) != 0 {
		t.Errorf("Missing = %v, want none", cycle.Missing)
	}
	if len(cycle.Roles) != 4 {
		t.Errorf("Roles = %v, want three workers plus synthesis", cycle.Roles)
	}

	// Raw, structured, and narrative artifacts all land on the backend.
	for _, name := range []string{
		"academic_research",
		"academic_research" + commit.StructuredSuffix,
		"critical_synthesis",
		commit.ArtifactNarrative,
	} {
		body, err := eng.backend.LoadArtifact(ctx, rec.SafeName, 1, name)
		if err != nil {
			t.Fatalf("artifact %s not stored: %v", name, err)
		}
		if strings.TrimSpace(body) == "" {
			t.Errorf("artifact %s is empty", name)
		}
	}

	res, err := eng.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(res.Committed) != 4 {
		t.Errorf("Committed = %d episodes, want 4", len(res.Committed))
	}
	if len(res.Outstanding) != 0 {
		t.Errorf("Outstanding = %v, want none", res.Outstanding)
	}

	rec = sess.Record()
	cycle, _ = rec.Cycle(1)
	if !cycle.FullyCommitted() {
		t.Error("cycle 1 not finalized after full commit")
	}
	if len(cycle.Committed) != 4 {
		t.Errorf("Committed bookkeeping = %d entries, want 4", len(cycle.Committed))
	}

	// Committing again finds nothing to do.
	res, err = eng.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}
	if len(res.Committed) != 0 {
		t.Errorf("second commit wrote %d episodes, want 0", len(res.Committed))
	}
}

func TestEngine_CommitWithoutResearch(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig(t))

	sess, err := eng.CreateSession(ctx, "Fresh Session", "anything")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := eng.Commit(ctx, sess); err == nil {
		t.Fatal("expected error committing a session with no finished cycle")
	}
}

func TestEngine_ResearchContext(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig(t))

	sess, err := eng.CreateSession(ctx, "Context Session", "graph retrieval strategies")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	text, err := eng.ResearchContext(ctx, sess)
	if err != nil {
		t.Fatalf("ResearchContext failed: %v", err)
	}
	if text != "" {
		t.Errorf("context before any research = %q, want empty", text)
	}

	if err := eng.Research(ctx, sess, "graph retrieval strategies", session.CycleInitial); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	text, err = eng.ResearchContext(ctx, sess)
	if err != nil {
		t.Fatalf("ResearchContext failed: %v", err)
	}
	for _, want := range []string{
		"=== Research Narrative ===",
		"=== Academic Research ===",
		"=== Critical Synthesis ===",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("context missing section %q", want)
		}
	}
}

func TestEngine_DryRunNeedsNoGraphStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Graph = graph.Config{
		Backend:  "graphiti",
		GroupID:  "engine_test",
		Graphiti: &graph.GraphitiConfig{Endpoint: "http://localhost:9"},
	}
	cfg.Commit.DryRun = true
	eng := newTestEngine(t, cfg)

	if eng.store != nil {
		t.Fatal("dry run built a graph store")
	}

	sess, err := eng.CreateSession(ctx, "Dry Run", "offline validation pass")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := eng.Research(ctx, sess, "offline validation pass", session.CycleInitial); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	res, err := eng.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(res.Committed) != 4 {
		t.Errorf("dry run validated %d episodes, want 4", len(res.Committed))
	}

	// The session record is untouched: a later real commit starts clean.
	rec := sess.Record()
	cycle, _ := rec.Cycle(1)
	if cycle.FullyCommitted() {
		t.Error("dry run finalized the cycle")
	}
	if len(cycle.Committed) != 0 {
		t.Errorf("dry run recorded %d episode IDs, want 0", len(cycle.Committed))
	}
}

func TestEngine_RetroactiveCommitsByName(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig(t))

	sess, err := eng.CreateSession(ctx, "Abandoned Research", "unfinished business")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := eng.Research(ctx, sess, "unfinished business", session.CycleInitial); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	res, err := eng.Retroactive(ctx, "Abandoned Research")
	if err != nil {
		t.Fatalf("Retroactive failed: %v", err)
	}
	if len(res.Committed) != 4 {
		t.Errorf("Retroactive committed %d episodes, want 4", len(res.Committed))
	}

	if _, err := eng.Retroactive(ctx, "Abandoned Research"); !errors.Is(err, commit.ErrNothingToCommit) {
		t.Errorf("second Retroactive error = %v, want ErrNothingToCommit", err)
	}
}

func TestEngine_SweepHonorsIdleGuard(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig(t))

	sess, err := eng.CreateSession(ctx, "Idle Session", "left behind overnight")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := eng.Research(ctx, sess, "left behind overnight", session.CycleInitial); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	// The session was touched seconds ago, so the idle guard skips it.
	report, err := eng.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Committed != 0 {
		t.Fatalf("sweep committed %d episodes from an active session", report.Committed)
	}

	// Age the record past the guard and sweep again.
	rec := sess.Record()
	rec.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := eng.backend.SaveRecord(ctx, &rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	report, err = eng.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Committed != 4 {
		t.Errorf("sweep committed %d episodes, want 4", report.Committed)
	}
	if len(report.Completed) != 1 || report.Completed[0] != "Idle Session" {
		t.Errorf("Completed = %v, want the idle session", report.Completed)
	}
}

func TestEngine_SessionsListsRecords(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig(t))

	for _, name := range []string{"First", "Second"} {
		if _, err := eng.CreateSession(ctx, name, "query for "+name); err != nil {
			t.Fatalf("CreateSession %s failed: %v", name, err)
		}
	}

	recs, err := eng.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Sessions = %d records, want 2", len(recs))
	}

	sess, err := eng.Session(ctx, "First")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if sess.Record().Query != "query for First" {
		t.Errorf("Query = %q", sess.Record().Query)
	}
}
