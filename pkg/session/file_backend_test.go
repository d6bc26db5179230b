package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testRecord(safeName string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:            "id-" + safeName,
		Name:          safeName,
		SafeName:      safeName,
		State:         StateTasking,
		Query:         "q",
		OriginalQuery: "q",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestFileBackend_SaveAndLoadRecord(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	rec := testRecord("alpha")
	rec.Cycles = []CycleRecord{{
		Index:     1,
		Topic:     "topic",
		Kind:      CycleInitial,
		StartedAt: time.Now().UTC(),
		Committed: map[string]string{"academic_research": "ep-1"},
	}}

	if err := backend.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	loaded, err := backend.LoadRecord(ctx, "alpha")
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if loaded.ID != rec.ID {
		t.Errorf("ID mismatch: got %s, want %s", loaded.ID, rec.ID)
	}
	if loaded.Cycles[0].Committed["academic_research"] != "ep-1" {
		t.Errorf("committed map not round-tripped: %+v", loaded.Cycles[0])
	}
}

func TestFileBackend_LoadRecord_NotFound(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()

	_, err = backend.LoadRecord(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFileBackend_RejectsTraversal(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	for _, name := range []string{"../escape", "a/b", `a\b`, "..", "."} {
		if _, err := backend.LoadRecord(ctx, name); !errors.Is(err, ErrInvalidPathComponent) {
			t.Errorf("LoadRecord(%q): expected ErrInvalidPathComponent, got %v", name, err)
		}
	}

	rec := testRecord("ok")
	if err := backend.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if err := backend.SaveArtifact(ctx, "ok", 1, "../sneaky", "x"); !errors.Is(err, ErrInvalidPathComponent) {
		t.Errorf("SaveArtifact traversal: expected ErrInvalidPathComponent, got %v", err)
	}
}

func TestFileBackend_DeleteRecord(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	rec := testRecord("doomed")
	if err := backend.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if err := backend.SaveArtifact(ctx, "doomed", 1, "academic_research", "text"); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}

	if err := backend.DeleteRecord(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := backend.LoadRecord(ctx, "doomed"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	// The whole session directory is gone, artifacts included.
	if _, err := os.Stat(filepath.Join(dir, "doomed")); !os.IsNotExist(err) {
		t.Errorf("session directory still present: %v", err)
	}

	if err := backend.DeleteRecord(ctx, "doomed"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second delete: expected ErrSessionNotFound, got %v", err)
	}
}

func TestFileBackend_ListRecords(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	for _, name := range []string{"one", "two", "three"} {
		if err := backend.SaveRecord(ctx, testRecord(name)); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}
	}

	records, err := backend.ListRecords(ctx)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("record count: got %d, want 3", len(records))
	}
}

func TestFileBackend_Artifacts(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	if err := backend.SaveRecord(ctx, testRecord("arty")); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	// Artifacts cannot be attached to a session that doesn't exist.
	if err := backend.SaveArtifact(ctx, "ghost", 1, "academic_research", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	artifacts := map[string]string{
		"academic_research":  "paper summaries",
		"industry_intel":     "market notes",
		"refinement_context": "user: focus on cost",
	}
	for name, content := range artifacts {
		if err := backend.SaveArtifact(ctx, "arty", 1, name, content); err != nil {
			t.Fatalf("SaveArtifact(%s) failed: %v", name, err)
		}
	}
	if err := backend.SaveArtifact(ctx, "arty", 2, "tool_evaluation", "cycle two"); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}

	got, err := backend.LoadArtifact(ctx, "arty", 1, "industry_intel")
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	if got != "market notes" {
		t.Errorf("artifact content: got %q", got)
	}

	if _, err := backend.LoadArtifact(ctx, "arty", 1, "tool_evaluation"); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("expected ErrArtifactNotFound for wrong cycle, got %v", err)
	}

	names, err := backend.ListArtifacts(ctx, "arty", 1)
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	want := []string{"academic_research", "industry_intel", "refinement_context"}
	if len(names) != len(want) {
		t.Fatalf("artifact names: got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("artifact names: got %v, want %v", names, want)
			break
		}
	}

	// Cycle without artifacts lists empty, not an error.
	names, err = backend.ListArtifacts(ctx, "arty", 7)
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no artifacts for cycle 7, got %v", names)
	}

	// Layout on disk matches cycle_<n>/<name>.txt.
	if _, err := os.Stat(filepath.Join(dir, "arty", "cycle_1", "academic_research.txt")); err != nil {
		t.Errorf("expected artifact file on disk: %v", err)
	}
}

func TestFileBackend_Closed(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	_ = backend.Close()
	ctx := context.Background()

	if err := backend.SaveRecord(ctx, testRecord("x")); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("SaveRecord: expected ErrStorageClosed, got %v", err)
	}
	if _, err := backend.LoadRecord(ctx, "x"); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("LoadRecord: expected ErrStorageClosed, got %v", err)
	}
	if _, err := backend.ListArtifacts(ctx, "x", 1); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("ListArtifacts: expected ErrStorageClosed, got %v", err)
	}
}
