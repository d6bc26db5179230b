package session

import (
	"context"
	"errors"
	"testing"
)

func TestSafeNameFor(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "batteries", "batteries", false},
		{"spaces", "solid state batteries", "solid_state_batteries", false},
		{"forward slash", "ai/ml research", "ai_ml_research", false},
		{"backslash", `windows\paths`, "windows_paths", false},
		{"mixed", "a b/c\\d", "a_b_c_d", false},
		{"leading and trailing space", "  padded  ", "padded", false},
		{"unicode kept", "日本市場", "日本市場", false},
		{"empty", "", "", true},
		{"only spaces", "   ", "", true},
		{"traversal survives mapping", "a..b", "", true},
		{"single dot", ".", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeNameFor(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SafeNameFor(%q): expected error, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SafeNameFor(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("SafeNameFor(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestManager_CreateGetDelete(t *testing.T) {
	mgr := setupFileManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "graphene supply chain", "who makes graphene at scale?")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec := sess.Record()
	if rec.ID == "" {
		t.Error("session ID should be assigned")
	}
	if rec.SafeName != "graphene_supply_chain" {
		t.Errorf("safe name: got %q", rec.SafeName)
	}
	if rec.Name != "graphene supply chain" {
		t.Errorf("display name: got %q", rec.Name)
	}
	if rec.State != StateTasking {
		t.Errorf("initial state: got %s", rec.State)
	}
	if rec.Query != rec.OriginalQuery {
		t.Errorf("query and original query should match at creation")
	}

	// Get by display name and by safe name reach the same session.
	byName, err := mgr.Get(ctx, "graphene supply chain")
	if err != nil {
		t.Fatalf("Get by name failed: %v", err)
	}
	bySafe, err := mgr.Get(ctx, "graphene_supply_chain")
	if err != nil {
		t.Fatalf("Get by safe name failed: %v", err)
	}
	if byName != sess || bySafe != sess {
		t.Error("expected the same live session instance for all lookups")
	}

	if err := mgr.Delete(ctx, "graphene supply chain"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := mgr.Get(ctx, "graphene supply chain"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestManager_CreateRejectsDuplicates(t *testing.T) {
	mgr := setupFileManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "dup session", "q"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := mgr.Create(ctx, "dup session", "other"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
	// Distinct display names that map to the same safe name collide too.
	if _, err := mgr.Create(ctx, "dup_session", "q"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists for colliding safe name, got %v", err)
	}
}

func TestManager_CreateRejectsEmptyQuery(t *testing.T) {
	mgr := setupFileManager(t)

	if _, err := mgr.Create(context.Background(), "no-query", ""); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestManager_List(t *testing.T) {
	mgr := setupFileManager(t)
	ctx := context.Background()

	names := []string{"first", "second", "third"}
	for _, name := range names {
		if _, err := mgr.Create(ctx, name, "q"); err != nil {
			t.Fatalf("Create(%s) failed: %v", name, err)
		}
	}

	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("record count: got %d, want 3", len(records))
	}
	// Most recently updated first.
	for i := 1; i < len(records); i++ {
		if records[i].UpdatedAt.After(records[i-1].UpdatedAt) {
			t.Errorf("records not sorted by UpdatedAt desc")
		}
	}
}

func TestManager_GetLoadsFromStorage(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	mgr := NewManager(backend)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "persisted", "q"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = mgr.Close()

	backend2, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	mgr2 := NewManager(backend2)
	defer func() { _ = mgr2.Close() }()

	sess, err := mgr2.Get(ctx, "persisted")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Record().Name != "persisted" {
		t.Errorf("restored name: got %q", sess.Record().Name)
	}
}
