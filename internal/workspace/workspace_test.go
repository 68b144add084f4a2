package workspace

import (
	"context"
	"testing"

	"github.com/agentrelay/controlplane/internal/storage"
	"github.com/agentrelay/controlplane/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.New(t.TempDir()))
}

func TestCreate_AssignsIDAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Create(context.Background(), types.Workspace{Name: "demo", Runtime: types.RuntimeHost})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.ID == "" {
		t.Fatalf("expected an assigned ID")
	}
	if w.CreatedAt == 0 || w.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be set")
	}
}

func TestGet_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.Create(context.Background(), types.Workspace{Name: "demo", Runtime: types.RuntimeContainer})

	got, err := s.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "demo" || got.Runtime != types.RuntimeContainer {
		t.Fatalf("unexpected round-trip: %+v", got)
	}
}

func TestUpdate_AppliesFnAndBumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.Create(context.Background(), types.Workspace{Name: "demo", Runtime: types.RuntimeHost})

	updated, err := s.Update(context.Background(), created.ID, func(w *types.Workspace) {
		w.Name = "renamed"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("expected name updated, got %q", updated.Name)
	}
	if updated.UpdatedAt < created.UpdatedAt {
		t.Fatalf("expected UpdatedAt to advance")
	}
}

func TestDelete_IdempotentFirstTrueThenFalse(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.Create(context.Background(), types.Workspace{Name: "demo", Runtime: types.RuntimeHost})

	first, err := s.Delete(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !first {
		t.Fatalf("expected first delete to report true")
	}

	second, err := s.Delete(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Delete (second): %v", err)
	}
	if second {
		t.Fatalf("expected second delete to report false")
	}
}

func TestList_SkipsNothingForValidRecords(t *testing.T) {
	s := newTestStore(t)
	s.Create(context.Background(), types.Workspace{Name: "a", Runtime: types.RuntimeHost})
	s.Create(context.Background(), types.Workspace{Name: "b", Runtime: types.RuntimeHost})

	out, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(out))
	}
}

func TestNormalize_MemoryNamespaceAutoFill(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Create(context.Background(), types.Workspace{Name: "demo", Runtime: types.RuntimeHost, MemoryEnabled: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.MemoryNamespace == "" {
		t.Fatalf("expected an auto-filled memory namespace")
	}
}

func TestNormalize_ExtensionsDedupedAndTrimmed(t *testing.T) {
	w := types.Workspace{Extensions: []string{" a ", "a", "b", "", "b"}}
	w.Normalize()
	if len(w.Extensions) != 2 || w.Extensions[0] != "a" || w.Extensions[1] != "b" {
		t.Fatalf("expected deduped/trimmed extensions, got %+v", w.Extensions)
	}
}
