package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

func TestStoreCRUD(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	doc := &syncdoc.Document{
		ID:           "doc-1",
		LogicalClock: 1,
		Fields: map[string]json.RawMessage{
			"title": json.RawMessage(`"hello"`),
		},
	}
	if err := store.Insert(ctx, "tasks", doc); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := store.Insert(ctx, "tasks", doc); err == nil {
		t.Error("duplicate Insert() should fail")
	}

	got, err := store.Find(ctx, "tasks", "doc-1")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}

	// Mutating the returned copy must not touch stored state.
	got.Fields["title"] = json.RawMessage(`"mutated"`)
	fresh, _ := store.Find(ctx, "tasks", "doc-1")
	if string(fresh.Fields["title"]) != `"hello"` {
		t.Errorf("stored document mutated through returned copy: %s", fresh.Fields["title"])
	}

	if _, err := store.Find(ctx, "tasks", "missing"); !errors.Is(err, derrors.ErrNotFound) {
		t.Errorf("Find(missing) = %v, want ErrNotFound", err)
	}

	got.LogicalClock = 2
	if err := store.Update(ctx, "tasks", got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	fresh, _ = store.Find(ctx, "tasks", "doc-1")
	if fresh.LogicalClock != 2 {
		t.Errorf("LogicalClock = %d after update, want 2", fresh.LogicalClock)
	}

	if err := store.Update(ctx, "tasks", &syncdoc.Document{ID: "ghost"}); !errors.Is(err, derrors.ErrNotFound) {
		t.Errorf("Update(ghost) = %v, want ErrNotFound", err)
	}

	if err := store.Remove(ctx, "tasks", "doc-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := store.Find(ctx, "tasks", "doc-1"); !errors.Is(err, derrors.ErrNotFound) {
		t.Error("document still present after Remove")
	}
}

func TestStorePatch(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.Insert(ctx, "tasks", &syncdoc.Document{ID: "doc-1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	err := store.Patch(ctx, "tasks", "doc-1", map[string]json.RawMessage{
		"done": json.RawMessage(`true`),
	})
	if err != nil {
		t.Fatalf("Patch() error = %v", err)
	}

	got, _ := store.Find(ctx, "tasks", "doc-1")
	if string(got.Fields["done"]) != `true` {
		t.Errorf("done = %s after patch", got.Fields["done"])
	}
	if _, ok := got.FieldUpdatedAt["done"]; !ok {
		t.Error("patch should stamp the field timestamp")
	}

	if err := store.Patch(ctx, "tasks", "ghost", nil); !errors.Is(err, derrors.ErrNotFound) {
		t.Errorf("Patch(ghost) = %v, want ErrNotFound", err)
	}
}

func TestStoreList(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	live := &syncdoc.Document{ID: "doc-1"}
	dead := &syncdoc.Document{ID: "doc-2"}
	dead.Tombstone(time.Now().UTC())

	store.Insert(ctx, "tasks", live)
	store.Insert(ctx, "tasks", dead)

	docs, err := store.List(ctx, "tasks", false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-1" {
		t.Errorf("List() = %d docs, want only doc-1", len(docs))
	}

	all, _ := store.List(ctx, "tasks", true)
	if len(all) != 2 {
		t.Errorf("List(includeDeleted) = %d docs, want 2", len(all))
	}

	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}
