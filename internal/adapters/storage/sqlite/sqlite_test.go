package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidal-app/tidal/internal/application/ports"
	"github.com/tidal-app/tidal/internal/domain/conflict"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

func openTestDB(t *testing.T) *Connection {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "sync.db")
	conn, err := NewConnection(dbPath)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectionLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "sync.db")
	conn, err := NewConnection(dbPath)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}

	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := conn.Open(); err == nil {
		t.Error("second Open() should fail")
	}
	if err := conn.Ping(); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := conn.DB(); err == nil {
		t.Error("DB() after Close() should fail")
	}

	// Reopening the same file must not re-run migrations destructively.
	if err := conn.Open(); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	conn.Close()
}

func testOperation(id, collection, documentID string, queuedAt time.Time) *ports.QueuedOperation {
	return &ports.QueuedOperation{
		ID:            id,
		Collection:    collection,
		DocumentID:    documentID,
		Operation:     ports.OpCreate,
		Payload:       []byte(`{"id":"` + documentID + `"}`),
		QueuedAt:      queuedAt,
		NextAttemptAt: queuedAt,
		Status:        ports.OpStatusPending,
	}
}

func TestQueueRepository(t *testing.T) {
	conn := openTestDB(t)
	repo := NewQueueRepository(conn)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("insert and get", func(t *testing.T) {
		op := testOperation("op-1", "tasks", "doc-1", base)
		if err := repo.Insert(ctx, op); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		got, err := repo.Get(ctx, "op-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.DocumentID != "doc-1" || got.Status != ports.OpStatusPending {
			t.Errorf("got %+v", got)
		}
		if !got.QueuedAt.Equal(base) {
			t.Errorf("QueuedAt = %v, want %v", got.QueuedAt, base)
		}

		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, derrors.ErrOperationNotFound) {
			t.Errorf("Get(missing) = %v, want ErrOperationNotFound", err)
		}
	})

	t.Run("next batch respects order and backoff", func(t *testing.T) {
		ops := []*ports.QueuedOperation{
			testOperation("op-2", "tasks", "doc-2", base.Add(1*time.Second)),
			testOperation("op-3", "tasks", "doc-3", base.Add(2*time.Second)),
			testOperation("op-4", "habits", "doc-4", base.Add(3*time.Second)),
		}
		// op-3 is backing off into the future.
		ops[1].Status = ports.OpStatusFailed
		ops[1].NextAttemptAt = base.Add(time.Hour)
		if err := repo.Insert(ctx, ops...); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		batch, err := repo.NextBatch(ctx, "tasks", 10, base.Add(time.Minute))
		if err != nil {
			t.Fatalf("NextBatch() error = %v", err)
		}
		if len(batch) != 2 {
			t.Fatalf("got %d operations, want 2 (op-3 backing off, op-4 other collection)", len(batch))
		}
		if batch[0].ID != "op-1" || batch[1].ID != "op-2" {
			t.Errorf("batch order = %s, %s, want op-1, op-2", batch[0].ID, batch[1].ID)
		}

		// Once the backoff elapses the failed operation is due again.
		batch, err = repo.NextBatch(ctx, "tasks", 10, base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("NextBatch() error = %v", err)
		}
		if len(batch) != 3 {
			t.Errorf("got %d operations after backoff elapsed, want 3", len(batch))
		}
	})

	t.Run("update bookkeeping", func(t *testing.T) {
		op, _ := repo.Get(ctx, "op-1")
		attempt := base.Add(time.Minute)
		op.Attempts = 2
		op.LastAttempt = &attempt
		op.LastError = "connection refused"
		op.LastErrorCode = derrors.CodeNetwork
		op.Status = ports.OpStatusFailed

		if err := repo.Update(ctx, op); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		got, _ := repo.Get(ctx, "op-1")
		if got.Attempts != 2 || got.LastErrorCode != derrors.CodeNetwork {
			t.Errorf("got %+v", got)
		}
		if got.LastAttempt == nil || !got.LastAttempt.Equal(attempt) {
			t.Errorf("LastAttempt = %v, want %v", got.LastAttempt, attempt)
		}

		missing := testOperation("ghost", "tasks", "doc-x", base)
		if err := repo.Update(ctx, missing); !errors.Is(err, derrors.ErrOperationNotFound) {
			t.Errorf("Update(ghost) = %v, want ErrOperationNotFound", err)
		}
	})

	t.Run("counts and size", func(t *testing.T) {
		counts, err := repo.Counts(ctx, "")
		if err != nil {
			t.Fatalf("Counts() error = %v", err)
		}
		if counts.Pending != 2 || counts.Failed != 2 {
			t.Errorf("counts = %+v, want 2 pending, 2 failed", counts)
		}

		taskCounts, _ := repo.Counts(ctx, "tasks")
		if taskCounts.Pending != 1 {
			t.Errorf("tasks pending = %d, want 1", taskCounts.Pending)
		}

		size, _ := repo.Size(ctx)
		if size != 4 {
			t.Errorf("Size() = %d, want 4", size)
		}
	})

	t.Run("list by status", func(t *testing.T) {
		failed, err := repo.ListByStatus(ctx, "", ports.OpStatusFailed)
		if err != nil {
			t.Fatalf("ListByStatus() error = %v", err)
		}
		if len(failed) != 2 {
			t.Errorf("got %d failed operations, want 2", len(failed))
		}
	})

	t.Run("delete by document", func(t *testing.T) {
		n, err := repo.DeleteByDocument(ctx, "tasks", "doc-2")
		if err != nil {
			t.Fatalf("DeleteByDocument() error = %v", err)
		}
		if n != 1 {
			t.Errorf("deleted %d, want 1", n)
		}
		if _, err := repo.Get(ctx, "op-2"); !errors.Is(err, derrors.ErrOperationNotFound) {
			t.Errorf("op-2 still present after DeleteByDocument")
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := repo.Delete(ctx, "op-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := repo.Get(ctx, "op-1"); !errors.Is(err, derrors.ErrOperationNotFound) {
			t.Errorf("op-1 still present after Delete")
		}
	})
}

func TestCheckpointStore(t *testing.T) {
	conn := openTestDB(t)
	store := NewCheckpointStore(conn)
	ctx := context.Background()

	cp, err := store.Get(ctx, "tasks")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cp != nil {
		t.Errorf("Get() = %+v before any Set, want nil", cp)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := ports.Checkpoint{
		Collection:    "tasks",
		LastPulledAt:  at,
		LastPushedAt:  at.Add(-time.Minute),
		ServerVersion: "v42",
	}
	if err := store.Set(ctx, want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "tasks")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.LastPulledAt.Equal(want.LastPulledAt) || got.ServerVersion != "v42" {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// Overwrite.
	want.ServerVersion = "v43"
	if err := store.Set(ctx, want); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, _ = store.Get(ctx, "tasks")
	if got.ServerVersion != "v43" {
		t.Errorf("ServerVersion = %q after overwrite, want v43", got.ServerVersion)
	}

	if err := store.Clear(ctx, "tasks"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if cp, _ := store.Get(ctx, "tasks"); cp != nil {
		t.Errorf("Get() = %+v after Clear, want nil", cp)
	}
}

func TestCheckpointCorruptedRow(t *testing.T) {
	conn := openTestDB(t)
	store := NewCheckpointStore(conn)
	ctx := context.Background()

	// The driver maps unparseable timestamp text to the zero time, so a
	// corrupt row is seeded with blobs that cannot scan into time.Time.
	db, _ := conn.DB()
	if _, err := db.Exec(`
		INSERT INTO checkpoints (collection, last_pulled_at, last_pushed_at, server_version)
		VALUES ('tasks', X'DEADBEEF', X'DEADBEEF', 'v1')`); err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	_, err := store.Get(ctx, "tasks")
	if derrors.CodeOf(err) != derrors.CodeCheckpointCorrupted {
		t.Errorf("CodeOf(err) = %q, want CHECKPOINT_CORRUPTED", derrors.CodeOf(err))
	}
	if !errors.Is(err, derrors.ErrCheckpointCorrupted) {
		t.Errorf("err = %v, want ErrCheckpointCorrupted in chain", err)
	}
}

func TestCheckpointQueryFailureIsNotCorruption(t *testing.T) {
	conn := openTestDB(t)
	store := NewCheckpointStore(conn)
	ctx := context.Background()

	db, _ := conn.DB()
	if _, err := db.Exec(`DROP TABLE checkpoints`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	_, err := store.Get(ctx, "tasks")
	if err == nil {
		t.Fatal("Get() = nil error with the table gone")
	}
	if errors.Is(err, derrors.ErrCheckpointCorrupted) {
		t.Errorf("err = %v; a failed read must not be reported as corruption", err)
	}
	if derrors.CodeOf(err) == derrors.CodeCheckpointCorrupted {
		t.Errorf("CodeOf(err) = CHECKPOINT_CORRUPTED; only an unreadable row earns that code")
	}
}

func testDoc(id string, clock int64) *syncdoc.Document {
	return &syncdoc.Document{
		ID:             id,
		UserID:         "user-1",
		LogicalClock:   clock,
		OriginDeviceID: "device-a",
		UpdatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Fields: map[string]json.RawMessage{
			"title": json.RawMessage(`"hello"`),
		},
	}
}

func TestConflictLog(t *testing.T) {
	conn := openTestDB(t)
	log := NewConflictLog(conn)
	ctx := context.Background()

	entry := &ports.ConflictLogEntry{
		ID:              "entry-1",
		Collection:      "tasks",
		DocumentID:      "doc-1",
		LocalVersion:    testDoc("doc-1", 5),
		RemoteVersion:   testDoc("doc-1", 7),
		ResolvedVersion: testDoc("doc-1", 7),
		Strategy:        conflict.StrategyLastWriteWins,
		ResolvedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CanUndo:         true,
	}
	if err := log.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := log.Get(ctx, "entry-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LocalVersion.LogicalClock != 5 || got.RemoteVersion.LogicalClock != 7 {
		t.Errorf("versions = %d / %d, want 5 / 7",
			got.LocalVersion.LogicalClock, got.RemoteVersion.LogicalClock)
	}
	if !got.CanUndo || got.Undone {
		t.Errorf("CanUndo = %v, Undone = %v", got.CanUndo, got.Undone)
	}
	if got.Strategy != conflict.StrategyLastWriteWins {
		t.Errorf("Strategy = %q", got.Strategy)
	}

	seen, err := log.HasEntry(ctx, "tasks", "doc-1", 7)
	if err != nil {
		t.Fatalf("HasEntry() error = %v", err)
	}
	if !seen {
		t.Error("HasEntry() = false for a recorded resolution")
	}
	if seen, _ := log.HasEntry(ctx, "tasks", "doc-1", 9); seen {
		t.Error("HasEntry() = true for an unseen remote clock")
	}

	if err := log.MarkUndone(ctx, "entry-1"); err != nil {
		t.Fatalf("MarkUndone() error = %v", err)
	}
	got, _ = log.Get(ctx, "entry-1")
	if !got.Undone {
		t.Error("entry not marked undone")
	}
	if err := log.MarkUndone(ctx, "missing"); !errors.Is(err, derrors.ErrNotFound) {
		t.Errorf("MarkUndone(missing) = %v, want ErrNotFound", err)
	}

	recent, err := log.Recent(ctx, "tasks", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("Recent() returned %d entries, want 1", len(recent))
	}
}

func TestDeviceClockMonotonicAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sync.db")
	conn, err := NewConnection(dbPath)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	clock := NewDeviceClock(conn)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		tick, err := clock.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if tick <= last {
			t.Fatalf("Next() = %d, not greater than %d", tick, last)
		}
		last = tick
	}
	if cur, _ := clock.Current(ctx); cur != last {
		t.Errorf("Current() = %d, want %d", cur, last)
	}

	// Survives a restart.
	conn.Close()
	if err := conn.Open(); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer conn.Close()

	tick, err := clock.Next(ctx)
	if err != nil {
		t.Fatalf("Next() after reopen error = %v", err)
	}
	if tick != last+1 {
		t.Errorf("Next() after reopen = %d, want %d", tick, last+1)
	}

	// Observing a higher remote clock raises the floor.
	if err := clock.Observe(ctx, 100); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	tick, _ = clock.Next(ctx)
	if tick != 101 {
		t.Errorf("Next() after Observe(100) = %d, want 101", tick)
	}
}

func TestDocumentStore(t *testing.T) {
	conn := openTestDB(t)
	store := NewDocumentStore(conn)
	ctx := context.Background()

	doc := testDoc("doc-1", 1)
	if err := store.Insert(ctx, "tasks", doc); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := store.Find(ctx, "tasks", "doc-1")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if string(got.Fields["title"]) != `"hello"` {
		t.Errorf("title = %s", got.Fields["title"])
	}

	if _, err := store.Find(ctx, "tasks", "missing"); !errors.Is(err, derrors.ErrNotFound) {
		t.Errorf("Find(missing) = %v, want ErrNotFound", err)
	}

	got.Fields["title"] = json.RawMessage(`"updated"`)
	got.LogicalClock = 2
	if err := store.Update(ctx, "tasks", got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	again, _ := store.Find(ctx, "tasks", "doc-1")
	if again.LogicalClock != 2 || string(again.Fields["title"]) != `"updated"` {
		t.Errorf("got %+v after update", again)
	}

	if err := store.Update(ctx, "tasks", testDoc("ghost", 1)); !errors.Is(err, derrors.ErrNotFound) {
		t.Errorf("Update(ghost) = %v, want ErrNotFound", err)
	}

	if err := store.Patch(ctx, "tasks", "doc-1", map[string]json.RawMessage{
		"done": json.RawMessage(`true`),
	}); err != nil {
		t.Fatalf("Patch() error = %v", err)
	}
	patched, _ := store.Find(ctx, "tasks", "doc-1")
	if string(patched.Fields["done"]) != `true` {
		t.Errorf("done = %s after patch", patched.Fields["done"])
	}
	if _, ok := patched.FieldUpdatedAt["done"]; !ok {
		t.Error("patch should stamp the field timestamp")
	}

	// Tombstoned documents drop out of List by default.
	dead := testDoc("doc-2", 1)
	dead.Tombstone(time.Now().UTC())
	if err := store.Insert(ctx, "tasks", dead); err != nil {
		t.Fatalf("Insert(dead) error = %v", err)
	}
	live, err := store.List(ctx, "tasks", false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(live) != 1 || live[0].ID != "doc-1" {
		t.Errorf("List() = %d docs, want only doc-1", len(live))
	}
	all, _ := store.List(ctx, "tasks", true)
	if len(all) != 2 {
		t.Errorf("List(includeDeleted) = %d docs, want 2", len(all))
	}

	if err := store.Remove(ctx, "tasks", "doc-2"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := store.Find(ctx, "tasks", "doc-2"); !errors.Is(err, derrors.ErrNotFound) {
		t.Errorf("doc-2 still present after Remove")
	}
}
