package pushqueue

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/tidal-app/tidal/internal/application/ports"
	"github.com/tidal-app/tidal/internal/domain/conflict"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
	"github.com/tidal-app/tidal/internal/infrastructure/config"
)

// fakeRepo is an in-memory QueueRepository for manager tests.
type fakeRepo struct {
	ops map[string]*ports.QueuedOperation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{ops: make(map[string]*ports.QueuedOperation)}
}

func (r *fakeRepo) Insert(_ context.Context, ops ...*ports.QueuedOperation) error {
	for _, op := range ops {
		cp := *op
		r.ops[op.ID] = &cp
	}
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*ports.QueuedOperation, error) {
	op, ok := r.ops[id]
	if !ok {
		return nil, derrors.ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (r *fakeRepo) NextBatch(_ context.Context, collection string, limit int, now time.Time) ([]*ports.QueuedOperation, error) {
	var due []*ports.QueuedOperation
	for _, op := range r.ops {
		if op.Collection != collection {
			continue
		}
		if op.Status != ports.OpStatusPending && op.Status != ports.OpStatusFailed {
			continue
		}
		if op.NextAttemptAt.After(now) {
			continue
		}
		cp := *op
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].QueuedAt.Before(due[j].QueuedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *fakeRepo) Update(_ context.Context, op *ports.QueuedOperation) error {
	cp := *op
	r.ops[op.ID] = &cp
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	delete(r.ops, id)
	return nil
}

func (r *fakeRepo) DeleteByDocument(_ context.Context, collection, documentID string) (int, error) {
	n := 0
	for id, op := range r.ops {
		if op.Collection == collection && op.DocumentID == documentID {
			delete(r.ops, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) ListByStatus(_ context.Context, collection string, status ports.OpStatus) ([]*ports.QueuedOperation, error) {
	var out []*ports.QueuedOperation
	for _, op := range r.ops {
		if collection != "" && op.Collection != collection {
			continue
		}
		if op.Status == status {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) Counts(_ context.Context, collection string) (ports.QueueCounts, error) {
	var c ports.QueueCounts
	for _, op := range r.ops {
		if collection != "" && op.Collection != collection {
			continue
		}
		switch op.Status {
		case ports.OpStatusPending:
			c.Pending++
		case ports.OpStatusInProgress:
			c.InProgress++
		case ports.OpStatusFailed:
			c.Failed++
		case ports.OpStatusDeadLetter:
			c.DeadLetter++
		}
	}
	return c, nil
}

func (r *fakeRepo) Size(_ context.Context) (int, error) {
	return len(r.ops), nil
}

// fakeClock is a deterministic DeviceClock.
type fakeClock struct {
	tick int64
}

func (c *fakeClock) Next(_ context.Context) (int64, error) {
	c.tick++
	return c.tick, nil
}

func (c *fakeClock) Current(_ context.Context) (int64, error) {
	return c.tick, nil
}

func (c *fakeClock) Observe(_ context.Context, remote int64) error {
	if remote > c.tick {
		c.tick = remote
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Collections = []config.CollectionConfig{
		{Name: "tasks", Direction: config.DirectionBidirectional, ConflictStrategy: conflict.StrategyLastWriteWins},
		{Name: "announcements", Direction: config.DirectionPullOnly, ConflictStrategy: conflict.StrategyServerWins},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func testManager(t *testing.T) (*Manager, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	m := NewManager(repo, &fakeClock{}, testConfig(t), "device-a", nil)
	return m, repo
}

func TestEnqueueStampsDocument(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()

	doc := &syncdoc.Document{ID: "doc-1", UserID: "user-1"}
	op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, doc)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if doc.LogicalClock != 1 {
		t.Errorf("LogicalClock = %d, want 1", doc.LogicalClock)
	}
	if doc.OriginDeviceID != "device-a" {
		t.Errorf("OriginDeviceID = %q, want %q", doc.OriginDeviceID, "device-a")
	}
	if op.Status != ports.OpStatusPending {
		t.Errorf("Status = %q, want pending", op.Status)
	}
	if len(repo.ops) != 1 {
		t.Errorf("repo holds %d operations, want 1", len(repo.ops))
	}

	// Second enqueue advances the clock.
	doc2 := &syncdoc.Document{ID: "doc-2", UserID: "user-1"}
	if _, err := m.Enqueue(ctx, "tasks", ports.OpCreate, doc2); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if doc2.LogicalClock != 2 {
		t.Errorf("LogicalClock = %d, want 2", doc2.LogicalClock)
	}
}

func TestEnqueueDeleteTombstones(t *testing.T) {
	m, _ := testManager(t)

	doc := &syncdoc.Document{ID: "doc-1", UserID: "user-1"}
	op, err := m.Enqueue(context.Background(), "tasks", ports.OpDelete, doc)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if !doc.Deleted {
		t.Error("document should be tombstoned for delete operations")
	}
	restored, err := syncdoc.Unmarshal(op.Payload)
	if err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if !restored.Deleted {
		t.Error("payload should carry the tombstone")
	}
}

func TestEnqueueRejectsPullOnlyCollection(t *testing.T) {
	m, _ := testManager(t)

	doc := &syncdoc.Document{ID: "doc-1"}
	_, err := m.Enqueue(context.Background(), "announcements", ports.OpCreate, doc)
	if !errors.Is(err, derrors.ErrCollectionPullOnly) {
		t.Errorf("Enqueue() error = %v, want ErrCollectionPullOnly", err)
	}
}

func TestEnqueueRejectsUnknownCollection(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Enqueue(context.Background(), "nope", ports.OpCreate, &syncdoc.Document{ID: "x"})
	if !errors.Is(err, derrors.ErrCollectionUnknown) {
		t.Errorf("Enqueue() error = %v, want ErrCollectionUnknown", err)
	}
}

func TestEnqueueQueueOverflow(t *testing.T) {
	repo := newFakeRepo()
	cfg := testConfig(t)
	cfg.Sync.QueueMaxSize = 2
	m := NewManager(repo, &fakeClock{}, cfg, "device-a", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		doc := &syncdoc.Document{ID: string(rune('a' + i))}
		if _, err := m.Enqueue(ctx, "tasks", ports.OpCreate, doc); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	_, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: "c"})
	if derrors.CodeOf(err) != derrors.CodeQueueOverflow {
		t.Errorf("CodeOf(err) = %q, want QUEUE_OVERFLOW", derrors.CodeOf(err))
	}
	if derrors.IsRetryable(err) {
		t.Error("queue overflow should not be retryable")
	}
}

func TestRetryDelay(t *testing.T) {
	m, _ := testManager(t)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := m.RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: "doc-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	cause := derrors.New(derrors.CodeNetwork, "connection refused")
	if err := m.MarkFailed(ctx, op, cause); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	stored := repo.ops[op.ID]
	if stored.Status != ports.OpStatusFailed {
		t.Errorf("Status = %q, want failed", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", stored.Attempts)
	}
	if want := base.Add(1 * time.Second); !stored.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", stored.NextAttemptAt, want)
	}
	if stored.LastErrorCode != derrors.CodeNetwork {
		t.Errorf("LastErrorCode = %q, want NETWORK_ERROR", stored.LastErrorCode)
	}

	// The operation is not due until the backoff elapses.
	due, _ := m.NextBatch(ctx, "tasks", 10)
	if len(due) != 0 {
		t.Errorf("got %d due operations before backoff elapsed, want 0", len(due))
	}

	m.now = func() time.Time { return base.Add(2 * time.Second) }
	due, _ = m.NextBatch(ctx, "tasks", 10)
	if len(due) != 1 {
		t.Errorf("got %d due operations after backoff elapsed, want 1", len(due))
	}
}

func TestMarkFailedDeadLettersNonRetryable(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()

	op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: "doc-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	cause := derrors.New(derrors.CodeValidation, "title is required")
	if err := m.MarkFailed(ctx, op, cause); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	if repo.ops[op.ID].Status != ports.OpStatusDeadLetter {
		t.Errorf("Status = %q, want dead-letter", repo.ops[op.ID].Status)
	}
}

func TestMarkFailedDeadLettersAfterMaxRetries(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()

	op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: "doc-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	cause := derrors.New(derrors.CodeTimeout, "deadline exceeded")
	for i := 0; i < 5; i++ {
		if err := m.MarkFailed(ctx, op, cause); err != nil {
			t.Fatalf("MarkFailed() attempt %d error = %v", i+1, err)
		}
	}

	stored := repo.ops[op.ID]
	if stored.Status != ports.OpStatusDeadLetter {
		t.Errorf("Status = %q after %d attempts, want dead-letter", stored.Status, stored.Attempts)
	}
	if stored.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", stored.Attempts)
	}
}

func TestRetryResetsOperation(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()

	op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: "doc-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	cause := derrors.New(derrors.CodeValidation, "bad payload")
	if err := m.MarkFailed(ctx, op, cause); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	if err := m.Retry(ctx, op.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	stored := repo.ops[op.ID]
	if stored.Status != ports.OpStatusPending {
		t.Errorf("Status = %q, want pending", stored.Status)
	}
	if stored.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", stored.Attempts)
	}
	if stored.LastError != "" || stored.LastErrorCode != "" {
		t.Errorf("last error not cleared: %q %q", stored.LastError, stored.LastErrorCode)
	}
}

func TestRetryUnknownOperation(t *testing.T) {
	m, _ := testManager(t)

	err := m.Retry(context.Background(), "missing")
	if !errors.Is(err, derrors.ErrOperationNotFound) {
		t.Errorf("Retry() error = %v, want ErrOperationNotFound", err)
	}
}

func TestRetryAllFailed(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: string(rune('a' + i))})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if err := m.MarkFailed(ctx, op, derrors.New(derrors.CodeValidation, "bad")); err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
	}

	n, err := m.RetryAllFailed(ctx)
	if err != nil {
		t.Fatalf("RetryAllFailed() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RetryAllFailed() = %d, want 3", n)
	}

	counts, _ := m.Counts(ctx)
	if counts.Pending != 3 || counts.DeadLetter != 0 {
		t.Errorf("counts = %+v, want 3 pending, 0 dead-letter", counts)
	}
}

func TestDiscard(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()

	op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: "doc-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := m.Discard(ctx, op.ID); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if len(repo.ops) != 0 {
		t.Errorf("repo holds %d operations after discard, want 0", len(repo.ops))
	}

	if err := m.Discard(ctx, op.ID); !errors.Is(err, derrors.ErrOperationNotFound) {
		t.Errorf("Discard() second call error = %v, want ErrOperationNotFound", err)
	}
}

func TestNextBatchOrderAndLimit(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		m.now = func() time.Time { return tick }
		if _, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	m.now = func() time.Time { return base.Add(time.Minute) }
	batch, err := m.NextBatch(ctx, "tasks", 2)
	if err != nil {
		t.Fatalf("NextBatch() error = %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d operations, want 2", len(batch))
	}
	if batch[0].DocumentID != "a" || batch[1].DocumentID != "b" {
		t.Errorf("batch order = %q, %q, want a, b", batch[0].DocumentID, batch[1].DocumentID)
	}
}

func TestQueueChangesNotifyCountsListener(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	var seen []ports.QueueCounts
	m.SetCountsListener(func(c ports.QueueCounts) {
		seen = append(seen, c)
	})

	op, err := m.Enqueue(ctx, "tasks", ports.OpCreate, &syncdoc.Document{ID: "doc-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(seen) != 1 || seen[0].Pending != 1 {
		t.Fatalf("after enqueue seen = %+v, want one update with Pending=1", seen)
	}

	if err := m.MarkFailed(ctx, op, derrors.New(derrors.CodeNetwork, "connection refused")); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	last := seen[len(seen)-1]
	if last.Pending != 0 || last.Failed != 1 {
		t.Errorf("after failure counts = %+v, want Pending=0 Failed=1", last)
	}

	if err := m.MarkCompleted(ctx, op); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	last = seen[len(seen)-1]
	if last.Failed != 0 {
		t.Errorf("after completion counts = %+v, want an empty queue", last)
	}
}
