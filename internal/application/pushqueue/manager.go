// Package pushqueue manages the durable queue of local write operations
// waiting to be replicated to the remote API. Operations survive restarts,
// are retried with exponential backoff, and move to a dead-letter state
// when they exhaust their retry budget or fail with a non-retryable error.
package pushqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/tidal-app/tidal/internal/application/ports"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
	"github.com/tidal-app/tidal/internal/infrastructure/config"
	"github.com/tidal-app/tidal/internal/infrastructure/logging"
)

// Manager coordinates queue admission, retry scheduling, and dead-letter
// transitions on top of a QueueRepository.
type Manager struct {
	repo     ports.QueueRepository
	clock    ports.DeviceClock
	cfg      *config.Config
	deviceID string
	logger   *logging.Logger
	now      func() time.Time
	notify   func(ports.QueueCounts)
}

// NewManager creates a queue manager. The deviceID is stamped onto every
// document at enqueue time so conflict resolution can break ties.
func NewManager(repo ports.QueueRepository, clock ports.DeviceClock, cfg *config.Config, deviceID string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		repo:     repo,
		clock:    clock,
		cfg:      cfg,
		deviceID: deviceID,
		logger:   logger.With("component", "pushqueue"),
		now:      time.Now,
	}
}

// SetCountsListener registers a callback that receives fresh queue counts
// after every queue mutation, so an offline enqueue moves the UI badge
// without waiting for a sync cycle. Must be set before the manager is
// shared between goroutines.
func (m *Manager) SetCountsListener(fn func(ports.QueueCounts)) {
	m.notify = fn
}

func (m *Manager) publishCounts(ctx context.Context) {
	if m.notify == nil {
		return
	}
	counts, err := m.repo.Counts(ctx, "")
	if err != nil {
		m.logger.WarnContext(ctx, "queue counts unavailable", "error", err)
		return
	}
	m.notify(counts)
}

// Enqueue stamps the document with the next logical clock value and inserts
// a queued operation for it. Pull-only collections are rejected, and the
// queue refuses new work once it reaches its configured capacity.
func (m *Manager) Enqueue(ctx context.Context, collection string, op ports.OpType, doc *syncdoc.Document) (*ports.QueuedOperation, error) {
	cc, ok := m.cfg.Collection(collection)
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", collection, derrors.ErrCollectionUnknown)
	}
	if !cc.Pushes() {
		return nil, fmt.Errorf("collection %q: %w", collection, derrors.ErrCollectionPullOnly)
	}
	if doc == nil {
		return nil, derrors.New(derrors.CodeValidation, "enqueue requires a document")
	}

	size, err := m.repo.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue size: %w", err)
	}
	if size >= m.cfg.Sync.QueueMaxSize {
		m.logger.WarnContext(ctx, "queue at capacity, rejecting operation",
			"collection", collection, "size", size)
		return nil, derrors.Wrap(derrors.CodeQueueOverflow,
			fmt.Sprintf("queue holds %d operations", size), derrors.ErrQueueOverflow)
	}

	now := m.now().UTC()
	tick, err := m.clock.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance device clock: %w", err)
	}
	doc.Stamp(tick, m.deviceID, now)
	if op == ports.OpDelete {
		doc.Tombstone(now)
	}

	payload, err := doc.Marshal()
	if err != nil {
		return nil, derrors.Wrap(derrors.CodeValidation, "serialize document", err)
	}

	queued := &ports.QueuedOperation{
		ID:            uuid.New().String(),
		Collection:    collection,
		DocumentID:    doc.ID,
		Operation:     op,
		Payload:       payload,
		QueuedAt:      now,
		NextAttemptAt: now,
		Status:        ports.OpStatusPending,
	}

	if err := m.repo.Insert(ctx, queued); err != nil {
		return nil, fmt.Errorf("insert queued operation: %w", err)
	}
	m.publishCounts(ctx)

	m.logger.DebugContext(ctx, "operation enqueued",
		"operation_id", queued.ID,
		"collection", collection,
		"document_id", doc.ID,
		"op", op,
		"clock", tick)
	return queued, nil
}

// EnqueueBatch enqueues several documents for the same collection and
// operation type. It stops at the first failure and returns the operations
// enqueued so far.
func (m *Manager) EnqueueBatch(ctx context.Context, collection string, op ports.OpType, docs []*syncdoc.Document) ([]*ports.QueuedOperation, error) {
	queued := make([]*ports.QueuedOperation, 0, len(docs))
	for _, doc := range docs {
		q, err := m.Enqueue(ctx, collection, op, doc)
		if err != nil {
			return queued, err
		}
		queued = append(queued, q)
	}
	return queued, nil
}

// NextBatch returns up to limit operations for the collection that are due
// for an attempt, oldest first.
func (m *Manager) NextBatch(ctx context.Context, collection string, limit int) ([]*ports.QueuedOperation, error) {
	return m.repo.NextBatch(ctx, collection, limit, m.now().UTC())
}

// MarkInProgress transitions an operation to in-progress before it is sent.
func (m *Manager) MarkInProgress(ctx context.Context, op *ports.QueuedOperation) error {
	op.Status = ports.OpStatusInProgress
	return m.repo.Update(ctx, op)
}

// MarkCompleted removes a successfully pushed operation from the queue.
func (m *Manager) MarkCompleted(ctx context.Context, op *ports.QueuedOperation) error {
	if err := m.repo.Delete(ctx, op.ID); err != nil {
		return err
	}
	m.publishCounts(ctx)
	m.logger.DebugContext(ctx, "operation completed",
		"operation_id", op.ID, "document_id", op.DocumentID)
	return nil
}

// MarkFailed records a failed attempt. Retryable failures below the retry
// budget are rescheduled with exponential backoff; everything else moves to
// the dead-letter state for manual intervention.
func (m *Manager) MarkFailed(ctx context.Context, op *ports.QueuedOperation, cause error) error {
	now := m.now().UTC()
	op.Attempts++
	op.LastAttempt = &now
	op.LastError = cause.Error()
	op.LastErrorCode = derrors.CodeOf(cause)

	if derrors.IsRetryable(cause) && op.Attempts < m.cfg.Sync.MaxRetries {
		op.Status = ports.OpStatusFailed
		op.NextAttemptAt = now.Add(m.RetryDelay(op.Attempts))
		m.logger.WarnContext(ctx, "operation failed, retry scheduled",
			"operation_id", op.ID,
			"document_id", op.DocumentID,
			"attempts", op.Attempts,
			"code", op.LastErrorCode,
			"next_attempt_at", op.NextAttemptAt)
	} else {
		op.Status = ports.OpStatusDeadLetter
		m.logger.ErrorContext(ctx, "operation moved to dead-letter",
			"operation_id", op.ID,
			"document_id", op.DocumentID,
			"attempts", op.Attempts,
			"code", op.LastErrorCode)
	}

	if err := m.repo.Update(ctx, op); err != nil {
		return err
	}
	m.publishCounts(ctx)
	return nil
}

// RetryDelay computes the backoff delay for the given attempt count.
// The first retry waits the initial delay, and each subsequent retry
// multiplies it, capped at the configured maximum.
func (m *Manager) RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.Sync.InitialRetryDelay
	b.Multiplier = m.cfg.Sync.RetryMultiplier
	b.MaxInterval = m.cfg.Sync.MaxRetryDelay
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// ShouldRetry reports whether a failure would be retried automatically.
func (m *Manager) ShouldRetry(op *ports.QueuedOperation, cause error) bool {
	return derrors.IsRetryable(cause) && op.Attempts+1 < m.cfg.Sync.MaxRetries
}

// DropDocument removes every queued operation for a document. Used when a
// remote version wins a conflict and the local push would be stale.
func (m *Manager) DropDocument(ctx context.Context, collection, documentID string) (int, error) {
	n, err := m.repo.DeleteByDocument(ctx, collection, documentID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.DebugContext(ctx, "dropped queued operations for document",
			"collection", collection, "document_id", documentID, "dropped", n)
	}
	return n, nil
}

// Restamp replaces an operation's payload with a freshly clocked version of
// the document and re-pends it for an immediate attempt. Used when the local
// or merged version wins a conflict and must be pushed again so it orders
// after the remote version.
func (m *Manager) Restamp(ctx context.Context, op *ports.QueuedOperation, doc *syncdoc.Document) error {
	tick, err := m.clock.Next(ctx)
	if err != nil {
		return fmt.Errorf("advance device clock: %w", err)
	}
	now := m.now().UTC()
	doc.Stamp(tick, m.deviceID, now)

	payload, err := doc.Marshal()
	if err != nil {
		return derrors.Wrap(derrors.CodeValidation, "serialize document", err)
	}

	op.Payload = payload
	op.Operation = ports.OpUpdate
	op.Status = ports.OpStatusPending
	op.NextAttemptAt = now
	return m.repo.Update(ctx, op)
}

// Release puts an in-progress operation back to pending without counting an
// attempt. Used when a cycle aborts for reasons unrelated to the operation
// itself, such as expired credentials.
func (m *Manager) Release(ctx context.Context, op *ports.QueuedOperation) error {
	op.Status = ports.OpStatusPending
	op.NextAttemptAt = m.now().UTC()
	return m.repo.Update(ctx, op)
}

// Retry resets a failed or dead-letter operation for an immediate attempt
// with a fresh retry budget.
func (m *Manager) Retry(ctx context.Context, operationID string) error {
	op, err := m.repo.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status == ports.OpStatusInProgress {
		return derrors.New(derrors.CodeValidation, "operation is in progress")
	}

	op.Status = ports.OpStatusPending
	op.Attempts = 0
	op.NextAttemptAt = m.now().UTC()
	op.LastError = ""
	op.LastErrorCode = ""

	m.logger.InfoContext(ctx, "operation reset for retry", "operation_id", op.ID)
	if err := m.repo.Update(ctx, op); err != nil {
		return err
	}
	m.publishCounts(ctx)
	return nil
}

// RetryAllFailed resets every failed and dead-letter operation and returns
// how many were reset.
func (m *Manager) RetryAllFailed(ctx context.Context) (int, error) {
	reset := 0
	for _, status := range []ports.OpStatus{ports.OpStatusFailed, ports.OpStatusDeadLetter} {
		ops, err := m.repo.ListByStatus(ctx, "", status)
		if err != nil {
			return reset, err
		}
		for _, op := range ops {
			if err := m.Retry(ctx, op.ID); err != nil {
				return reset, err
			}
			reset++
		}
	}
	return reset, nil
}

// Discard permanently removes an operation from the queue. The local write
// it represents stays applied locally; it will simply never be pushed.
func (m *Manager) Discard(ctx context.Context, operationID string) error {
	op, err := m.repo.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status == ports.OpStatusInProgress {
		return derrors.New(derrors.CodeValidation, "operation is in progress")
	}
	m.logger.InfoContext(ctx, "operation discarded",
		"operation_id", op.ID, "document_id", op.DocumentID)
	if err := m.repo.Delete(ctx, operationID); err != nil {
		return err
	}
	m.publishCounts(ctx)
	return nil
}

// DeadLetters lists operations parked in the dead-letter state, optionally
// for a single collection.
func (m *Manager) DeadLetters(ctx context.Context, collection string) ([]*ports.QueuedOperation, error) {
	return m.repo.ListByStatus(ctx, collection, ports.OpStatusDeadLetter)
}

// Counts returns the current queue depth per status across all collections.
func (m *Manager) Counts(ctx context.Context) (ports.QueueCounts, error) {
	return m.repo.Counts(ctx, "")
}
