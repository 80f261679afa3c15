package ports

import (
	"context"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
)

// OpType is the kind of local mutation a queued operation carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// OpStatus is the lifecycle state of a queued operation. Completed
// operations are deleted, not archived: the queue holds backlog, never
// history.
type OpStatus string

const (
	OpStatusPending    OpStatus = "pending"
	OpStatusInProgress OpStatus = "in-progress"
	OpStatusFailed     OpStatus = "failed"
	OpStatusDeadLetter OpStatus = "dead-letter"
)

// QueuedOperation is one pending local mutation awaiting push. The payload
// is the document snapshot serialized at enqueue time, opaque to the queue.
type QueuedOperation struct {
	ID            string
	Collection    string
	DocumentID    string
	Operation     OpType
	Payload       []byte
	QueuedAt      time.Time
	Attempts      int
	LastAttempt   *time.Time
	NextAttemptAt time.Time
	LastError     string
	LastErrorCode derrors.Code
	Status        OpStatus
}

// QueueCounts summarizes the queue for health reporting and UI badges.
type QueueCounts struct {
	Pending    int
	InProgress int
	Failed     int
	DeadLetter int
}

// Backlog returns the number of operations still owed to the remote.
func (c QueueCounts) Backlog() int {
	return c.Pending + c.InProgress + c.Failed
}

// QueueRepository is the durable persistence contract for the push queue.
// The pushqueue manager is its sole writer; everything else reads through
// the manager.
type QueueRepository interface {
	// Insert appends new operations.
	Insert(ctx context.Context, ops ...*QueuedOperation) error

	// Get returns one operation by ID, or derrors.ErrOperationNotFound.
	Get(ctx context.Context, id string) (*QueuedOperation, error)

	// NextBatch returns up to limit pending operations for a collection in
	// FIFO order (queuedAt ascending), skipping operations whose backoff
	// window has not elapsed at now.
	NextBatch(ctx context.Context, collection string, limit int, now time.Time) ([]*QueuedOperation, error)

	// Update persists changed bookkeeping for an operation.
	Update(ctx context.Context, op *QueuedOperation) error

	// Delete removes an operation permanently.
	Delete(ctx context.Context, id string) error

	// DeleteByDocument removes pending/failed operations for one document,
	// used when a remote version wins a conflict and the local push is
	// dropped. Returns the number removed.
	DeleteByDocument(ctx context.Context, collection, documentID string) (int, error)

	// ListByStatus returns operations in a status, newest last. Collection
	// may be empty for all collections.
	ListByStatus(ctx context.Context, collection string, status OpStatus) ([]*QueuedOperation, error)

	// Counts aggregates queue sizes, optionally per collection.
	Counts(ctx context.Context, collection string) (QueueCounts, error)

	// Size returns the total number of stored operations.
	Size(ctx context.Context) (int, error)
}
