package ports

import (
	"context"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

// Checkpoint is the durable marker of the last successfully synchronized
// position for one collection.
type Checkpoint struct {
	Collection    string    `json:"collection"`
	LastPulledAt  time.Time `json:"lastPulledAt"`
	LastPushedAt  time.Time `json:"lastPushedAt"`
	ServerVersion string    `json:"serverVersion"`
}

// PushFailure reports one document the server rejected. For conflicts the
// server includes its current version so the client can resolve locally.
type PushFailure struct {
	ID     string
	Remote *syncdoc.Document
	Err    *derrors.SyncError
}

// PushResult is the per-item outcome of a push batch. Pushes are never
// batch-atomic: each document succeeds or fails on its own.
type PushResult struct {
	Succeeded []string
	Failed    []PushFailure
}

// PullPage is one page of remote changes since a checkpoint.
type PullPage struct {
	Documents  []*syncdoc.Document
	DeletedIDs []string
	Checkpoint Checkpoint
	HasMore    bool
}

// RemoteAPI is the HTTP-shaped contract with the remote backend. Row-level
// security, transport, and session handling live behind it.
type RemoteAPI interface {
	// PushDocuments uploads local versions and reports per-item outcomes.
	PushDocuments(ctx context.Context, collection string, docs []*syncdoc.Document) (*PushResult, error)

	// PullChanges returns remote changes since the checkpoint. An empty
	// checkpoint (zero LastPulledAt) requests the full collection.
	PullChanges(ctx context.Context, collection string, since Checkpoint) (*PullPage, error)
}

// CheckpointStore persists one checkpoint per collection. Writes are atomic
// per collection: a crash between applying a pulled page and recording the
// checkpoint is safe because pull application is idempotent.
type CheckpointStore interface {
	// Get returns the checkpoint for a collection, nil when none exists,
	// or a CHECKPOINT_CORRUPTED error when the record is unreadable.
	Get(ctx context.Context, collection string) (*Checkpoint, error)

	// Set overwrites the collection's checkpoint.
	Set(ctx context.Context, cp Checkpoint) error

	// Clear removes the collection's checkpoint, forcing a full resync.
	Clear(ctx context.Context, collection string) error
}

// DeviceClock issues strictly increasing logical clock values for this
// device. Values survive process restart.
type DeviceClock interface {
	// Next returns a value strictly greater than any value previously
	// issued by this device.
	Next(ctx context.Context) (int64, error)

	// Current returns the last issued value without advancing.
	Current(ctx context.Context) (int64, error)

	// Observe raises the clock to at least remote. Called whenever a
	// remote document is received, so the next local stamp orders after
	// every clock value this device has seen.
	Observe(ctx context.Context, remote int64) error
}

// AuthNotifier lets the engine signal the external auth collaborator that
// credentials must be refreshed before sync can resume.
type AuthNotifier interface {
	CredentialsExpired(ctx context.Context, cause error)
}
