package ports

import (
	"context"
	"time"

	"github.com/tidal-app/tidal/internal/domain/conflict"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

// ConflictLogEntry is one line of the append-only conflict audit trail. It
// exists for user awareness and undo, not for correctness.
type ConflictLogEntry struct {
	ID              string
	Collection      string
	DocumentID      string
	LocalVersion    *syncdoc.Document
	RemoteVersion   *syncdoc.Document
	ResolvedVersion *syncdoc.Document
	Strategy        conflict.Strategy
	ResolvedAt      time.Time
	CanUndo         bool
	Undone          bool
}

// ConflictLog persists the audit trail of resolved conflicts.
type ConflictLog interface {
	// Append records a resolution. Entries are never mutated afterwards
	// except to mark an undo.
	Append(ctx context.Context, entry *ConflictLogEntry) error

	// Get returns one entry by ID.
	Get(ctx context.Context, id string) (*ConflictLogEntry, error)

	// Recent returns the newest entries for a collection (all collections
	// when empty), newest first.
	Recent(ctx context.Context, collection string, limit int) ([]*ConflictLogEntry, error)

	// MarkUndone flags an entry as consumed by an undo. An entry can be
	// undone at most once.
	MarkUndone(ctx context.Context, id string) error

	// HasEntry reports whether a resolution for the document at the given
	// logical position is already recorded. Reapplying an identical remote
	// page must not create duplicate entries.
	HasEntry(ctx context.Context, collection, documentID string, remoteClock int64) (bool, error)
}
