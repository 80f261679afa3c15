package sqlite

import (
	"context"
	"fmt"

	"github.com/tidal-app/tidal/internal/application/ports"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
)

// CheckpointStore persists one sync checkpoint per collection.
type CheckpointStore struct {
	conn *Connection
}

// NewCheckpointStore creates a checkpoint store on an open connection.
func NewCheckpointStore(conn *Connection) *CheckpointStore {
	return &CheckpointStore{conn: conn}
}

// Get returns the checkpoint for a collection, nil when none exists. An
// unreadable row reports CHECKPOINT_CORRUPTED so the engine can clear it
// and fall back to a full resync.
func (s *CheckpointStore) Get(ctx context.Context, collection string) (*ports.Checkpoint, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}

	// Query failures (closed database, missing table) pass through as-is;
	// only a row whose content will not scan is reported as corrupted, so
	// a transient storage error never triggers a full resync.
	rows, err := db.QueryContext(ctx, `
		SELECT collection, last_pulled_at, last_pushed_at, server_version
		FROM checkpoints WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("could not load checkpoint for %s: %w", collection, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("could not load checkpoint for %s: %w", collection, err)
		}
		return nil, nil
	}

	var cp ports.Checkpoint
	if err := rows.Scan(&cp.Collection, &cp.LastPulledAt, &cp.LastPushedAt, &cp.ServerVersion); err != nil {
		return nil, derrors.Wrap(derrors.CodeCheckpointCorrupted,
			fmt.Sprintf("checkpoint for %s is unreadable", collection), derrors.ErrCheckpointCorrupted)
	}
	return &cp, nil
}

// Set overwrites the collection's checkpoint atomically.
func (s *CheckpointStore) Set(ctx context.Context, cp ports.Checkpoint) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (collection, last_pulled_at, last_pushed_at, server_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			last_pulled_at = excluded.last_pulled_at,
			last_pushed_at = excluded.last_pushed_at,
			server_version = excluded.server_version`,
		cp.Collection, cp.LastPulledAt, cp.LastPushedAt, cp.ServerVersion)
	if err != nil {
		return fmt.Errorf("could not store checkpoint for %s: %w", cp.Collection, err)
	}
	return nil
}

// Clear removes the collection's checkpoint, forcing a full resync.
func (s *CheckpointStore) Clear(ctx context.Context, collection string) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `DELETE FROM checkpoints WHERE collection = ?`, collection)
	if err != nil {
		return fmt.Errorf("could not clear checkpoint for %s: %w", collection, err)
	}
	return nil
}
