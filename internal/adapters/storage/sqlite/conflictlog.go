package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidal-app/tidal/internal/application/ports"
	"github.com/tidal-app/tidal/internal/domain/conflict"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

// ConflictLog persists the append-only audit trail of resolved conflicts.
// Document versions are stored as serialized snapshots so entries stay
// readable after the live document moves on.
type ConflictLog struct {
	conn *Connection
}

// NewConflictLog creates a conflict log on an open connection.
func NewConflictLog(conn *Connection) *ConflictLog {
	return &ConflictLog{conn: conn}
}

// Append records a resolution.
func (l *ConflictLog) Append(ctx context.Context, entry *ports.ConflictLogEntry) error {
	db, err := l.conn.DB()
	if err != nil {
		return err
	}

	local, err := entry.LocalVersion.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize local version: %w", err)
	}
	remote, err := entry.RemoteVersion.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize remote version: %w", err)
	}
	resolved, err := entry.ResolvedVersion.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize resolved version: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO conflict_log (id, collection, document_id, local_version,
			remote_version, resolved_version, remote_clock, strategy,
			resolved_at, can_undo, undone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		entry.ID, entry.Collection, entry.DocumentID, local, remote, resolved,
		entry.RemoteVersion.LogicalClock, string(entry.Strategy),
		entry.ResolvedAt, entry.CanUndo)
	if err != nil {
		return fmt.Errorf("could not append conflict entry: %w", err)
	}
	return nil
}

// Get returns one entry by ID.
func (l *ConflictLog) Get(ctx context.Context, id string) (*ports.ConflictLogEntry, error) {
	db, err := l.conn.DB()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT id, collection, document_id, local_version, remote_version,
			resolved_version, strategy, resolved_at, can_undo, undone
		FROM conflict_log WHERE id = ?`, id)
	entry, err := scanConflictEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load conflict entry %s: %w", id, err)
	}
	return entry, nil
}

// Recent returns the newest entries, newest first. Collection may be empty
// for all collections.
func (l *ConflictLog) Recent(ctx context.Context, collection string, limit int) ([]*ports.ConflictLogEntry, error) {
	db, err := l.conn.DB()
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, collection, document_id, local_version, remote_version,
			resolved_version, strategy, resolved_at, can_undo, undone
		FROM conflict_log`
	args := []any{}
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY resolved_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not list conflict entries: %w", err)
	}
	defer rows.Close()

	var entries []*ports.ConflictLogEntry
	for rows.Next() {
		entry, err := scanConflictEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkUndone flags an entry as consumed by an undo.
func (l *ConflictLog) MarkUndone(ctx context.Context, id string) error {
	db, err := l.conn.DB()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx,
		`UPDATE conflict_log SET undone = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not mark entry %s undone: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return derrors.ErrNotFound
	}
	return nil
}

// HasEntry reports whether a resolution for the document at the given
// logical position is already recorded.
func (l *ConflictLog) HasEntry(ctx context.Context, collection, documentID string, remoteClock int64) (bool, error) {
	db, err := l.conn.DB()
	if err != nil {
		return false, err
	}

	var count int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflict_log
		WHERE collection = ? AND document_id = ? AND remote_clock = ?`,
		collection, documentID, remoteClock).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("could not check conflict entry: %w", err)
	}
	return count > 0, nil
}

func scanConflictEntry(row rowScanner) (*ports.ConflictLogEntry, error) {
	var entry ports.ConflictLogEntry
	var local, remote, resolved []byte
	var strategy string

	err := row.Scan(&entry.ID, &entry.Collection, &entry.DocumentID,
		&local, &remote, &resolved, &strategy, &entry.ResolvedAt,
		&entry.CanUndo, &entry.Undone)
	if err != nil {
		return nil, err
	}

	if entry.LocalVersion, err = syncdoc.Unmarshal(local); err != nil {
		return nil, fmt.Errorf("corrupt local version: %w", err)
	}
	if entry.RemoteVersion, err = syncdoc.Unmarshal(remote); err != nil {
		return nil, fmt.Errorf("corrupt remote version: %w", err)
	}
	if entry.ResolvedVersion, err = syncdoc.Unmarshal(resolved); err != nil {
		return nil, fmt.Errorf("corrupt resolved version: %w", err)
	}
	entry.Strategy = conflict.Strategy(strategy)
	return &entry, nil
}
