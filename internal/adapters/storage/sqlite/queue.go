package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidal-app/tidal/internal/application/ports"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
)

// QueueRepository stores queued push operations in SQLite.
type QueueRepository struct {
	conn *Connection
}

// NewQueueRepository creates a queue repository on an open connection.
func NewQueueRepository(conn *Connection) *QueueRepository {
	return &QueueRepository{conn: conn}
}

const queueColumns = `id, collection, document_id, operation, payload, queued_at,
	attempts, last_attempt, next_attempt_at, last_error, last_error_code, status`

// Insert appends new operations in a single transaction.
func (r *QueueRepository) Insert(ctx context.Context, ops ...*ports.QueuedOperation) error {
	db, err := r.conn.DB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_operations (`+queueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, op.Collection, op.DocumentID, string(op.Operation), op.Payload,
			op.QueuedAt, op.Attempts, op.LastAttempt, op.NextAttemptAt,
			op.LastError, string(op.LastErrorCode), string(op.Status))
		if err != nil {
			return fmt.Errorf("could not insert operation %s: %w", op.ID, err)
		}
	}

	return tx.Commit()
}

// Get returns one operation by ID.
func (r *QueueRepository) Get(ctx context.Context, id string) (*ports.QueuedOperation, error) {
	db, err := r.conn.DB()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load operation %s: %w", id, err)
	}
	return op, nil
}

// NextBatch returns up to limit due operations for a collection, oldest
// first. Due means pending or failed with an elapsed backoff window.
func (r *QueueRepository) NextBatch(ctx context.Context, collection string, limit int, now time.Time) ([]*ports.QueuedOperation, error) {
	db, err := r.conn.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_operations
		WHERE collection = ?
		  AND status IN ('pending', 'failed')
		  AND next_attempt_at <= ?
		ORDER BY queued_at ASC, id ASC
		LIMIT ?`,
		collection, now, limit)
	if err != nil {
		return nil, fmt.Errorf("could not load batch: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Update persists changed bookkeeping for an operation.
func (r *QueueRepository) Update(ctx context.Context, op *ports.QueuedOperation) error {
	db, err := r.conn.DB()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE queue_operations
		SET payload = ?, operation = ?, attempts = ?, last_attempt = ?,
		    next_attempt_at = ?, last_error = ?, last_error_code = ?, status = ?
		WHERE id = ?`,
		op.Payload, string(op.Operation), op.Attempts, op.LastAttempt,
		op.NextAttemptAt, op.LastError, string(op.LastErrorCode), string(op.Status),
		op.ID)
	if err != nil {
		return fmt.Errorf("could not update operation %s: %w", op.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return derrors.ErrOperationNotFound
	}
	return nil
}

// Delete removes an operation permanently.
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	db, err := r.conn.DB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `DELETE FROM queue_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete operation %s: %w", id, err)
	}
	return nil
}

// DeleteByDocument removes every operation for one document.
func (r *QueueRepository) DeleteByDocument(ctx context.Context, collection, documentID string) (int, error) {
	db, err := r.conn.DB()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx,
		`DELETE FROM queue_operations WHERE collection = ? AND document_id = ?`,
		collection, documentID)
	if err != nil {
		return 0, fmt.Errorf("could not delete operations for %s: %w", documentID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListByStatus returns operations in a status, oldest first. Collection may
// be empty for all collections.
func (r *QueueRepository) ListByStatus(ctx context.Context, collection string, status ports.OpStatus) ([]*ports.QueuedOperation, error) {
	db, err := r.conn.DB()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + queueColumns + ` FROM queue_operations WHERE status = ?`
	args := []any{string(status)}
	if collection != "" {
		query += ` AND collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY queued_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not list operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Counts aggregates queue sizes, optionally per collection.
func (r *QueueRepository) Counts(ctx context.Context, collection string) (ports.QueueCounts, error) {
	db, err := r.conn.DB()
	if err != nil {
		return ports.QueueCounts{}, err
	}

	query := `SELECT status, COUNT(*) FROM queue_operations`
	args := []any{}
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, collection)
	}
	query += ` GROUP BY status`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return ports.QueueCounts{}, fmt.Errorf("could not count operations: %w", err)
	}
	defer rows.Close()

	var counts ports.QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ports.QueueCounts{}, err
		}
		switch ports.OpStatus(status) {
		case ports.OpStatusPending:
			counts.Pending = n
		case ports.OpStatusInProgress:
			counts.InProgress = n
		case ports.OpStatusFailed:
			counts.Failed = n
		case ports.OpStatusDeadLetter:
			counts.DeadLetter = n
		}
	}
	return counts, rows.Err()
}

// Size returns the total number of stored operations.
func (r *QueueRepository) Size(ctx context.Context) (int, error) {
	db, err := r.conn.DB()
	if err != nil {
		return 0, err
	}

	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_operations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("could not count operations: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*ports.QueuedOperation, error) {
	var op ports.QueuedOperation
	var operation, status, errorCode string
	var lastAttempt sql.NullTime

	err := row.Scan(&op.ID, &op.Collection, &op.DocumentID, &operation, &op.Payload,
		&op.QueuedAt, &op.Attempts, &lastAttempt, &op.NextAttemptAt,
		&op.LastError, &errorCode, &status)
	if err != nil {
		return nil, err
	}

	op.Operation = ports.OpType(operation)
	op.Status = ports.OpStatus(status)
	op.LastErrorCode = derrors.Code(errorCode)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		op.LastAttempt = &t
	}
	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*ports.QueuedOperation, error) {
	var ops []*ports.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
