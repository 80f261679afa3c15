package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

// DocumentStore is a LocalStore backed by SQLite, used by the daemon and
// as the reference store in tests. Documents are stored as serialized
// snapshots keyed by collection and ID.
type DocumentStore struct {
	conn *Connection
}

// NewDocumentStore creates a document store on an open connection.
func NewDocumentStore(conn *Connection) *DocumentStore {
	return &DocumentStore{conn: conn}
}

// Find returns the document with the given ID, or derrors.ErrNotFound.
func (s *DocumentStore) Find(ctx context.Context, collection, id string) (*syncdoc.Document, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}

	var body []byte
	err = db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load document %s: %w", id, err)
	}

	doc, err := syncdoc.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("corrupt document %s: %w", id, err)
	}
	return doc, nil
}

// Insert creates a new document in the collection.
func (s *DocumentStore) Insert(ctx context.Context, collection string, doc *syncdoc.Document) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}

	body, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize document %s: %w", doc.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		collection, doc.ID, body, doc.Deleted, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not insert document %s: %w", doc.ID, err)
	}
	return nil
}

// Update replaces an existing document wholesale.
func (s *DocumentStore) Update(ctx context.Context, collection string, doc *syncdoc.Document) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}

	body, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize document %s: %w", doc.ID, err)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE documents SET body = ?, is_deleted = ?, updated_at = ?
		WHERE collection = ? AND id = ?`,
		body, doc.Deleted, doc.UpdatedAt, collection, doc.ID)
	if err != nil {
		return fmt.Errorf("could not update document %s: %w", doc.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return derrors.ErrNotFound
	}
	return nil
}

// Remove physically deletes a document.
func (s *DocumentStore) Remove(ctx context.Context, collection, id string) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("could not remove document %s: %w", id, err)
	}
	return nil
}

// Patch applies a partial update to the document's payload fields, marking
// the patched fields' timestamps for field-level merging.
func (s *DocumentStore) Patch(ctx context.Context, collection, id string, fields map[string]json.RawMessage) error {
	doc, err := s.Find(ctx, collection, id)
	if err != nil {
		return err
	}

	if doc.Fields == nil {
		doc.Fields = make(map[string]json.RawMessage)
	}
	if doc.FieldUpdatedAt == nil {
		doc.FieldUpdatedAt = make(map[string]time.Time)
	}
	now := time.Now().UTC()
	for name, value := range fields {
		doc.Fields[name] = value
		doc.FieldUpdatedAt[name] = now
	}
	doc.UpdatedAt = now

	return s.Update(ctx, collection, doc)
}

// List returns all live documents in a collection. Tombstoned documents
// are skipped unless includeDeleted is set.
func (s *DocumentStore) List(ctx context.Context, collection string, includeDeleted bool) ([]*syncdoc.Document, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}

	query := `SELECT body FROM documents WHERE collection = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("could not list documents: %w", err)
	}
	defer rows.Close()

	var docs []*syncdoc.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := syncdoc.Unmarshal(body)
		if err != nil {
			return nil, fmt.Errorf("corrupt document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
