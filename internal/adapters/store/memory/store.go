// Package memory provides an in-memory ports.LocalStore used by tests and
// the demo runner. Documents are deep-copied on the way in and out so callers
// can never mutate stored state through shared pointers.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

// Store is an in-memory document store keyed by collection then document ID.
// It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]*syncdoc.Document
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{collections: make(map[string]map[string]*syncdoc.Document)}
}

// Find returns the document with the given ID, or derrors.ErrNotFound.
func (s *Store) Find(ctx context.Context, collection, id string) (*syncdoc.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, derrors.ErrNotFound
	}
	return doc.Clone(), nil
}

// Insert creates a new document in the collection. Inserting an existing ID
// is an error so sync application bugs surface instead of silently
// overwriting.
func (s *Store) Insert(ctx context.Context, collection string, doc *syncdoc.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]*syncdoc.Document)
		s.collections[collection] = docs
	}
	if _, exists := docs[doc.ID]; exists {
		return derrors.New(derrors.CodeValidation, "document already exists: "+doc.ID)
	}
	docs[doc.ID] = doc.Clone()
	return nil
}

// Update replaces an existing document wholesale.
func (s *Store) Update(ctx context.Context, collection string, doc *syncdoc.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	if _, ok := docs[doc.ID]; !ok {
		return derrors.ErrNotFound
	}
	docs[doc.ID] = doc.Clone()
	return nil
}

// Remove physically deletes a document.
func (s *Store) Remove(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	if _, ok := docs[id]; !ok {
		return derrors.ErrNotFound
	}
	delete(docs, id)
	return nil
}

// Patch applies a partial update to the document's payload fields and stamps
// the per-field timestamps.
func (s *Store) Patch(ctx context.Context, collection, id string, fields map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return derrors.ErrNotFound
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
	return nil
}

// List returns all live documents in a collection. Tombstoned documents are
// skipped unless includeDeleted is set.
func (s *Store) List(ctx context.Context, collection string, includeDeleted bool) ([]*syncdoc.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*syncdoc.Document
	for _, doc := range s.collections[collection] {
		if doc.Deleted && !includeDeleted {
			continue
		}
		out = append(out, doc.Clone())
	}
	return out, nil
}

// Len reports the number of stored documents across all collections,
// tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, docs := range s.collections {
		n += len(docs)
	}
	return n
}
