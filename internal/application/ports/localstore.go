// Package ports defines the port interfaces and data transfer types that
// connect the sync core to its collaborators: the on-device store, the
// remote backend, durable storage, and the auth/session layer.
package ports

import (
	"context"
	"encoding/json"

	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

// LocalStore is the narrow CRUD contract the engine requires from the
// on-device reactive store. The engine knows nothing about its internal
// storage or its query/subscription API.
type LocalStore interface {
	// Find returns the document with the given ID, or derrors.ErrNotFound.
	Find(ctx context.Context, collection, id string) (*syncdoc.Document, error)

	// Insert creates a new document in the collection.
	Insert(ctx context.Context, collection string, doc *syncdoc.Document) error

	// Update replaces an existing document wholesale.
	Update(ctx context.Context, collection string, doc *syncdoc.Document) error

	// Remove physically deletes a document. The engine only calls this for
	// local cleanup; replicated deletions travel as tombstones.
	Remove(ctx context.Context, collection, id string) error

	// Patch applies a partial update to the document's payload fields.
	Patch(ctx context.Context, collection, id string, fields map[string]json.RawMessage) error
}
