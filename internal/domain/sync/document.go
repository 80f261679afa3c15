// Package sync defines the replicated document model shared by the local
// store, the push queue, and the remote backend.
package sync

import (
	"encoding/json"
	"time"
)

// Document is a domain record plus the replication metadata every synced
// entity carries. The payload itself is opaque to the engine: top-level
// fields are kept as raw JSON so the durable queue never couples to a
// collection's evolving shape.
type Document struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	Deleted        bool       `json:"isDeleted"`
	LogicalClock   int64      `json:"logicalClock"`
	OriginDeviceID string     `json:"originDeviceId"`

	// Fields holds the domain payload, one raw value per top-level field.
	Fields map[string]json.RawMessage `json:"fields,omitempty"`

	// FieldUpdatedAt carries per-field timestamps for collections that
	// support field-merge conflict resolution. Optional.
	FieldUpdatedAt map[string]time.Time `json:"fieldUpdatedAt,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		out.DeletedAt = &t
	}
	if d.Fields != nil {
		out.Fields = make(map[string]json.RawMessage, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	if d.FieldUpdatedAt != nil {
		out.FieldUpdatedAt = make(map[string]time.Time, len(d.FieldUpdatedAt))
		for k, v := range d.FieldUpdatedAt {
			out.FieldUpdatedAt[k] = v
		}
	}
	return &out
}

// Tombstone marks the document deleted at the given time. Deletions
// replicate as soft deletes so every device converges on the removal.
func (d *Document) Tombstone(at time.Time) {
	d.Deleted = true
	d.DeletedAt = &at
	d.UpdatedAt = at
}

// Stamp advances the document's replication metadata for a local mutation.
// Both updatedAt and logicalClock must move on every mutation.
func (d *Document) Stamp(clock int64, deviceID string, at time.Time) {
	d.LogicalClock = clock
	d.OriginDeviceID = deviceID
	d.UpdatedAt = at
	if d.CreatedAt.IsZero() {
		d.CreatedAt = at
	}
}

// Marshal serializes the document for the durable queue payload.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal deserializes a queue payload back into a document.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
