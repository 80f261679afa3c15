package sync

import (
	"encoding/json"
	"testing"
	"time"
)

func doc(clock int64, updatedAt time.Time, device string) *Document {
	return &Document{
		ID:             "doc-1",
		LogicalClock:   clock,
		UpdatedAt:      updatedAt,
		OriginDeviceID: device,
	}
}

func TestCompare(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	tests := []struct {
		name   string
		local  *Document
		remote *Document
		want   Ordering
	}{
		{"higher clock wins", doc(7, t1, "a"), doc(5, t2, "b"), LocalWins},
		{"lower clock loses", doc(5, t2, "a"), doc(7, t1, "b"), RemoteWins},
		{"clock tie falls to updatedAt", doc(5, t2, "a"), doc(5, t1, "b"), LocalWins},
		{"clock tie remote newer", doc(5, t1, "a"), doc(5, t2, "b"), RemoteWins},
		{"full tie falls to device id", doc(5, t1, "device-b"), doc(5, t1, "device-a"), LocalWins},
		{"full tie device id remote wins", doc(5, t1, "device-a"), doc(5, t1, "device-b"), RemoteWins},
		{"identical metadata is a tie", doc(5, t1, "device-a"), doc(5, t1, "device-a"), Tie},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.local, tt.remote); got != tt.want {
				t.Errorf("Compare() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Compare must be commutative with roles swapped: both replicas pick the
// same winner regardless of which side runs the comparison.
func TestCompare_Commutative(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pairs := []struct {
		name string
		a, b *Document
	}{
		{"clock differs", doc(3, t1, "a"), doc(9, t1, "b")},
		{"time differs", doc(3, t1, "a"), doc(3, t1.Add(time.Second), "b")},
		{"device differs", doc(3, t1, "a"), doc(3, t1, "b")},
		{"identical", doc(3, t1, "a"), doc(3, t1, "a")},
	}

	swap := map[Ordering]Ordering{LocalWins: RemoteWins, RemoteWins: LocalWins, Tie: Tie}
	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			if got, want := Compare(tt.b, tt.a), swap[Compare(tt.a, tt.b)]; got != want {
				t.Errorf("Compare(b, a) = %v, want %v", got, want)
			}
		})
	}
}

func TestDocument_Stamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := &Document{ID: "doc-1"}
	d.Stamp(4, "device-a", now)

	if d.LogicalClock != 4 {
		t.Errorf("LogicalClock = %d, want 4", d.LogicalClock)
	}
	if d.OriginDeviceID != "device-a" {
		t.Errorf("OriginDeviceID = %q, want %q", d.OriginDeviceID, "device-a")
	}
	if !d.UpdatedAt.Equal(now) || !d.CreatedAt.Equal(now) {
		t.Errorf("timestamps not set: updated=%v created=%v", d.UpdatedAt, d.CreatedAt)
	}

	later := now.Add(time.Minute)
	d.Stamp(5, "device-a", later)
	if !d.CreatedAt.Equal(now) {
		t.Error("CreatedAt must not move on subsequent stamps")
	}
	if !d.UpdatedAt.Equal(later) {
		t.Error("UpdatedAt must advance on every stamp")
	}
}

func TestDocument_Tombstone(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := &Document{ID: "doc-1"}
	d.Tombstone(now)

	if !d.Deleted {
		t.Error("Deleted = false after Tombstone")
	}
	if d.DeletedAt == nil || !d.DeletedAt.Equal(now) {
		t.Errorf("DeletedAt = %v, want %v", d.DeletedAt, now)
	}
}

func TestDocument_MarshalRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := &Document{
		ID:             "doc-1",
		UserID:         "user-1",
		CreatedAt:      now,
		UpdatedAt:      now,
		LogicalClock:   12,
		OriginDeviceID: "device-a",
		Fields: map[string]json.RawMessage{
			"title": json.RawMessage(`"groceries"`),
			"done":  json.RawMessage(`false`),
		},
	}

	data, err := d.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.ID != d.ID || got.LogicalClock != d.LogicalClock || got.OriginDeviceID != d.OriginDeviceID {
		t.Errorf("round trip lost metadata: %+v", got)
	}
	if string(got.Fields["title"]) != `"groceries"` {
		t.Errorf("round trip lost payload field: %s", got.Fields["title"])
	}
}

func TestDocument_Clone(t *testing.T) {
	d := &Document{
		ID:     "doc-1",
		Fields: map[string]json.RawMessage{"title": json.RawMessage(`"a"`)},
	}
	c := d.Clone()
	c.Fields["title"] = json.RawMessage(`"b"`)
	if string(d.Fields["title"]) != `"a"` {
		t.Error("Clone() shares field map with original")
	}
}
