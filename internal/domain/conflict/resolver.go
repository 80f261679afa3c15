// Package conflict implements the pluggable conflict resolution strategies
// used when a local and a remote version of the same document disagree.
package conflict

import (
	"encoding/json"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

// Strategy names a conflict resolution policy. One is configured per
// collection and never changes at runtime.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategyFieldMerge    Strategy = "field-merge"
	StrategyServerWins    Strategy = "server-wins"
	StrategyClientWins    Strategy = "client-wins"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyFieldMerge, StrategyServerWins, StrategyClientWins:
		return true
	}
	return false
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Winner   *syncdoc.Document
	Loser    *syncdoc.Document
	Strategy Strategy

	// ShouldLog marks resolutions that belong in the conflict audit trail:
	// a comparison-based strategy changed locally visible content. Absolute
	// policies (server-wins, client-wins) are never logged.
	ShouldLog bool

	// CanUndo marks resolutions the user may reverse by restoring the
	// loser. Only comparison-based strategies qualify.
	CanUndo bool
}

// Resolve picks a winner between the local and remote version of the same
// document under the given strategy.
func Resolve(strategy Strategy, local, remote *syncdoc.Document) (Resolution, error) {
	if local == nil || remote == nil {
		return Resolution{}, derrors.New(derrors.CodeValidation, "conflict resolution requires both versions")
	}
	if local.ID != remote.ID {
		return Resolution{}, derrors.New(derrors.CodeValidation, "conflict resolution requires matching document IDs")
	}

	switch strategy {
	case StrategyServerWins:
		return Resolution{Winner: remote, Loser: local, Strategy: strategy}, nil
	case StrategyClientWins:
		return Resolution{Winner: local, Loser: remote, Strategy: strategy}, nil
	case StrategyFieldMerge:
		return resolveFieldMerge(local, remote), nil
	case StrategyLastWriteWins:
		return resolveLastWriteWins(local, remote), nil
	default:
		return Resolution{}, derrors.New(derrors.CodeValidation, "unknown conflict strategy "+string(strategy))
	}
}

// resolveLastWriteWins delegates ordering to the logical clock comparison;
// the later version wins wholesale. A tie means both sides hold the same
// version, so resolution is a no-op and nothing is logged.
func resolveLastWriteWins(local, remote *syncdoc.Document) Resolution {
	res := Resolution{Strategy: StrategyLastWriteWins}
	switch syncdoc.Compare(local, remote) {
	case syncdoc.LocalWins:
		res.Winner, res.Loser = local, remote
	case syncdoc.RemoteWins:
		res.Winner, res.Loser = remote, local
		res.ShouldLog = true
		res.CanUndo = true
	default:
		res.Winner, res.Loser = local, remote
	}
	return res
}

// resolveFieldMerge keeps, per top-level field, whichever side's record is
// newer. Per-field timestamps are used when the document carries them;
// fields without a stamp inherit the owning record's updatedAt. Documents
// with no field timestamps at all fall back to whole-record last-write-wins.
func resolveFieldMerge(local, remote *syncdoc.Document) Resolution {
	if len(local.FieldUpdatedAt) == 0 && len(remote.FieldUpdatedAt) == 0 {
		res := resolveLastWriteWins(local, remote)
		res.Strategy = StrategyFieldMerge
		return res
	}

	if syncdoc.Compare(local, remote) == syncdoc.Tie {
		return Resolution{Winner: local, Loser: remote, Strategy: StrategyFieldMerge}
	}

	// Start from the causally later side so metadata (tombstones, user ID)
	// comes from the newest record, then merge fields from both.
	base, other := remote, local
	if syncdoc.Compare(local, remote) == syncdoc.LocalWins {
		base, other = local, remote
	}
	merged := base.Clone()
	if merged.FieldUpdatedAt == nil {
		merged.FieldUpdatedAt = make(map[string]time.Time)
	}

	absorbed := false
	for name, value := range other.Fields {
		_, present := merged.Fields[name]
		if !present || fieldNewer(other, base, name) {
			if merged.Fields == nil {
				merged.Fields = make(map[string]json.RawMessage)
			}
			merged.Fields[name] = append(json.RawMessage(nil), value...)
			merged.FieldUpdatedAt[name] = fieldTime(other, name)
			absorbed = true
		}
	}

	// The merged record must order after both inputs on every replica.
	merged.LogicalClock = maxInt64(local.LogicalClock, remote.LogicalClock)
	if local.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}

	// The merge changed local content either when the remote record won
	// outright or when newer remote fields landed in a locally won merge.
	// Both deserve an undoable audit entry.
	localLost := syncdoc.Compare(local, remote) == syncdoc.RemoteWins
	localChanged := localLost || (base == local && absorbed)
	return Resolution{
		Winner:    merged,
		Loser:     pickLoser(local, remote, localLost),
		Strategy:  StrategyFieldMerge,
		ShouldLog: localChanged,
		CanUndo:   localChanged,
	}
}

func pickLoser(local, remote *syncdoc.Document, localLost bool) *syncdoc.Document {
	if localLost {
		return local
	}
	return remote
}

// fieldTime returns the effective timestamp of a field: its own stamp when
// present, the record's updatedAt otherwise.
func fieldTime(d *syncdoc.Document, name string) time.Time {
	if ts, ok := d.FieldUpdatedAt[name]; ok {
		return ts
	}
	return d.UpdatedAt
}

func fieldNewer(a, b *syncdoc.Document, name string) bool {
	return fieldTime(a, name).After(fieldTime(b, name))
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
