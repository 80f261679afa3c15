package sync

// Ordering is the outcome of comparing two versions of the same document.
type Ordering int

const (
	// Tie means both versions carry identical ordering metadata. Applying
	// either is a no-op relative to the other.
	Tie Ordering = iota
	// LocalWins means the local version is causally later.
	LocalWins
	// RemoteWins means the remote version is causally later.
	RemoteWins
)

// String returns the ordering name for logs.
func (o Ordering) String() string {
	switch o {
	case LocalWins:
		return "local_wins"
	case RemoteWins:
		return "remote_wins"
	default:
		return "tie"
	}
}

// Compare orders two versions of the same document without coordination.
// The logical clock is compared first: it orders writes from the same device
// and usually dominates across devices. Wall-clock updatedAt breaks clock
// ties, and the origin device ID breaks the remaining ties lexicographically
// so every replica converges on the same winner.
func Compare(local, remote *Document) Ordering {
	switch {
	case local.LogicalClock > remote.LogicalClock:
		return LocalWins
	case local.LogicalClock < remote.LogicalClock:
		return RemoteWins
	}

	switch {
	case local.UpdatedAt.After(remote.UpdatedAt):
		return LocalWins
	case local.UpdatedAt.Before(remote.UpdatedAt):
		return RemoteWins
	}

	switch {
	case local.OriginDeviceID > remote.OriginDeviceID:
		return LocalWins
	case local.OriginDeviceID < remote.OriginDeviceID:
		return RemoteWins
	}

	return Tie
}
