// Package health tracks the observable state of the sync engine: whether
// the device is online, whether a sync cycle is running, per-collection
// progress, and queue depth. Subscribers receive the current snapshot
// immediately on subscription and every change after that.
package health

import (
	"sync"
	"time"

	"github.com/tidal-app/tidal/internal/application/ports"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	"github.com/tidal-app/tidal/internal/infrastructure/logging"
)

// State is the overall sync state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
	StateOffline State = "offline"
)

// CircuitState mirrors the engine's circuit breaker state for observers.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CollectionHealth is the per-collection slice of a snapshot.
type CollectionHealth struct {
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
}

// Snapshot is an immutable view of sync health at a point in time.
type Snapshot struct {
	State               State                       `json:"state"`
	Online              bool                        `json:"online"`
	Circuit             CircuitState                `json:"circuit"`
	CircuitResetAt      *time.Time                  `json:"circuitResetAt,omitempty"`
	LastSyncAt          *time.Time                  `json:"lastSyncAt,omitempty"`
	LastSyncAttempt     *time.Time                  `json:"lastSyncAttempt,omitempty"`
	LastError           string                      `json:"lastError,omitempty"`
	LastErrorCode       string                      `json:"lastErrorCode,omitempty"`
	ConsecutiveFailures int                         `json:"consecutiveFailures"`
	Queue               ports.QueueCounts           `json:"queue"`
	Collections         map[string]CollectionHealth `json:"collections"`
}

// View is the read side of the health manager, for presentation layers.
type View interface {
	Snapshot() Snapshot
	Subscribe() (<-chan Snapshot, func())
}

// Manager holds the current health snapshot and fans changes out to
// subscribers. Each subscriber channel is buffered with capacity one;
// when a subscriber lags, the stale snapshot is dropped so the channel
// always carries the latest state.
type Manager struct {
	mu     sync.Mutex
	cur    Snapshot
	subs   map[int]chan Snapshot
	nextID int
	logger *logging.Logger
}

// NewManager creates a health manager in the idle, online state.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		cur: Snapshot{
			State:       StateIdle,
			Online:      true,
			Circuit:     CircuitClosed,
			Collections: make(map[string]CollectionHealth),
		},
		subs:   make(map[int]chan Snapshot),
		logger: logger.With("component", "health"),
	}
}

// Snapshot returns a copy of the current health state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur.clone()
}

// Subscribe registers an observer. The returned channel immediately
// carries the current snapshot, then one entry per subsequent change.
// The cancel function must be called to release the subscription.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Snapshot, 1)
	ch <- m.cur.clone()
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SyncStarted marks the beginning of a sync cycle.
func (m *Manager) SyncStarted(at time.Time) {
	m.update(func(s *Snapshot) {
		s.State = StateSyncing
		t := at
		s.LastSyncAttempt = &t
	})
}

// SyncCompleted marks a successful end of a sync cycle.
func (m *Manager) SyncCompleted(at time.Time) {
	m.update(func(s *Snapshot) {
		if s.State != StateOffline {
			s.State = StateIdle
		}
		t := at
		s.LastSyncAt = &t
		s.LastError = ""
		s.LastErrorCode = ""
		s.ConsecutiveFailures = 0
	})
}

// SyncFailed marks the end of a sync cycle that hit an error.
func (m *Manager) SyncFailed(err error) {
	m.update(func(s *Snapshot) {
		if s.State != StateOffline {
			s.State = StateError
		}
		s.LastError = err.Error()
		s.LastErrorCode = string(derrors.CodeOf(err))
		s.ConsecutiveFailures++
	})
}

// SetOnline records a connectivity change. Going offline overrides the
// sync state; coming back online returns to idle until the next cycle.
func (m *Manager) SetOnline(online bool) {
	m.update(func(s *Snapshot) {
		if s.Online == online {
			return
		}
		s.Online = online
		if online {
			s.State = StateIdle
		} else {
			s.State = StateOffline
		}
	})
	m.logger.Info("connectivity changed", "online", online)
}

// CollectionSynced records a successful sync for one collection.
func (m *Manager) CollectionSynced(name string, at time.Time) {
	m.update(func(s *Snapshot) {
		t := at
		s.Collections[name] = CollectionHealth{LastSyncedAt: &t}
	})
}

// CollectionError records a failed sync for one collection, keeping its
// last successful sync time.
func (m *Manager) CollectionError(name string, err error) {
	m.update(func(s *Snapshot) {
		ch := s.Collections[name]
		ch.LastError = err.Error()
		ch.ErrorCode = string(derrors.CodeOf(err))
		s.Collections[name] = ch
	})
}

// SetQueueCounts publishes the current queue depth.
func (m *Manager) SetQueueCounts(counts ports.QueueCounts) {
	m.update(func(s *Snapshot) {
		s.Queue = counts
	})
}

// SetCircuit publishes the engine's circuit breaker state. resetAt is the
// time an open breaker will admit its next probe, nil otherwise.
func (m *Manager) SetCircuit(state CircuitState, resetAt *time.Time) {
	m.update(func(s *Snapshot) {
		s.Circuit = state
		s.CircuitResetAt = resetAt
	})
}

// update applies a mutation and notifies all subscribers.
func (m *Manager) update(fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(&m.cur)
	snap := m.cur.clone()
	for _, ch := range m.subs {
		// Drop the stale buffered snapshot so the latest always fits.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s Snapshot) clone() Snapshot {
	cp := s
	cp.Collections = make(map[string]CollectionHealth, len(s.Collections))
	for k, v := range s.Collections {
		cp.Collections[k] = v
	}
	return cp
}
