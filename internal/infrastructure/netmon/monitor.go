// Package netmon tracks reported network connectivity. The daemon never
// probes the network itself: the UI (or the operating system shim in front of
// it) reports transitions over the websocket, and everything downstream
// observes them here.
package netmon

import "sync"

// Monitor is a replay-one observable of the online flag. New subscribers
// immediately receive the current value; slow subscribers see the latest
// value rather than a backlog.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor creates a monitor with the given initial state. Starting online
// is the usual choice: the first failed request flips it off soon enough,
// while starting offline would delay the initial sync for no reason.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition and notifies subscribers.
// Repeated reports of the same state are dropped.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
			// Drop the stale value so the latest one always fits.
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
}

// Subscribe returns a channel that immediately yields the current state and
// then every transition. The cancel func releases the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	ch <- m.online
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
