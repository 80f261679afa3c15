package statusws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tidal-app/tidal/internal/application/health"
	"github.com/tidal-app/tidal/internal/infrastructure/logging"
)

type fakeControls struct {
	mu      sync.Mutex
	online  []bool
	retries int
	resyncs []string
}

func (f *fakeControls) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, online)
}

func (f *fakeControls) RetryFailed(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return nil
}

func (f *fakeControls) ForceResync(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs = append(f.resyncs, collection)
	return nil
}

func startTestServer(t *testing.T) (*Server, *health.Manager, *fakeControls, *websocket.Conn) {
	t.Helper()

	logger := logging.New(logging.Config{Level: logging.LevelError, Format: logging.FormatText})
	hm := health.NewManager(logger)
	controls := &fakeControls{}

	server := NewServer("127.0.0.1:0", hm, controls, logger)
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Stop(ctx)
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return server, hm, controls, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestServerReplaysSnapshotOnConnect(t *testing.T) {
	_, _, _, conn := startTestServer(t)

	env := readEnvelope(t, conn)
	if env.Type != EventSyncHealth {
		t.Fatalf("first envelope type = %q, want sync.health", env.Type)
	}
	var snap health.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.State != health.StateIdle {
		t.Errorf("state = %q, want idle", snap.State)
	}
}

func TestServerBroadcastsHealthChanges(t *testing.T) {
	_, hm, _, conn := startTestServer(t)

	readEnvelope(t, conn) // connect replay

	hm.SetOnline(false)

	// The broadcast subscription also replays once at startup, so scan a
	// few envelopes for the offline transition.
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, conn)
		var snap health.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		if snap.State == health.StateOffline && !snap.Online {
			return
		}
	}
	t.Fatal("never observed the offline snapshot")
}

func TestServerDispatchesControlEnvelopes(t *testing.T) {
	_, _, controls, conn := startTestServer(t)

	write := func(env Envelope) {
		t.Helper()
		if err := conn.WriteJSON(env); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write(Envelope{Type: ActionNetworkOffline})
	write(Envelope{Type: ActionNetworkOnline})
	write(Envelope{Type: ActionSyncRetry})
	write(Envelope{Type: ActionSyncResync, Data: json.RawMessage(`{"collection":"tasks"}`)})

	deadline := time.Now().Add(3 * time.Second)
	for {
		controls.mu.Lock()
		done := len(controls.online) == 2 && controls.retries == 1 && len(controls.resyncs) == 1
		controls.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			controls.mu.Lock()
			t.Fatalf("controls not reached: online=%v retries=%d resyncs=%v",
				controls.online, controls.retries, controls.resyncs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	controls.mu.Lock()
	defer controls.mu.Unlock()
	if controls.online[0] || !controls.online[1] {
		t.Errorf("online transitions = %v, want [false true]", controls.online)
	}
	if controls.resyncs[0] != "tasks" {
		t.Errorf("resync collection = %q, want tasks", controls.resyncs[0])
	}
}
