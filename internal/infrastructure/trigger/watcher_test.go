package trigger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()

	dir := t.TempDir()
	w, err := NewWatcher(dir, WatcherConfig{
		DebounceDuration: 20 * time.Millisecond,
		BufferSize:       16,
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, dir
}

func waitForCommand(t *testing.T, w *Watcher) Command {
	t.Helper()

	select {
	case cmd := <-w.Commands():
		return cmd
	case err := <-w.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command")
	}
	return Command{}
}

func TestWatcherConsumesRetry(t *testing.T) {
	w, dir := newTestWatcher(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := Write(dir, KindRetry, ""); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	cmd := waitForCommand(t, w)
	if cmd.Kind != KindRetry {
		t.Errorf("Kind = %q, want retry", cmd.Kind)
	}

	// The marker file is consumed.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "retry")); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("marker file was not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherParsesResyncCollection(t *testing.T) {
	w, dir := newTestWatcher(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := Write(dir, KindResync, "tasks"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	cmd := waitForCommand(t, w)
	if cmd.Kind != KindResync || cmd.Collection != "tasks" {
		t.Errorf("got %+v, want resync tasks", cmd)
	}
}

func TestWatcherReplaysCommandsPresentAtStartup(t *testing.T) {
	w, dir := newTestWatcher(t)

	// Written while the daemon was down.
	if err := Write(dir, KindResync, "habits"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cmd := waitForCommand(t, w)
	if cmd.Kind != KindResync || cmd.Collection != "habits" {
		t.Errorf("got %+v, want resync habits", cmd)
	}
}

func TestWatcherIgnoresForeignFiles(t *testing.T) {
	w, dir := newTestWatcher(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "resync."), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cmd := <-w.Commands():
		t.Errorf("unexpected command %+v", cmd)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWriteValidation(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, KindResync, ""); err == nil {
		t.Error("resync without a collection should fail")
	}
	if err := Write(dir, Kind("bogus"), ""); err == nil {
		t.Error("unknown kind should fail")
	}
}
