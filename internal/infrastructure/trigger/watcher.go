// Package trigger lets CLI invocations poke a running daemon through the
// control directory. A command is a marker file: `retry` re-queues failed
// operations, `resync.<collection>` forces a full pull. The daemon consumes
// the file and acts on it.
package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind identifies a control command.
type Kind string

const (
	KindRetry  Kind = "retry"
	KindResync Kind = "resync"
)

const (
	retryFile    = "retry"
	resyncPrefix = "resync."
)

// Command is one consumed control file.
type Command struct {
	Kind       Kind
	Collection string // set for resync only; empty means all collections
	ReceivedAt time.Time
}

// WatcherConfig holds configuration for the control watcher.
type WatcherConfig struct {
	DebounceDuration time.Duration
	BufferSize       int
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		DebounceDuration: 100 * time.Millisecond,
		BufferSize:       16,
	}
}

// Watcher monitors the control directory and emits commands. Marker files
// are deleted once consumed so a restart does not replay stale commands,
// except files present at startup, which are deliberately replayed: a
// command written while the daemon was down should still take effect.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	config     WatcherConfig
	controlDir string
	commands   chan Command
	errors     chan error

	pending   map[string]time.Time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// NewWatcher creates a watcher for the given control directory, creating the
// directory if needed.
func NewWatcher(controlDir string, cfg WatcherConfig) (*Watcher, error) {
	if err := os.MkdirAll(controlDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create control directory: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		fsWatcher:  fsWatcher,
		config:     cfg,
		controlDir: controlDir,
		commands:   make(chan Command, cfg.BufferSize),
		errors:     make(chan error, cfg.BufferSize),
		pending:    make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins watching. Commands already sitting in the directory are
// queued immediately.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.fsWatcher.Add(w.controlDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.controlDir)
	if err != nil {
		return fmt.Errorf("could not read control directory: %w", err)
	}
	w.pendingMu.Lock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if parseCommand(entry.Name()) != nil {
			w.pending[filepath.Join(w.controlDir, entry.Name())] = time.Time{}
		}
	}
	w.pendingMu.Unlock()

	w.wg.Add(2)
	go w.processEvents()
	go w.debounceProcessor()

	return nil
}

// Commands returns the channel of consumed commands.
func (w *Watcher) Commands() <-chan Command {
	return w.commands
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()

	close(w.commands)
	close(w.errors)

	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if parseCommand(filepath.Base(event.Name)) == nil {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) debounceProcessor() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.consumeStable()
		}
	}
}

// consumeStable emits commands whose marker files have stopped changing,
// deleting each file as it is consumed.
func (w *Watcher) consumeStable() {
	w.pendingMu.Lock()
	now := time.Now()
	var stable []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.config.DebounceDuration {
			stable = append(stable, path)
		}
	}
	for _, path := range stable {
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()

	for _, path := range stable {
		cmd := parseCommand(filepath.Base(path))
		if cmd == nil {
			continue
		}
		cmd.ReceivedAt = now

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			select {
			case w.errors <- err:
			default:
			}
			continue
		}

		select {
		case w.commands <- *cmd:
		default:
		}
	}
}

// parseCommand maps a marker file name to a command, nil for foreign files.
func parseCommand(name string) *Command {
	if name == retryFile {
		return &Command{Kind: KindRetry}
	}
	if collection, ok := strings.CutPrefix(name, resyncPrefix); ok && collection != "" {
		return &Command{Kind: KindResync, Collection: collection}
	}
	return nil
}

// Write drops a marker file for a running daemon to consume. It is what the
// retry and resync CLI commands call.
func Write(controlDir string, kind Kind, collection string) error {
	if err := os.MkdirAll(controlDir, 0755); err != nil {
		return fmt.Errorf("could not create control directory: %w", err)
	}

	var name string
	switch kind {
	case KindRetry:
		name = retryFile
	case KindResync:
		if collection == "" {
			return fmt.Errorf("resync requires a collection")
		}
		name = resyncPrefix + collection
	default:
		return fmt.Errorf("unknown command kind %q", kind)
	}

	path := filepath.Join(controlDir, name)
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("could not write control file: %w", err)
	}
	return nil
}
