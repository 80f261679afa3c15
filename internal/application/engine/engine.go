// Package engine implements the bidirectional sync cycle: draining the push
// queue to the remote API, pulling remote changes back, resolving conflicts,
// and keeping checkpoints so cycles resume where they left off. A circuit
// breaker guards the remote backend against request storms.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tidal-app/tidal/internal/application/health"
	"github.com/tidal-app/tidal/internal/application/ports"
	"github.com/tidal-app/tidal/internal/application/pushqueue"
	"github.com/tidal-app/tidal/internal/domain/conflict"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
	"github.com/tidal-app/tidal/internal/infrastructure/config"
	"github.com/tidal-app/tidal/internal/infrastructure/logging"
	"github.com/tidal-app/tidal/internal/infrastructure/tracing"
)

// Engine orchestrates sync cycles for all configured collections.
type Engine struct {
	cfg         *config.Config
	local       ports.LocalStore
	remote      ports.RemoteAPI
	queue       *pushqueue.Manager
	checkpoints ports.CheckpointStore
	conflicts   ports.ConflictLog
	clock       ports.DeviceClock
	health      *health.Manager
	breaker     *CircuitBreaker
	auth        ports.AuthNotifier
	logger      *logging.Logger
	tracer      *tracing.Tracer
	paused      atomic.Bool
	colLocks    sync.Map
	now         func() time.Time
}

// Options bundles the engine's collaborators.
type Options struct {
	Config      *config.Config
	Local       ports.LocalStore
	Remote      ports.RemoteAPI
	Queue       *pushqueue.Manager
	Checkpoints ports.CheckpointStore
	Conflicts   ports.ConflictLog
	Clock       ports.DeviceClock
	Health      *health.Manager
	Auth        ports.AuthNotifier
	Logger      *logging.Logger
	Tracer      *tracing.Tracer
}

// New creates a sync engine with a closed circuit breaker.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}

	e := &Engine{
		cfg:         opts.Config,
		local:       opts.Local,
		remote:      opts.Remote,
		queue:       opts.Queue,
		checkpoints: opts.Checkpoints,
		conflicts:   opts.Conflicts,
		clock:       opts.Clock,
		health:      opts.Health,
		auth:        opts.Auth,
		logger:      logger.With("component", "engine"),
		tracer:      tracer,
		now:         time.Now,
	}
	e.breaker = NewCircuitBreaker(
		opts.Config.Sync.FailureThreshold,
		opts.Config.Sync.ResetTimeout,
		func(state BreakerState, resetAt time.Time) {
			var at *time.Time
			if !resetAt.IsZero() {
				at = &resetAt
			}
			opts.Health.SetCircuit(health.CircuitState(state), at)
		},
	)
	return e
}

// Breaker exposes the circuit breaker, mainly for status reporting.
func (e *Engine) Breaker() *CircuitBreaker { return e.breaker }

// Pause stops remote activity until Resume. Local enqueues keep working;
// that is the whole point of the durable queue.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.logger.Info("sync paused")
}

// Resume re-enables remote activity.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.logger.Info("sync resumed")
}

// Paused reports whether remote activity is suspended.
func (e *Engine) Paused() bool { return e.paused.Load() }

// SyncAll runs one sync cycle for every configured collection in priority
// order (lower numbers first). The first auth or circuit failure aborts the
// remaining collections; per-document failures do not.
func (e *Engine) SyncAll(ctx context.Context) error {
	cols := e.cfg.CollectionTable()
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Priority < cols[j].Priority })

	cycleID := uuid.New().String()
	ctx = logging.WithCycleID(ctx, cycleID)

	e.health.SyncStarted(e.now().UTC())
	var firstErr error
	for _, cc := range cols {
		err := e.syncCollection(ctx, cc)
		if err == nil {
			continue
		}
		e.health.SyncFailed(err)
		if firstErr == nil {
			firstErr = err
		}
		// Backend-wide failures abort the remaining collections.
		if errors.Is(err, derrors.ErrCircuitOpen) || errors.Is(err, derrors.ErrSyncPaused) {
			break
		}
		code := derrors.CodeOf(err)
		if code == derrors.CodeUnauthorized || code == derrors.CodeSessionExpired {
			break
		}
	}
	if firstErr == nil {
		e.health.SyncCompleted(e.now().UTC())
	}
	e.publishQueueCounts(ctx)
	return firstErr
}

// SyncCollection runs one sync cycle for a single collection.
func (e *Engine) SyncCollection(ctx context.Context, name string) error {
	cc, ok := e.cfg.Collection(name)
	if !ok {
		return fmt.Errorf("collection %q: %w", name, derrors.ErrCollectionUnknown)
	}

	e.health.SyncStarted(e.now().UTC())
	err := e.syncCollection(ctx, cc)
	if err != nil {
		e.health.SyncFailed(err)
		return err
	}
	e.health.SyncCompleted(e.now().UTC())
	e.publishQueueCounts(ctx)
	return nil
}

func (e *Engine) syncCollection(ctx context.Context, cc config.CollectionConfig) error {
	// Cycles for the same collection never overlap, no matter whether the
	// scheduler, a control request, or a retry started them.
	mu := e.collectionLock(cc.Name)
	mu.Lock()
	defer mu.Unlock()

	if e.paused.Load() {
		return derrors.ErrSyncPaused
	}

	ctx = logging.WithCollection(ctx, cc.Name)
	ctx, span := e.tracer.Start(ctx, "sync.collection",
		attribute.String("collection", cc.Name),
		attribute.String("direction", string(cc.Direction)))
	defer span.End()

	if cc.Pushes() {
		if err := e.push(ctx, cc); err != nil {
			e.health.CollectionError(cc.Name, err)
			return fmt.Errorf("push %s: %w", cc.Name, err)
		}
	}
	if cc.Pulls() {
		if err := e.pull(ctx, cc); err != nil {
			e.health.CollectionError(cc.Name, err)
			return fmt.Errorf("pull %s: %w", cc.Name, err)
		}
	}

	e.health.CollectionSynced(cc.Name, e.now().UTC())
	return nil
}

// push drains the collection's due queue entries in FIFO batches until
// nothing remains due. Restamped conflict winners are re-pushed within the
// same cycle; a document that conflicts twice in one cycle is rescheduled
// for the next cycle to avoid a livelock with the server.
func (e *Engine) push(ctx context.Context, cc config.CollectionConfig) error {
	restamped := make(map[string]bool)
	for {
		if e.paused.Load() {
			return derrors.ErrSyncPaused
		}

		batch, err := e.queue.NextBatch(ctx, cc.Name, cc.BatchSize)
		if err != nil {
			return fmt.Errorf("load batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if err := e.breaker.Allow(); err != nil {
			return err
		}

		docs := make([]*syncdoc.Document, 0, len(batch))
		byID := make(map[string]*ports.QueuedOperation, len(batch))
		for _, op := range batch {
			doc, err := syncdoc.Unmarshal(op.Payload)
			if err != nil {
				// The payload is unreadable; it can never succeed.
				if ferr := e.queue.MarkFailed(ctx, op, derrors.Wrap(derrors.CodeValidation, "corrupt payload", err)); ferr != nil {
					return ferr
				}
				continue
			}
			if err := e.queue.MarkInProgress(ctx, op); err != nil {
				return err
			}
			docs = append(docs, doc)
			byID[doc.ID] = op
		}
		if len(docs) == 0 {
			continue
		}

		result, err := e.remote.PushDocuments(ctx, cc.Name, docs)
		if err != nil {
			return e.pushTransportFailure(ctx, byID, err)
		}
		e.breaker.RecordSuccess()

		for _, id := range result.Succeeded {
			if op, ok := byID[id]; ok {
				if err := e.queue.MarkCompleted(ctx, op); err != nil {
					return err
				}
			}
		}

		halt := false
		for _, failure := range result.Failed {
			op, ok := byID[failure.ID]
			if !ok {
				continue
			}
			if err := e.handlePushFailure(ctx, cc, op, failure, restamped); err != nil {
				return err
			}
			if cc.PartialFailure == config.PartialFailureHalt {
				halt = true
			}
		}

		cp := e.loadCheckpoint(ctx, cc.Name)
		cp.Collection = cc.Name
		cp.LastPushedAt = e.now().UTC()
		if err := e.checkpoints.Set(ctx, cp); err != nil {
			return fmt.Errorf("record push checkpoint: %w", err)
		}

		if halt {
			e.logger.WarnContext(ctx, "halting queue on partial failure")
			return nil
		}
	}
}

// pushTransportFailure handles a whole-batch error from the remote call:
// the breaker counts it, every in-progress operation is released or failed,
// and auth failures pause the engine.
func (e *Engine) pushTransportFailure(ctx context.Context, byID map[string]*ports.QueuedOperation, cause error) error {
	code := derrors.CodeOf(cause)

	if code == derrors.CodeUnauthorized || code == derrors.CodeSessionExpired {
		for _, op := range byID {
			if err := e.queue.Release(ctx, op); err != nil {
				return err
			}
		}
		e.Pause()
		if e.auth != nil {
			e.auth.CredentialsExpired(ctx, cause)
		}
		e.logger.WarnContext(ctx, "credentials expired, sync paused", "code", code)
		return cause
	}

	e.breaker.RecordFailure(cause)
	for _, op := range byID {
		if err := e.queue.MarkFailed(ctx, op, cause); err != nil {
			return err
		}
	}
	e.logger.WarnContext(ctx, "push batch failed", "code", code, "error", cause)
	return cause
}

// handlePushFailure processes one rejected document from a push batch.
func (e *Engine) handlePushFailure(ctx context.Context, cc config.CollectionConfig, op *ports.QueuedOperation, failure ports.PushFailure, restamped map[string]bool) error {
	if failure.Err != nil && failure.Err.Code == derrors.CodeConflict && failure.Remote != nil {
		if restamped[op.DocumentID] {
			// Already re-pushed once this cycle and conflicted again: the
			// server moved concurrently. Reschedule for the next cycle
			// instead of fighting it in a loop; a conflict is never a
			// terminal failure.
			return e.queue.MarkFailed(ctx, op, failure.Err.WithRetryable(true))
		}
		return e.resolvePushConflict(ctx, cc, op, failure.Remote, restamped)
	}

	var cause error = failure.Err
	if cause == nil {
		cause = derrors.New(derrors.CodeUnknown, "push rejected without detail")
	}
	e.breaker.RecordFailure(cause)
	return e.queue.MarkFailed(ctx, op, cause)
}

// resolvePushConflict resolves a server-reported version conflict for one
// document. Remote wins drop the local push; local or merged wins restamp
// the operation so the next push orders after the server's version.
func (e *Engine) resolvePushConflict(ctx context.Context, cc config.CollectionConfig, op *ports.QueuedOperation, remote *syncdoc.Document, restamped map[string]bool) error {
	// Raise the device clock past the server's version first, so a
	// restamped winner is guaranteed to order after it.
	if err := e.observeRemoteClock(ctx, remote.LogicalClock); err != nil {
		return err
	}

	local, err := e.local.Find(ctx, cc.Name, op.DocumentID)
	if err != nil {
		if !errors.Is(err, derrors.ErrNotFound) {
			return fmt.Errorf("load local version: %w", err)
		}
		// The document vanished locally; fall back to the pushed snapshot.
		local, err = syncdoc.Unmarshal(op.Payload)
		if err != nil {
			return e.queue.MarkFailed(ctx, op, derrors.Wrap(derrors.CodeValidation, "corrupt payload", err))
		}
	}

	res, err := conflict.Resolve(cc.ConflictStrategy, local, remote)
	if err != nil {
		return e.queue.MarkFailed(ctx, op, err)
	}

	if res.Winner == remote {
		if err := e.applyRemote(ctx, cc.Name, remote); err != nil {
			return err
		}
		if _, err := e.queue.DropDocument(ctx, cc.Name, op.DocumentID); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "conflict resolved, remote version kept",
			"document_id", op.DocumentID, "strategy", res.Strategy)
	} else {
		if err := e.local.Update(ctx, cc.Name, res.Winner); err != nil {
			return fmt.Errorf("apply conflict winner: %w", err)
		}
		if err := e.queue.Restamp(ctx, op, res.Winner); err != nil {
			return err
		}
		restamped[op.DocumentID] = true
		e.logger.InfoContext(ctx, "conflict resolved, local version re-pushed",
			"document_id", op.DocumentID, "strategy", res.Strategy)
	}

	if res.ShouldLog {
		if err := e.logConflict(ctx, cc.Name, local, remote, res); err != nil {
			return err
		}
	}
	return nil
}

// pull applies remote changes page by page, recording a checkpoint after
// each fully applied page.
func (e *Engine) pull(ctx context.Context, cc config.CollectionConfig) error {
	since, err := e.checkpoints.Get(ctx, cc.Name)
	if err != nil {
		if derrors.CodeOf(err) == derrors.CodeCheckpointCorrupted {
			e.logger.WarnContext(ctx, "checkpoint corrupted, forcing full resync")
			if cerr := e.checkpoints.Clear(ctx, cc.Name); cerr != nil {
				return fmt.Errorf("clear corrupted checkpoint: %w", cerr)
			}
			since = nil
		} else {
			return fmt.Errorf("load checkpoint: %w", err)
		}
	}

	cursor := ports.Checkpoint{Collection: cc.Name}
	if since != nil {
		cursor = *since
	}

	for {
		if e.paused.Load() {
			return derrors.ErrSyncPaused
		}
		if err := e.breaker.Allow(); err != nil {
			return err
		}

		page, err := e.remote.PullChanges(ctx, cc.Name, cursor)
		if err != nil {
			code := derrors.CodeOf(err)
			if code == derrors.CodeUnauthorized || code == derrors.CodeSessionExpired {
				e.Pause()
				if e.auth != nil {
					e.auth.CredentialsExpired(ctx, err)
				}
				return err
			}
			e.breaker.RecordFailure(err)
			return err
		}
		e.breaker.RecordSuccess()

		for _, doc := range page.Documents {
			if err := e.applyPulled(ctx, cc, doc); err != nil {
				return err
			}
		}
		for _, id := range page.DeletedIDs {
			if err := e.applyRemoteDeletion(ctx, cc.Name, id); err != nil {
				return err
			}
		}

		cp := page.Checkpoint
		cp.Collection = cc.Name
		cp.LastPushedAt = cursor.LastPushedAt
		if err := e.checkpoints.Set(ctx, cp); err != nil {
			return fmt.Errorf("record pull checkpoint: %w", err)
		}
		cursor = cp

		if !page.HasMore {
			return nil
		}
	}
}

// applyPulled merges one pulled document into the local store.
func (e *Engine) applyPulled(ctx context.Context, cc config.CollectionConfig, remote *syncdoc.Document) error {
	if err := e.observeRemoteClock(ctx, remote.LogicalClock); err != nil {
		return err
	}

	local, err := e.local.Find(ctx, cc.Name, remote.ID)
	if errors.Is(err, derrors.ErrNotFound) {
		if remote.Deleted {
			// A tombstone for a document we never had is a no-op.
			return nil
		}
		return e.local.Insert(ctx, cc.Name, remote)
	}
	if err != nil {
		return fmt.Errorf("load local version: %w", err)
	}

	if syncdoc.Compare(local, remote) == syncdoc.Tie {
		// Identical versions; reapplying a page must change nothing.
		return nil
	}

	res, err := conflict.Resolve(cc.ConflictStrategy, local, remote)
	if err != nil {
		return err
	}

	if res.Winner != local {
		if err := e.local.Update(ctx, cc.Name, res.Winner); err != nil {
			return fmt.Errorf("apply pulled version: %w", err)
		}
		if res.Winner == remote {
			// The local push, if any, is stale now.
			if _, err := e.queue.DropDocument(ctx, cc.Name, remote.ID); err != nil {
				return err
			}
		}
	}

	if res.ShouldLog {
		if err := e.logConflict(ctx, cc.Name, local, remote, res); err != nil {
			return err
		}
	}
	return nil
}

// applyRemoteDeletion tombstones a locally known document.
func (e *Engine) applyRemoteDeletion(ctx context.Context, collection, id string) error {
	local, err := e.local.Find(ctx, collection, id)
	if errors.Is(err, derrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load local version: %w", err)
	}
	if local.Deleted {
		return nil
	}

	local.Tombstone(e.now().UTC())
	if err := e.local.Update(ctx, collection, local); err != nil {
		return fmt.Errorf("apply remote deletion: %w", err)
	}
	if _, err := e.queue.DropDocument(ctx, collection, id); err != nil {
		return err
	}
	return nil
}

// applyRemote writes the remote version into the local store, inserting or
// updating as needed.
func (e *Engine) applyRemote(ctx context.Context, collection string, remote *syncdoc.Document) error {
	_, err := e.local.Find(ctx, collection, remote.ID)
	if errors.Is(err, derrors.ErrNotFound) {
		return e.local.Insert(ctx, collection, remote)
	}
	if err != nil {
		return fmt.Errorf("load local version: %w", err)
	}
	return e.local.Update(ctx, collection, remote)
}

// logConflict appends an audit entry unless an identical resolution is
// already recorded.
func (e *Engine) logConflict(ctx context.Context, collection string, local, remote *syncdoc.Document, res conflict.Resolution) error {
	seen, err := e.conflicts.HasEntry(ctx, collection, remote.ID, remote.LogicalClock)
	if err != nil {
		return fmt.Errorf("check conflict log: %w", err)
	}
	if seen {
		return nil
	}

	entry := &ports.ConflictLogEntry{
		ID:              uuid.New().String(),
		Collection:      collection,
		DocumentID:      remote.ID,
		LocalVersion:    local.Clone(),
		RemoteVersion:   remote.Clone(),
		ResolvedVersion: res.Winner.Clone(),
		Strategy:        res.Strategy,
		ResolvedAt:      e.now().UTC(),
		CanUndo:         res.CanUndo,
	}
	if err := e.conflicts.Append(ctx, entry); err != nil {
		return fmt.Errorf("append conflict log: %w", err)
	}
	return nil
}

// ForceResync clears the collection's checkpoint and runs a full cycle.
func (e *Engine) ForceResync(ctx context.Context, collection string) error {
	if _, ok := e.cfg.Collection(collection); !ok {
		return fmt.Errorf("collection %q: %w", collection, derrors.ErrCollectionUnknown)
	}

	// Wait out any running cycle before clearing, so the cleared
	// checkpoint cannot be overwritten by a page already in flight.
	mu := e.collectionLock(collection)
	mu.Lock()
	err := e.checkpoints.Clear(ctx, collection)
	mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	e.logger.InfoContext(ctx, "forcing full resync", "collection", collection)
	return e.SyncCollection(ctx, collection)
}

// RetryFailed resets failed and dead-letter operations, then runs a cycle.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	n, err := e.queue.RetryAllFailed(ctx)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, nil
	}
	e.logger.InfoContext(ctx, "reset failed operations", "count", n)
	return n, e.SyncAll(ctx)
}

// UndoConflict restores the losing version of a logged conflict and queues
// it for push so the restoration replicates.
func (e *Engine) UndoConflict(ctx context.Context, entryID string) error {
	entry, err := e.conflicts.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if !entry.CanUndo || entry.Undone {
		return derrors.ErrConflictNotUndoable
	}

	cc, ok := e.cfg.Collection(entry.Collection)
	if !ok {
		return fmt.Errorf("collection %q: %w", entry.Collection, derrors.ErrCollectionUnknown)
	}

	restored := entry.LocalVersion.Clone()
	if err := e.local.Update(ctx, cc.Name, restored); err != nil {
		return fmt.Errorf("restore losing version: %w", err)
	}
	if cc.Pushes() {
		if _, err := e.queue.Enqueue(ctx, cc.Name, ports.OpUpdate, restored); err != nil {
			return err
		}
	}
	if err := e.conflicts.MarkUndone(ctx, entryID); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "conflict resolution undone",
		"entry_id", entryID, "document_id", entry.DocumentID)
	return nil
}

// observeRemoteClock merges a clock value received from the remote into
// the device clock. Without this, an edit made after a pull could be
// stamped with a clock that orders before the version it changed.
func (e *Engine) observeRemoteClock(ctx context.Context, remote int64) error {
	if e.clock == nil {
		return nil
	}
	if err := e.clock.Observe(ctx, remote); err != nil {
		return fmt.Errorf("observe remote clock: %w", err)
	}
	return nil
}

func (e *Engine) collectionLock(name string) *sync.Mutex {
	mu, _ := e.colLocks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// loadCheckpoint returns the stored checkpoint or a zero value, swallowing
// read errors so push bookkeeping never blocks the queue.
func (e *Engine) loadCheckpoint(ctx context.Context, collection string) ports.Checkpoint {
	cp, err := e.checkpoints.Get(ctx, collection)
	if err != nil || cp == nil {
		return ports.Checkpoint{Collection: collection}
	}
	return *cp
}

func (e *Engine) publishQueueCounts(ctx context.Context) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "queue counts unavailable", "error", err)
		return
	}
	e.health.SetQueueCounts(counts)
}
