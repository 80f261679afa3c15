package engine

import (
	"context"
	"sync"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	"github.com/tidal-app/tidal/internal/infrastructure/logging"
)

// Scheduler runs periodic sync cycles, one goroutine per collection, each
// on its own pull interval. Cycles for the same collection never overlap;
// a kick received mid-cycle queues exactly one follow-up run.
type Scheduler struct {
	engine *Engine
	logger *logging.Logger

	mu     sync.Mutex
	kicks  map[string]chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for the engine's configured collections.
func NewScheduler(engine *Engine, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		engine: engine,
		logger: logger.With("component", "scheduler"),
		kicks:  make(map[string]chan struct{}),
	}
}

// Start launches the per-collection sync loops. Collections with lower
// priority numbers get their initial cycle kicked first.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)

	cols := s.engine.cfg.CollectionTable()
	for _, cc := range cols {
		kick := make(chan struct{}, 1)
		s.kicks[cc.Name] = kick
		kick <- struct{}{} // initial cycle

		s.wg.Add(1)
		go s.run(ctx, cc.Name, cc.PullInterval, kick)
	}
	s.logger.Info("scheduler started", "collections", len(cols))
}

// Stop cancels all loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger requests an immediate cycle for one collection. Unknown names
// return ErrCollectionUnknown.
func (s *Scheduler) Trigger(collection string) error {
	s.mu.Lock()
	kick, ok := s.kicks[collection]
	s.mu.Unlock()
	if !ok {
		return derrors.ErrCollectionUnknown
	}
	select {
	case kick <- struct{}{}:
	default: // a run is already queued
	}
	return nil
}

// TriggerAll requests an immediate cycle for every collection, used when
// connectivity returns or the user asks for a manual sync.
func (s *Scheduler) TriggerAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kick := range s.kicks {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) run(ctx context.Context, collection string, interval time.Duration, kick <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}

		if err := s.engine.SyncCollection(ctx, collection); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("sync cycle failed",
				"collection", collection, "error", err)
		}
	}
}
