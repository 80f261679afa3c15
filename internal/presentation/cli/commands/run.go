package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tidal-app/tidal/internal/application"
	"github.com/tidal-app/tidal/internal/infrastructure/trigger"
)

var (
	shutdownMu     sync.Mutex
	shutdownCancel context.CancelFunc
)

// requestShutdown asks a running daemon loop to unwind.
func requestShutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if shutdownCancel != nil {
		shutdownCancel()
	}
}

// NewRunCmd creates the run command, the long-running sync daemon.
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon: per-collection pull cycles on their configured
intervals, the localhost status websocket for the UI, and the control
directory watcher for retry/resync requests from other tidal invocations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is not configured (set TIDAL_API_URL or edit the config file)")
	}
	if len(cfg.Collections) == 0 {
		return fmt.Errorf("no collections configured; run `tidal init` and edit the collection table")
	}

	container, err := application.NewContainer(cfg, application.Options{Verbose: globalFlags.Verbose})
	if err != nil {
		return err
	}
	defer container.Close()

	logger := container.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMu.Lock()
	shutdownCancel = cancel
	shutdownMu.Unlock()

	if server := container.StatusServer(); server != nil {
		if err := server.Start(); err != nil {
			return fmt.Errorf("could not start status endpoint: %w", err)
		}
	}

	watcher, err := trigger.NewWatcher(cfg.Storage.ControlDir, trigger.DefaultWatcherConfig())
	if err != nil {
		return fmt.Errorf("could not create control watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("could not start control watcher: %w", err)
	}
	defer watcher.Close()

	controls := container.Controls()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd, ok := <-watcher.Commands():
				if !ok {
					return
				}
				switch cmd.Kind {
				case trigger.KindRetry:
					if err := controls.RetryFailed(ctx); err != nil {
						logger.Warn("control retry failed", "error", err)
					}
				case trigger.KindResync:
					if err := controls.ForceResync(ctx, cmd.Collection); err != nil {
						logger.Warn("control resync failed",
							"collection", cmd.Collection, "error", err)
					}
				}
			case err, ok := <-watcher.Errors():
				if !ok {
					return
				}
				logger.Warn("control watcher error", "error", err)
			}
		}
	}()

	container.Scheduler().Start(ctx)
	logger.Info("sync daemon started",
		"device_id", container.DeviceID(),
		"collections", len(cfg.Collections))

	<-ctx.Done()
	logger.Info("sync daemon stopping")
	return nil
}
