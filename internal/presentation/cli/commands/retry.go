package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidal-app/tidal/internal/application"
	"github.com/tidal-app/tidal/internal/infrastructure/trigger"
)

// NewRetryCmd creates the retry command.
func NewRetryCmd() *cobra.Command {
	var (
		opID    string
		discard bool
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-queue failed operations",
		Long: `Re-queue failed and dead-letter operations.

Without flags this signals a running daemon through the control directory,
which resets every failed operation and starts a sync cycle immediately.
With --id a single operation is reset (or discarded with --discard)
directly in the sync database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(opID, discard)
		},
	}

	cmd.Flags().StringVar(&opID, "id", "", "operate on a single queued operation")
	cmd.Flags().BoolVar(&discard, "discard", false, "discard the operation instead of retrying (requires --id)")

	return cmd
}

func runRetry(opID string, discard bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formatter := newFormatter()

	if discard && opID == "" {
		return fmt.Errorf("--discard requires --id")
	}

	if opID != "" {
		container, err := application.NewContainer(cfg, application.Options{Verbose: globalFlags.Verbose})
		if err != nil {
			return err
		}
		defer container.Close()

		ctx := context.Background()
		if discard {
			if err := container.Queue().Discard(ctx, opID); err != nil {
				return err
			}
			formatter.Success("Discarded operation %s", opID)
			return nil
		}
		if err := container.Queue().Retry(ctx, opID); err != nil {
			return err
		}
		formatter.Success("Operation %s re-queued; it will push on the next cycle", opID)
		return nil
	}

	if err := trigger.Write(cfg.Storage.ControlDir, trigger.KindRetry, ""); err != nil {
		return err
	}
	formatter.Success("Retry requested; a running daemon will pick it up")
	return nil
}
