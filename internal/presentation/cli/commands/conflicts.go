package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidal-app/tidal/internal/application"
	"github.com/tidal-app/tidal/internal/presentation/cli/output"
)

// NewConflictsCmd creates the conflicts command group.
func NewConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and undo resolved conflicts",
	}

	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsUndoCmd())

	return cmd
}

func newConflictsListCmd() *cobra.Command {
	var (
		collection string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recently resolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(collection, limit)
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "filter by collection")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")

	return cmd
}

func runConflictsList(collection string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formatter := newFormatter()

	container, err := application.NewContainer(cfg, application.Options{Verbose: globalFlags.Verbose})
	if err != nil {
		return err
	}
	defer container.Close()

	entries, err := container.ConflictLog().Recent(context.Background(), collection, limit)
	if err != nil {
		return err
	}

	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(entries)
	}
	if len(entries) == 0 {
		formatter.Success("No resolved conflicts")
		return nil
	}

	table := output.TableData{
		Headers: []string{"ID", "COLLECTION", "DOCUMENT", "STRATEGY", "RESOLVED", "UNDO"},
	}
	for _, e := range entries {
		undo := "-"
		switch {
		case e.Undone:
			undo = "undone"
		case e.CanUndo:
			undo = "available"
		}
		table.Rows = append(table.Rows, []string{
			e.ID,
			e.Collection,
			e.DocumentID,
			string(e.Strategy),
			e.ResolvedAt.Local().Format(time.RFC822),
			undo,
		})
	}
	return formatter.Table(table)
}

func newConflictsUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo <entry-id>",
		Short: "Restore the losing version of a resolved conflict",
		Long: `Restore the losing version of a resolved conflict into the local
store and queue it for push, so the restoration replicates like any other
local edit. Each resolution can be undone at most once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsUndo(args[0])
		},
	}
}

func runConflictsUndo(entryID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formatter := newFormatter()

	container, err := application.NewContainer(cfg, application.Options{Verbose: globalFlags.Verbose})
	if err != nil {
		return err
	}
	defer container.Close()

	if err := container.Engine().UndoConflict(context.Background(), entryID); err != nil {
		return fmt.Errorf("could not undo conflict %s: %w", entryID, err)
	}

	formatter.Success("Restored the losing version from conflict %s", entryID)
	formatter.Info("The restoration is queued and will replicate on the next cycle")
	return nil
}
