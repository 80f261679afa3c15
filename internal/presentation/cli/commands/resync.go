package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidal-app/tidal/internal/infrastructure/trigger"
)

// NewResyncCmd creates the resync command.
func NewResyncCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resync [collection]",
		Short: "Force a full resync of a collection",
		Long: `Clear a collection's checkpoint and pull it from scratch.

Pull application is idempotent, so a full resync repairs a corrupted or
stale checkpoint without duplicating documents. The request goes through
the control directory to a running daemon.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := ""
			if len(args) > 0 {
				collection = args[0]
			}
			return runResync(collection, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "resync every configured collection")

	return cmd
}

func runResync(collection string, all bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formatter := newFormatter()

	switch {
	case all && collection != "":
		return fmt.Errorf("give either a collection or --all, not both")
	case all:
		for _, cc := range cfg.CollectionTable() {
			if err := trigger.Write(cfg.Storage.ControlDir, trigger.KindResync, cc.Name); err != nil {
				return err
			}
		}
		formatter.Success("Resync requested for %d collections", len(cfg.Collections))
		return nil
	case collection == "":
		return fmt.Errorf("collection name required (or --all)")
	}

	if _, ok := cfg.Collection(collection); !ok {
		return fmt.Errorf("collection %q is not configured", collection)
	}
	if err := trigger.Write(cfg.Storage.ControlDir, trigger.KindResync, collection); err != nil {
		return err
	}
	formatter.Success("Resync requested for %q; a running daemon will pick it up", collection)
	return nil
}
