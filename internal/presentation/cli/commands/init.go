package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tidal-app/tidal/internal/domain/conflict"
	"github.com/tidal-app/tidal/internal/infrastructure/config"
)

// NewInitCmd creates the init command, which writes a starter config file.
func NewInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a configuration file with defaults and an example collection
table to ~/.tidal/config.yaml (or the path given with --config).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")

	return cmd
}

func runInit(force bool) error {
	formatter := newFormatter()

	loader, err := config.NewLoader("")
	if err != nil {
		return err
	}

	path := globalFlags.ConfigFile
	if path == "" {
		path = filepath.Join(loader.Dir(), "config.yaml")
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.NewDefaultConfig()
	cfg.Collections = []config.CollectionConfig{
		{
			Name:             "tasks",
			Direction:        config.DirectionBidirectional,
			ConflictStrategy: conflict.StrategyLastWriteWins,
			Priority:         10,
		},
		{
			Name:             "settings",
			Direction:        config.DirectionBidirectional,
			ConflictStrategy: conflict.StrategyFieldMerge,
		},
	}

	if err := loader.Write(cfg, path); err != nil {
		return err
	}

	formatter.Success("Wrote %s", path)
	formatter.Info("Set TIDAL_API_URL and TIDAL_API_TOKEN, then run `tidal run`")
	return nil
}
