// Package commands implements the CLI commands for the tidal sync daemon.
package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tidal-app/tidal/internal/infrastructure/config"
	"github.com/tidal-app/tidal/internal/presentation/cli/output"
)

// Version information - set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalFlags holds the global CLI flags.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	Verbose    bool
}

var globalFlags GlobalFlags

// NewRootCmd creates the root command for the tidal CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tidal",
		Short: "Tidal - offline-first sync daemon",
		Long: `Tidal keeps on-device documents and a remote backend in sync.

Local mutations queue durably while offline and replicate when
connectivity returns; remote changes are pulled on an interval and
conflicts resolve by per-collection strategy with a full audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file path (default: ~/.tidal/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Output, "output", "o", "text", "output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewRetryCmd())
	rootCmd.AddCommand(NewResyncCmd())
	rootCmd.AddCommand(NewConflictsCmd())

	return rootCmd
}

// newFormatter builds a formatter honoring the global output flag.
func newFormatter() *output.Formatter {
	format := output.FormatText
	if globalFlags.Output == "json" {
		format = output.FormatJSON
	}
	return output.NewFormatter(
		output.WithFormat(format),
		output.WithColor(format != output.FormatJSON),
	)
}

// loadConfig loads configuration from the specified file or the default
// location. TIDAL_API_URL and TIDAL_API_TOKEN come from the environment;
// a .env in the working directory is honored for development setups.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	loader, err := config.NewLoader("")
	if err != nil {
		return nil, fmt.Errorf("could not create config loader: %w", err)
	}

	cfg, err := loader.Load(globalFlags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command with signal-aware shutdown.
func Execute() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- NewRootCmd().Execute()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			newFormatter().Error("%s", err.Error())
			os.Exit(1)
		}
	case sig := <-sigChan:
		newFormatter().Warning("Received signal %v, shutting down...", sig)
		requestShutdown()
		// Give the daemon a moment to unwind before the process exits.
		select {
		case <-errChan:
		case <-sigChan:
		}
		os.Exit(130)
	}
}
