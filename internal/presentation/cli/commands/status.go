package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidal-app/tidal/internal/adapters/storage/sqlite"
	"github.com/tidal-app/tidal/internal/application/health"
	"github.com/tidal-app/tidal/internal/application/ports"
	"github.com/tidal-app/tidal/internal/infrastructure/config"
	"github.com/tidal-app/tidal/internal/presentation/cli/output"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var deadLetter bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync health and queue backlog",
		Long: `Show sync health and queue backlog.

With a running daemon, status reflects the live health snapshot from the
localhost status endpoint. Otherwise it reads queue counts straight from
the sync database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(deadLetter)
		},
	}

	cmd.Flags().BoolVar(&deadLetter, "dead-letter", false, "list dead-letter operations")

	return cmd
}

func runStatus(deadLetter bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formatter := newFormatter()

	if deadLetter {
		return printDeadLetters(cfg, formatter)
	}

	if snap, err := fetchLiveSnapshot(cfg); err == nil {
		return printSnapshot(formatter, snap, true)
	}

	// No daemon. Read queue counts straight from the database.
	counts, err := readQueueCounts(cfg)
	if err != nil {
		return fmt.Errorf("no running daemon and could not read the sync database: %w", err)
	}
	return printSnapshot(formatter, &health.Snapshot{Queue: counts}, false)
}

// fetchLiveSnapshot asks a running daemon for its health snapshot.
func fetchLiveSnapshot(cfg *config.Config) (*health.Snapshot, error) {
	if !cfg.Status.Enabled {
		return nil, fmt.Errorf("status endpoint disabled")
	}
	addr := cfg.Status.Addr
	if addr == "" {
		addr = config.DefaultStatusAddr
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned HTTP %d", resp.StatusCode)
	}

	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func readQueueCounts(cfg *config.Config) (ports.QueueCounts, error) {
	conn, err := sqlite.NewConnection(cfg.Storage.DatabasePath)
	if err != nil {
		return ports.QueueCounts{}, err
	}
	if err := conn.Open(); err != nil {
		return ports.QueueCounts{}, err
	}
	defer conn.Close()

	return sqlite.NewQueueRepository(conn).Counts(context.Background(), "")
}

func printSnapshot(formatter *output.Formatter, snap *health.Snapshot, live bool) error {
	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(snap)
	}

	formatter.Header("Sync Status")
	if live {
		formatter.Item("State", string(snap.State))
		formatter.Item("Online", fmt.Sprintf("%v", snap.Online))
		formatter.Item("Circuit", string(snap.Circuit))
		if snap.LastSyncAt != nil {
			formatter.Item("Last Sync", snap.LastSyncAt.Local().Format(time.RFC1123))
		}
		if snap.LastError != "" {
			formatter.Item("Last Error", fmt.Sprintf("[%s] %s", snap.LastErrorCode, snap.LastError))
		}
	} else {
		formatter.Item("State", "daemon not running")
	}

	formatter.Println("")
	formatter.Header("Queue")
	formatter.Item("Pending", fmt.Sprintf("%d", snap.Queue.Pending))
	formatter.Item("In Progress", fmt.Sprintf("%d", snap.Queue.InProgress))
	formatter.Item("Failed", fmt.Sprintf("%d", snap.Queue.Failed))
	formatter.Item("Dead Letter", fmt.Sprintf("%d", snap.Queue.DeadLetter))

	if len(snap.Collections) > 0 {
		formatter.Println("")
		formatter.Header("Collections")
		for name, ch := range snap.Collections {
			line := "never synced"
			if ch.LastSyncedAt != nil {
				line = ch.LastSyncedAt.Local().Format(time.RFC1123)
			}
			if ch.LastError != "" {
				line += " (error: " + ch.LastError + ")"
			}
			formatter.Item(name, line)
		}
	}
	return nil
}

func printDeadLetters(cfg *config.Config, formatter *output.Formatter) error {
	conn, err := sqlite.NewConnection(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	if err := conn.Open(); err != nil {
		return err
	}
	defer conn.Close()

	ops, err := sqlite.NewQueueRepository(conn).
		ListByStatus(context.Background(), "", ports.OpStatusDeadLetter)
	if err != nil {
		return err
	}

	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(ops)
	}
	if len(ops) == 0 {
		formatter.Success("No dead-letter operations")
		return nil
	}

	table := output.TableData{
		Headers: []string{"ID", "COLLECTION", "DOCUMENT", "OP", "ATTEMPTS", "LAST ERROR"},
	}
	for _, op := range ops {
		table.Rows = append(table.Rows, []string{
			op.ID,
			op.Collection,
			op.DocumentID,
			string(op.Operation),
			fmt.Sprintf("%d", op.Attempts),
			fmt.Sprintf("[%s] %s", op.LastErrorCode, op.LastError),
		})
	}
	if err := formatter.Table(table); err != nil {
		return err
	}
	formatter.Println("")
	formatter.Info("Re-queue one with `tidal retry --id <id>` or everything with `tidal retry`")
	return nil
}
