package cmd

import (
	"context"
	"fmt"

	"github.com/harrison/auto-dev-scheduler/internal/history"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/spf13/cobra"
)

var (
	historyPlanPath string
	historyStateDir string
	historyLimit    int
)

// NewHistoryCommand creates the 'history' subcommand: a read-only listing
// of past runs recorded in the run-history database (spec §4.12).
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs recorded for a plan",
		Long: `Reads the run-history database and prints, newest first, the
outcome and task-status counts of each past "run"/"resume" invocation
for the given plan. Returns cleanly with no rows if the database has
never been written (history recording is best-effort and optional).`,
		RunE: handleHistory,
	}

	cmd.Flags().StringVar(&historyPlanPath, "plan", "AUTO-DEV.md", "Path to the plan file")
	cmd.Flags().StringVar(&historyStateDir, "state-dir", "", "Directory for session/log state (default ~/.autodev-scheduler)")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show (0 = all)")

	return cmd
}

func handleHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(historyDBPath(resolveStateDir(historyStateDir)), logger.NopLogger{})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), historyPlanPath, historyLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		cmd.Printf("no recorded runs for %s\n", historyPlanPath)
		return nil
	}

	for _, r := range runs {
		dur := r.FinishedAt.Sub(r.StartedAt).Round(1e9)
		cmd.Printf("%s  %-12s  dur=%-10s  success=%d failed=%d canceled=%d\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Outcome, dur,
			r.Counts["success"], r.Counts["failed"], r.Counts["canceled"])
	}
	return nil
}
