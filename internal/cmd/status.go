package cmd

import (
	"fmt"
	"sort"

	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/session"
	"github.com/spf13/cobra"
)

var (
	statusPlanPath string
	statusStateDir string
)

// NewStatusCommand creates the 'status' subcommand: a read-only snapshot
// of the persisted session for a plan, with no running scheduler
// involved.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted status of a plan's last run",
		Long: `Reads the session file saved by "run" or "resume" and prints each
task's status, retry count, and pause state. Does not start the
scheduler or touch the plan file.`,
		RunE: handleStatus,
	}

	cmd.Flags().StringVar(&statusPlanPath, "plan", "AUTO-DEV.md", "Path to the plan file")
	cmd.Flags().StringVar(&statusStateDir, "state-dir", "", "Directory for session/log state (default ~/.autodev-scheduler)")

	return cmd
}

func handleStatus(cmd *cobra.Command, args []string) error {
	store := session.New(resolveStateDir(statusStateDir), logger.NopLogger{})
	sess, ok := store.Load(statusPlanPath)
	if !ok {
		cmd.Printf("no session recorded for %s\n", statusPlanPath)
		return nil
	}

	cmd.Printf("plan:   %s\n", sess.PlanPath)
	cmd.Printf("saved:  %s\n", sess.SavedAt.Format("2006-01-02 15:04:05"))
	if sess.Paused {
		cmd.Printf("paused: yes (%s)\n", sess.PauseReason)
	} else {
		cmd.Printf("paused: no\n")
	}
	cmd.Println()

	ids := make([]string, 0, len(sess.Tasks))
	for id := range sess.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	counts := map[string]int{}
	for _, id := range ids {
		t := sess.Tasks[id]
		counts[string(t.Status)]++
		line := fmt.Sprintf("  %-20s %-10s", id, t.Status)
		if t.RetryCount > 0 {
			line += fmt.Sprintf(" retries=%d", t.RetryCount)
		}
		if t.IsAPIErrorRecovery {
			line += fmt.Sprintf(" apiErrorRetries=%d", t.APIErrorRetryCount)
		}
		cmd.Println(line)
	}

	cmd.Println()
	for _, status := range []string{"success", "failed", "running", "ready", "pending", "canceled"} {
		if n := counts[status]; n > 0 {
			cmd.Printf("%s: %d\n", status, n)
		}
	}
	return nil
}
