package cmd

import (
	"github.com/spf13/cobra"
)

var (
	runPlanPath    string
	runProjectRoot string
	runConfigPath  string
	runStateDir    string
	runCommand     string
)

// NewRunCommand creates the 'run' subcommand: parse a plan, start the
// scheduler, and block until the plan finishes or the process is
// interrupted.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan file from the start",
		Long: `Parses the plan file, builds its dependency graph, and drives worker
agents through it wave by wave until every task succeeds, a deadlock is
detected, or the process is interrupted.`,
		RunE: handleRun,
	}

	cmd.Flags().StringVar(&runPlanPath, "plan", "AUTO-DEV.md", "Path to the plan file")
	cmd.Flags().StringVar(&runProjectRoot, "project-root", ".", "Working directory for spawned agents")
	cmd.Flags().StringVar(&runConfigPath, "config", ".autodev/config.yaml", "Path to the scheduler config file")
	cmd.Flags().StringVar(&runStateDir, "state-dir", "", "Directory for session/log state (default ~/.autodev-scheduler)")
	cmd.Flags().StringVar(&runCommand, "command", "claude", "Agent CLI binary to spawn per worker")

	return cmd
}

func handleRun(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(runFlags{
		planPath:    runPlanPath,
		projectRoot: runProjectRoot,
		configPath:  runConfigPath,
		stateDir:    resolveStateDir(runStateDir),
		command:     runCommand,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	return runUntilDone(cmd, rt)
}
