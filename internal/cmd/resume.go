package cmd

import (
	"github.com/spf13/cobra"
)

var (
	resumePlanPath    string
	resumeProjectRoot string
	resumeConfigPath  string
	resumeStateDir    string
	resumeCommand     string
)

// NewResumeCommand creates the 'resume' subcommand: re-parse the plan,
// hydrate from the persisted session, clear any pause, and continue.
func NewResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a previously started plan from its persisted session",
		Long: `Re-parses the plan file, hydrates runtime state from the session saved
by a prior "run" or "resume", and continues dispatching workers. If the
session is paused for a reason other than an unresolved blocker, the pause
is cleared before continuing.`,
		RunE: handleResume,
	}

	cmd.Flags().StringVar(&resumePlanPath, "plan", "AUTO-DEV.md", "Path to the plan file")
	cmd.Flags().StringVar(&resumeProjectRoot, "project-root", ".", "Working directory for spawned agents")
	cmd.Flags().StringVar(&resumeConfigPath, "config", ".autodev/config.yaml", "Path to the scheduler config file")
	cmd.Flags().StringVar(&resumeStateDir, "state-dir", "", "Directory for session/log state (default ~/.autodev-scheduler)")
	cmd.Flags().StringVar(&resumeCommand, "command", "claude", "Agent CLI binary to spawn per worker")

	return cmd
}

func handleResume(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(runFlags{
		planPath:    resumePlanPath,
		projectRoot: resumeProjectRoot,
		configPath:  resumeConfigPath,
		stateDir:    resolveStateDir(resumeStateDir),
		command:     resumeCommand,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	return startAndWait(cmd, rt, true)
}
