package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates and returns the root cobra command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autodevsched",
		Short: "Dependency-ordered scheduler for concurrent AI coding agent workers",
		Long: `autodevsched reads a Markdown task plan, derives a dependency graph,
and drives concurrent CLI coding-agent workers through it wave by wave --
retrying failures, pausing on API errors and blocking issues, and writing
progress back to the plan file as tasks complete.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
