package cmd

import (
	"fmt"
	"sort"

	"github.com/harrison/auto-dev-scheduler/internal/parser"
	"github.com/spf13/cobra"
)

var validatePlanPath string

// NewValidateCommand creates the 'validate' subcommand: a dry parse that
// reports structural problems without starting any workers.
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a plan file for structural errors without running it",
		Long: `Parses the plan file and reports, without spawning any workers: tasks
that fail field validation and dependencies that reference an unknown
task. It does not check whether every dependency can eventually succeed.`,
		RunE: handleValidate,
	}

	cmd.Flags().StringVar(&validatePlanPath, "plan", "AUTO-DEV.md", "Path to the plan file")

	return cmd
}

func handleValidate(cmd *cobra.Command, args []string) error {
	result, err := parser.ParsePlan(validatePlanPath)
	if err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}
	if len(result.Tasks) == 0 {
		return fmt.Errorf("plan %s has no tasks", validatePlanPath)
	}

	var problems []string
	for id, t := range result.Tasks {
		if err := t.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		for _, dep := range t.Dependencies {
			if _, ok := result.Tasks[dep]; !ok {
				problems = append(problems, fmt.Sprintf("task %s: dependency %s is not defined in the plan", id, dep))
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		for _, p := range problems {
			cmd.PrintErrln("error: " + p)
		}
		return fmt.Errorf("%d problem(s) found", len(problems))
	}

	cmd.Printf("%s: %d tasks, no structural problems found\n", validatePlanPath, len(result.Tasks))
	return nil
}
