package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestPlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "AUTO-DEV.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateCommand_ValidPlanReportsNoProblems(t *testing.T) {
	path := writeTestPlan(t, `# Plan

Wave 1: TASK-A

### TASK-A: First task
- [ ]
**依赖**: none

### TASK-B: Second task
- [ ]
**依赖**: TASK-A
`)

	cmd := NewValidateCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--plan", path})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "no structural problems found")
}

func TestValidateCommand_UnknownDependencyReportsProblem(t *testing.T) {
	path := writeTestPlan(t, `### TASK-A: First task
- [ ]
**依赖**: TASK-GHOST
`)

	cmd := NewValidateCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--plan", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), "TASK-GHOST is not defined in the plan")
}

func TestValidateCommand_EmptyPlanIsAnError(t *testing.T) {
	path := writeTestPlan(t, "# Plan\n\nNo tasks here.\n")

	cmd := NewValidateCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--plan", path})

	err := cmd.Execute()
	assert.Error(t, err)
}

func TestValidateCommand_MissingFileIsAnError(t *testing.T) {
	cmd := NewValidateCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--plan", filepath.Join(t.TempDir(), "nonexistent.md")})

	// A missing plan file parses to zero tasks rather than an I/O error
	// (spec §4.1), so this still surfaces as the "no tasks" failure.
	err := cmd.Execute()
	assert.Error(t, err)
}
