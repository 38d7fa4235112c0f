package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/models"
	"github.com/harrison/auto-dev-scheduler/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand_NoSessionPrintsMessage(t *testing.T) {
	cmd := NewStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--plan", "AUTO-DEV.md", "--state-dir", t.TempDir()})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "no session recorded")
}

func TestStatusCommand_PrintsPersistedTaskCountsAndPause(t *testing.T) {
	stateDir := t.TempDir()
	store := session.New(stateDir, logger.NopLogger{})

	sess := models.NewSession("AUTO-DEV.md", "/proj")
	sess.Paused = true
	sess.PauseReason = models.PauseBlocker
	sess.Tasks["TASK-A"] = models.TaskSnapshot{ID: "TASK-A", Status: models.StatusSuccess}
	sess.Tasks["TASK-B"] = models.TaskSnapshot{ID: "TASK-B", Status: models.StatusFailed, RetryCount: 2}
	store.Save(sess)

	require.Eventually(t, func() bool {
		_, ok := store.Load("AUTO-DEV.md")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	cmd := NewStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--plan", "AUTO-DEV.md", "--state-dir", stateDir})

	require.NoError(t, cmd.Execute())
	output := out.String()
	assert.Contains(t, output, "paused: yes (blocker)")
	assert.Contains(t, output, "TASK-A")
	assert.Contains(t, output, "TASK-B")
	assert.Contains(t, output, "retries=2")
	assert.Contains(t, output, "success: 1")
	assert.Contains(t, output, "failed: 1")
}
