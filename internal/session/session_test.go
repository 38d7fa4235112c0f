package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	st := New(t.TempDir(), logger.NopLogger{})
	sess := models.NewSession("/plans/AUTO-DEV.md", "/proj")
	sess.Tasks["TASK-A"] = models.TaskSnapshot{ID: "TASK-A", Status: models.StatusSuccess}
	sess.Paused = true
	sess.PauseReason = models.PauseBlocker

	st.Save(sess)

	require.Eventually(t, func() bool {
		_, ok := st.Load("/plans/AUTO-DEV.md")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	loaded, ok := st.Load("/plans/AUTO-DEV.md")
	require.True(t, ok)
	assert.Equal(t, models.StatusSuccess, loaded.Tasks["TASK-A"].Status)
	assert.True(t, loaded.Paused)
	assert.Equal(t, models.PauseBlocker, loaded.PauseReason)
}

func TestSave_DebouncesBurstToMostRecentSnapshot(t *testing.T) {
	st := New(t.TempDir(), logger.NopLogger{})
	for i := 0; i < 10; i++ {
		sess := models.NewSession("/plans/p.md", "")
		sess.Tasks["T"] = models.TaskSnapshot{ID: "T", RetryCount: i}
		st.Save(sess)
	}

	require.Eventually(t, func() bool {
		loaded, ok := st.Load("/plans/p.md")
		return ok && loaded.Tasks["T"].RetryCount == 9
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLoad_NoFileReturnsFalse(t *testing.T) {
	st := New(t.TempDir(), logger.NopLogger{})
	_, ok := st.Load("/never/saved.md")
	assert.False(t, ok)
}

func TestLoad_FallsBackToBackupWhenPrimaryCorrupt(t *testing.T) {
	st := New(t.TempDir(), logger.NopLogger{})
	sess := models.NewSession("/plans/p.md", "")
	sess.Tasks["T"] = models.TaskSnapshot{ID: "T", Status: models.StatusFailed}
	st.Save(sess)

	require.Eventually(t, func() bool {
		_, ok := st.Load("/plans/p.md")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	primary := st.pathFor("/plans/p.md")
	data, err := os.ReadFile(primary)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(primary+".bak", data, 0644))
	require.NoError(t, os.WriteFile(primary, []byte("{not json"), 0644))

	loaded, ok := st.Load("/plans/p.md")
	require.True(t, ok, "a corrupt primary should fall back to the .bak copy")
	assert.Equal(t, models.StatusFailed, loaded.Tasks["T"].Status)
}

func TestLoad_DiscardsMismatchedVersion(t *testing.T) {
	st := New(t.TempDir(), logger.NopLogger{})
	path := st.pathFor("/plans/p.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	stale := struct {
		Version int
	}{Version: models.SessionVersion + 1}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, ok := st.Load("/plans/p.md")
	assert.False(t, ok)
}
