package writeback

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempPlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "AUTO-DEV.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestUpdateTaskCheckbox_FlipsToChecked(t *testing.T) {
	path := writeTempPlan(t, "### TASK-A\n- [ ]\n**依赖**: none\n")
	var warnings []string
	q := New(func(msg string) { warnings = append(warnings, msg) })

	q.UpdateTaskCheckbox(path, "TASK-A", true)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(path)
		return string(data) == "### TASK-A\n- [x]\n**依赖**: none\n"
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, warnings)
}

func TestUpdateTaskCheckbox_FailureLeavesUnchecked(t *testing.T) {
	path := writeTempPlan(t, "### TASK-A\n- [x]\n")
	q := New(nil)

	q.UpdateTaskCheckbox(path, "TASK-A", false)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(path)
		return string(data) == "### TASK-A\n- [ ]\n"
	}, time.Second, 10*time.Millisecond)
}

func TestUpdateTaskCheckbox_IdempotentNoopLeavesFileUntouched(t *testing.T) {
	path := writeTempPlan(t, "### TASK-A\n- [x]\n")
	before, err := os.Stat(path)
	require.NoError(t, err)

	q := New(nil)
	q.UpdateTaskCheckbox(path, "TASK-A", true)

	time.Sleep(50 * time.Millisecond)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "already-correct state should not trigger a rewrite")
}

func TestUpdateTaskCheckbox_MissingHeadingWarnsAndSkips(t *testing.T) {
	path := writeTempPlan(t, "### TASK-B\n- [ ]\n")
	var warnings []string
	q := New(func(msg string) { warnings = append(warnings, msg) })

	q.UpdateTaskCheckbox(path, "TASK-A", true)

	require.Eventually(t, func() bool { return len(warnings) == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, warnings[0], "TASK-A")

	data, _ := os.ReadFile(path)
	assert.Equal(t, "### TASK-B\n- [ ]\n", string(data))
}

func TestUpdateTaskCheckbox_SerializesWritesToSameFile(t *testing.T) {
	path := writeTempPlan(t, "### TASK-A\n- [ ]\n### TASK-B\n- [ ]\n")
	q := New(nil)

	for i := 0; i < 20; i++ {
		q.UpdateTaskCheckbox(path, "TASK-A", i%2 == 0)
		q.UpdateTaskCheckbox(path, "TASK-B", i%2 == 0)
	}

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(path)
		return string(data) == "### TASK-A\n- [ ]\n### TASK-B\n- [ ]\n"
	}, time.Second, 10*time.Millisecond, "final state should reflect the last write for each task with no corruption")
}
