package logstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ReplacesUnsafeChars(t *testing.T) {
	assert.Equal(t, "TASK_A_1", normalize("TASK/A:1"))
	assert.Equal(t, "task-a.1_b", normalize("task-a.1_b"))
}

func TestNewLogFile_CreatesPerTaskDirectory(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)

	f, err := a.NewLogFile("TASK/A")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("hello\n")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "TASK_A"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, filepath.Ext(entries[0].Name()) == ".log")
}

func TestPrune_KeepsAtLeastOneFileEvenOverCap(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	a.byteCap = 1 // force every file "over cap"

	f, err := a.NewLogFile("T1")
	require.NoError(t, err)
	f.WriteString("only file")
	f.Close()

	a.Prune("T1")
	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(a.taskDir("T1"))
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPrune_RemovesOldestOverCapKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	a.byteCap = 10

	taskDir := a.taskDir("T1")
	require.NoError(t, os.MkdirAll(taskDir, 0755))

	old := filepath.Join(taskDir, "2020-01-01-000000.log")
	require.NoError(t, os.WriteFile(old, []byte("0123456789"), 0644))
	require.NoError(t, os.Chtimes(old, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))

	newer := filepath.Join(taskDir, "2020-01-02-000000.log")
	require.NoError(t, os.WriteFile(newer, []byte("0123456789"), 0644))

	a.Prune("T1")
	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(taskDir)
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	entries, _ := os.ReadDir(taskDir)
	assert.Equal(t, filepath.Base(newer), entries[0].Name(), "the oldest file is pruned first")
}

func TestPrune_NonexistentDirectoryIsNoop(t *testing.T) {
	a := New(t.TempDir())
	assert.NotPanics(t, func() {
		a.Prune("never-created")
		time.Sleep(20 * time.Millisecond)
	})
}
