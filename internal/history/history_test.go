package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRunThenListRuns_RoundTrips(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(dbPath, logger.NopLogger{})
	require.NoError(t, err)
	defer st.Close()

	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	finished := time.Now().Truncate(time.Second)
	st.RecordRun(scheduler.RunSummary{
		PlanPath:   "/plans/AUTO-DEV.md",
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    "completed",
		Counts:     map[string]int{"success": 3, "failed": 1},
	})

	runs, err := st.ListRuns(context.Background(), "/plans/AUTO-DEV.md", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Outcome)
	assert.Equal(t, 3, runs[0].Counts["success"])
	assert.Equal(t, 1, runs[0].Counts["failed"])
}

func TestListRuns_NewestFirstAndPlanScoped(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(dbPath, logger.NopLogger{})
	require.NoError(t, err)
	defer st.Close()

	base := time.Now().Truncate(time.Second)
	st.RecordRun(scheduler.RunSummary{PlanPath: "/a.md", StartedAt: base, FinishedAt: base, Outcome: "completed", Counts: map[string]int{}})
	st.RecordRun(scheduler.RunSummary{PlanPath: "/a.md", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour), Outcome: "deadlocked", Counts: map[string]int{}})
	st.RecordRun(scheduler.RunSummary{PlanPath: "/b.md", StartedAt: base, FinishedAt: base, Outcome: "stopped", Counts: map[string]int{}})

	runs, err := st.ListRuns(context.Background(), "/a.md", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "deadlocked", runs[0].Outcome, "most recent run first")
	assert.Equal(t, "completed", runs[1].Outcome)
}

func TestListRuns_RespectsLimit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(dbPath, logger.NopLogger{})
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 5; i++ {
		st.RecordRun(scheduler.RunSummary{PlanPath: "/a.md", StartedAt: time.Now(), FinishedAt: time.Now(), Outcome: "completed", Counts: map[string]int{}})
	}

	runs, err := st.ListRuns(context.Background(), "/a.md", 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestListRuns_UnknownPlanReturnsEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(dbPath, logger.NopLogger{})
	require.NoError(t, err)
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), "/never/recorded.md", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
