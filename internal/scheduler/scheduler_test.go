package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/config"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor lets a test drive worker completion manually instead of
// spawning a real process. Spawn records the onDone callback per workerID;
// the test calls finish(workerID, result) to simulate a worker exiting.
type fakeSupervisor struct {
	mu       sync.Mutex
	spawned  []string
	taskOf   map[string]string // workerID -> taskID, set at Spawn time
	onDone   map[string]func(WorkerResult)
	stopped  []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		onDone: make(map[string]func(WorkerResult)),
		taskOf: make(map[string]string),
	}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, task *models.Task, workerID string, onDone func(result WorkerResult)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, workerID)
	f.taskOf[workerID] = task.ID
	f.onDone[workerID] = onDone
}

func (f *fakeSupervisor) Stop(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, workerID)
}

func (f *fakeSupervisor) finish(t *testing.T, workerID string, result WorkerResult) {
	t.Helper()
	f.mu.Lock()
	done, ok := f.onDone[workerID]
	f.mu.Unlock()
	require.True(t, ok, "no worker spawned under id %s", workerID)
	result.WorkerID = workerID
	done(result)
}

func (f *fakeSupervisor) lastWorkerID(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.spawned)
	return f.spawned[len(f.spawned)-1]
}

// workerForTask returns the most recently spawned workerID assigned to
// taskID, as observed through Spawn -- never by reaching into the
// scheduler's own dispatch bookkeeping.
func (f *fakeSupervisor) workerForTask(t *testing.T, taskID string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.spawned) - 1; i >= 0; i-- {
		wid := f.spawned[i]
		if f.taskOf[wid] == taskID {
			return wid
		}
	}
	require.Fail(t, "no worker spawned for task", taskID)
	return ""
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []RunSummary
}

func (f *fakeRecorder) RecordRun(s RunSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, s)
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxParallel = 4
	cfg.AutoRetry.Enabled = true
	cfg.AutoRetry.MaxRetries = 2
	cfg.AutoRetry.BaseDelay = time.Millisecond
	cfg.AutoRetry.MaxDelay = 5 * time.Millisecond
	cfg.APIError.MaxRetries = 2
	cfg.APIError.MaxTaskRetries = 2
	cfg.APIError.BaseDelay = 5 * time.Millisecond
	cfg.APIError.MaxDelay = 10 * time.Millisecond
	cfg.APIError.JitterRatio = 0
	cfg.BlockerAutoPauseEnabled = true
	return cfg
}

func singleTaskGraph(id string) map[string]*models.Task {
	t := models.NewTask(id, "do the thing")
	t.Wave = 1
	t.Status = models.StatusReady
	return map[string]*models.Task{id: t}
}

func newTestScheduler(tasks map[string]*models.Task) (*Scheduler, *fakeSupervisor) {
	sup := newFakeSupervisor()
	sched := New(testConfig(), "/plans/p.md", tasks, sup, logger.NopLogger{}, nil, nil)
	return sched, sup
}

func TestStart_DispatchesReadyTaskAndStopsOnSuccess(t *testing.T) {
	sched, sup := newTestScheduler(singleTaskGraph("TASK-A"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.spawned) == 1
	}, time.Second, time.Millisecond)

	wid := sup.lastWorkerID(t)
	sup.finish(t, wid, WorkerResult{TaskID: "TASK-A", Success: true})

	require.Eventually(t, func() bool {
		running, _, _ := sched.Status()
		return !running
	}, time.Second, time.Millisecond)

	task, _ := sched.graph.Task("TASK-A")
	assert.Equal(t, models.StatusSuccess, task.Status)
}

func TestOnWorkerDone_FailureRetriesThenCascades(t *testing.T) {
	tasks := singleTaskGraph("TASK-A")
	dependent := models.NewTask("TASK-B", "depends on A")
	dependent.Wave = 2
	dependent.Dependencies = []string{"TASK-A"}
	tasks["TASK-B"] = dependent
	sched, sup := newTestScheduler(tasks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	// Auto-retry redispatch only happens via the periodic tick's
	// promoteDueRetries once the backoff elapses (no AfterFunc of its own,
	// unlike the API-error path) -- nudge repeatedly so the 1ms backoff in
	// testConfig is observed promptly instead of waiting for the 5s timer.
	waitForSpawnCount := func(n int) {
		require.Eventually(t, func() bool {
			sched.Nudge()
			sup.mu.Lock()
			defer sup.mu.Unlock()
			return len(sup.spawned) >= n
		}, 2*time.Second, 2*time.Millisecond)
	}

	waitForSpawnCount(1)
	sup.finish(t, sup.workerForTask(t, "TASK-A"), WorkerResult{TaskID: "TASK-A", Success: false, Reason: "boom"})
	require.Eventually(t, func() bool {
		task, _ := sched.graph.Task("TASK-A")
		return task.Status == models.StatusFailed && task.RetryCount == 1
	}, time.Second, time.Millisecond)

	waitForSpawnCount(2)
	sup.finish(t, sup.workerForTask(t, "TASK-A"), WorkerResult{TaskID: "TASK-A", Success: false, Reason: "boom"})
	require.Eventually(t, func() bool {
		task, _ := sched.graph.Task("TASK-A")
		return task.Status == models.StatusFailed && task.RetryCount == 2
	}, time.Second, time.Millisecond)

	waitForSpawnCount(3)
	sup.finish(t, sup.workerForTask(t, "TASK-A"), WorkerResult{TaskID: "TASK-A", Success: false, Reason: "boom"})

	// MaxRetries=2 exhausted -- the third failure is terminal, no further
	// retry scheduled.
	require.Eventually(t, func() bool {
		task, _ := sched.graph.Task("TASK-A")
		return task.Status == models.StatusFailed && task.NextRetryAt == nil
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		task, _ := sched.graph.Task("TASK-B")
		return task.Status == models.StatusFailed
	}, time.Second, time.Millisecond, "the terminal failure cascades to the dependent task")
	time.Sleep(20 * time.Millisecond)
	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Len(t, sup.spawned, 3, "no fourth spawn once the retry cap is exhausted")
}

func TestOnWorkerDone_SuccessClearsRetryState(t *testing.T) {
	tasks := singleTaskGraph("TASK-A")
	tasks["TASK-A"].RetryCount = 1
	tasks["TASK-A"].APIErrorRetryCount = 1
	tasks["TASK-A"].IsAPIErrorRecovery = true
	sched, sup := newTestScheduler(tasks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.spawned) == 1
	}, time.Second, time.Millisecond)
	sup.finish(t, sup.lastWorkerID(t), WorkerResult{TaskID: "TASK-A", Success: true})

	require.Eventually(t, func() bool {
		task, _ := sched.graph.Task("TASK-A")
		return task.Status == models.StatusSuccess
	}, time.Second, time.Millisecond)

	task, _ := sched.graph.Task("TASK-A")
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 0, task.APIErrorRetryCount)
	assert.False(t, task.IsAPIErrorRecovery)
	assert.Nil(t, task.NextRetryAt)
}

func TestHandleAPIError_PausesSchedulerAndKillsOtherWorkers(t *testing.T) {
	tasks := map[string]*models.Task{}
	for _, id := range []string{"TASK-A", "TASK-B"} {
		tk := models.NewTask(id, "task")
		tk.Wave = 1
		tk.Status = models.StatusReady
		tasks[id] = tk
	}
	sched, sup := newTestScheduler(tasks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.spawned) == 2
	}, time.Second, time.Millisecond)

	workerForA := sup.workerForTask(t, "TASK-A")
	sup.finish(t, workerForA, WorkerResult{TaskID: "TASK-A", Success: false, IsAPIError: true, Reason: "rate limit"})

	require.Eventually(t, func() bool {
		_, paused, reason := sched.Status()
		return paused && reason == models.PauseAPIError
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.stopped) >= 1
	}, time.Second, time.Millisecond, "the other in-flight worker should be stopped as a side effect")
}

func TestHandleAPIError_SideEffectKillDoesNotBurnARetry(t *testing.T) {
	tasks := map[string]*models.Task{}
	for _, id := range []string{"TASK-A", "TASK-B"} {
		tk := models.NewTask(id, "task")
		tk.Wave = 1
		tk.Status = models.StatusReady
		tasks[id] = tk
	}
	sched, sup := newTestScheduler(tasks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.spawned) == 2
	}, time.Second, time.Millisecond)

	workerForA := sup.workerForTask(t, "TASK-A")
	workerForB := sup.workerForTask(t, "TASK-B")

	sup.finish(t, workerForA, WorkerResult{TaskID: "TASK-A", Success: false, IsAPIError: true, Reason: "rate limit"})
	require.Eventually(t, func() bool {
		_, paused, _ := sched.Status()
		return paused
	}, time.Second, time.Millisecond)

	// TASK-B's worker is killed as a side effect (StopAll), simulated here
	// as an ordinary failed/non-apiError completion arriving after the pause.
	sup.finish(t, workerForB, WorkerResult{TaskID: "TASK-B", Success: false, Reason: "killed"})

	require.Eventually(t, func() bool {
		task, _ := sched.graph.Task("TASK-B")
		return task.Status == models.StatusReady || task.Status == models.StatusPending
	}, time.Second, time.Millisecond)

	task, _ := sched.graph.Task("TASK-B")
	assert.Equal(t, 0, task.RetryCount, "a pause-induced kill must not consume a retry")
}

func TestRecordRun_CalledOnSuccessWithPlanPathAndOutcome(t *testing.T) {
	tasks := singleTaskGraph("TASK-A")
	sup := newFakeSupervisor()
	rec := &fakeRecorder{}
	sched := New(testConfig(), "/plans/p.md", tasks, sup, logger.NopLogger{}, nil, nil)
	sched.SetRunRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.spawned) == 1
	}, time.Second, time.Millisecond)
	sup.finish(t, sup.lastWorkerID(t), WorkerResult{TaskID: "TASK-A", Success: true})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "/plans/p.md", rec.records[0].PlanPath)
	assert.Equal(t, "completed", rec.records[0].Outcome)
	assert.Equal(t, 1, rec.records[0].Counts["success"])
}

func TestRetry_ResetsFailedTaskToReady(t *testing.T) {
	tasks := singleTaskGraph("TASK-A")
	tasks["TASK-A"].Status = models.StatusFailed
	tasks["TASK-A"].RetryCount = 3
	sched, _ := newTestScheduler(tasks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	sched.Retry("TASK-A")

	require.Eventually(t, func() bool {
		task, _ := sched.graph.Task("TASK-A")
		return task.Status == models.StatusReady && task.RetryCount == 0
	}, time.Second, time.Millisecond)
}
