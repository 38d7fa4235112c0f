// Package scheduler owns the task graph and the tick-driven coordinator
// loop described in spec §4.2: a single logical writer mutates task state,
// dispatches workers, retries failures with backoff, cascades failure and
// reset through dependents, and detects deadlock.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/config"
	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/models"
)

// tickPeriod is the scheduler's timer-driven tick interval (spec §4.2).
const tickPeriod = 5 * time.Second

// SessionStore persists and hydrates runtime task state across restarts
// (spec §4.6). Implemented by internal/session.
type SessionStore interface {
	Save(s *models.Session)
	Load(planPath string) (*models.Session, bool)
}

// IssueTracker records deduplicated issues and decides blocker auto-pause
// (spec §4.4/§4.8). Implemented by internal/issues.
type IssueTracker interface {
	OpenBlockerCount() int
}

// CheckboxWriter queues the plan-file checkbox flip for a finished task
// (spec §4.8). Implemented by internal/writeback.
type CheckboxWriter interface {
	UpdateTaskCheckbox(filePath, taskID string, success bool)
}

// SetCheckboxWriter wires the plan-file writeback queue in after
// construction; nil (the default) skips writeback entirely.
func (s *Scheduler) SetCheckboxWriter(w CheckboxWriter) { s.writeback = w }

// RunSummary is a point-in-time outcome report for one Start/stop cycle,
// handed to a RunRecorder when the scheduler reaches a terminal state
// (spec §4.12).
type RunSummary struct {
	PlanPath   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string // "completed", "deadlocked", "stopped"
	Counts     map[string]int
}

// RunRecorder persists a RunSummary for later "status"/"history" reporting.
// Implemented by internal/history; nil (the default) skips recording
// entirely -- the scheduler has no hard dependency on a relational store.
type RunRecorder interface {
	RecordRun(summary RunSummary)
}

// SetRunRecorder wires the run-history store in after construction.
func (s *Scheduler) SetRunRecorder(r RunRecorder) { s.runRecorder = r }

// Scheduler is the single coordinator goroutine for one loaded plan. All
// task/lock mutation happens inside loop(), reached only through the tick
// channel or an RPC-style request channel -- never called directly from
// another goroutine.
type Scheduler struct {
	cfg     *config.Config
	graph   *Graph
	locks   *LockTable
	dispatch *Dispatcher
	log     logger.Logger
	session SessionStore
	issues  IssueTracker
	writeback CheckboxWriter
	runRecorder RunRecorder
	planPath string

	mu               sync.Mutex // guards the fields below for external Status() reads only
	paused           bool
	pauseReason      models.PauseReason
	running          bool
	apiErrorAttempts int
	startedAt        time.Time

	requests chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Scheduler over an already-parsed task set.
func New(cfg *config.Config, planPath string, tasks map[string]*models.Task, supervisor WorkerSupervisor, log logger.Logger, session SessionStore, issues IssueTracker) *Scheduler {
	if log == nil {
		log = logger.NopLogger{}
	}
	s := &Scheduler{
		cfg:      cfg,
		graph:    NewGraph(tasks),
		locks:    NewLockTable(),
		log:      log,
		session:  session,
		issues:   issues,
		planPath: planPath,
		requests: make(chan func(), 16),
		stopCh:   make(chan struct{}),
	}
	s.dispatch = NewDispatcher(supervisor, cfg.MaxParallel)
	return s
}

// Start hydrates session state, begins the tick loop, and runs an initial
// tick immediately (spec §4.2: "on-demand ... after load/start").
func (s *Scheduler) Start(ctx context.Context) {
	s.hydrateFromSession()

	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.log.LogSchedulerState(events.SchedulerState{Running: true})

	s.wg.Add(1)
	go s.loop(ctx)
	s.Nudge()
}

// Stop releases every lock, resets running tasks to ready, requests
// process-tree kills on all in-flight workers, and halts the tick loop.
// Late completions from killed workers are ignored via lock-ownership
// checks in onWorkerDone.
func (s *Scheduler) Stop() {
	s.submitAndWait(func() {
		for _, id := range s.locks.ReleaseAll() {
			if t, ok := s.graph.Task(id); ok && t.Status == models.StatusRunning {
				t.Status = models.StatusReady
			}
		}
		s.dispatch.StopAll()
		s.mu.Lock()
		wasRunning := s.running
		s.running = false
		s.mu.Unlock()
		s.log.LogSchedulerState(events.SchedulerState{Running: false})
		if wasRunning {
			s.recordRun("stopped")
		}
	})
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Pause sets paused=true with the given reason; already-running workers run
// to completion, no new ones are started.
func (s *Scheduler) Pause(reason models.PauseReason) {
	s.submit(func() {
		s.mu.Lock()
		s.paused = true
		s.pauseReason = reason
		s.mu.Unlock()
		s.log.LogSchedulerState(events.SchedulerState{Running: true, Paused: true, PauseReason: string(reason)})
	})
}

// Resume clears the pause flag and schedules a tick, unless an open blocker
// exists and blocker-auto-pause is enabled, in which case the request is
// refused and the scheduler stays paused.
func (s *Scheduler) Resume() {
	s.submit(func() {
		if s.cfg.BlockerAutoPauseEnabled && s.issues != nil && s.issues.OpenBlockerCount() > 0 {
			return // refused: stays paused
		}
		s.mu.Lock()
		s.paused = false
		s.pauseReason = models.PauseNone
		s.mu.Unlock()
		s.log.LogSchedulerState(events.SchedulerState{Running: true, Paused: false})
		s.tick()
	})
}

// Retry resets a failed task and cascade-resets its dependents, then
// schedules a tick (spec §4.2: manual retry).
func (s *Scheduler) Retry(taskID string) {
	s.submit(func() {
		t, ok := s.graph.Task(taskID)
		if !ok || t.Status != models.StatusFailed {
			return
		}
		t.RetryCount = 0
		t.NextRetryAt = nil
		if s.graph.canExecute(t) {
			t.Status = models.StatusReady
		} else {
			t.Status = models.StatusPending
		}
		s.emitTaskUpdate(t, "manual-retry")
		for _, id := range s.graph.cascadeReset(taskID) {
			if dt, ok := s.graph.Task(id); ok {
				s.emitTaskUpdate(dt, "cascade-reset")
			}
		}
		s.tick()
	})
}

// Nudge requests an out-of-band tick, as the spec mandates after any worker
// state change, load, start, resume, or retry.
func (s *Scheduler) Nudge() {
	s.submit(func() { s.tick() })
}

// Status returns a point-in-time snapshot safe to read from another
// goroutine (used by the CLI status surface).
func (s *Scheduler) Status() (running, paused bool, reason models.PauseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.paused, s.pauseReason
}

// loop is the scheduler's single goroutine: a 5s timer plus a request
// queue of closures, both funneled through the same select so every
// mutation is serialized.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTicker(tickPeriod)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.tick()
		case fn := <-s.requests:
			fn()
		}
	}
}

func (s *Scheduler) submit(fn func()) {
	select {
	case s.requests <- fn:
	case <-s.stopCh:
	}
}

// submitAndWait runs fn on the loop goroutine and blocks until it has
// completed, used by Stop so the caller observes the final lock/task state.
func (s *Scheduler) submitAndWait(fn func()) {
	done := make(chan struct{})
	select {
	case s.requests <- func() { fn(); close(done) }:
		<-done
	case <-s.stopCh:
	}
}

// tick executes the six numbered steps of spec §4.2 atomically on the loop
// goroutine.
func (s *Scheduler) tick() {
	s.mu.Lock()
	running := s.running
	paused := s.paused
	s.mu.Unlock()
	if !running {
		return
	}

	// 1. promoteDueRetries
	now := time.Now()
	for _, id := range s.graph.promoteDueRetries(now, s.locks) {
		if t, ok := s.graph.Task(id); ok {
			s.emitTaskUpdate(t, "retry-due")
		}
	}

	// 2. promotePendingToReady
	for _, id := range s.graph.promotePendingToReady() {
		if t, ok := s.graph.Task(id); ok {
			s.emitTaskUpdate(t, "")
		}
	}

	// 3. terminal-success stop condition
	if s.graph.allSuccess() {
		s.stopLocked("completed")
		s.emitProgress()
		return
	}

	// 4. deadlock detection
	if s.locks.Count() == 0 && len(s.graph.findExecutableTasks(s.locks)) == 0 && !s.anyPendingRetry() {
		s.stopLocked("deadlocked")
		s.emitProgress()
		return
	}

	// 5. dispatch if not paused
	if !paused {
		ready := s.graph.findExecutableTasks(s.locks)
		started := s.dispatch.Start(context.Background(), ready, s.locks, s.onWorkerDone)
		for _, id := range started {
			if t, ok := s.graph.Task(id); ok {
				t.Status = models.StatusRunning
				start := float64(time.Now().UnixMilli()) / 1000.0
				t.StartTime = &start
				s.emitTaskUpdate(t, "spawned")
			}
		}
	}

	// 6. progress event
	s.emitProgress()
	s.persist()
}

func (s *Scheduler) anyPendingRetry() bool {
	for _, t := range s.graph.All() {
		if t.Status == models.StatusFailed && t.NextRetryAt != nil {
			return true
		}
	}
	return false
}

func (s *Scheduler) stopLocked(outcome string) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.LogSchedulerState(events.SchedulerState{Running: false})
	s.recordRun(outcome)
}

// recordRun hands a summary of the just-finished run to the configured
// RunRecorder, if any. Best-effort: a nil recorder is a silent no-op.
func (s *Scheduler) recordRun(outcome string) {
	if s.runRecorder == nil {
		return
	}
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	counts := map[string]int{}
	for _, t := range s.graph.All() {
		counts[string(t.Status)]++
	}
	s.runRecorder.RecordRun(RunSummary{
		PlanPath:   s.planPath,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Outcome:    outcome,
		Counts:     counts,
	})
}

// onWorkerDone is the worker-completion callback, invoked from a goroutine
// the supervisor owns; it re-enters the coordinator via the request queue
// so the status transition is serialized with everything else.
func (s *Scheduler) onWorkerDone(result WorkerResult) {
	s.submit(func() {
		defer s.dispatch.Release(result.WorkerID)

		// A stopped scheduler may have already released this lock; ignore
		// the late completion rather than resurrecting a reset task.
		if !s.locks.IsHeldBy(result.TaskID, result.WorkerID) {
			return
		}
		s.locks.Unlock(result.TaskID)

		t, ok := s.graph.Task(result.TaskID)
		if !ok {
			return
		}
		end := float64(time.Now().UnixMilli()) / 1000.0
		t.EndTime = &end
		if t.StartTime != nil {
			t.Duration = end - *t.StartTime
		}
		t.HasModifiedCode = t.HasModifiedCode || result.HasModifiedCode

		s.mu.Lock()
		pausedForAPIError := s.pauseReason == models.PauseAPIError
		s.mu.Unlock()

		switch {
		case result.Success:
			t.RetryCount = 0
			t.APIErrorRetryCount = 0
			t.IsAPIErrorRecovery = false
			t.NextRetryAt = nil
			s.setTaskStatus(t, models.StatusSuccess, "")
			if s.writeback != nil {
				s.writeback.UpdateTaskCheckbox(s.planPath, t.ID, true)
			}
		case result.IsAPIError:
			s.handleAPIError(t, result.Reason)
		case pausedForAPIError:
			// This worker was killed as a side effect of another task's
			// API-error pause (handleAPIError kills every in-flight
			// worker). It did not itself fail -- put it back in the
			// queue without burning a retry.
			if s.graph.canExecute(t) {
				t.Status = models.StatusReady
			} else {
				t.Status = models.StatusPending
			}
			s.emitTaskUpdate(t, "apiError-pause-kill")
		default:
			s.handleFailure(t, result.Reason)
		}
		s.tick()
	})
}

// setTaskStatus records the transition, emits a taskUpdate, and performs
// wave-completion bookkeeping implicitly via the next tick's
// promotePendingToReady/activeWave recomputation.
func (s *Scheduler) setTaskStatus(t *models.Task, status models.Status, reason string) {
	t.Status = status
	s.emitTaskUpdate(t, reason)
}

// handleFailure applies the auto-retry policy: schedule a backed-off retry
// if under the cap, otherwise cascade the failure through dependents.
func (s *Scheduler) handleFailure(t *models.Task, reason string) {
	ar := s.cfg.AutoRetry
	if ar.Enabled && t.RetryCount < ar.MaxRetries {
		t.RetryCount++
		delay := retryDelay(t.RetryCount, ar.BaseDelay, ar.MaxDelay)
		next := time.Now().Add(delay).UnixMilli()
		t.NextRetryAt = &next
		s.setTaskStatus(t, models.StatusFailed, reason)
		return
	}
	s.setTaskStatus(t, models.StatusFailed, reason)
	if s.writeback != nil {
		s.writeback.UpdateTaskCheckbox(s.planPath, t.ID, false)
	}
	for _, id := range s.graph.cascadeFailure(t.ID) {
		if dt, ok := s.graph.Task(id); ok {
			s.emitTaskUpdate(dt, "cascade-failure")
		}
	}
}

// handleAPIError applies the API-error recovery flow (spec §4.9): a global
// attempt cap and a per-task cap, each with their own base/jitter
// parameters distinct from the ordinary auto-retry policy. Unlike an
// ordinary failure, an API error pauses the WHOLE scheduler and kills every
// other in-flight worker -- the upstream outage affects all of them, not
// just this task -- then auto-resumes and redispatches this task with the
// recovery prompt once the backoff elapses.
func (s *Scheduler) handleAPIError(t *models.Task, reason string) {
	ae := s.cfg.APIError
	t.IsAPIErrorRecovery = true
	t.APIErrorRetryCount++

	s.mu.Lock()
	s.apiErrorAttempts++
	globalExhausted := s.apiErrorAttempts > ae.MaxRetries
	s.mu.Unlock()

	if t.APIErrorRetryCount > ae.MaxTaskRetries || globalExhausted {
		s.setTaskStatus(t, models.StatusFailed, "apiError-exhausted")
		for _, id := range s.graph.cascadeFailure(t.ID) {
			if dt, ok := s.graph.Task(id); ok {
				s.emitTaskUpdate(dt, "cascade-failure")
			}
		}
		if globalExhausted {
			s.mu.Lock()
			s.paused = true
			s.pauseReason = models.PauseAPIError
			s.mu.Unlock()
			s.log.LogSchedulerState(events.SchedulerState{Running: true, Paused: true, PauseReason: string(models.PauseAPIError)})
			s.log.LogAPIError(events.APIError{
				TaskID:      t.ID,
				Attempt:     s.apiErrorAttempts,
				MaxAttempts: ae.MaxRetries,
			})
			s.dispatch.StopAll()
		}
		return
	}

	backoff := ae.BaseDelay
	for i := 1; i < t.APIErrorRetryCount; i++ {
		backoff *= 2
		if backoff > ae.MaxDelay {
			backoff = ae.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Float64() * ae.JitterRatio * float64(ae.BaseDelay))
	delay := backoff + jitter
	if delay > ae.MaxDelay {
		delay = ae.MaxDelay
	}
	next := time.Now().Add(delay).UnixMilli()
	t.NextRetryAt = &next
	s.setTaskStatus(t, models.StatusFailed, reason)

	s.mu.Lock()
	s.paused = true
	s.pauseReason = models.PauseAPIError
	s.mu.Unlock()
	s.log.LogSchedulerState(events.SchedulerState{Running: true, Paused: true, PauseReason: string(models.PauseAPIError)})
	s.log.LogAPIError(events.APIError{
		TaskID:        t.ID,
		Attempt:       t.APIErrorRetryCount,
		MaxAttempts:   ae.MaxTaskRetries,
		NextRetryInMs: &next,
	})
	s.dispatch.StopAll()

	time.AfterFunc(delay, func() {
		s.submit(func() {
			s.mu.Lock()
			stillPausedForAPIError := s.pauseReason == models.PauseAPIError
			if stillPausedForAPIError {
				s.paused = false
				s.pauseReason = models.PauseNone
			}
			s.mu.Unlock()
			if stillPausedForAPIError {
				s.log.LogSchedulerState(events.SchedulerState{Running: true, Paused: false})
				s.tick()
			}
		})
	})
}

func (s *Scheduler) emitTaskUpdate(t *models.Task, reason string) {
	s.log.LogTaskUpdate(events.TaskUpdate{
		TaskID:   t.ID,
		Status:   string(t.Status),
		Wave:     t.Wave,
		WorkerID: s.locks.Holder(t.ID),
		Duration: t.Duration,
		Retry:    t.RetryCount,
		Reason:   reason,
	})
}

func (s *Scheduler) emitProgress() {
	p := events.Progress{}
	wave, ok := s.graph.activeWave()
	if ok {
		p.ActiveWave = wave
	}
	for _, t := range s.graph.All() {
		p.Total++
		switch t.Status {
		case models.StatusPending:
			p.Pending++
		case models.StatusReady:
			p.Ready++
		case models.StatusRunning:
			p.Running++
		case models.StatusSuccess:
			p.Success++
		case models.StatusFailed:
			p.Failed++
		case models.StatusCanceled:
			p.Canceled++
		}
	}
	s.log.LogProgress(p)
}

// persist asks the session store to save a point-in-time snapshot. Errors
// are the session store's concern to log -- persistence never interrupts
// scheduling (spec §9: background tasks swallow failures).
func (s *Scheduler) persist() {
	if s.session == nil {
		return
	}
	sess := models.NewSession(s.planPath, "")
	s.mu.Lock()
	sess.Paused = s.paused
	sess.PauseReason = s.pauseReason
	s.mu.Unlock()
	sess.AutoRetryEnabled = s.cfg.AutoRetry.Enabled
	sess.BlockerAutoPauseEnabled = s.cfg.BlockerAutoPauseEnabled
	for id, t := range s.graph.All() {
		sess.Tasks[id] = models.SnapshotFromTask(t)
	}
	s.session.Save(sess)
}

// hydrateFromSession merges persisted runtime state into the freshly
// parsed task graph per spec §4.6's precedence rules: a file-derived
// success always wins; otherwise a non-terminal file status wins over a
// terminal session status; a terminal file status wins over a non-terminal
// session status; failing that, the session's snapshot is adopted.
// Already-due retries are promoted immediately.
func (s *Scheduler) hydrateFromSession() {
	if s.session == nil {
		return
	}
	sess, ok := s.session.Load(s.planPath)
	if !ok {
		return
	}
	for id, snap := range sess.Tasks {
		t, ok := s.graph.Task(id)
		if !ok {
			continue
		}
		fileTerminal := t.IsTerminal()
		sessionTerminal := snap.Status == models.StatusSuccess || snap.Status == models.StatusCanceled ||
			(snap.Status == models.StatusFailed && snap.NextRetryAt == nil)

		switch {
		case t.Status == models.StatusSuccess:
			// file success always wins; nothing to adopt.
		case !fileTerminal && sessionTerminal:
			// file's non-terminal status wins over session terminal.
		case fileTerminal && !sessionTerminal:
			// file terminal wins over session non-terminal.
		default:
			t.Status = snap.Status
			t.RetryCount = snap.RetryCount
			t.NextRetryAt = snap.NextRetryAt
			t.APIErrorRetryCount = snap.APIErrorRetryCount
			t.IsAPIErrorRecovery = snap.IsAPIErrorRecovery
			t.HasModifiedCode = snap.HasModifiedCode
			t.StartTime = snap.StartTime
			t.EndTime = snap.EndTime
			t.Duration = snap.Duration
		}
	}
	s.graph.promoteDueRetries(time.Now(), s.locks)
	s.mu.Lock()
	s.paused = sess.Paused
	s.pauseReason = sess.PauseReason
	s.mu.Unlock()
}
