package events

// Sink is implemented by internal/logger.Logger; declared again here (a
// structurally identical, narrower interface) so this package has no
// import-cycle back to internal/logger.
type Sink interface {
	LogFileLoaded(planPath string, taskCount int)
	LogTaskUpdate(TaskUpdate)
	LogWorkerLog(WorkerLog)
	LogWorkerState(WorkerState)
	LogSchedulerState(SchedulerState)
	LogProgress(Progress)
	LogIssueReported(IssueReported)
	LogIssueUpdate(IssueUpdate)
	LogBlockerAutoPause(BlockerAutoPause)
	LogAPIError(APIError)
}

// Event is the internal tagged-variant sum type the scheduler and worker
// supervisor raise. Dispatch converts it into the one matching call on a
// Sink, the statically typed analogue of a dynamic event-emitter name.
type Event struct {
	FileLoaded       *FileLoaded
	TaskUpdate       *TaskUpdate
	WorkerLog        *WorkerLog
	WorkerState      *WorkerState
	SchedulerState   *SchedulerState
	Progress         *Progress
	IssueReported    *IssueReported
	IssueUpdate      *IssueUpdate
	BlockerAutoPause *BlockerAutoPause
	APIError         *APIError
}

// Dispatch converts ev into exactly one call on sink. Exactly one field of
// ev is expected to be non-nil; callers build Event literals with a single
// field set, e.g. Event{TaskUpdate: &TaskUpdate{...}}.
func Dispatch(sink Sink, ev Event) {
	switch {
	case ev.FileLoaded != nil:
		sink.LogFileLoaded(ev.FileLoaded.PlanPath, ev.FileLoaded.TaskCount)
	case ev.TaskUpdate != nil:
		sink.LogTaskUpdate(*ev.TaskUpdate)
	case ev.WorkerLog != nil:
		sink.LogWorkerLog(*ev.WorkerLog)
	case ev.WorkerState != nil:
		sink.LogWorkerState(*ev.WorkerState)
	case ev.SchedulerState != nil:
		sink.LogSchedulerState(*ev.SchedulerState)
	case ev.Progress != nil:
		sink.LogProgress(*ev.Progress)
	case ev.IssueReported != nil:
		sink.LogIssueReported(*ev.IssueReported)
	case ev.IssueUpdate != nil:
		sink.LogIssueUpdate(*ev.IssueUpdate)
	case ev.BlockerAutoPause != nil:
		sink.LogBlockerAutoPause(*ev.BlockerAutoPause)
	case ev.APIError != nil:
		sink.LogAPIError(*ev.APIError)
	}
}
