// Package events defines the scheduler's consumer-visible message types
// (spec §6) and the dispatcher that fans internal, tagged-variant
// occurrences out to them. Internally the scheduler and worker supervisor
// raise a single Event sum type; Dispatch converts each into the named
// message its corresponding Logger method expects, mirroring an
// event-emitter's dynamic event names in a statically typed form.
package events

import "time"

// TaskUpdate reports a task's structural/runtime field change.
type TaskUpdate struct {
	TaskID   string
	Status   string
	Wave     int
	WorkerID string
	Duration float64
	Retry    int
	Reason   string // optional, e.g. "timeout", "cascade", "manual-retry"
}

// WorkerLog is one line of worker output, already categorized.
type WorkerLog struct {
	WorkerID string
	TaskID   string
	Level    string // "info", "warn", "error", "system"
	Line     string
	At       time.Time
}

// WorkerState reports a worker supervisor lifecycle transition.
type WorkerState struct {
	WorkerID    string
	TaskID      string
	State       string // "spawned", "running", "complete", "killed", "error"
	Reason      string // e.g. "Timeout", "Kill by user", "API error"
	TokenUsage  int
	CurrentTool string
}

// SchedulerState reports a top-level scheduler transition.
type SchedulerState struct {
	Running     bool
	Paused      bool
	PauseReason string
}

// Progress is the periodic tick summary.
type Progress struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Success   int
	Failed    int
	Canceled  int
	ActiveWave int
}

// IssueReported announces a newly created or merged issue.
type IssueReported struct {
	IssueID     string
	Severity    string
	Title       string
	Occurrences int
	ReporterID  string
}

// IssueUpdate announces a status change on an existing issue.
type IssueUpdate struct {
	IssueID string
	Status  string
}

// BlockerAutoPause announces the scheduler auto-pausing on a new blocker.
type BlockerAutoPause struct {
	IssueID     string
	OpenBlockers int
}

// APIError announces an API-error-recovery state change.
type APIError struct {
	TaskID       string
	Attempt      int
	MaxAttempts  int
	NextRetryInMs *int64 // nil when the global cap is reached
}

// FileLoaded announces a plan load/reload completing.
type FileLoaded struct {
	PlanPath  string
	TaskCount int
}
