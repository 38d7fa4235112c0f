package models

import "time"

// SessionVersion is the current on-disk snapshot format version. Loads of a
// different version are discarded by the session store, not migrated.
const SessionVersion = 1

// PauseReason names why the scheduler is paused.
type PauseReason string

const (
	PauseNone     PauseReason = ""
	PauseUser     PauseReason = "user"
	PauseBlocker  PauseReason = "blocker"
	PauseAPIError PauseReason = "apiError"
)

// TaskSnapshot is the persisted runtime slice of a Task -- everything the
// scheduler needs to hydrate a task without re-deriving it from the plan
// file.
type TaskSnapshot struct {
	ID                 string
	Status             Status
	StartTime          *float64
	EndTime            *float64
	Duration           float64
	RetryCount         int
	NextRetryAt        *int64
	APIErrorRetryCount int
	IsAPIErrorRecovery bool
	HasModifiedCode    bool
}

// SnapshotFromTask extracts the persisted runtime slice of t.
func SnapshotFromTask(t *Task) TaskSnapshot {
	return TaskSnapshot{
		ID:                 t.ID,
		Status:             t.Status,
		StartTime:          t.StartTime,
		EndTime:            t.EndTime,
		Duration:           t.Duration,
		RetryCount:         t.RetryCount,
		NextRetryAt:        t.NextRetryAt,
		APIErrorRetryCount: t.APIErrorRetryCount,
		IsAPIErrorRecovery: t.IsAPIErrorRecovery,
		HasModifiedCode:    t.HasModifiedCode,
	}
}

// Session is the versioned, per-plan-file persisted scheduler state.
type Session struct {
	Version                 int
	SavedAt                 time.Time
	PlanPath                string
	ProjectRoot             string
	Paused                  bool
	PauseReason             PauseReason
	AutoRetryEnabled        bool
	BlockerAutoPauseEnabled bool
	Tasks                   map[string]TaskSnapshot
	Issues                  []Issue
}

// NewSession builds an empty, current-version Session for planPath.
func NewSession(planPath, projectRoot string) *Session {
	return &Session{
		Version:     SessionVersion,
		SavedAt:     time.Now(),
		PlanPath:    planPath,
		ProjectRoot: projectRoot,
		Tasks:       make(map[string]TaskSnapshot),
	}
}
