// Package logger provides the scheduler's ambient, consumer-visible event
// renderer. It is distinct from internal/logstore, which owns the
// per-task append-only log archive described in spec §4.7.
package logger

import (
	"fmt"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/events"
)

// Logger receives every consumer-visible message the scheduler emits
// (spec §6). Implementations must be safe for concurrent use; the
// scheduler's dispatcher is the only caller, but workers append from their
// own goroutine before events are handed to the dispatcher.
type Logger interface {
	LogFileLoaded(planPath string, taskCount int)
	LogTaskUpdate(u events.TaskUpdate)
	LogWorkerLog(l events.WorkerLog)
	LogWorkerState(s events.WorkerState)
	LogSchedulerState(s events.SchedulerState)
	LogProgress(p events.Progress)
	LogIssueReported(i events.IssueReported)
	LogIssueUpdate(u events.IssueUpdate)
	LogBlockerAutoPause(b events.BlockerAutoPause)
	LogAPIError(a events.APIError)
}

// NopLogger discards every event. Used in tests and as a safe zero value.
type NopLogger struct{}

func (NopLogger) LogFileLoaded(string, int)                  {}
func (NopLogger) LogTaskUpdate(events.TaskUpdate)             {}
func (NopLogger) LogWorkerLog(events.WorkerLog)               {}
func (NopLogger) LogWorkerState(events.WorkerState)           {}
func (NopLogger) LogSchedulerState(events.SchedulerState)     {}
func (NopLogger) LogProgress(events.Progress)                 {}
func (NopLogger) LogIssueReported(events.IssueReported)       {}
func (NopLogger) LogIssueUpdate(events.IssueUpdate)           {}
func (NopLogger) LogBlockerAutoPause(events.BlockerAutoPause) {}
func (NopLogger) LogAPIError(events.APIError)                 {}

// MultiLogger fans a single event out to several loggers, e.g. console +
// file, the way a run typically wants both a human-facing stream and a
// durable transcript.
type MultiLogger struct {
	Loggers []Logger
}

func NewMultiLogger(loggers ...Logger) *MultiLogger { return &MultiLogger{Loggers: loggers} }

func (m *MultiLogger) LogFileLoaded(p string, n int) {
	for _, l := range m.Loggers {
		l.LogFileLoaded(p, n)
	}
}
func (m *MultiLogger) LogTaskUpdate(u events.TaskUpdate) {
	for _, l := range m.Loggers {
		l.LogTaskUpdate(u)
	}
}
func (m *MultiLogger) LogWorkerLog(e events.WorkerLog) {
	for _, l := range m.Loggers {
		l.LogWorkerLog(e)
	}
}
func (m *MultiLogger) LogWorkerState(s events.WorkerState) {
	for _, l := range m.Loggers {
		l.LogWorkerState(s)
	}
}
func (m *MultiLogger) LogSchedulerState(s events.SchedulerState) {
	for _, l := range m.Loggers {
		l.LogSchedulerState(s)
	}
}
func (m *MultiLogger) LogProgress(p events.Progress) {
	for _, l := range m.Loggers {
		l.LogProgress(p)
	}
}
func (m *MultiLogger) LogIssueReported(i events.IssueReported) {
	for _, l := range m.Loggers {
		l.LogIssueReported(i)
	}
}
func (m *MultiLogger) LogIssueUpdate(u events.IssueUpdate) {
	for _, l := range m.Loggers {
		l.LogIssueUpdate(u)
	}
}
func (m *MultiLogger) LogBlockerAutoPause(b events.BlockerAutoPause) {
	for _, l := range m.Loggers {
		l.LogBlockerAutoPause(b)
	}
}
func (m *MultiLogger) LogAPIError(a events.APIError) {
	for _, l := range m.Loggers {
		l.LogAPIError(a)
	}
}

// timestamp is the shared "HH:MM:SS" prefix used by both console and file
// renderers.
func timestamp() string { return time.Now().Format("15:04:05") }

func formatDuration(seconds float64) string {
	return fmt.Sprintf("%.1fs", seconds)
}
