package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/events"
)

// FileLogger appends a plain-text transcript of every event to a single
// timestamped run file and maintains a "latest.log" symlink to it. This is
// the ambient run transcript (one file per process run); the per-task
// append-only archive with rotation lives in internal/logstore.
type FileLogger struct {
	mu      sync.Mutex
	file    *os.File
	runPath string
}

// NewFileLogger creates "<logDir>/run-YYYYMMDD-HHMMSS.log" and refreshes
// "<logDir>/latest.log" to point at it.
func NewFileLogger(logDir string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	runPath := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(runPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create run log file: %w", err)
	}

	symlink := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlink); err == nil {
		os.Remove(symlink)
	}
	os.Symlink(filepath.Base(runPath), symlink) // best-effort; not fatal on platforms without symlink support

	fl := &FileLogger{file: f, runPath: runPath}
	fl.writeLine(fmt.Sprintf("=== run started %s ===", time.Now().Format(time.RFC3339)))
	return fl, nil
}

func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return nil
	}
	fl.file.Sync()
	err := fl.file.Close()
	fl.file = nil
	return err
}

func (fl *FileLogger) writeLine(line string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return
	}
	fmt.Fprintf(fl.file, "[%s] %s\n", timestamp(), line)
	fl.file.Sync()
}

func (fl *FileLogger) LogFileLoaded(planPath string, taskCount int) {
	fl.writeLine(fmt.Sprintf("loaded %s (%d tasks)", planPath, taskCount))
}

func (fl *FileLogger) LogTaskUpdate(u events.TaskUpdate) {
	fl.writeLine(fmt.Sprintf("task %s -> %s (wave %d, retry %d) %s", u.TaskID, u.Status, u.Wave, u.Retry, u.Reason))
}

func (fl *FileLogger) LogWorkerLog(l events.WorkerLog) {
	fl.writeLine(fmt.Sprintf("[%s/%s] %s: %s", l.WorkerID, l.TaskID, l.Level, l.Line))
}

func (fl *FileLogger) LogWorkerState(s events.WorkerState) {
	fl.writeLine(fmt.Sprintf("worker %s task %s: %s %s", s.WorkerID, s.TaskID, s.State, s.Reason))
}

func (fl *FileLogger) LogSchedulerState(s events.SchedulerState) {
	fl.writeLine(fmt.Sprintf("scheduler running=%v paused=%v reason=%s", s.Running, s.Paused, s.PauseReason))
}

func (fl *FileLogger) LogProgress(p events.Progress) {
	fl.writeLine(fmt.Sprintf("progress total=%d success=%d running=%d failed=%d wave=%d",
		p.Total, p.Success, p.Running, p.Failed, p.ActiveWave))
}

func (fl *FileLogger) LogIssueReported(i events.IssueReported) {
	fl.writeLine(fmt.Sprintf("issue %s [%s] %s occurrences=%d", i.IssueID, i.Severity, i.Title, i.Occurrences))
}

func (fl *FileLogger) LogIssueUpdate(u events.IssueUpdate) {
	fl.writeLine(fmt.Sprintf("issue %s -> %s", u.IssueID, u.Status))
}

func (fl *FileLogger) LogBlockerAutoPause(b events.BlockerAutoPause) {
	fl.writeLine(fmt.Sprintf("blocker auto-pause issue=%s open=%d", b.IssueID, b.OpenBlockers))
}

func (fl *FileLogger) LogAPIError(a events.APIError) {
	fl.writeLine(fmt.Sprintf("api error task=%s attempt=%d/%d", a.TaskID, a.Attempt, a.MaxAttempts))
}
