package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/mattn/go-isatty"
)

// colorScheme gives each message category a consistent color. Colors are
// disabled by NewConsoleLogger, which sets color.NoColor when stdout is not
// a terminal.
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	value   *color.Color
}

func newColorScheme() *colorScheme {
	return &colorScheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		value:   color.New(color.FgWhite),
	}
}

// ConsoleLogger renders events as colorized, human-facing lines to an
// io.Writer (os.Stdout by default). It implements Logger.
type ConsoleLogger struct {
	out           io.Writer
	scheme        *colorScheme
	compact       bool
	showDurations bool
	mu            sync.Mutex
}

// NewConsoleLogger builds a ConsoleLogger writing to os.Stdout. Color is
// auto-disabled when stdout is not a terminal.
func NewConsoleLogger(compact, showDurations bool) *ConsoleLogger {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
	return &ConsoleLogger{
		out:           os.Stdout,
		scheme:        newColorScheme(),
		compact:       compact,
		showDurations: showDurations,
	}
}

func (c *ConsoleLogger) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] %s\n", timestamp(), s)
}

func (c *ConsoleLogger) LogFileLoaded(planPath string, taskCount int) {
	c.println(c.scheme.label.Sprintf("loaded %s (%d tasks)", planPath, taskCount))
}

func (c *ConsoleLogger) LogTaskUpdate(u events.TaskUpdate) {
	statusColor := c.scheme.value
	switch u.Status {
	case "success":
		statusColor = c.scheme.success
	case "failed", "canceled":
		statusColor = c.scheme.fail
	case "running":
		statusColor = c.scheme.warn
	}
	msg := fmt.Sprintf("%s %s", c.scheme.label.Sprint(u.TaskID), statusColor.Sprint(u.Status))
	if u.Reason != "" {
		msg += fmt.Sprintf(" (%s)", u.Reason)
	}
	if c.showDurations && u.Duration > 0 {
		msg += " " + formatDuration(u.Duration)
	}
	c.println(msg)
}

func (c *ConsoleLogger) LogWorkerLog(l events.WorkerLog) {
	if c.compact && l.Level == "info" {
		return
	}
	prefix := c.scheme.label.Sprintf("[worker %s/%s]", l.WorkerID, l.TaskID)
	line := l.Line
	if l.Level == "error" {
		line = c.scheme.fail.Sprint(line)
	} else if l.Level == "warn" {
		line = c.scheme.warn.Sprint(line)
	}
	c.println(fmt.Sprintf("%s %s", prefix, line))
}

func (c *ConsoleLogger) LogWorkerState(s events.WorkerState) {
	msg := fmt.Sprintf("%s %s -> %s", c.scheme.label.Sprint(s.WorkerID), s.TaskID, s.State)
	if s.Reason != "" {
		msg += fmt.Sprintf(" (%s)", s.Reason)
	}
	c.println(msg)
}

func (c *ConsoleLogger) LogSchedulerState(s events.SchedulerState) {
	state := "running"
	if s.Paused {
		state = "paused:" + s.PauseReason
	} else if !s.Running {
		state = "stopped"
	}
	c.println(c.scheme.label.Sprintf("scheduler %s", state))
}

func (c *ConsoleLogger) LogProgress(p events.Progress) {
	if c.compact {
		return
	}
	c.println(fmt.Sprintf("progress: %d/%d success, %d running, %d failed (wave %d)",
		p.Success, p.Total, p.Running, p.Failed, p.ActiveWave))
}

func (c *ConsoleLogger) LogIssueReported(i events.IssueReported) {
	sevColor := c.scheme.warn
	if i.Severity == "blocker" {
		sevColor = c.scheme.fail
	}
	c.println(fmt.Sprintf("issue %s [%s] %s (x%d)", i.IssueID, sevColor.Sprint(i.Severity), i.Title, i.Occurrences))
}

func (c *ConsoleLogger) LogIssueUpdate(u events.IssueUpdate) {
	c.println(fmt.Sprintf("issue %s -> %s", u.IssueID, u.Status))
}

func (c *ConsoleLogger) LogBlockerAutoPause(b events.BlockerAutoPause) {
	c.println(c.scheme.fail.Sprintf("auto-paused on blocker %s (%d open)", b.IssueID, b.OpenBlockers))
}

func (c *ConsoleLogger) LogAPIError(a events.APIError) {
	if a.NextRetryInMs == nil {
		c.println(c.scheme.fail.Sprintf("API error on %s: retries exhausted (%d/%d), awaiting user action", a.TaskID, a.Attempt, a.MaxAttempts))
		return
	}
	c.println(c.scheme.warn.Sprintf("API error on %s: retry %d/%d in %dms", a.TaskID, a.Attempt, a.MaxAttempts, *a.NextRetryInMs))
}
