package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/config"
	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/harrison/auto-dev-scheduler/internal/history"
	"github.com/harrison/auto-dev-scheduler/internal/issues"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/logstore"
	"github.com/harrison/auto-dev-scheduler/internal/models"
	"github.com/harrison/auto-dev-scheduler/internal/parser"
	"github.com/harrison/auto-dev-scheduler/internal/scheduler"
	"github.com/harrison/auto-dev-scheduler/internal/session"
	"github.com/harrison/auto-dev-scheduler/internal/watchdog"
	"github.com/harrison/auto-dev-scheduler/internal/worker"
	"github.com/harrison/auto-dev-scheduler/internal/writeback"
	"github.com/spf13/cobra"
)

// defaultStateDir returns "~/.autodev-scheduler", falling back to
// "./.autodev-scheduler" if the home directory can't be resolved.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autodev-scheduler"
	}
	return filepath.Join(home, ".autodev-scheduler")
}

// runFlags is the flag set shared by run and resume -- both build and
// start the same scheduler, differing only in whether they force-clear
// an existing pause on startup.
type runFlags struct {
	planPath    string
	projectRoot string
	configPath  string
	stateDir    string
	command     string
}

// runtimeHandles bundles the scheduler with the resources buildRuntime
// opened on its behalf, so callers can release them deterministically
// regardless of how the run ends.
type runtimeHandles struct {
	sched   *scheduler.Scheduler
	fileLog *logger.FileLogger
	history *history.Store    // nil if the history database could not be opened
	health  *watchdog.Watchdog // always set; Run is a no-op sweep if nothing is ever registered
}

func (r *runtimeHandles) Close() {
	if r.history != nil {
		r.history.Close()
	}
	r.fileLog.Close()
}

// buildRuntime loads config + plan, constructs every scheduler dependency,
// and wires them together. It does not call Start -- callers decide
// whether to Resume() first.
func buildRuntime(f runFlags) (*runtimeHandles, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	result, err := parser.ParsePlan(f.planPath)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(result.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no tasks", f.planPath)
	}
	for _, t := range result.Tasks {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid plan: %w", err)
		}
	}

	fileLog, err := logger.NewFileLogger(filepath.Join(f.stateDir, "runlogs"))
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	consoleLog := logger.NewConsoleLogger(cfg.Console.CompactMode, cfg.Console.ShowDurations)
	log := logger.NewMultiLogger(consoleLog, fileLog)

	issueTracker := issues.New(log, cfg.BlockerAutoPauseEnabled)
	sessionStore := session.New(f.stateDir, log)
	archiver := logstore.New(filepath.Join(f.stateDir, "logs"))
	wb := writeback.New(func(msg string) {
		log.LogWorkerLog(events.WorkerLog{Level: "warn", Line: msg, At: time.Now()})
	})

	supervisor := worker.NewSupervisor(cfg, log, issueTracker, issueTracker, f.projectRoot, f.planPath, f.command)
	supervisor.SetArchiver(archiver)

	sched := scheduler.New(cfg, f.planPath, result.Tasks, supervisor, log, sessionStore, issueTracker)
	sched.SetCheckboxWriter(wb)
	issueTracker.SetPauser(sched)

	// The out-of-band watchdog (spec §4.5) restarts a worker by killing it
	// the same way a timeout would -- the scheduler's own retry/cascade
	// logic takes it from there via the worker's completion event.
	auditPath, err := config.WatchdogAuditLogPath()
	if err != nil {
		auditPath = ""
	}
	healthMonitor := watchdog.New(cfg.Watchdog, supervisor.Stop, log, auditPath, f.command)
	supervisor.SetHealthMonitor(healthMonitor)

	// The history store is genuinely optional ambient tooling (spec §4.12):
	// a failure to open it is logged and the scheduler runs without one.
	historyStore, err := history.Open(historyDBPath(f.stateDir), log)
	if err != nil {
		log.LogWorkerLog(events.WorkerLog{Level: "warn", Line: "history: " + err.Error(), At: time.Now()})
	} else {
		sched.SetRunRecorder(historyStore)
	}

	log.LogFileLoaded(f.planPath, len(result.Tasks))

	return &runtimeHandles{sched: sched, fileLog: fileLog, history: historyStore, health: healthMonitor}, nil
}

// historyDBPath is the run-history database location (spec §6): a single
// file under the state directory, shared across all plans.
func historyDBPath(stateDir string) string {
	return filepath.Join(stateDir, "history.db")
}

// resolveStateDir fills in the default when unset.
func resolveStateDir(stateDir string) string {
	if stateDir != "" {
		return stateDir
	}
	return defaultStateDir()
}

// runUntilDone starts rt.sched, blocks until it stops on its own (plan
// complete or deadlocked) or the process receives SIGINT/SIGTERM, then
// stops it cleanly. A paused scheduler is still running, so it keeps
// blocking.
func runUntilDone(cmd *cobra.Command, rt *runtimeHandles) error {
	return startAndWait(cmd, rt, false)
}

// startAndWait starts rt.sched and, if clearPauseOnStart is set, resumes it
// once Start's session hydration has applied any persisted pause --
// "resume"'s explicit continue-regardless intent. It then blocks as
// runUntilDone describes.
func startAndWait(cmd *cobra.Command, rt *runtimeHandles, clearPauseOnStart bool) error {
	sched := rt.sched
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go rt.health.Run(ctx)

	sched.Start(ctx)
	if clearPauseOnStart {
		if _, paused, reason := sched.Status(); paused && reason != models.PauseNone {
			sched.Resume()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		pollUntilIdle(ctx, sched)
	}()

	select {
	case <-sigCh:
		cmd.Println("\nreceived interrupt, stopping...")
	case <-done:
	}

	sched.Stop()
	return nil
}

// pollUntilIdle returns once the scheduler has stopped running (success or
// deadlock) or ctx is canceled. A paused scheduler still reports running,
// so polling continues while it is paused.
func pollUntilIdle(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, _, _ := sched.Status()
			if !running {
				return
			}
		}
	}
}
