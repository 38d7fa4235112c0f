package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/claude"
	"github.com/harrison/auto-dev-scheduler/internal/config"
	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/logstore"
	"github.com/harrison/auto-dev-scheduler/internal/models"
	"github.com/harrison/auto-dev-scheduler/internal/scheduler"
)

// WorkerResult is the scheduler's completion report, aliased here so
// Supervisor.Spawn matches scheduler.WorkerSupervisor.
type WorkerResult = scheduler.WorkerResult

// IssueReporter receives issue markers parsed out of a worker's stdout
// (spec §4.3.3). Implemented by internal/issues.
type IssueReporter interface {
	Report(issue models.Issue)
}

// IssuesDigest supplies the open-issues markdown appended to an
// integration task's startup prompt (spec §4.3.4, §4.4).
type IssuesDigest interface {
	RenderDigest() string
}

// HealthMonitor is the supervisor's view of the out-of-band watchdog
// (spec §4.5). Implemented by internal/watchdog; optional -- a nil
// monitor just means no out-of-band registration happens, leaving each
// worker's own inline ticker (§4.3.6) as the only health check.
type HealthMonitor interface {
	Register(workerID string, pid int, taskID, logPath string)
	Touch(workerID string)
	Unregister(workerID string)
	// ReportToolDeadline tells the out-of-band watchdog the wall-clock
	// deadline of the currently tracked slow tool call, so it can diagnose
	// a worker wedged on one tool call independently of Touch (spec §4.5's
	// "per-tool-call aging vs. per-category timeout"). A zero deadline
	// means no slow tool is currently active.
	ReportToolDeadline(workerID string, deadline time.Time)
}

// writeClassTools are substring-matched against a tool_use's name to decide
// whether a worker "modified code" (spec §4.9: used to gate whether the
// API-error recovery prompt asks the next attempt to inspect partial edits).
var writeClassTools = []string{"write", "edit", "str_replace", "notebookedit", "bash"}

// apiErrorMarkers are substrings of tool_result/assistant text that indicate
// a rate-limit or overload response from the upstream provider (spec §4.9).
var apiErrorMarkers = []string{
	"rate limit", "rate_limit", "429", "overloaded", "529",
	"quota exceeded", "too many requests", "capacity",
}

var issueMarkerPrefix = "AUTO_DEV_ISSUE:"

var bgTaskIDPattern = regexp.MustCompile(`[A-Za-z0-9_-]{6,}`)

// Supervisor spawns and tracks the child processes running the external
// agent CLI, implementing scheduler.WorkerSupervisor.
type Supervisor struct {
	cfg         *config.Config
	log         logger.Logger
	issues      IssueReporter
	digest      IssuesDigest
	projectRoot string
	planPath    string
	command     string // binary name, e.g. "claude"
	archiver    *logstore.Archiver
	health      HealthMonitor

	mu      sync.Mutex
	workers map[string]*runningWorker
}

// SetArchiver wires in the transcript archiver (spec §4.7). Optional --
// a nil archiver just skips file logging.
func (s *Supervisor) SetArchiver(a *logstore.Archiver) { s.archiver = a }

// SetHealthMonitor wires in the out-of-band watchdog (spec §4.5). Optional.
func (s *Supervisor) SetHealthMonitor(h HealthMonitor) { s.health = h }

type runningWorker struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd
	killed bool
}

// NewSupervisor builds a Supervisor. command is the external agent CLI
// binary to exec (e.g. "claude"); projectRoot is the repo root persona
// prompts and git commands run against.
func NewSupervisor(cfg *config.Config, log logger.Logger, issues IssueReporter, digest IssuesDigest, projectRoot, planPath, command string) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		log:         log,
		issues:      issues,
		digest:      digest,
		projectRoot: projectRoot,
		planPath:    planPath,
		command:     command,
		workers:     make(map[string]*runningWorker),
	}
}

// Spawn starts a worker for task under workerID (spec §4.3.1). The caller
// must already hold the task's lock.
func (s *Supervisor) Spawn(ctx context.Context, task *models.Task, workerID string, onDone func(result WorkerResult)) {
	wctx, cancel := context.WithCancel(ctx)

	var prompt string
	if task.IsAPIErrorRecovery && task.HasModifiedCode {
		prompt = buildAPIErrorRecoveryPrompt(s.projectRoot, s.planPath, task)
	} else {
		digest := ""
		if models.IsIntegration(task.ID) && s.digest != nil {
			digest = s.digest.RenderDigest()
		}
		prompt = buildStartupPrompt(s.projectRoot, s.planPath, task, digest)
	}

	cmd := exec.CommandContext(wctx, s.command, "--output-format", "stream-json", "--input-format", "stream-json", "--verbose")
	cmd.Dir = s.projectRoot
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	claude.SetCleanEnv(cmd)

	rw := &runningWorker{cancel: cancel, cmd: cmd}
	s.mu.Lock()
	s.workers[workerID] = rw
	s.mu.Unlock()

	w := &workerRun{
		sup:      s,
		task:     task,
		workerID: workerID,
		cfg:      s.cfg,
		log:      s.log,
		onDone:   onDone,
		cancel:   cancel,
	}
	if s.archiver != nil {
		if f, err := s.archiver.NewLogFile(task.ID); err == nil {
			w.logFile = f
		}
	}

	go w.run(wctx, cmd, prompt)
}

// Stop requests termination of the worker assigned to workerID.
func (s *Supervisor) Stop(workerID string) {
	s.mu.Lock()
	rw, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.killProcessTree(rw)
}

func (s *Supervisor) release(workerID string) {
	s.mu.Lock()
	delete(s.workers, workerID)
	s.mu.Unlock()
}

// killProcessTree sends SIGTERM to the process group so child subprocesses
// (npm, go build, ...) die with the worker, then cancels the context as a
// backstop. Idempotent.
func (s *Supervisor) killProcessTree(rw *runningWorker) {
	s.mu.Lock()
	if rw.killed {
		s.mu.Unlock()
		return
	}
	rw.killed = true
	s.mu.Unlock()

	if rw.cmd.Process != nil {
		_ = syscall.Kill(-rw.cmd.Process.Pid, syscall.SIGTERM)
	}
	rw.cancel()
}

// workerRun holds the per-spawn mutable state: last activity time, current
// slow tool, background task ids awaited, whether any write-class tool ran.
type workerRun struct {
	sup      *Supervisor
	task     *models.Task
	workerID string
	cfg      *config.Config
	log      logger.Logger
	onDone   func(WorkerResult)
	cancel   context.CancelFunc
	logFile  interface {
		Write([]byte) (int, error)
		Close() error
		Name() string
	}

	mu              sync.Mutex
	lastActivity    time.Time
	slowTool        category
	slowToolSince   time.Time
	slowToolActive  bool
	hasModifiedCode bool
	isAPIError      bool
	pendingBGTasks  map[string]bool // background task id -> pending, once extracted from a launcher's own result
	toolUseNames    map[string]string // tool_use id -> name, for matching its tool_result
	bgLaunchers     map[string]bool // tool_use id -> awaiting its own result, set on a codex/gemini run_in_background call

	done     bool
	exitCode string // "success", "failed", "killed", "timeout", "apiError"
}

func (w *workerRun) run(ctx context.Context, cmd *exec.Cmd, startupPrompt string) {
	w.pendingBGTasks = make(map[string]bool)
	w.toolUseNames = make(map[string]string)
	w.bgLaunchers = make(map[string]bool)
	w.lastActivity = time.Now()

	result := WorkerResult{WorkerID: w.workerID, TaskID: w.task.ID}
	defer func() {
		w.sup.release(w.workerID)
		w.onDone(result)
	}()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		result.Success = false
		result.Reason = "spawn: " + err.Error()
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		result.Success = false
		result.Reason = "spawn: " + err.Error()
		return
	}

	if err := cmd.Start(); err != nil {
		result.Success = false
		result.Reason = "spawn: " + err.Error()
		return
	}

	if w.sup.health != nil {
		logPath := ""
		if w.logFile != nil {
			logPath = w.logFile.Name()
		}
		w.sup.health.Register(w.workerID, cmd.Process.Pid, w.task.ID, logPath)
		defer w.sup.health.Unregister(w.workerID)
	}

	w.log.LogWorkerState(events.WorkerState{WorkerID: w.workerID, TaskID: w.task.ID, State: "spawned"})

	go w.watchdog(ctx)

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		w.readStream(stdout)
	}()

	if err := w.writeUserMessage(stdin, startupPrompt); err != nil {
		w.log.LogWorkerLog(events.WorkerLog{WorkerID: w.workerID, TaskID: w.task.ID, Level: "error", Line: "startup write failed: " + err.Error(), At: time.Now()})
	}

	<-streamDone
	_ = cmd.Wait()

	if w.logFile != nil {
		w.logFile.Close()
		if w.sup.archiver != nil {
			w.sup.archiver.Prune(w.task.ID)
		}
	}

	w.mu.Lock()
	exitCode := w.exitCode
	hasModifiedCode := w.hasModifiedCode
	isAPIError := w.isAPIError
	w.mu.Unlock()

	result.HasModifiedCode = hasModifiedCode
	result.IsAPIError = isAPIError
	switch exitCode {
	case "success":
		result.Success = true
	case "":
		result.Success = false
		result.Reason = "stream closed unexpectedly"
	default:
		result.Success = false
		result.Reason = exitCode
	}

	w.log.LogWorkerState(events.WorkerState{WorkerID: w.workerID, TaskID: w.task.ID, State: "complete", Reason: result.Reason})
}

func (w *workerRun) writeUserMessage(stdin interface{ Write([]byte) (int, error) }, text string) error {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = stdin.Write(append(line, '\n'))
	return err
}

// readStream consumes the child's line-delimited JSON stdout (spec §4.3.2).
func (w *workerRun) readStream(stdout interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		w.touchActivity()
		if w.logFile != nil {
			w.logFile.Write(append([]byte(line), '\n'))
		}
		w.handleLine(line)
		w.mu.Lock()
		done := w.done
		w.mu.Unlock()
		if done {
			break
		}
	}
}

func (w *workerRun) touchActivity() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
	if w.sup.health != nil {
		w.sup.health.Touch(w.workerID)
	}
}

func (w *workerRun) handleLine(line string) {
	var f frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		w.log.LogWorkerLog(events.WorkerLog{WorkerID: w.workerID, TaskID: w.task.ID, Level: "info", Line: line, At: time.Now()})
		return
	}

	switch f.Type {
	case "system":
		w.log.LogWorkerLog(events.WorkerLog{WorkerID: w.workerID, TaskID: w.task.ID, Level: "system", Line: line, At: time.Now()})
	case "assistant":
		var m assistantMessage
		if err := json.Unmarshal(f.Message, &m); err == nil {
			w.handleContent(m.Content, true)
		}
	case "user":
		var m userMessage
		if err := json.Unmarshal(f.Message, &m); err == nil {
			w.handleContent(m.Content, false)
		}
	case "result":
		w.finish(f.Subtype == "success")
	}
}

func (w *workerRun) handleContent(blocks []contentBlock, fromAssistant bool) {
	for _, b := range blocks {
		switch b.Type {
		case "text":
			w.scanTextForIssues(b.Text)
			level := "info"
			if !fromAssistant {
				level = "user"
			}
			w.log.LogWorkerLog(events.WorkerLog{WorkerID: w.workerID, TaskID: w.task.ID, Level: level, Line: b.Text, At: time.Now()})
		case "tool_use":
			w.onToolUse(b)
		case "tool_result":
			w.onToolResult(b)
		}
	}
}

func (w *workerRun) onToolUse(b contentBlock) {
	argText := string(b.Input)
	cat := classify(b.Name, argText)

	w.mu.Lock()
	w.toolUseNames[b.ID] = b.Name
	now := time.Now()
	timeout := w.cfg.Watchdog.SlowToolTimeouts.ForCategory(string(cat))
	newDeadline := now.Add(timeout)
	currentDeadline := w.slowToolSince.Add(w.cfg.Watchdog.SlowToolTimeouts.ForCategory(string(w.slowTool)))
	// the tracked slow tool is always the category with the longest
	// outstanding deadline -- a later, shorter-timeout call must never
	// shrink the window (spec §4.3.2).
	if !w.slowToolActive || newDeadline.After(currentDeadline) {
		w.slowTool = cat
		w.slowToolSince = now
		w.slowToolActive = true
	}
	for _, wc := range writeClassTools {
		if strings.Contains(strings.ToLower(b.Name), wc) {
			w.hasModifiedCode = true
			break
		}
	}
	if (cat == categoryCodex || cat == categoryGemini) && isBackgroundLauncher(argText) {
		w.bgLaunchers[b.ID] = true
	}
	w.mu.Unlock()
}

func (w *workerRun) onToolResult(b contentBlock) {
	text := toolResultText(b.Content)
	lowerText := strings.ToLower(text)

	isAPIErr := false
	for _, marker := range apiErrorMarkers {
		if strings.Contains(lowerText, marker) {
			isAPIErr = true
			break
		}
	}

	w.mu.Lock()
	if isAPIErr {
		w.isAPIError = true
	}
	name := w.toolUseNames[b.ToolUseID]
	switch {
	case w.bgLaunchers[b.ToolUseID]:
		// this is the background launcher's own result, not the task's
		// eventual output -- register the pending task id but leave the
		// slow-tool state alone (spec §4.3.2).
		delete(w.bgLaunchers, b.ToolUseID)
		if id, ok := extractBackgroundTaskID(text); ok {
			w.pendingBGTasks[id] = true
		}
	case strings.EqualFold(name, "TaskOutput"):
		for id := range w.pendingBGTasks {
			if hasTerminalStatus(text, id) {
				delete(w.pendingBGTasks, id)
			}
		}
		if len(w.pendingBGTasks) == 0 {
			w.slowToolActive = false
		}
	default:
		if len(w.pendingBGTasks) == 0 {
			w.slowToolActive = false
		}
	}
	w.mu.Unlock()

	w.scanTextForIssues(text)
}

// scanTextForIssues looks for the AUTO_DEV_ISSUE: marker (spec §4.3.3):
// a line starting with the literal prefix, followed by the first balanced
// {...} JSON object on that line, tolerating trailing text after it.
func (w *workerRun) scanTextForIssues(text string) {
	if w.sup.issues == nil {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, issueMarkerPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, issueMarkerPrefix))
		obj, ok := firstBalancedObject(payload)
		if !ok {
			continue
		}
		var raw struct {
			Title      string   `json:"title"`
			Severity   string   `json:"severity"`
			Files      []string `json:"files"`
			Signature  string   `json:"signature"`
			Details    string   `json:"details"`
			OwnerTaskID string  `json:"ownerTaskId"`
		}
		if err := json.Unmarshal([]byte(obj), &raw); err != nil {
			continue
		}
		if raw.Title == "" || raw.Severity == "" {
			continue
		}
		sev := models.Severity(strings.ToLower(raw.Severity))
		switch sev {
		case models.SeverityWarning, models.SeverityError, models.SeverityBlocker:
		default:
			continue
		}
		w.sup.issues.Report(models.Issue{
			ReporterTaskID:   w.task.ID,
			ReporterWorkerID: w.workerID,
			OwnerTaskID:      raw.OwnerTaskID,
			Severity:         sev,
			Title:            raw.Title,
			Details:          raw.Details,
			Files:            raw.Files,
			Signature:        raw.Signature,
			Status:           models.IssueOpen,
			Occurrences:      1,
		})
	}
}

// firstBalancedObject extracts the first brace-balanced {...} substring,
// ignoring braces inside double-quoted strings.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func (w *workerRun) finish(success bool) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	if success {
		w.exitCode = "success"
	} else if w.isAPIError {
		w.exitCode = "apiError"
	} else {
		w.exitCode = "failed"
	}
	w.mu.Unlock()

	if success {
		// self-terminate on a successful result frame (spec §4.3.7).
		w.sup.Stop(w.workerID)
	}
}

// watchdog polls slow-tool/idle/total-time limits (spec §4.3.6) and kills
// the worker if one is exceeded.
func (w *workerRun) watchdog(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		done := w.done
		slowActive := w.slowToolActive
		slowCat := w.slowTool
		slowSince := w.slowToolSince
		lastActivity := w.lastActivity
		bgPending := len(w.pendingBGTasks) > 0
		w.mu.Unlock()
		if done {
			return
		}

		now := time.Now()
		if slowActive {
			timeout := w.cfg.Watchdog.SlowToolTimeouts.ForCategory(string(slowCat))
			if w.sup.health != nil {
				w.sup.health.ReportToolDeadline(w.workerID, slowSince.Add(timeout))
			}
			if timeout > 0 && now.Sub(slowSince) > timeout {
				w.killForTimeout("slow tool timeout: " + string(slowCat))
				return
			}
		} else {
			if w.sup.health != nil {
				w.sup.health.ReportToolDeadline(w.workerID, time.Time{})
			}
			if w.cfg.Watchdog.ActivityTimeout > 0 && now.Sub(lastActivity) > w.cfg.Watchdog.ActivityTimeout {
				w.killForTimeout("idle timeout")
				return
			}
		}

		if !bgPending {
			hardCap := 4 * time.Hour
			if now.Sub(start) > hardCap {
				w.killForTimeout("hard total-time cap exceeded")
				return
			}
		}
	}
}

func (w *workerRun) killForTimeout(reason string) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.exitCode = "timeout: " + reason
	w.mu.Unlock()
	w.sup.Stop(w.workerID)
}
