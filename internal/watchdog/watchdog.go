// Package watchdog implements the out-of-band worker health monitor
// (spec §4.5): a registry of live workers diagnosed on a timer, separate
// from and in addition to each worker's own inline idle/slow-tool ticker
// (internal/worker). Where the inline ticker can only ever see its own
// goroutine's state, this layer probes from outside -- process liveness,
// log-tail error tokens -- so a worker wedged badly enough to stop ticking
// itself still gets diagnosed.
package watchdog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/claude"
	"github.com/harrison/auto-dev-scheduler/internal/config"
	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
)

// Verdict is the watchdog's diagnosis of a registered worker.
type Verdict string

const (
	VerdictRestart Verdict = "restart"
	VerdictWait    Verdict = "wait"
	VerdictNeedAI  Verdict = "need_ai"
)

// errorTokens are scanned case-insensitively against the tail of a
// worker's log file (spec §4.5: "504, timeout, econnreset, etimedout").
var errorTokens = []string{"504", "timeout", "econnreset", "etimedout"}

const logTailBytes = 256 * 1024

// RestartFunc terminates the named worker. The caller-supplied handler is
// typically the same Stop a scheduler dispatch would use.
type RestartFunc func(workerID string)

type registration struct {
	pid          int
	taskID       string
	logPath      string
	lastActivity time.Time
	// toolDeadline is the wall-clock deadline of the worker's currently
	// tracked slow tool call, reported by the supervisor (spec §4.5's
	// "per-tool-call aging vs. per-category timeout"). Zero means no
	// slow tool is currently active.
	toolDeadline time.Time
}

// auditRecord is one line of the append-only JSON-lines decision log
// (spec §4.5: "all decisions are written to an append-only JSON-lines
// operation log for audit").
type auditRecord struct {
	At       time.Time `json:"at"`
	WorkerID string    `json:"workerId"`
	TaskID   string    `json:"taskId"`
	Verdict  Verdict   `json:"verdict"`
	Action   string    `json:"action"`
	Reason   string    `json:"reason"`
}

// Watchdog polls registered workers on CheckInterval, diagnoses each with
// the always-on rule-based layer, and optionally escalates ambiguous
// verdicts to an AI-assisted layer before invoking restart.
type Watchdog struct {
	cfg       config.WatchdogConfig
	restart   RestartFunc
	log       logger.Logger
	auditPath string

	// aiCommand is the external CLI used for AI-assisted escalation
	// (spec §4.5's "isolated agent process"). Empty disables the layer
	// outright regardless of cfg.AIAssistEnabled -- the rule-based layer
	// never requires it.
	aiCommand  string
	aiTimeout  time.Duration

	mu      sync.Mutex
	workers map[string]*registration
}

// New builds a Watchdog. auditPath may be empty to skip audit logging
// (used in tests); aiCommand may be empty to force every need_ai verdict
// to degrade to a logged no-op, per spec's "implementers may omit the AI
// layer; they must not omit rule diagnosis".
func New(cfg config.WatchdogConfig, restart RestartFunc, log logger.Logger, auditPath, aiCommand string) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		restart:   restart,
		log:       log,
		auditPath: auditPath,
		aiCommand: aiCommand,
		aiTimeout: 30 * time.Second,
		workers:   make(map[string]*registration),
	}
}

// Register starts tracking a newly spawned worker.
func (w *Watchdog) Register(workerID string, pid int, taskID, logPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workers[workerID] = &registration{pid: pid, taskID: taskID, logPath: logPath, lastActivity: time.Now()}
}

// Touch records activity on a registered worker, resetting its idle clock.
func (w *Watchdog) Touch(workerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.workers[workerID]; ok {
		r.lastActivity = time.Now()
	}
}

// ReportToolDeadline records the deadline of the worker's currently tracked
// slow tool call, independent of Touch, so the rule-based layer can diagnose
// a worker wedged on a single tool call even if it keeps emitting other
// activity.
func (w *Watchdog) ReportToolDeadline(workerID string, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.workers[workerID]; ok {
		r.toolDeadline = deadline
	}
}

// Unregister stops tracking a worker, typically on completion.
func (w *Watchdog) Unregister(workerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.workers, workerID)
}

// Run polls every registered worker on cfg.CheckInterval until ctx is
// canceled. It does not block the scheduler tick -- callers run it in its
// own goroutine.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	w.mu.Lock()
	snapshot := make(map[string]registration, len(w.workers))
	for id, r := range w.workers {
		snapshot[id] = *r
	}
	w.mu.Unlock()

	for workerID, r := range snapshot {
		w.diagnoseOne(ctx, workerID, r)
	}
}

func (w *Watchdog) diagnoseOne(ctx context.Context, workerID string, r registration) {
	verdict, reason := w.ruleBasedVerdict(r)

	if verdict == VerdictNeedAI && w.cfg.AIAssistEnabled && w.aiCommand != "" {
		aiVerdict, aiReason := w.aiAssistedVerdict(ctx, workerID, r)
		verdict, reason = aiVerdict, aiReason
	}

	action := "none"
	switch verdict {
	case VerdictRestart:
		action = "restart"
		w.logLine(workerID, r.taskID, "warn", "watchdog: restarting -- "+reason)
		if w.restart != nil {
			w.restart(workerID)
		}
	case VerdictWait:
		w.logLine(workerID, r.taskID, "info", "watchdog: waiting -- "+reason)
	case VerdictNeedAI:
		w.logLine(workerID, r.taskID, "warn", "watchdog: ambiguous, no AI layer configured -- "+reason)
	}

	w.appendAudit(auditRecord{At: time.Now(), WorkerID: workerID, TaskID: r.taskID, Verdict: verdict, Action: action, Reason: reason})
}

// ruleBasedVerdict is the always-on layer (spec §4.5): process-liveness
// probe, log-tail error-token scan, per-tool-call aging against its
// category timeout, whole-worker activity aging. Never returns an error --
// an inconclusive signal degrades to need_ai.
func (w *Watchdog) ruleBasedVerdict(r registration) (Verdict, string) {
	if r.pid > 0 && !processAlive(r.pid) {
		return VerdictRestart, "process no longer alive"
	}

	if token, ok := scanLogTailForErrors(r.logPath); ok {
		return VerdictRestart, "error token in log tail: " + token
	}

	if !r.toolDeadline.IsZero() {
		overrun := time.Since(r.toolDeadline)
		switch {
		case overrun > 3*time.Minute:
			return VerdictRestart, "tool call far past its per-category timeout"
		case overrun > 0:
			return VerdictNeedAI, "tool call past its per-category timeout, ambiguous"
		}
	}

	idle := time.Since(r.lastActivity)
	timeout := w.cfg.ActivityTimeout
	if timeout <= 0 {
		return VerdictWait, "no activity timeout configured"
	}
	switch {
	case idle > 3*timeout:
		return VerdictRestart, "idle far past activity timeout"
	case idle > timeout:
		return VerdictNeedAI, "idle past activity timeout, ambiguous"
	default:
		return VerdictWait, "activity within bounds"
	}
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func scanLogTailForErrors(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false
	}
	start := int64(0)
	if info.Size() > logTailBytes {
		start = info.Size() - logTailBytes
	}
	if _, err := f.Seek(start, 0); err != nil {
		return "", false
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lower := strings.ToLower(scanner.Text())
		for _, tok := range errorTokens {
			if strings.Contains(lower, tok) {
				return tok, true
			}
		}
	}
	return "", false
}

// aiJudgePrompt is what gets marshaled to the isolated agent's stdin
// (spec §4.5's structured prompt).
type aiJudgePrompt struct {
	WorkerID string `json:"workerId"`
	PID      int    `json:"pid"`
	IdleFor  string `json:"idleFor"`
	LogTail  string `json:"logTail"`
}

type aiJudgeResponse struct {
	Action Verdict `json:"action"`
	Reason string  `json:"reason"`
}

// aiAssistedVerdict spawns a short-lived, isolated agent process and
// demands a single JSON verdict (spec §4.5). Parse failures and timeouts
// degrade to need_ai rather than ever silently picking restart.
func (w *Watchdog) aiAssistedVerdict(ctx context.Context, workerID string, r registration) (Verdict, string) {
	tctx, cancel := context.WithTimeout(ctx, w.aiTimeout)
	defer cancel()

	prompt := aiJudgePrompt{
		WorkerID: workerID,
		PID:      r.pid,
		IdleFor:  time.Since(r.lastActivity).String(),
		LogTail:  tailString(r.logPath, 4096),
	}
	payload, err := json.Marshal(prompt)
	if err != nil {
		return VerdictNeedAI, "failed to build AI judge prompt: " + err.Error()
	}

	cmd := exec.CommandContext(tctx, w.aiCommand, "--output-format", "json", "--print")
	claude.SetCleanEnv(cmd)
	cmd.Stdin = strings.NewReader(string(payload) + "\n")
	out, err := cmd.Output()
	if err != nil {
		return VerdictNeedAI, "AI judge process failed: " + err.Error()
	}

	var resp aiJudgeResponse
	if err := json.Unmarshal(firstLine(out), &resp); err != nil {
		return VerdictNeedAI, "AI judge response did not parse"
	}
	switch resp.Action {
	case VerdictRestart, VerdictWait, VerdictNeedAI:
		return resp.Action, "AI judge: " + resp.Reason
	default:
		return VerdictNeedAI, "AI judge returned unknown action"
	}
}

func firstLine(b []byte) []byte {
	if i := strings.IndexByte(string(b), '\n'); i >= 0 {
		return b[:i]
	}
	return b
}

func tailString(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > n {
		data = data[len(data)-n:]
	}
	return string(data)
}

func (w *Watchdog) appendAudit(rec auditRecord) {
	if w.auditPath == "" {
		return
	}
	f, err := os.OpenFile(w.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}

func (w *Watchdog) logLine(workerID, taskID, level, line string) {
	w.log.LogWorkerLog(events.WorkerLog{WorkerID: workerID, TaskID: taskID, Level: level, Line: line, At: time.Now()})
}
