// Package issues implements the deduplicated defect tracker workers report
// into via an AUTO_DEV_ISSUE: marker line (spec §4.3.3, §4.4): content-
// addressed dedup, severity widening, reopen semantics, and the
// open-issues digest injected into integration task prompts.
package issues

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/models"
)

// Pauser lets the tracker auto-pause the scheduler when a new blocker
// appears. Satisfied by *scheduler.Scheduler.
type Pauser interface {
	Pause(reason models.PauseReason)
}

// Tracker is the single in-memory issue store for one run. Safe for
// concurrent use: workers report from their own goroutines.
type Tracker struct {
	mu     sync.Mutex
	byID   map[string]*models.Issue
	log    logger.Logger
	pauser Pauser
	// autoPause mirrors config.BlockerAutoPauseEnabled; a tracker with it
	// false still dedups and serves the digest, it just never calls Pause.
	autoPause bool
}

func New(log logger.Logger, autoPause bool) *Tracker {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Tracker{byID: make(map[string]*models.Issue), log: log, autoPause: autoPause}
}

// SetPauser wires the scheduler in after both have been constructed,
// avoiding a constructor cycle between Scheduler and Tracker.
func (tr *Tracker) SetPauser(p Pauser) {
	tr.mu.Lock()
	tr.pauser = p
	tr.mu.Unlock()
}

// dedupKey computes an issue's content-addressed id (spec §4.4): the
// caller-supplied signature when present, otherwise title plus sorted
// unique file list.
func dedupKey(title, signature string, files []string) string {
	var h [20]byte
	if signature != "" {
		h = sha1.Sum([]byte("sig:" + signature))
	} else {
		uniq := make(map[string]bool, len(files))
		sorted := make([]string, 0, len(files))
		for _, f := range files {
			if !uniq[f] {
				uniq[f] = true
				sorted = append(sorted, f)
			}
		}
		sort.Strings(sorted)
		h = sha1.Sum([]byte("titleFiles:" + title + strings.Join(sorted, "|")))
	}
	return hex.EncodeToString(h[:])[:12]
}

// unionSorted merges two file lists, deduplicating and sorting the result
// (spec §4.4: "merging a duplicate ... unions file lists").
func unionSorted(a, b []string) []string {
	uniq := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, f := range append(append([]string{}, a...), b...) {
		if !uniq[f] {
			uniq[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Report is the models.Issue ingress point used by the worker subsystem as
// its IssueReporter. It dedups, widens severity, and reopens a
// fixed-then-reoccurring issue, but leaves an ignored issue ignored.
func (tr *Tracker) Report(issue models.Issue) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	id := dedupKey(issue.Title, issue.Signature, issue.Files)
	now := time.Now()

	existing, found := tr.byID[id]
	if !found {
		issue.ID = id
		issue.CreatedAt = now
		issue.Status = models.IssueOpen
		issue.Occurrences = 1
		tr.byID[id] = &issue
		tr.log.LogIssueReported(events.IssueReported{
			IssueID: id, Severity: string(issue.Severity), Title: issue.Title,
			Occurrences: 1, ReporterID: issue.ReporterWorkerID,
		})
		if issue.Severity == models.SeverityBlocker {
			tr.triggerBlockerPause(id)
		}
		return
	}

	existing.Occurrences++
	existing.Severity = existing.Severity.Max(issue.Severity)
	existing.Files = unionSorted(existing.Files, issue.Files)
	if existing.Details == "" {
		existing.Details = issue.Details
	}
	if existing.Signature == "" {
		existing.Signature = issue.Signature
	}
	if existing.OwnerTaskID == "" {
		existing.OwnerTaskID = issue.OwnerTaskID
	}
	switch existing.Status {
	case models.IssueFixed:
		existing.Status = models.IssueOpen
	case models.IssueIgnored:
		// stays ignored -- an operator dismissed it deliberately.
	}
	tr.log.LogIssueReported(events.IssueReported{
		IssueID: id, Severity: string(existing.Severity), Title: existing.Title,
		Occurrences: existing.Occurrences, ReporterID: issue.ReporterWorkerID,
	})
	if existing.Status == models.IssueOpen && existing.Severity == models.SeverityBlocker {
		tr.triggerBlockerPause(id)
	}
}

func (tr *Tracker) triggerBlockerPause(issueID string) {
	if !tr.autoPause || tr.pauser == nil {
		return
	}
	tr.pauser.Pause(models.PauseBlocker)
	tr.log.LogBlockerAutoPause(events.BlockerAutoPause{
		IssueID: issueID, OpenBlockers: tr.openBlockerCountLocked(),
	})
}

// UpdateStatus transitions an issue's lifecycle (e.g. operator marking it
// fixed or ignored from the status surface).
func (tr *Tracker) UpdateStatus(id string, status models.IssueStatus) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	issue, ok := tr.byID[id]
	if !ok {
		return
	}
	issue.Status = status
	tr.log.LogIssueUpdate(events.IssueUpdate{IssueID: id, Status: string(status)})
}

// GetAll returns every issue sorted blocker < error < warning, then by
// creation time.
func (tr *Tracker) GetAll() []models.Issue {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sortedLocked(func(models.Issue) bool { return true })
}

// GetOpen returns open issues only, same ordering as GetAll.
func (tr *Tracker) GetOpen() []models.Issue {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sortedLocked(func(i models.Issue) bool { return i.Status == models.IssueOpen })
}

// GetOpenBlockers returns open blocker-severity issues only.
func (tr *Tracker) GetOpenBlockers() []models.Issue {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sortedLocked(func(i models.Issue) bool {
		return i.Status == models.IssueOpen && i.Severity == models.SeverityBlocker
	})
}

// OpenBlockerCount satisfies scheduler.IssueTracker.
func (tr *Tracker) OpenBlockerCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.openBlockerCountLocked()
}

func (tr *Tracker) openBlockerCountLocked() int {
	n := 0
	for _, i := range tr.byID {
		if i.Status == models.IssueOpen && i.Severity == models.SeverityBlocker {
			n++
		}
	}
	return n
}

func (tr *Tracker) sortedLocked(keep func(models.Issue) bool) []models.Issue {
	out := make([]models.Issue, 0, len(tr.byID))
	for _, i := range tr.byID {
		if keep(*i) {
			out = append(out, *i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Severity.Rank() != out[b].Severity.Rank() {
			return out[a].Severity.Rank() > out[b].Severity.Rank()
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Clear removes every tracked issue, used between runs of the same plan.
func (tr *Tracker) Clear() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.byID = make(map[string]*models.Issue)
}

// WriteToFile dumps a human-readable issue report, overwriting path.
func (tr *Tracker) WriteToFile(path string) error {
	all := tr.GetAll()
	var b strings.Builder
	b.WriteString("# Issues\n\n")
	for _, i := range all {
		fmt.Fprintf(&b, "## [%s] %s (%s)\n\n", strings.ToUpper(string(i.Severity)), i.Title, i.Status)
		if len(i.Files) > 0 {
			fmt.Fprintf(&b, "Files: %s\n\n", strings.Join(i.Files, ", "))
		}
		if i.Details != "" {
			fmt.Fprintf(&b, "%s\n\n", i.Details)
		}
		fmt.Fprintf(&b, "Reported by %s, %d occurrence(s), first seen %s\n\n",
			i.ReporterTaskID, i.Occurrences, i.CreatedAt.Format(time.RFC3339))
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// RenderDigest builds the markdown block appended to an integration task's
// startup prompt (spec §4.3.4): open issues grouped by severity.
func (tr *Tracker) RenderDigest() string {
	open := tr.GetOpen()
	if len(open) == 0 {
		return ""
	}
	var b strings.Builder
	for _, sev := range []models.Severity{models.SeverityBlocker, models.SeverityError, models.SeverityWarning} {
		var group []models.Issue
		for _, i := range open {
			if i.Severity == sev {
				group = append(group, i)
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n", strings.ToUpper(string(sev)))
		for _, i := range group {
			fmt.Fprintf(&b, "- %s", i.Title)
			if len(i.Files) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(i.Files, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
