// Package models defines the core data types shared across the scheduler:
// tasks, issues, and session snapshots.
package models

import (
	"fmt"
	"regexp"
	"strings"
)

// taskIDPattern matches a canonical task id: alnum groups joined by '.' or '-'.
var taskIDPattern = regexp.MustCompile(`^\w+[.-]\w+([.-]\w+)*$`)

// TaskIDPattern returns the regex used to validate and recognize task ids
// embedded in free text (worker stdout, headings, dependency lists).
func TaskIDPattern() *regexp.Regexp {
	return taskIDPattern
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Kind is the derived category of a task, inferred from its id prefix.
// It drives persona/delegation selection and integration-digest injection.
type Kind string

const (
	KindPrototype   Kind = "prototype"
	KindAudit       Kind = "audit"
	KindFrontend    Kind = "frontend"
	KindBackend     Kind = "backend"
	KindIntegration Kind = "integration"
	KindReview      Kind = "review"
	KindGeneral     Kind = "general"
)

// kindPrefixes maps an id prefix (checked case-insensitively) to a Kind.
// Order matters: more specific prefixes are listed first.
var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"INT-", KindIntegration},
	{"INTEGRATION", KindIntegration},
	{"FIX-WAVE", KindIntegration},
	{"PROTO", KindPrototype},
	{"AUDIT", KindAudit},
	{"REVIEW", KindReview},
	{"FE", KindFrontend},
	{"FRONTEND", KindFrontend},
	{"BE", KindBackend},
	{"BACKEND", KindBackend},
}

// DeriveKind classifies a task id by prefix. Unrecognized prefixes are
// KindGeneral.
func DeriveKind(id string) Kind {
	upper := strings.ToUpper(id)
	for _, kp := range kindPrefixes {
		if strings.HasPrefix(upper, kp.prefix) {
			return kp.kind
		}
	}
	return KindGeneral
}

// IsIntegration reports whether a task id marks an integration task, which
// receives an auto-generated open-issues digest at spawn time.
func IsIntegration(id string) bool {
	return DeriveKind(id) == KindIntegration
}

// Scope is the declared surface area of a task (frontend/backend/full).
type Scope string

const (
	ScopeFrontend Scope = "FE"
	ScopeBackend  Scope = "BE"
	ScopeFull     Scope = "FULL"
)

// Task is a single node in the dependency-ordered plan graph. Structural
// fields (Title, Wave, Dependencies, ...) are populated by the parser;
// runtime fields (Status, WorkerID, ...) are mutated only by the scheduler's
// single-writer tick loop.
type Task struct {
	// Structural fields, set by the parser and otherwise immutable.
	ID              string
	Title           string
	Wave            int
	Dependencies    []string
	EstimatedTokens int
	Persona         string // "<provider>/<name>", empty if unset
	Scope           Scope
	Metadata        map[string]string

	// Runtime fields, mutated only by the scheduler coordinator.
	Status             Status
	WorkerID           string
	StartTime          *float64 // unix seconds
	EndTime            *float64
	Duration           float64 // seconds
	RetryCount         int
	NextRetryAt        *int64 // unix epoch ms
	APIErrorRetryCount int
	IsAPIErrorRecovery bool
	HasModifiedCode    bool
}

// NewTask builds a Task with default wave 99 and pending status, as the
// parser would for a freshly admitted block.
func NewTask(id, title string) *Task {
	return &Task{
		ID:       strings.ToUpper(id),
		Title:    title,
		Wave:     99,
		Status:   StatusPending,
		Metadata: make(map[string]string),
	}
}

// Validate checks structural invariants that must hold regardless of the
// task's position in a larger graph (id shape, wave non-negative, no
// duplicate dependency entries).
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if !taskIDPattern.MatchString(t.ID) {
		return fmt.Errorf("task %s: id does not match %s", t.ID, taskIDPattern.String())
	}
	if t.Wave < 0 {
		return fmt.Errorf("task %s: negative wave %d", t.ID, t.Wave)
	}
	seen := make(map[string]bool, len(t.Dependencies))
	for _, d := range t.Dependencies {
		if seen[d] {
			return fmt.Errorf("task %s: duplicate dependency %s", t.ID, d)
		}
		seen[d] = true
	}
	return nil
}

// Kind returns the task's derived kind.
func (t *Task) Kind() Kind {
	return DeriveKind(t.ID)
}

// IsTerminal reports whether the task has reached a final state: success,
// canceled, or failed with no retry scheduled.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusSuccess, StatusCanceled:
		return true
	case StatusFailed:
		return t.NextRetryAt == nil
	default:
		return false
	}
}

// HasDependency reports whether id appears directly in t.Dependencies.
func (t *Task) HasDependency(id string) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// Provider and PersonaName split a "<provider>/<name>" persona reference.
// Both are empty if Persona is unset or malformed.
func (t *Task) Provider() string {
	p, _, ok := strings.Cut(t.Persona, "/")
	if !ok {
		return ""
	}
	return p
}

func (t *Task) PersonaName() string {
	_, n, ok := strings.Cut(t.Persona, "/")
	if !ok {
		return ""
	}
	return n
}

// Clone returns a deep copy sufficient for snapshotting runtime state.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[k] = v
	}
	if t.StartTime != nil {
		v := *t.StartTime
		c.StartTime = &v
	}
	if t.EndTime != nil {
		v := *t.EndTime
		c.EndTime = &v
	}
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		c.NextRetryAt = &v
	}
	return &c
}

// NormalizeDependencyList upper-cases, strips parenthetical notes, splits on
// commas/whitespace, and de-duplicates while preserving first-seen order.
// Shared by the parser when reading a "**依赖**" field or an inline
// "Wave N:" task list.
func NormalizeDependencyList(raw string) []string {
	parenStripped := stripParens(raw)
	fields := strings.FieldsFunc(parenStripped, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == ';'
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		id := strings.ToUpper(strings.TrimSpace(f))
		if id == "" || id == "-" || id == "NONE" || id == "无" {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func stripParens(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '(', '（':
			depth++
		case ')', '）':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
