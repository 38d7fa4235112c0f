// Package writeback flips a task's checkbox in its source plan file once
// the scheduler learns the task's outcome (spec §4.8). Writes for a given
// file are serialized FIFO so two tasks finishing close together never
// race a read-modify-write of the same Markdown file.
package writeback

import (
	"fmt"
	"os"
	"regexp"
	"sync"
)

// headingCheckbox matches a "### <id>" heading (optionally "### Task: <id>",
// optionally followed by ":" or whitespace and a title) followed, allowing
// blank lines and bullet variants, by its checkbox line. Capture groups: (1)
// everything before the checkbox glyph, (2) the glyph itself.
func headingCheckboxPattern(taskID string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(taskID)
	return regexp.MustCompile(
		`(?m)(^###\s+(?:Task:\s*)?` + escaped + `(?:[: \t][^\n]*)?$(?:\n[ \t]*)*\n[ \t]*[-+*]\s*\[)([ xX])(\])`,
	)
}

// Queue serializes checkbox updates per file path.
type Queue struct {
	mu     sync.Mutex
	chains map[string]chan func()
	warn   func(msg string)
}

func New(warn func(msg string)) *Queue {
	if warn == nil {
		warn = func(string) {}
	}
	return &Queue{chains: make(map[string]chan func()), warn: warn}
}

func (q *Queue) chainFor(path string) chan func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.chains[path]
	if !ok {
		c = make(chan func(), 64)
		q.chains[path] = c
		go func() {
			for fn := range c {
				fn()
			}
		}()
	}
	return c
}

// UpdateTaskCheckbox enqueues a checkbox flip for taskID in filePath,
// returning immediately; the write happens on the file's FIFO chain.
func (q *Queue) UpdateTaskCheckbox(filePath, taskID string, success bool) {
	q.chainFor(filePath) <- func() {
		if err := q.updateNow(filePath, taskID, success); err != nil {
			q.warn(fmt.Sprintf("writeback %s/%s: %v", filePath, taskID, err))
		}
	}
}

func (q *Queue) updateNow(filePath, taskID string, success bool) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	pattern := headingCheckboxPattern(taskID)
	if !pattern.Match(data) {
		q.warn(fmt.Sprintf("writeback: heading for %s not found in %s, skipping", taskID, filePath))
		return nil
	}
	glyph := " "
	if success {
		glyph = "x"
	}
	updated := pattern.ReplaceAll(data, []byte(`${1}`+glyph+`${3}`))
	if string(updated) == string(data) {
		return nil // idempotent: already in the target state
	}
	return os.WriteFile(filePath, updated, 0644)
}
