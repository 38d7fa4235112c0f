// Package parser turns an AUTO-DEV.md plan file into a typed task graph
// (spec §4.1). Parsing is pure and deterministic: identical bytes always
// produce identical tasks and wave assignments, and a bad match is skipped
// with a warning rather than failing the whole parse.
package parser

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/harrison/auto-dev-scheduler/internal/models"
)

// taskHeadingRe matches "### TASK-1: Title" or "### Task: TASK-1 Title".
var taskHeadingRe = regexp.MustCompile(`(?m)^###\s+(?:Task:\s*)?(\w+[.-]\w+(?:[.-]\w+)*)[:\s]+(.*)$`)

// waveInlineRe matches "Wave 1: TASK-A, TASK-B" lines.
var waveInlineRe = regexp.MustCompile(`(?m)^Wave\s+(\d+):\s*(.+)$`)

// waveSectionRe matches a "## Wave 1" section heading.
var waveSectionRe = regexp.MustCompile(`(?m)^##\s+Wave\s+(\d+)\s*$`)

// checkboxRe matches a checkbox bullet with any of the recognized marks.
var checkboxRe = regexp.MustCompile(`(?m)^\s*[-+*]\s*\[([ xX~!])\]`)

// fieldRe builds a "**label**: value" / "**label**：value" field matcher.
func fieldRe(label string) *regexp.Regexp {
	return regexp.MustCompile(`\*\*` + regexp.QuoteMeta(label) + `\*\*\s*[:：]\s*(.+)`)
}

var (
	statusFieldRe   = fieldRe("状态")
	dependsFieldRe  = fieldRe("依赖")
	tokensFieldRe   = fieldRe("预估上下文")
	personaFieldRe  = fieldRe("Persona")
	scopeFieldRe    = fieldRe("Scope")
	outputFieldRe   = fieldRe("输出")
)

// statusTextMap maps recognized free-text status words to a Status. Only
// success and failed are authoritative across reloads; everything else is
// informational and recomputed from dependency satisfaction.
var statusTextMap = map[string]models.Status{
	"已完成":    models.StatusSuccess,
	"完成":     models.StatusSuccess,
	"success": models.StatusSuccess,
	"done":    models.StatusSuccess,
	"失败":     models.StatusFailed,
	"failed":  models.StatusFailed,
	"blocked": models.StatusPending,
	"阻塞":     models.StatusPending,
}

// checkboxStatusMap maps a checkbox mark to a Status.
var checkboxStatusMap = map[string]models.Status{
	"x": models.StatusSuccess,
	"X": models.StatusSuccess,
	"~": models.StatusRunning,
	"!": models.StatusPending, // blocked-as-pending
	" ": models.StatusReady,
}

// ParseResult is the output of ParsePlan: the task set plus the wave
// discovered for each id.
type ParseResult struct {
	Tasks map[string]*models.Task
}

// ParsePlan reads filePath and returns the parsed task set. A missing file
// produces an empty, non-error result; other I/O errors propagate to the
// caller, which must refuse to start the scheduler until a valid plan
// loads.
func ParsePlan(filePath string) (*ParseResult, error) {
	raw, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return &ParseResult{Tasks: map[string]*models.Task{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", filePath, err)
	}
	return Parse(raw)
}

// Parse runs the full pipeline (BOM strip, fence masking, wave discovery,
// task discovery) over raw markdown bytes.
func Parse(raw []byte) (*ParseResult, error) {
	source := stripBOM(raw)
	masked := maskFencedCode(source)

	waveMap := discoverWaves(masked)
	tasks := discoverTasks(source, masked, waveMap)

	return &ParseResult{Tasks: tasks}, nil
}

func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

// discoverWaves applies both wave-discovery patterns over the masked
// source and returns a map from canonical task id to wave number. Inline
// declarations and section headings may both contribute; an id already
// mapped by one pattern is not overwritten by the other.
func discoverWaves(masked []byte) map[string]int {
	waveMap := make(map[string]int)

	// Pattern 1: inline "Wave N: ID, ID, ..." lines.
	for _, m := range waveInlineRe.FindAllSubmatch(masked, -1) {
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue // malformed wave number, warn-and-skip
		}
		for _, id := range models.NormalizeDependencyList(string(m[2])) {
			if _, exists := waveMap[id]; !exists {
				waveMap[id] = n
			}
		}
	}

	// Pattern 2: "## Wave N" sections; every task heading between one
	// section heading and the next belongs to that wave.
	sectionMatches := waveSectionRe.FindAllSubmatchIndex(masked, -1)
	for i, m := range sectionMatches {
		n, err := strconv.Atoi(string(masked[m[2]:m[3]]))
		if err != nil {
			continue
		}
		sectionStart := m[1]
		sectionEnd := len(masked)
		if i+1 < len(sectionMatches) {
			sectionEnd = sectionMatches[i+1][0]
		}
		body := masked[sectionStart:sectionEnd]
		for _, tm := range taskHeadingRe.FindAllSubmatch(body, -1) {
			id := strings.ToUpper(string(tm[1]))
			if _, exists := waveMap[id]; !exists {
				waveMap[id] = n
			}
		}
	}

	return waveMap
}

// discoverTasks finds every "### <ID>: <Title>" heading, extracts its
// block, and admits it as a task if the block carries at least one
// structural marker (checkbox, 状态/依赖 field, or recognized metadata
// field). source is the un-masked original (for extractTaskContent-style
// content); masked is used for all regex matching.
func discoverTasks(source, masked []byte, waveMap map[string]int) map[string]*models.Task {
	tasks := make(map[string]*models.Task)

	headingMatches := taskHeadingRe.FindAllSubmatchIndex(masked, -1)
	for i, m := range headingMatches {
		id := strings.ToUpper(string(masked[m[2]:m[3]]))
		title := strings.TrimSpace(string(masked[m[4]:m[5]]))

		blockStart := m[1]
		blockEnd := len(masked)
		if i+1 < len(headingMatches) {
			blockEnd = headingMatches[i+1][0]
		}
		block := masked[blockStart:blockEnd]

		if !isAdmissible(block) {
			continue // heading with no structural marker: not a task block
		}

		t := models.NewTask(id, title)
		if wave, ok := waveMap[id]; ok {
			t.Wave = wave
		}
		applyFields(t, block)
		t.Status = deriveStatus(block)

		if err := t.Validate(); err != nil {
			continue // warn-and-skip malformed id
		}
		tasks[id] = t
	}

	return tasks
}

// isAdmissible reports whether a heading's block should be treated as a
// real task rather than prose mentioning a task-shaped heading.
func isAdmissible(block []byte) bool {
	if checkboxRe.Match(block) {
		return true
	}
	if statusFieldRe.Match(block) || dependsFieldRe.Match(block) {
		return true
	}
	if personaFieldRe.Match(block) || scopeFieldRe.Match(block) || tokensFieldRe.Match(block) || outputFieldRe.Match(block) {
		return true
	}
	return false
}

func applyFields(t *models.Task, block []byte) {
	if m := dependsFieldRe.FindSubmatch(block); m != nil {
		t.Dependencies = models.NormalizeDependencyList(string(m[1]))
	}
	if m := tokensFieldRe.FindSubmatch(block); m != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(m[1]))); err == nil {
			t.EstimatedTokens = n
		}
	}
	if m := personaFieldRe.FindSubmatch(block); m != nil {
		t.Persona = strings.TrimSpace(string(m[1]))
	}
	if m := scopeFieldRe.FindSubmatch(block); m != nil {
		t.Scope = models.Scope(strings.ToUpper(strings.TrimSpace(string(m[1]))))
	}
	if m := outputFieldRe.FindSubmatch(block); m != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata["output"] = strings.TrimSpace(string(m[1]))
	}
}

// deriveStatus combines the explicit "**状态**" text field with the
// checkbox mark. Only success/failed are authoritative; every other
// outcome resolves to pending/ready and is recomputed from dependency
// satisfaction by the scheduler's promotePendingToReady.
func deriveStatus(block []byte) models.Status {
	if m := statusFieldRe.FindSubmatch(block); m != nil {
		text := strings.ToLower(strings.TrimSpace(string(m[1])))
		for word, status := range statusTextMap {
			if strings.Contains(text, strings.ToLower(word)) {
				if status == models.StatusSuccess || status == models.StatusFailed {
					return status
				}
			}
		}
	}
	if m := checkboxRe.FindSubmatch(block); m != nil {
		mark := string(m[1])
		if status, ok := checkboxStatusMap[mark]; ok {
			if status == models.StatusSuccess {
				return status
			}
			if status == models.StatusRunning {
				return models.StatusPending // re-derive on reload; scheduler owns "running"
			}
			return status
		}
	}
	return models.StatusPending
}

// ExtractTaskContent returns the unmasked block text for one task id, used
// to build recovery prompts. Fenced code blocks are NOT masked in the
// returned text -- callers get the real content a worker would read.
func ExtractTaskContent(filePath, taskID string) (string, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read plan file %s: %w", filePath, err)
	}
	source := stripBOM(raw)
	masked := maskFencedCode(source)

	id := strings.ToUpper(taskID)
	headingMatches := taskHeadingRe.FindAllSubmatchIndex(masked, -1)
	for i, m := range headingMatches {
		if strings.ToUpper(string(masked[m[2]:m[3]])) != id {
			continue
		}
		blockStart := m[0]
		blockEnd := len(source)
		if i+1 < len(headingMatches) {
			blockEnd = headingMatches[i+1][0]
		}
		return string(source[blockStart:blockEnd]), nil
	}
	return "", fmt.Errorf("task %s not found in %s", taskID, filePath)
}
