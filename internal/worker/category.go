package worker

import "strings"

// category classifies a tool_use by a substring scan of its name/args text
// (spec §4.3.2), driving which slow-tool timeout applies.
type category string

const (
	categoryCodex      category = "codex"
	categoryGemini     category = "gemini"
	categoryNPMInstall category = "npmInstall"
	categoryNPMBuild   category = "npmBuild"
	categoryDefault    category = "default"
)

// classify inspects the tool name plus its raw argument text.
func classify(toolName string, argText string) category {
	text := strings.ToLower(toolName + " " + argText)
	switch {
	case strings.Contains(text, "codex"):
		return categoryCodex
	case strings.Contains(text, "gemini"):
		return categoryGemini
	case strings.Contains(text, "npm") && strings.Contains(text, "install"):
		return categoryNPMInstall
	case strings.Contains(text, "npm") && (strings.Contains(text, "build") || strings.Contains(text, "run build")):
		return categoryNPMBuild
	default:
		return categoryDefault
	}
}

// isBackgroundLauncher reports whether a tool_use's argument text requests
// background execution (spec §4.3.2: "args/command contains
// run_in_background").
func isBackgroundLauncher(argText string) bool {
	return strings.Contains(argText, "run_in_background")
}

// terminalStatusWords are the background-task terminal status tokens the
// scheduler recognizes in a TaskOutput tool_result (spec §4.3.2).
var terminalStatusWords = []string{
	"completed", "failed", "cancelled", "success", "error", "done",
	"finished", "exited", "timeout", "killed", "terminated", "aborted",
	"completed_with_errors",
}

// negativeContexts are phrases that must suppress a terminal-status match
// even though a status word appears nearby.
var negativeContexts = []string{"not done", "failed to complete", "not completed", "not finished"}

// hasTerminalStatus reports whether text contains a recognized terminal
// status word within 100 characters of taskID, without an intervening
// negative-context phrase covering that window.
func hasTerminalStatus(text, taskID string) bool {
	lower := strings.ToLower(text)
	idIdx := strings.Index(lower, strings.ToLower(taskID))
	if idIdx < 0 {
		return false
	}
	windowStart := idIdx - 100
	if windowStart < 0 {
		windowStart = 0
	}
	windowEnd := idIdx + len(taskID) + 100
	if windowEnd > len(lower) {
		windowEnd = len(lower)
	}
	window := lower[windowStart:windowEnd]

	for _, neg := range negativeContexts {
		if strings.Contains(window, neg) {
			return false
		}
	}
	for _, word := range terminalStatusWords {
		if strings.Contains(window, word) {
			return true
		}
	}
	return false
}

// extractBackgroundTaskID pulls a background task id out of a launcher's
// tool_result text, recognizing the patterns the spec names: "ID:",
// "task_id:", "with ID:".
func extractBackgroundTaskID(text string) (string, bool) {
	for _, marker := range []string{"task_id:", "with ID:", "ID:"} {
		idx := strings.Index(text, marker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(text[idx+len(marker):])
		end := strings.IndexAny(rest, " \t\n,;")
		if end < 0 {
			end = len(rest)
		}
		if end > 0 {
			return rest[:end], true
		}
	}
	return "", false
}
