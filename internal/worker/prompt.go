package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/harrison/auto-dev-scheduler/internal/models"
)

// allowedPersonaProviders whitelists the <provider> path segment so an
// externally-influenced persona reference can't escape the prompts
// directory (spec §4.3.1).
var allowedPersonaProviders = map[string]bool{
	"gemini": true,
	"codex":  true,
	"shared": true,
}

var personaNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// loadPersonaPrompt reads the persona markdown file for a task, returning
// "" if the task has no persona or the file is unreadable -- a missing
// persona file degrades to no prefix rather than failing the spawn.
func loadPersonaPrompt(projectRoot string, t *models.Task) string {
	provider := t.Provider()
	name := t.PersonaName()
	if provider == "" || name == "" {
		return ""
	}
	if !allowedPersonaProviders[provider] || !personaNamePattern.MatchString(name) {
		return ""
	}
	path := filepath.Join(projectRoot, ".claude", "prompts", "personas", provider, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// delegationHint returns a mandatory-delegation instruction when the task's
// persona names a provider other than the primary agent (spec §4.3.4).
func delegationHint(primaryProvider string, t *models.Task) string {
	provider := t.Provider()
	if provider == "" || provider == primaryProvider {
		return ""
	}
	toolName := "mcp__" + provider + "__delegate"
	return fmt.Sprintf(
		"MANDATORY DELEGATION: this task must be performed via the %q tool targeting provider %q. Do not attempt it directly.\n\n",
		toolName, provider,
	)
}

// buildStartupPrompt assembles the full first user message for a fresh
// spawn: delegation hint, then persona prompt, then the fixed opening
// directive naming the task id and plan file, then (for integration tasks)
// the open-issues digest.
func buildStartupPrompt(projectRoot, planPath string, t *models.Task, issuesDigest string) string {
	prompt := delegationHint("claude", t)
	if persona := loadPersonaPrompt(projectRoot, t); persona != "" {
		prompt += persona + "\n\n"
	}
	prompt += fmt.Sprintf("You are executing task %s from plan file %s. Follow the task's description exactly and report progress as you work.\n", t.ID, planPath)
	if models.IsIntegration(t.ID) && issuesDigest != "" {
		prompt += "\n## Open issues to address\n\n" + issuesDigest
	}
	return prompt
}

// buildAPIErrorRecoveryPrompt replaces the normal startup prompt when a task
// carries hasModifiedCode=true from a previous interrupted run (spec
// §4.3.1, §4.9): it instructs the agent to inspect its own partial edits
// before resuming.
func buildAPIErrorRecoveryPrompt(projectRoot, planPath string, t *models.Task) string {
	prompt := delegationHint("claude", t)
	if persona := loadPersonaPrompt(projectRoot, t); persona != "" {
		prompt += persona + "\n\n"
	}
	prompt += fmt.Sprintf(
		"You were previously interrupted by an API error while executing task %s from plan file %s, and may have left partial edits. "+
			"First run `git status` and `git diff` to inspect what you already changed, repair any partial or inconsistent edits, "+
			"then resume and complete the task.\n", t.ID, planPath)
	return prompt
}
