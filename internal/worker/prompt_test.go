package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harrison/auto-dev-scheduler/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePersona(t *testing.T, root, provider, name, body string) {
	t.Helper()
	dir := filepath.Join(root, ".claude", "prompts", "personas", provider)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"), []byte(body), 0644))
}

func TestLoadPersonaPrompt_AllowedProvidersLoad(t *testing.T) {
	root := t.TempDir()
	for _, provider := range []string{"gemini", "codex", "shared"} {
		writePersona(t, root, provider, "reviewer", "you are a reviewer")
		task := &models.Task{Persona: provider + "/reviewer"}
		assert.Equal(t, "you are a reviewer", loadPersonaPrompt(root, task), "provider %q must be in the whitelist", provider)
	}
}

func TestLoadPersonaPrompt_DisallowedProviderSkipsGracefully(t *testing.T) {
	root := t.TempDir()
	writePersona(t, root, "claude", "reviewer", "you are a reviewer")
	task := &models.Task{Persona: "claude/reviewer"}
	assert.Equal(t, "", loadPersonaPrompt(root, task), "a provider outside the spec whitelist must be rejected, not accepted")
}

func TestLoadPersonaPrompt_MissingFileDegradesToEmpty(t *testing.T) {
	root := t.TempDir()
	task := &models.Task{Persona: "codex/missing"}
	assert.Equal(t, "", loadPersonaPrompt(root, task))
}
