package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HelpMentionsScheduler(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--help"})

	_ = cmd.Execute()
	assert.Contains(t, strings.ToLower(out.String()), "scheduler")
}

func TestRootCommand_RegistersAllSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"run", "resume", "status", "validate", "history"} {
		assert.True(t, names[want], "expected %q subcommand to be registered", want)
	}
}
