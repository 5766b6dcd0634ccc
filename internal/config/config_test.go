package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "codex", "cursor"}, cfg.Council.Members)
	assert.Equal(t, 600, cfg.Council.Timeout)
	assert.Equal(t, ModeBroadcast, cfg.Council.Mode)
	assert.Equal(t, DefaultPreamble, cfg.Council.Preamble)
	assert.Equal(t, ThinkingAuto, cfg.Chat.ThinkingVisibility)
	assert.Equal(t, [][]string{{"pytest"}, {"ruff", "check"}}, cfg.Harness.Gates)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{"council": {"members": ["claude"], "timeout": 120}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"claude"}, cfg.Council.Members)
	assert.Equal(t, 120, cfg.Council.Timeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, ModeBroadcast, cfg.Council.Mode)
}

func TestLoadRejectsUnknownCouncilKeys(t *testing.T) {
	path := writeConfig(t, `{"council": {"members": ["claude"], "timeuot": 5}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "council.timeuot")
}

func TestLoadRejectsUnknownChatKeys(t *testing.T) {
	path := writeConfig(t, `{"chat": {"thinking": "show"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.thinking")
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty members", `{"council": {"members": []}}`},
		{"member without agent", `{"council": {"members": ["mystery"]}}`},
		{"zero timeout", `{"council": {"timeout": 0}}`},
		{"negative auto_messages", `{"council": {"auto_messages": -1}}`},
		{"bad mode", `{"council": {"mode": "chaotic"}}`},
		{"bad thinking", `{"chat": {"thinking_visibility": "maybe"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestAutoMessagesDefaultsToUnmutedCount(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.AutoMessages(3))
	assert.Equal(t, 1, cfg.AutoMessages(1))

	zero := 0
	cfg.Council.AutoMessages = &zero
	assert.Equal(t, 0, cfg.AutoMessages(3))
}

func TestDefaultAgentsCanStream(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	// Every default backend with a streaming parser must request a stream
	// format, or the live preview path is unreachable for it.
	for _, name := range []string{"claude", "codex", "cursor"} {
		agent, err := cfg.Agent(name)
		require.NoError(t, err)
		assert.NotEmpty(t, agent.StreamArgs, "%s has no stream format", name)
	}

	codex, err := cfg.Agent("codex")
	require.NoError(t, err)
	assert.Equal(t, []string{"exec"}, codex.Args)
	assert.Equal(t, []string{"--json"}, codex.ResultArgs)
}

func TestAgentLookup(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	agent, err := cfg.Agent("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", agent.Binary)
	assert.Equal(t, "claude", agent.Parser)

	_, err = cfg.Agent("nobody")
	assert.Error(t, err)
}
