package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgsAlwaysStreamJSON(t *testing.T) {
	args := buildArgs(SubprocessOptions{})
	assert.Equal(t, []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}, args)
}

func TestBuildArgsFullOptions(t *testing.T) {
	value := "1"
	args := buildArgs(SubprocessOptions{
		Model:                  "claude-sonnet-4-5",
		PermissionMode:         "acceptEdits",
		Resume:                 "sess_1",
		ForkSession:            true,
		SystemPrompt:           "be brief",
		MaxTurns:               5,
		AllowedTools:           []string{"Bash", "Read"},
		DisallowedTools:        []string{"WebSearch"},
		SettingSources:         []string{"user", "project"},
		IncludePartialMessages: true,
		ExtraArgs: map[string]*string{
			"debug-to-stderr": nil,
			"mcp-debug":       &value,
		},
	})

	assert.Equal(t, []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--model", "claude-sonnet-4-5",
		"--permission-mode", "acceptEdits",
		"--resume", "sess_1",
		"--fork-session",
		"--system-prompt", "be brief",
		"--max-turns", "5",
		"--allowedTools", "Bash,Read",
		"--disallowedTools", "WebSearch",
		"--setting-sources", "user,project",
		"--include-partial-messages",
		"--debug-to-stderr",
		"--mcp-debug", "1",
	}, args)
}

func TestBuildArgsForkRequiresResume(t *testing.T) {
	args := buildArgs(SubprocessOptions{ForkSession: true})
	assert.NotContains(t, args, "--fork-session")
}

func TestBuildArgsExtraArgsSorted(t *testing.T) {
	args := buildArgs(SubprocessOptions{
		ExtraArgs: map[string]*string{"zz": nil, "aa": nil, "mm": nil},
	})
	tail := args[len(args)-3:]
	assert.Equal(t, []string{"--aa", "--mm", "--zz"}, tail)
}
