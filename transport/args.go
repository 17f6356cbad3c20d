package transport

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// SubprocessOptions configures a spawned agent CLI. Zero values mean
// "omit the flag".
type SubprocessOptions struct {
	CLIPath         string // explicit binary path; discovery runs when empty
	WorkingDir      string
	Model           string
	PermissionMode  string
	Resume          string // session id to resume
	ForkSession     bool
	SystemPrompt    string
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string
	SettingSources  []string
	Env             map[string]string
	ExtraArgs       map[string]*string // flag name -> value; nil value means a bare flag

	// IncludePartialMessages asks the CLI to emit stream_event records.
	IncludePartialMessages bool

	// MaxStderrSize bounds captured stderr; 0 selects a sane default.
	MaxStderrSize int
}

// buildArgs turns the configuration into the flat argument list the CLI
// expects. The stream-json input/output flags are always present: they
// are what makes the control protocol possible.
func buildArgs(opts SubprocessOptions) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}
	if opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}

	for _, flag := range slices.Sorted(maps.Keys(opts.ExtraArgs)) {
		if value := opts.ExtraArgs[flag]; value == nil {
			args = append(args, "--"+flag)
		} else {
			args = append(args, "--"+flag, *value)
		}
	}

	return args
}
