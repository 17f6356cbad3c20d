// Package agent implements the client-side protocol engine for driving
// a stream-json agent CLI: the control request/response correlator, the
// reader/dispatch loop, the callback bridge for remotely triggered
// hooks and permission checks, and the consumer-facing message stream.
package agent

import (
	"context"
	"time"

	"github.com/agentwire/agentwire/transport"
)

// PermissionMode selects how the remote agent gates tool execution.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// HookEvent names a tool-lifecycle event the remote agent can call back
// on.
type HookEvent string

const (
	HookPreToolUse       HookEvent = "PreToolUse"
	HookPostToolUse      HookEvent = "PostToolUse"
	HookUserPromptSubmit HookEvent = "UserPromptSubmit"
	HookStop             HookEvent = "Stop"
	HookSubagentStop     HookEvent = "SubagentStop"
	HookPreCompact       HookEvent = "PreCompact"
)

// HookCallback runs locally when the remote agent fires a matching hook.
// The returned map is sent back verbatim after reserved-word
// normalization ("continue_"/"async_" aliases fold into their canonical
// keys).
type HookCallback func(ctx context.Context, input map[string]any, toolUseID string) (map[string]any, error)

// HookMatcher binds callbacks to a hook event for tools matching the
// pattern. TimeoutSeconds, when positive, bounds each callback
// invocation locally; zero leaves execution unbounded.
type HookMatcher struct {
	Matcher        string
	Hooks          []HookCallback
	TimeoutSeconds float64
}

// PermissionUpdate is a permission-rule suggestion or change carried on
// the wire. The engine treats it as opaque structure: rule semantics
// belong to the remote peer.
type PermissionUpdate map[string]any

// PermissionResult is the outcome of a can_use_tool check: either
// PermissionAllow or PermissionDeny.
type PermissionResult interface {
	permissionResult()
}

// PermissionAllow lets the tool run. UpdatedInput, when non-nil,
// replaces the tool's input; UpdatedPermissions, when non-empty, asks
// the peer to persist rule changes.
type PermissionAllow struct {
	UpdatedInput       map[string]any
	UpdatedPermissions []PermissionUpdate
}

func (PermissionAllow) permissionResult() {}

// PermissionDeny blocks the tool with a message. Interrupt additionally
// aborts the current turn.
type PermissionDeny struct {
	Message   string
	Interrupt bool
}

func (PermissionDeny) permissionResult() {}

// CanUseToolFunc decides whether the remote agent may run a tool. When
// no callback is configured every request is allowed with its input
// unchanged.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, suggestions []PermissionUpdate) (PermissionResult, error)

// McpServer is an in-process MCP server the remote agent can route
// mcp_message control requests to. Permission enforcement for these
// calls is the remote peer's responsibility.
type McpServer interface {
	HandleMessage(ctx context.Context, message map[string]any) (map[string]any, error)
}

// Options configures a Client. The zero value is usable: it spawns the
// CLI discovered on the system with default settings.
type Options struct {
	// Subprocess settings, ignored when Transport is set.
	CLIPath         string
	WorkingDir      string
	Model           string
	PermissionMode  PermissionMode
	Resume          string
	ForkSession     bool
	SystemPrompt    string
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string
	SettingSources  []string
	Env             map[string]string
	ExtraArgs       map[string]*string

	// IncludePartialMessages asks the CLI to emit stream_event records.
	IncludePartialMessages bool

	// MaxBufferSize caps the framer's accumulation buffer. Zero selects
	// wire.DefaultMaxBufferSize.
	MaxBufferSize int

	// Hooks registers lifecycle callbacks, keyed by event. The registry
	// is sent to the peer in the initialize control request and is
	// immutable for the connection's lifetime.
	Hooks map[HookEvent][]HookMatcher

	// CanUseTool is invoked for inbound can_use_tool control requests.
	CanUseTool CanUseToolFunc

	// McpServers maps server names to in-process handlers for inbound
	// mcp_message control requests.
	McpServers map[string]McpServer

	// ControlTimeout bounds every outgoing control request. Zero
	// selects 60 seconds; negative disables the bound entirely.
	ControlTimeout time.Duration

	// CloseInputTimeout bounds how long Close waits for an in-flight
	// response before shutting down input when hooks or in-process
	// servers are configured. Zero selects 30 seconds.
	CloseInputTimeout time.Duration

	// Transport overrides the channel. When nil a subprocess transport
	// is built from the settings above.
	Transport transport.Transport
}

const (
	defaultControlTimeout    = 60 * time.Second
	defaultCloseInputTimeout = 30 * time.Second
)

func (o Options) controlTimeout() time.Duration {
	switch {
	case o.ControlTimeout == 0:
		return defaultControlTimeout
	case o.ControlTimeout < 0:
		return 0
	default:
		return o.ControlTimeout
	}
}

func (o Options) closeInputTimeout() time.Duration {
	if o.CloseInputTimeout > 0 {
		return o.CloseInputTimeout
	}
	return defaultCloseInputTimeout
}

func (o Options) subprocessOptions() transport.SubprocessOptions {
	return transport.SubprocessOptions{
		CLIPath:                o.CLIPath,
		WorkingDir:             o.WorkingDir,
		Model:                  o.Model,
		PermissionMode:         string(o.PermissionMode),
		Resume:                 o.Resume,
		ForkSession:            o.ForkSession,
		SystemPrompt:           o.SystemPrompt,
		MaxTurns:               o.MaxTurns,
		AllowedTools:           o.AllowedTools,
		DisallowedTools:        o.DisallowedTools,
		SettingSources:         o.SettingSources,
		Env:                    o.Env,
		ExtraArgs:              o.ExtraArgs,
		IncludePartialMessages: o.IncludePartialMessages,
	}
}
