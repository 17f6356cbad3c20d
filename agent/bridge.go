package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentwire/agentwire/internal/metrics"
	"github.com/agentwire/agentwire/wire"
)

// hookEntry is a registered hook callback plus its locally enforced
// execution bound (zero means unbounded).
type hookEntry struct {
	callback HookCallback
	timeout  time.Duration
}

// callbackBridge routes inbound control requests (hook_callback,
// can_use_tool, mcp_message) to user-registered callbacks and emits
// exactly one control response per request. Callbacks run on the reader
// task with no engine locks held, so a slow or reentrant callback
// cannot deadlock the dispatch loop.
type callbackBridge struct {
	hooks      map[string]hookEntry // callback_id -> entry, fixed at init
	canUseTool CanUseToolFunc
	servers    map[string]McpServer
	write      writeFunc
}

// newCallbackBridge builds the bridge and the hook-callback registry.
// Callback ids are locally generated and monotonic; the hooks
// configuration returned mirrors the registry in the shape the
// initialize control request expects.
func newCallbackBridge(opts Options, write writeFunc) (*callbackBridge, map[string]any) {
	b := &callbackBridge{
		hooks:      make(map[string]hookEntry),
		canUseTool: opts.CanUseTool,
		servers:    opts.McpServers,
		write:      write,
	}

	var hooksConfig map[string]any
	if len(opts.Hooks) > 0 {
		hooksConfig = make(map[string]any, len(opts.Hooks))
		nextID := 0
		for event, matchers := range opts.Hooks {
			entries := make([]map[string]any, 0, len(matchers))
			for _, matcher := range matchers {
				ids := make([]string, 0, len(matcher.Hooks))
				for _, cb := range matcher.Hooks {
					callbackID := fmt.Sprintf("hook_%d", nextID)
					nextID++
					b.hooks[callbackID] = hookEntry{
						callback: cb,
						timeout:  time.Duration(matcher.TimeoutSeconds * float64(time.Second)),
					}
					ids = append(ids, callbackID)
				}
				entry := map[string]any{
					"matcher":         matcher.Matcher,
					"hookCallbackIds": ids,
				}
				if matcher.TimeoutSeconds > 0 {
					entry["timeout"] = matcher.TimeoutSeconds
				}
				entries = append(entries, entry)
			}
			hooksConfig[string(event)] = entries
		}
	}

	return b, hooksConfig
}

// hasCallbacks reports whether any remotely triggered callback is
// configured. When true, input teardown is gated on the in-flight
// response so a callback round-trip is not orphaned.
func (b *callbackBridge) hasCallbacks() bool {
	return len(b.hooks) > 0 || len(b.servers) > 0
}

// handle services one inbound control request and writes back exactly
// one control response. Callback panics and errors become error-subtype
// responses, never reader crashes.
func (b *callbackBridge) handle(ctx context.Context, req *wire.ControlRequest) {
	metrics.ControlRequestsReceived.WithLabelValues(req.Subtype).Inc()

	payload, err := b.dispatch(ctx, req)
	if err != nil {
		b.respondError(ctx, req.RequestID, err)
		return
	}
	b.respondSuccess(ctx, req.RequestID, payload)
}

func (b *callbackBridge) dispatch(ctx context.Context, req *wire.ControlRequest) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()

	switch req.Subtype {
	case "hook_callback":
		return b.handleHookCallback(ctx, req.Request)
	case "can_use_tool":
		return b.handleCanUseTool(ctx, req.Request)
	case "mcp_message":
		return b.handleMcpMessage(ctx, req.Request)
	default:
		return nil, fmt.Errorf("unsupported control request subtype %q", req.Subtype)
	}
}

func (b *callbackBridge) handleHookCallback(ctx context.Context, request map[string]any) (map[string]any, error) {
	callbackID, _ := request["callback_id"].(string)
	entry, ok := b.hooks[callbackID]
	if !ok {
		metrics.HookInvocations.WithLabelValues("unknown").Inc()
		return nil, fmt.Errorf("no hook callback registered for callback_id %q", callbackID)
	}

	input, _ := request["input"].(map[string]any)
	toolUseID, _ := request["tool_use_id"].(string)

	if entry.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.timeout)
		defer cancel()
	}

	output, err := runCallback(ctx, entry.callback, input, toolUseID)
	if err != nil {
		metrics.HookInvocations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("hook callback %s: %w", callbackID, err)
	}
	metrics.HookInvocations.WithLabelValues("ok").Inc()

	return normalizeHookOutput(output), nil
}

// runCallback races the callback against its deadline so a callback
// that ignores ctx cannot hold the response open past its timeout. The
// abandoned goroutine is left to finish on its own.
func runCallback(ctx context.Context, cb HookCallback, input map[string]any, toolUseID string) (map[string]any, error) {
	type result struct {
		output map[string]any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("callback panicked: %v", r)}
			}
		}()
		output, err := cb(ctx, input, toolUseID)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// normalizeHookOutput folds the trailing-underscore aliases used for
// the reserved words "continue" and "async" into their canonical keys.
// A canonical key already present wins over its alias.
func normalizeHookOutput(output map[string]any) map[string]any {
	if output == nil {
		return map[string]any{}
	}

	normalized := make(map[string]any, len(output))
	for k, v := range output {
		normalized[k] = v
	}
	for alias, canonical := range map[string]string{"continue_": "continue", "async_": "async"} {
		if v, ok := normalized[alias]; ok {
			if _, exists := normalized[canonical]; !exists {
				normalized[canonical] = v
			}
			delete(normalized, alias)
		}
	}
	return normalized
}

func (b *callbackBridge) handleCanUseTool(ctx context.Context, request map[string]any) (map[string]any, error) {
	toolName, ok := request["tool_name"].(string)
	if !ok {
		return nil, fmt.Errorf("can_use_tool request missing tool_name")
	}
	input, _ := request["input"].(map[string]any)

	var suggestions []PermissionUpdate
	if raw, ok := request["permission_suggestions"].([]any); ok {
		for _, entry := range raw {
			if m, ok := entry.(map[string]any); ok {
				suggestions = append(suggestions, PermissionUpdate(m))
			}
		}
	}

	// Without a configured callback every tool is allowed with its
	// input unchanged.
	var result PermissionResult = PermissionAllow{}
	if b.canUseTool != nil {
		var err error
		result, err = b.canUseTool(ctx, toolName, input, suggestions)
		if err != nil {
			return nil, fmt.Errorf("permission callback for %s: %w", toolName, err)
		}
	}

	switch decision := result.(type) {
	case PermissionAllow:
		metrics.PermissionChecks.WithLabelValues("allow").Inc()
		updatedInput := decision.UpdatedInput
		if updatedInput == nil {
			updatedInput = input
		}
		payload := map[string]any{
			"behavior":     "allow",
			"updatedInput": updatedInput,
		}
		if len(decision.UpdatedPermissions) > 0 {
			payload["updatedPermissions"] = decision.UpdatedPermissions
		}
		return payload, nil
	case PermissionDeny:
		metrics.PermissionChecks.WithLabelValues("deny").Inc()
		payload := map[string]any{
			"behavior": "deny",
			"message":  decision.Message,
		}
		if decision.Interrupt {
			payload["interrupt"] = true
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("permission callback for %s returned unknown result %T", toolName, result)
	}
}

func (b *callbackBridge) handleMcpMessage(ctx context.Context, request map[string]any) (map[string]any, error) {
	serverName, ok := request["server_name"].(string)
	if !ok {
		return nil, fmt.Errorf("mcp_message request missing server_name")
	}
	message, ok := request["message"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mcp_message request for %s has no message payload", serverName)
	}

	server, ok := b.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("no in-process MCP server registered as %q", serverName)
	}

	result, err := server.HandleMessage(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", serverName, err)
	}
	return map[string]any{"mcp_response": result}, nil
}

func (b *callbackBridge) respondSuccess(ctx context.Context, requestID string, payload map[string]any) {
	b.respond(ctx, map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   payload,
		},
	})
}

func (b *callbackBridge) respondError(ctx context.Context, requestID string, err error) {
	b.respond(ctx, map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      err.Error(),
		},
	})
}

func (b *callbackBridge) respond(ctx context.Context, envelope map[string]any) {
	line, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("marshal control response", "error", err)
		return
	}
	if err := b.write(ctx, line); err != nil {
		slog.Warn("write control response", "error", err)
	}
}
