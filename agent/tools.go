package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ToolHandler executes one tool call. The returned map is sent back as
// the MCP tool result content; returning an error produces an isError
// tool result rather than a protocol failure.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool couples a tool's metadata with its handler. InputType, when
// non-nil, is a struct value whose fields are reflected into the
// tool's input schema.
type Tool struct {
	Name        string
	Description string
	InputType   any
	Handler     ToolHandler
}

// ToolServer is an in-process MCP server backed by a fixed set of
// tools. It implements McpServer, answering the JSON-RPC subset the
// peer sends over mcp_message control requests: initialize,
// tools/list, and tools/call.
type ToolServer struct {
	name    string
	version string
	tools   map[string]Tool
	order   []string
}

// NewToolServer builds a server named name. Tool names must be unique.
func NewToolServer(name, version string, tools ...Tool) (*ToolServer, error) {
	s := &ToolServer{
		name:    name,
		version: version,
		tools:   make(map[string]Tool, len(tools)),
	}
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool server %s: tool with empty name", name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool server %s: tool %s has no handler", name, t.Name)
		}
		if _, dup := s.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool server %s: duplicate tool %s", name, t.Name)
		}
		s.tools[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// HandleMessage services one JSON-RPC message and returns the response
// object. Notifications (no id) return an empty map.
func (s *ToolServer) HandleMessage(ctx context.Context, message map[string]any) (map[string]any, error) {
	method, _ := message["method"].(string)
	id, hasID := message["id"]
	if !hasID {
		// Notification, nothing to answer.
		return map[string]any{}, nil
	}

	params, _ := message["params"].(map[string]any)

	var (
		result map[string]any
		err    error
	)
	switch method {
	case "initialize":
		result = s.initializeResult()
	case "tools/list":
		result = s.listResult()
	case "tools/call":
		result, err = s.callResult(ctx, params)
	default:
		return rpcError(id, -32601, fmt.Sprintf("method not found: %s", method)), nil
	}
	if err != nil {
		return rpcError(id, -32603, err.Error()), nil
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}, nil
}

func (s *ToolServer) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	}
}

func (s *ToolServer) listResult() map[string]any {
	list := make([]map[string]any, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		list = append(list, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": inputSchema(t.InputType),
		})
	}
	return map[string]any{"tools": list}
}

func (s *ToolServer) callResult(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	t, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	args, _ := params["arguments"].(map[string]any)

	out, err := t.Handler(ctx, args)
	if err != nil {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		}, nil
	}

	text, merr := json.Marshal(out)
	if merr != nil {
		return nil, fmt.Errorf("marshal result of tool %s: %w", name, merr)
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	}, nil
}

// inputSchema reflects a struct value into a JSON schema object. A nil
// input type means the tool takes no arguments.
func inputSchema(inputType any) map[string]any {
	if inputType == nil {
		return map[string]any{"type": "object"}
	}

	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(inputType)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(obj, "$schema")
	return obj
}

func rpcError(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
