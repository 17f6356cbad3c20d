package wire

import (
	"encoding/json"
	"fmt"
)

// ParseMessage decodes one complete NDJSON line into a typed Message.
// It is a pure function: the envelope is decoded generically, the
// required `type` discriminator is read, and the per-type decoder runs.
// A broken envelope yields a DecodeError; a recognized-but-unsupported
// type or a missing required field yields a ParseError carrying the
// decoded envelope.
func ParseMessage(line []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &DecodeError{Line: line, Err: err}
	}
	return parseEnvelope(raw)
}

func parseEnvelope(raw map[string]any) (Message, error) {
	typ, ok := raw["type"].(string)
	if !ok {
		return nil, &ParseError{Reason: "missing type discriminator", Raw: raw}
	}

	switch MessageType(typ) {
	case TypeUser:
		return parseUser(raw)
	case TypeAssistant:
		return parseAssistant(raw)
	case TypeSystem:
		return parseSystem(raw)
	case TypeResult:
		return parseResult(raw)
	case TypeStreamEvent:
		return parseStreamEvent(raw)
	case TypeControlRequest:
		return parseControlRequest(raw)
	case TypeControlResponse:
		return parseControlResponse(raw)
	case TypeControlCancelRequest:
		return parseControlCancel(raw)
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported message type %q", typ), Raw: raw}
	}
}

// payloadOf unwraps the optional one-level-deep "message" wrapper used
// by assistant and user records. When absent, fields are read from the
// top level directly.
func payloadOf(raw map[string]any) map[string]any {
	if inner, ok := raw["message"].(map[string]any); ok {
		return inner
	}
	return raw
}

func parseUser(raw map[string]any) (Message, error) {
	payload := payloadOf(raw)

	m := &UserMessage{
		ParentToolUseID: optStringPtr(raw, "parent_tool_use_id"),
		SessionID:       optString(raw, "session_id"),
		Raw:             raw,
	}

	switch content := payload["content"].(type) {
	case string:
		m.Content = content
	case []any:
		blocks, err := parseBlocks(content, raw)
		if err != nil {
			return nil, err
		}
		m.Content = blocks
	case nil:
		return nil, &ParseError{Reason: "user message missing content", Raw: raw}
	default:
		return nil, &ParseError{Reason: "user message content must be string or array", Raw: raw}
	}
	return m, nil
}

func parseAssistant(raw map[string]any) (Message, error) {
	payload := payloadOf(raw)

	content, ok := payload["content"].([]any)
	if !ok {
		return nil, &ParseError{Reason: "assistant message missing content array", Raw: raw}
	}
	blocks, err := parseBlocks(content, raw)
	if err != nil {
		return nil, err
	}

	return &AssistantMessage{
		Content:         blocks,
		Model:           optString(payload, "model"),
		ParentToolUseID: optStringPtr(raw, "parent_tool_use_id"),
		SessionID:       optString(raw, "session_id"),
		Raw:             raw,
	}, nil
}

func parseBlocks(items []any, raw map[string]any) ([]ContentBlock, error) {
	blocks := make([]ContentBlock, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, &ParseError{Reason: "content block is not an object", Raw: raw}
		}
		typ, _ := entry["type"].(string)

		switch typ {
		case "text":
			blocks = append(blocks, TextBlock{Text: optString(entry, "text")})
		case "thinking":
			blocks = append(blocks, ThinkingBlock{
				Thinking:  optString(entry, "thinking"),
				Signature: optString(entry, "signature"),
			})
		case "tool_use":
			input, _ := entry["input"].(map[string]any)
			blocks = append(blocks, ToolUseBlock{
				ID:    optString(entry, "id"),
				Name:  optString(entry, "name"),
				Input: input,
			})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{
				ToolUseID: optString(entry, "tool_use_id"),
				IsError:   optBoolPtr(entry, "is_error"),
				Content:   entry["content"],
			})
		default:
			return nil, &ParseError{Reason: fmt.Sprintf("unknown content block type %q", typ), Raw: raw}
		}
	}
	return blocks, nil
}

func parseSystem(raw map[string]any) (Message, error) {
	return &SystemMessage{
		Subtype:   optString(raw, "subtype"),
		SessionID: optString(raw, "session_id"),
		Raw:       raw,
	}, nil
}

func parseResult(raw map[string]any) (Message, error) {
	sessionID, ok := raw["session_id"].(string)
	if !ok {
		return nil, &ParseError{Reason: "result message missing session_id", Raw: raw}
	}

	m := &ResultMessage{
		Subtype:       optString(raw, "subtype"),
		DurationMS:    optInt64(raw, "duration_ms"),
		DurationAPIMS: optInt64(raw, "duration_api_ms"),
		IsError:       optBool(raw, "is_error"),
		NumTurns:      int(optInt64(raw, "num_turns")),
		SessionID:     sessionID,
		UUID:          optString(raw, "uuid"),
		Raw:           raw,
	}

	if usage, ok := raw["usage"].(map[string]any); ok {
		m.Usage = usage
	}
	if v, ok := raw["result"].(string); ok {
		m.Result = &v
	}
	if v, ok := raw["structured_output"]; ok {
		m.StructuredOutput = v
	}

	// Cost comes either from a nested "cost" object or from a flat
	// "total_cost_usd" field; the flat field wins when both are present.
	if cost, ok := raw["cost"].(map[string]any); ok {
		if v, ok := toFloat(cost["total_cost_usd"]); ok {
			m.TotalCostUSD = &v
		}
	}
	if v, ok := toFloat(raw["total_cost_usd"]); ok {
		m.TotalCostUSD = &v
	}

	return m, nil
}

func parseStreamEvent(raw map[string]any) (Message, error) {
	ev := &StreamEvent{Raw: raw}

	// Two wire shapes exist: a nested "event" object carrying its own
	// auxiliary fields, or a flat "event" string with an optional "data"
	// object holding them.
	var aux map[string]any
	switch event := raw["event"].(type) {
	case map[string]any:
		ev.Event = event
		aux = event
	case string:
		ev.Event = map[string]any{"type": event}
		if data, ok := raw["data"].(map[string]any); ok {
			for k, v := range data {
				if _, exists := ev.Event[k]; !exists {
					ev.Event[k] = v
				}
			}
			aux = data
		}
	default:
		return nil, &ParseError{Reason: "stream event missing event payload", Raw: raw}
	}

	if aux != nil {
		ev.UUID = optString(aux, "uuid")
		ev.SessionID = optString(aux, "session_id")
		ev.ParentToolUseID = optStringPtr(aux, "parent_tool_use_id")
	}

	// Top-level auxiliary fields always take priority over nested ones.
	if v, ok := raw["uuid"].(string); ok {
		ev.UUID = v
	}
	if v, ok := raw["session_id"].(string); ok {
		ev.SessionID = v
	}
	if v, ok := raw["parent_tool_use_id"].(string); ok {
		ev.ParentToolUseID = &v
	}

	return ev, nil
}

func parseControlRequest(raw map[string]any) (Message, error) {
	requestID, ok := raw["request_id"].(string)
	if !ok {
		return nil, &ParseError{Reason: "control request missing request_id", Raw: raw}
	}
	request, ok := raw["request"].(map[string]any)
	if !ok {
		return nil, &ParseError{Reason: "control request missing request payload", Raw: raw}
	}
	return &ControlRequest{
		RequestID: requestID,
		Subtype:   optString(request, "subtype"),
		Request:   request,
		Raw:       raw,
	}, nil
}

func parseControlResponse(raw map[string]any) (Message, error) {
	response, ok := raw["response"].(map[string]any)
	if !ok {
		return nil, &ParseError{Reason: "control response missing response payload", Raw: raw}
	}
	requestID, ok := response["request_id"].(string)
	if !ok {
		return nil, &ParseError{Reason: "control response missing request_id", Raw: raw}
	}
	m := &ControlResponse{
		RequestID: requestID,
		Subtype:   optString(response, "subtype"),
		Error:     optString(response, "error"),
		Raw:       raw,
	}
	if payload, ok := response["response"].(map[string]any); ok {
		m.Response = payload
	}
	return m, nil
}

func parseControlCancel(raw map[string]any) (Message, error) {
	requestID, ok := raw["request_id"].(string)
	if !ok {
		return nil, &ParseError{Reason: "control cancel missing request_id", Raw: raw}
	}
	return &ControlCancelRequest{RequestID: requestID, Raw: raw}, nil
}

func optString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func optStringPtr(m map[string]any, key string) *string {
	if v, ok := m[key].(string); ok {
		return &v
	}
	return nil
}

func optBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func optBoolPtr(m map[string]any, key string) *bool {
	if v, ok := m[key].(bool); ok {
		return &v
	}
	return nil
}

func optInt64(m map[string]any, key string) int64 {
	if v, ok := toFloat(m[key]); ok {
		return int64(v)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
