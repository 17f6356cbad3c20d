// Package wire defines the stream-json record types exchanged with an
// agent CLI and the framing/parsing layer that reconstructs them from a
// raw byte stream.
package wire

// MessageType is the value of the `type` discriminator carried by every
// NDJSON record.
type MessageType string

const (
	TypeUser                 MessageType = "user"
	TypeAssistant            MessageType = "assistant"
	TypeSystem               MessageType = "system"
	TypeResult               MessageType = "result"
	TypeStreamEvent          MessageType = "stream_event"
	TypeControlRequest       MessageType = "control_request"
	TypeControlResponse      MessageType = "control_response"
	TypeControlCancelRequest MessageType = "control_cancel_request"
)

// Message is the closed set of decoded record variants. Every variant
// keeps the raw decoded envelope in Raw for diagnostics.
type Message interface {
	MessageType() MessageType
}

// ContentBlock is the closed set of content variants composing user and
// assistant messages.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain assistant/user text.
type TextBlock struct {
	Text string
}

func (TextBlock) BlockType() string { return "text" }

// ThinkingBlock carries extended-thinking output. Signature is optional
// on the wire.
type ThinkingBlock struct {
	Thinking  string
	Signature string
}

func (ThinkingBlock) BlockType() string { return "thinking" }

// ToolUseBlock is a tool invocation requested by the model. Input is the
// raw structured value from the wire, not validated locally.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

func (ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock references an earlier tool use. Content is a string,
// an array, or nil -- whatever the peer sent. The referenced tool-use id
// is trusted, not validated against the local conversation.
type ToolResultBlock struct {
	ToolUseID string
	IsError   *bool
	Content   any
}

func (ToolResultBlock) BlockType() string { return "tool_result" }

// UserMessage is a conversational user turn. Content is either a plain
// string or a []ContentBlock (tool results come back as blocks).
type UserMessage struct {
	Content         any
	ParentToolUseID *string
	SessionID       string
	Raw             map[string]any
}

func (*UserMessage) MessageType() MessageType { return TypeUser }

// AssistantMessage is a conversational assistant turn.
type AssistantMessage struct {
	Content         []ContentBlock
	Model           string
	ParentToolUseID *string
	SessionID       string
	Raw             map[string]any
}

func (*AssistantMessage) MessageType() MessageType { return TypeAssistant }

// SystemMessage carries out-of-band lifecycle records (e.g. the init
// record with the session id). Payload fields stay in Raw.
type SystemMessage struct {
	Subtype   string
	SessionID string
	Raw       map[string]any
}

func (*SystemMessage) MessageType() MessageType { return TypeSystem }

// ResultMessage terminates one response cycle. Telemetry fields are each
// independently optional on the wire.
type ResultMessage struct {
	Subtype          string
	DurationMS       int64
	DurationAPIMS    int64
	IsError          bool
	NumTurns         int
	SessionID        string
	UUID             string
	TotalCostUSD     *float64
	Usage            map[string]any
	Result           *string
	StructuredOutput any
	Raw              map[string]any
}

func (*ResultMessage) MessageType() MessageType { return TypeResult }

// StreamEvent is a partial-output event emitted during streaming. Event
// holds the event payload regardless of which wire shape (nested object
// or flat string+data) produced it.
type StreamEvent struct {
	UUID            string
	SessionID       string
	ParentToolUseID *string
	Event           map[string]any
	Raw             map[string]any
}

func (*StreamEvent) MessageType() MessageType { return TypeStreamEvent }

// ControlRequest is one side of the control RPC sub-protocol: either a
// request we are about to send, or an inbound callback request from the
// peer (hook_callback, can_use_tool, mcp_message).
type ControlRequest struct {
	RequestID string
	Subtype   string
	Request   map[string]any
	Raw       map[string]any
}

func (*ControlRequest) MessageType() MessageType { return TypeControlRequest }

// ControlResponse answers a ControlRequest, matched purely by request id.
type ControlResponse struct {
	RequestID string
	Subtype   string
	Response  map[string]any
	Error     string
	Raw       map[string]any
}

func (*ControlResponse) MessageType() MessageType { return TypeControlResponse }

// ControlCancelRequest withdraws an in-flight inbound control request.
type ControlCancelRequest struct {
	RequestID string
	Raw       map[string]any
}

func (*ControlCancelRequest) MessageType() MessageType { return TypeControlCancelRequest }
