package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire/internal/util/testutil"
	"github.com/agentwire/agentwire/wire"
)

// fakeTransport is an in-memory transport: written lines are captured
// and inspectable, read chunks come from a script channel. Control
// requests can be auto-answered to let the handshake complete.
type fakeTransport struct {
	mu       sync.Mutex
	written  [][]byte
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	// autoRespond answers every outgoing control_request with a success
	// response carrying this payload.
	autoRespond bool
	respondWith map[string]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }
func (f *fakeTransport) Alive() bool                   { return true }
func (f *fakeTransport) EndInput() error               { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Write(_ context.Context, line []byte) error {
	cp := append([]byte(nil), line...)
	f.mu.Lock()
	f.written = append(f.written, cp)
	auto := f.autoRespond
	f.mu.Unlock()

	if auto {
		var envelope struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		}
		if json.Unmarshal(cp, &envelope) == nil && envelope.Type == "control_request" {
			f.feed(map[string]any{
				"type": "control_response",
				"response": map[string]any{
					"subtype":    "success",
					"request_id": envelope.RequestID,
					"response":   f.respondWith,
				},
			})
		}
	}
	return nil
}

func (f *fakeTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-f.incoming:
		return chunk, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// feed queues one record, newline-framed, for the read loop.
func (f *fakeTransport) feed(record map[string]any) {
	line, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	f.incoming <- append(line, '\n')
}

func (f *fakeTransport) feedRaw(line string) {
	f.incoming <- []byte(line)
}

// writtenEnvelopes decodes every captured line.
func (f *fakeTransport) writtenEnvelopes(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.written))
	for _, line := range f.written {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func connectedClient(t *testing.T, opts Options) (*Client, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	tr.autoRespond = true
	opts.Transport = tr
	c := NewClient(opts)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c, tr
}

func TestConnectSendsInitialize(t *testing.T) {
	_, tr := connectedClient(t, Options{})

	envelopes := tr.writtenEnvelopes(t)
	require.NotEmpty(t, envelopes)
	first := envelopes[0]
	assert.Equal(t, "control_request", first["type"])
	request := first["request"].(map[string]any)
	assert.Equal(t, "initialize", request["subtype"])
}

func TestConnectSendsHookRegistry(t *testing.T) {
	cb := func(ctx context.Context, input map[string]any, toolUseID string) (map[string]any, error) {
		return nil, nil
	}
	_, tr := connectedClient(t, Options{
		Hooks: map[HookEvent][]HookMatcher{
			HookPreToolUse: {{Matcher: "Bash", Hooks: []HookCallback{cb}}},
		},
	})

	request := tr.writtenEnvelopes(t)[0]["request"].(map[string]any)
	hooks, ok := request["hooks"].(map[string]any)
	require.True(t, ok, "initialize carries no hooks registry")
	entries := hooks["PreToolUse"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "Bash", entry["matcher"])
	assert.Equal(t, []any{"hook_0"}, entry["hookCallbackIds"])
}

func TestQueryWritesUserEnvelope(t *testing.T) {
	c, tr := connectedClient(t, Options{})

	require.NoError(t, c.Query(context.Background(), "hello"))

	envelopes := tr.writtenEnvelopes(t)
	last := envelopes[len(envelopes)-1]
	assert.Equal(t, "user", last["type"])
	message := last["message"].(map[string]any)
	assert.Equal(t, "user", message["role"])
	assert.Equal(t, "hello", message["content"])
	_, hasSession := last["session_id"]
	assert.False(t, hasSession, "no session id before one is observed")
}

func TestQueryStampsKnownSessionID(t *testing.T) {
	c, tr := connectedClient(t, Options{})

	tr.feed(map[string]any{"type": "system", "subtype": "init", "session_id": "sess_1"})
	testutil.RequireEventually(t, func() bool { return c.SessionID() == "sess_1" },
		"session id never observed")

	require.NoError(t, c.Query(context.Background(), "hello"))
	envelopes := tr.writtenEnvelopes(t)
	last := envelopes[len(envelopes)-1]
	assert.Equal(t, "sess_1", last["session_id"])
}

func TestReceiveResponseStopsAtResult(t *testing.T) {
	c, tr := connectedClient(t, Options{})
	require.NoError(t, c.Query(context.Background(), "hi"))

	tr.feed(map[string]any{
		"type":       "assistant",
		"session_id": "sess_1",
		"message": map[string]any{
			"model":   "claude-sonnet-4-5",
			"content": []any{map[string]any{"type": "text", "text": "hey"}},
		},
	})
	tr.feed(map[string]any{
		"type":        "result",
		"subtype":     "success",
		"session_id":  "sess_1",
		"is_error":    false,
		"num_turns":   1,
		"duration_ms": 42,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []wire.Message
	for msg, err := range c.ReceiveResponse(ctx) {
		require.NoError(t, err)
		got = append(got, msg)
	}
	require.Len(t, got, 2)
	assert.Equal(t, wire.TypeAssistant, got[0].MessageType())
	assert.Equal(t, wire.TypeResult, got[1].MessageType())
}

func TestCloseWaitsForActiveQueryResult(t *testing.T) {
	cb := func(ctx context.Context, input map[string]any, toolUseID string) (map[string]any, error) {
		return nil, nil
	}
	c, tr := connectedClient(t, Options{
		CloseInputTimeout: 300 * time.Millisecond,
		Hooks: map[HookEvent][]HookMatcher{
			HookPreToolUse: {{Matcher: "", Hooks: []HookCallback{cb}}},
		},
	})

	// Complete a first turn.
	require.NoError(t, c.Query(context.Background(), "one"))
	tr.feed(map[string]any{"type": "result", "subtype": "success", "session_id": "s"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, err := range c.ReceiveResponse(ctx) {
		require.NoError(t, err)
	}

	// Second turn never produces a result, so Close must hold input
	// open for the full timeout, not skip the wait because an earlier
	// turn already finished.
	require.NoError(t, c.Query(context.Background(), "two"))

	start := time.Now()
	require.NoError(t, c.Close())
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond,
		"Close shut down input without waiting for the active response")
}

func TestReceiveMessagesSpansResponses(t *testing.T) {
	c, tr := connectedClient(t, Options{})

	tr.feed(map[string]any{"type": "result", "subtype": "success", "session_id": "s"})
	tr.feed(map[string]any{"type": "system", "subtype": "info", "session_id": "s"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []wire.Message
	for msg, err := range c.ReceiveMessages(ctx) {
		require.NoError(t, err)
		got = append(got, msg)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, wire.TypeResult, got[0].MessageType())
	assert.Equal(t, wire.TypeSystem, got[1].MessageType())
}

func TestInboundControlRequestAnswered(t *testing.T) {
	called := make(chan string, 1)
	cb := func(ctx context.Context, input map[string]any, toolUseID string) (map[string]any, error) {
		called <- toolUseID
		return map[string]any{"decision": "approve"}, nil
	}
	_, tr := connectedClient(t, Options{
		Hooks: map[HookEvent][]HookMatcher{
			HookPreToolUse: {{Matcher: "", Hooks: []HookCallback{cb}}},
		},
	})

	tr.feed(map[string]any{
		"type":       "control_request",
		"request_id": "srv_req_1",
		"request": map[string]any{
			"subtype":     "hook_callback",
			"callback_id": "hook_0",
			"input":       map[string]any{},
			"tool_use_id": "tu_9",
		},
	})

	select {
	case id := <-called:
		assert.Equal(t, "tu_9", id)
	case <-time.After(5 * time.Second):
		t.Fatal("hook callback never invoked")
	}

	testutil.RequireEventually(t, func() bool {
		for _, env := range tr.writtenEnvelopes(t) {
			if env["type"] != "control_response" {
				continue
			}
			resp := env["response"].(map[string]any)
			if resp["request_id"] == "srv_req_1" {
				return resp["subtype"] == "success"
			}
		}
		return false
	}, "control response never written")
}

func TestMalformedLineDoesNotKillStream(t *testing.T) {
	c, tr := connectedClient(t, Options{})

	tr.feedRaw("{not json}\n")
	tr.feed(map[string]any{"type": "system", "subtype": "init", "session_id": "s"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := c.queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSystem, msg.MessageType())
}

func TestBufferOverflowClosesStream(t *testing.T) {
	c, tr := connectedClient(t, Options{MaxBufferSize: 64})

	tr.feedRaw(fmt.Sprintf("{\"type\":\"system\",\"subtype\":\"%0128d\"", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.queue.Next(ctx)
	require.ErrorIs(t, err, ErrStreamClosed)

	// Pending and future control requests observe the shutdown.
	err = c.Interrupt(context.Background())
	var shutdown *ControlShutdownError
	require.ErrorAs(t, err, &shutdown)
}

func TestTransportEOFShutsDownCleanly(t *testing.T) {
	c, tr := connectedClient(t, Options{})

	tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.queue.Next(ctx)
	require.ErrorIs(t, err, ErrStreamClosed)
	require.NoError(t, c.Close())
}

func TestSetPermissionModeAndModel(t *testing.T) {
	c, tr := connectedClient(t, Options{})

	require.NoError(t, c.SetPermissionMode(context.Background(), PermissionModeAcceptEdits))
	require.NoError(t, c.SetModel(context.Background(), "claude-opus-4-5"))

	var subtypes []string
	for _, env := range tr.writtenEnvelopes(t) {
		if env["type"] == "control_request" {
			request := env["request"].(map[string]any)
			subtypes = append(subtypes, request["subtype"].(string))
		}
	}
	assert.Equal(t, []string{"initialize", "set_permission_mode", "set_model"}, subtypes)
}
