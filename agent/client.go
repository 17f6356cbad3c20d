package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire/agentwire/internal/metrics"
	"github.com/agentwire/agentwire/transport"
	"github.com/agentwire/agentwire/wire"
)

// Client is a single connection to an agent CLI. A Client is safe for
// concurrent use; one reader goroutine owns the transport's read side
// for the connection's lifetime.
type Client struct {
	opts   Options
	tr     transport.Transport
	ctrl   *correlator
	bridge *callbackBridge
	queue  *messageQueue

	// readerDone closes when the read loop exits for any reason.
	readerDone chan struct{}

	// responseDone closes when the current response cycle finishes.
	// Each query re-arms it, and Close waits on it before shutting
	// down input when callbacks are configured, so an in-flight
	// callback round-trip can finish. It starts closed: with no query
	// in flight there is nothing to wait for.
	gateMu       sync.Mutex
	responseDone chan struct{}

	mu        sync.Mutex
	sessionID string
	connected bool
	closed    bool
}

// NewClient builds an unconnected client. Call Connect before Query.
func NewClient(opts Options) *Client {
	c := &Client{
		opts:       opts,
		ctrl:       newCorrelator(),
		queue:      newMessageQueue(),
		readerDone: make(chan struct{}),
	}
	c.responseDone = make(chan struct{})
	close(c.responseDone)
	c.bridge, _ = newCallbackBridge(opts, c.writeLine)
	return c
}

// Connect establishes the transport, starts the read loop, and runs the
// initialize handshake. It must be called exactly once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("agent: client already connected")
	}
	c.connected = true
	c.mu.Unlock()

	tr := c.opts.Transport
	if tr == nil {
		tr = transport.NewSubprocess(c.opts.subprocessOptions())
	}
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	var hooksConfig map[string]any
	c.bridge, hooksConfig = newCallbackBridge(c.opts, c.writeLine)

	go c.readLoop()

	initReq := map[string]any{}
	if hooksConfig != nil {
		initReq["hooks"] = hooksConfig
	}
	if _, err := c.ctrl.SendRequest(ctx, c.writeLine, "initialize", initReq, c.opts.controlTimeout()); err != nil {
		c.tr.Close()
		<-c.readerDone
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func (c *Client) writeLine(ctx context.Context, line []byte) error {
	return c.tr.Write(ctx, line)
}

// readLoop owns the transport's read side: it frames chunks into
// records, dispatches control traffic, and queues everything else for
// the consumer. It exits on transport EOF, transport error, or buffer
// overflow; the teardown order makes consumers observe the stream end
// before any pending control request is rejected.
func (c *Client) readLoop() {
	framer := wire.NewFramer(c.opts.MaxBufferSize)

	var cause error
	for {
		chunk, err := c.tr.ReadChunk(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}

		msgs, perr := framer.AddData(chunk)
		for _, msg := range msgs {
			metrics.LinesParsed.Inc()
			c.dispatch(msg)
		}
		if perr != nil {
			var overflow *wire.BufferOverflowError
			if errors.As(perr, &overflow) {
				metrics.ParseErrors.WithLabelValues("overflow").Inc()
				cause = overflow
				break
			}
			metrics.ParseErrors.WithLabelValues("line").Inc()
			slog.Debug("dropped malformed lines", "error", perr)
		}
	}

	if cause != nil {
		slog.Warn("read loop terminated", "error", cause)
	}

	c.queue.Stop()
	c.ctrl.Shutdown(cause)
	c.releaseResponseGate()
	close(c.readerDone)
}

func (c *Client) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.ControlResponse:
		c.ctrl.HandleResponse(m)
	case *wire.ControlRequest:
		c.bridge.handle(context.Background(), m)
	case *wire.ControlCancelRequest:
		slog.Debug("control cancel ignored", "request_id", m.RequestID)
	case *wire.ResultMessage:
		c.noteSession(m.SessionID)
		metrics.MessagesDelivered.WithLabelValues(string(wire.TypeResult)).Inc()
		c.queue.Push(m)
		c.queue.EndResponse()
		c.releaseResponseGate()
	case *wire.SystemMessage:
		c.noteSession(m.SessionID)
		metrics.MessagesDelivered.WithLabelValues(string(wire.TypeSystem)).Inc()
		c.queue.Push(m)
	case *wire.AssistantMessage:
		c.noteSession(m.SessionID)
		metrics.MessagesDelivered.WithLabelValues(string(wire.TypeAssistant)).Inc()
		c.queue.Push(m)
	case *wire.StreamEvent:
		c.noteSession(m.SessionID)
		metrics.MessagesDelivered.WithLabelValues(string(wire.TypeStreamEvent)).Inc()
		c.queue.Push(m)
	default:
		metrics.MessagesDelivered.WithLabelValues(string(msg.MessageType())).Inc()
		c.queue.Push(msg)
	}
}

// armResponseGate opens a fresh gate for the response cycle a query is
// about to start. Re-arming per query keeps Close honest across
// multiple turns: only the active cycle's result releases it.
func (c *Client) armResponseGate() {
	c.gateMu.Lock()
	select {
	case <-c.responseDone:
		c.responseDone = make(chan struct{})
	default:
		// Previous cycle never completed; keep waiting on its gate.
	}
	c.gateMu.Unlock()
}

func (c *Client) releaseResponseGate() {
	c.gateMu.Lock()
	select {
	case <-c.responseDone:
	default:
		close(c.responseDone)
	}
	c.gateMu.Unlock()
}

func (c *Client) currentResponseGate() chan struct{} {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	return c.responseDone
}

func (c *Client) noteSession(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// SessionID returns the session identifier most recently observed on
// the stream, or empty before the first stamped record arrives.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Query sends one user prompt. Responses arrive on the message stream.
func (c *Client) Query(ctx context.Context, prompt string) error {
	return c.QueryContent(ctx, prompt)
}

// QueryContent sends a user turn with arbitrary content: a string or a
// slice of content block maps in the wire shape.
func (c *Client) QueryContent(ctx context.Context, content any) error {
	c.queue.BeginResponse()
	c.armResponseGate()

	envelope := map[string]any{
		"type": string(wire.TypeUser),
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	if sid := c.SessionID(); sid != "" {
		envelope["session_id"] = sid
	}
	line, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	return c.writeLine(ctx, line)
}

// ReceiveMessages yields every record on the stream until the stream
// closes. End-of-response markers are skipped; use ReceiveResponse to
// stop at a result.
func (c *Client) ReceiveMessages(ctx context.Context) iter.Seq2[wire.Message, error] {
	return func(yield func(wire.Message, error) bool) {
		for {
			msg, err := c.queue.Next(ctx)
			if errors.Is(err, ErrEndOfResponse) {
				continue
			}
			if err != nil {
				if !errors.Is(err, ErrStreamClosed) {
					yield(nil, err)
				}
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// ReceiveResponse yields records until the current response ends. The
// result record is the last yielded message.
func (c *Client) ReceiveResponse(ctx context.Context) iter.Seq2[wire.Message, error] {
	return func(yield func(wire.Message, error) bool) {
		for {
			msg, err := c.queue.Next(ctx)
			if errors.Is(err, ErrEndOfResponse) {
				return
			}
			if err != nil {
				if !errors.Is(err, ErrStreamClosed) {
					yield(nil, err)
				}
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Interrupt asks the peer to abort the in-flight turn.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.ctrl.SendRequest(ctx, c.writeLine, "interrupt", nil, c.opts.controlTimeout())
	return err
}

// SetPermissionMode switches the peer's permission mode mid-session.
func (c *Client) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	_, err := c.ctrl.SendRequest(ctx, c.writeLine, "set_permission_mode",
		map[string]any{"mode": string(mode)}, c.opts.controlTimeout())
	return err
}

// SetModel switches the model for subsequent turns. An empty model
// restores the peer's default.
func (c *Client) SetModel(ctx context.Context, model string) error {
	payload := map[string]any{}
	if model != "" {
		payload["model"] = model
	}
	_, err := c.ctrl.SendRequest(ctx, c.writeLine, "set_model", payload, c.opts.controlTimeout())
	return err
}

// Close shuts the connection down. When callbacks are configured it
// first waits, bounded by CloseInputTimeout, for the in-flight response
// to finish so a pending callback round-trip is not severed mid-way.
// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed || c.tr == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.bridge.hasCallbacks() {
		select {
		case <-c.currentResponseGate():
		case <-c.readerDone:
		case <-time.After(c.opts.closeInputTimeout()):
			slog.Debug("close input timeout elapsed with response still in flight")
		}
	}
	c.tr.EndInput()

	err := c.tr.Close()
	<-c.readerDone
	return err
}
