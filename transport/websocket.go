package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

// WebSocketOptions configures a websocket channel to a remotely hosted
// agent.
type WebSocketOptions struct {
	URL string

	// DialTimeout bounds the total time spent dialing, including
	// retries. Zero selects 30 seconds.
	DialTimeout time.Duration

	// HTTPHeader values to send with the dial request, e.g. auth.
	Header map[string]string
}

// WebSocket carries the same newline-delimited records as the
// subprocess transport, one record per websocket text message. The dial
// is retried with exponential backoff because remote agent endpoints
// often come up moments after the client.
type WebSocket struct {
	opts WebSocketOptions

	conn   *websocket.Conn
	alive  atomic.Bool
	closed atomic.Bool

	writeMu sync.Mutex
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket returns an unconnected websocket transport.
func NewWebSocket(opts WebSocketOptions) *WebSocket {
	return &WebSocket{opts: opts}
}

// newDialBackoff creates an exponential backoff: 250ms → 5s, multiplier 2x, ±20% jitter.
func newDialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Connect dials the endpoint, retrying transient failures until
// DialTimeout elapses.
func (w *WebSocket) Connect(ctx context.Context) error {
	if w.conn != nil {
		return errors.New("websocket already connected")
	}

	timeout := w.opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialOpts := &websocket.DialOptions{}
	if len(w.opts.Header) > 0 {
		dialOpts.HTTPHeader = make(map[string][]string, len(w.opts.Header))
		for k, v := range w.opts.Header {
			dialOpts.HTTPHeader[k] = []string{v}
		}
	}

	bo := newDialBackoff()
	for {
		conn, _, err := websocket.Dial(ctx, w.opts.URL, dialOpts)
		if err == nil {
			// Control requests can carry large tool payloads.
			conn.SetReadLimit(16 * 1024 * 1024)
			w.conn = conn
			w.alive.Store(true)
			return nil
		}

		interval := bo.NextBackOff()
		slog.Debug("websocket dial failed, retrying", "url", w.opts.URL, "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return fmt.Errorf("dial %s: %w", w.opts.URL, err)
		case <-time.After(interval):
		}
	}
}

// Write sends one record as a single text message.
func (w *WebSocket) Write(ctx context.Context, line []byte) error {
	if w.conn == nil {
		return errors.New("websocket not connected")
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.Write(ctx, websocket.MessageText, line); err != nil {
		w.alive.Store(false)
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// ReadChunk returns the next websocket message. A normal closure maps
// to io.EOF so the engine's end-of-stream handling matches the
// subprocess transport.
func (w *WebSocket) ReadChunk(ctx context.Context) ([]byte, error) {
	if w.conn == nil {
		return nil, errors.New("websocket not connected")
	}

	_, data, err := w.conn.Read(ctx)
	if err != nil {
		w.alive.Store(false)
		if w.closed.Load() || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// Alive reports whether the connection is still usable.
func (w *WebSocket) Alive() bool {
	return w.alive.Load()
}

// EndInput is a no-op for websockets: there is no half-close on the
// message layer, and the peer treats the eventual close as the end of
// input.
func (w *WebSocket) EndInput() error {
	return nil
}

// Close closes the connection with a normal-closure status. Idempotent.
func (w *WebSocket) Close() error {
	if w.conn == nil || !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.alive.Store(false)
	return w.conn.Close(websocket.StatusNormalClosure, "client closing")
}
