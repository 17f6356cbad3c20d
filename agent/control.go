package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentwire/agentwire/internal/id"
	"github.com/agentwire/agentwire/internal/metrics"
	"github.com/agentwire/agentwire/wire"
)

// responseOutcome is the single resolution of a pending control
// request.
type responseOutcome struct {
	payload map[string]any
	err     error
}

// writeFunc sends one framed record to the peer.
type writeFunc func(ctx context.Context, line []byte) error

// correlator matches asynchronous control responses to their
// originating requests by id. Each pending slot resolves at most once;
// every slot is resolved, rejected, or evicted before the correlator
// is done with it.
type correlator struct {
	counter atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan responseOutcome
	closed   bool
	closeErr error
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan responseOutcome)}
}

// nextRequestID generates a unique request id. Uniqueness comes from
// the monotonic counter; the random suffix is cosmetic.
func (c *correlator) nextRequestID() string {
	return fmt.Sprintf("req_%d_%s", c.counter.Add(1), id.Suffix())
}

// SendRequest frames and writes one control request, then blocks until
// the matching response arrives, the timeout elapses, or the context is
// canceled. The pending slot is registered before the write so a fast
// reply cannot race past it. timeout <= 0 blocks until resolution or
// context cancellation.
func (c *correlator) SendRequest(ctx context.Context, write writeFunc, subtype string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	requestID := c.nextRequestID()

	ch := make(chan responseOutcome, 1)
	if err := c.register(requestID, ch); err != nil {
		return nil, err
	}

	request := map[string]any{"subtype": subtype}
	for k, v := range payload {
		request[k] = v
	}
	line, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    request,
	})
	if err != nil {
		c.deregister(requestID)
		return nil, fmt.Errorf("marshal control request: %w", err)
	}

	if err := write(ctx, line); err != nil {
		c.deregister(requestID)
		return nil, fmt.Errorf("send control request %q: %w", subtype, err)
	}
	metrics.ControlRequestsSent.WithLabelValues(subtype).Inc()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.payload, nil
	case <-ctx.Done():
		c.deregister(requestID)
		return nil, ctx.Err()
	case <-timeoutCh:
		// Evict the slot; a late reply finds nothing registered and is
		// dropped. The remote operation itself is not canceled.
		c.deregister(requestID)
		metrics.ControlTimeouts.Inc()
		return nil, &ControlTimeoutError{Subtype: subtype, Timeout: timeout}
	}
}

// HandleResponse resolves the pending slot matching the response's
// request id. A response with no registered slot is dropped silently:
// its request timed out or was never ours.
func (c *correlator) HandleResponse(resp *wire.ControlResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
		metrics.PendingControlRequests.Dec()
	}
	c.mu.Unlock()

	if !ok {
		slog.Debug("control response with no pending request", "request_id", resp.RequestID)
		return
	}

	switch resp.Subtype {
	case "success":
		ch <- responseOutcome{payload: resp.Response}
	case "error":
		ch <- responseOutcome{err: &ControlFailedError{Message: resp.Error}}
	default:
		// An unknown subtype is a protocol violation, never a success.
		ch <- responseOutcome{err: &ProtocolError{
			Message: fmt.Sprintf("unrecognized control response subtype %q", resp.Subtype),
		}}
	}
}

// Shutdown rejects every still-pending request with a shutdown error
// and refuses future registrations. Idempotent.
func (c *correlator) Shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[string]chan responseOutcome)
	c.mu.Unlock()

	for range pending {
		metrics.PendingControlRequests.Dec()
	}
	for _, ch := range pending {
		ch <- responseOutcome{err: &ControlShutdownError{Cause: cause}}
	}
}

func (c *correlator) register(requestID string, ch chan responseOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &ControlShutdownError{Cause: c.closeErr}
	}
	c.pending[requestID] = ch
	metrics.PendingControlRequests.Inc()
	return nil
}

func (c *correlator) deregister(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[requestID]; ok {
		delete(c.pending, requestID)
		metrics.PendingControlRequests.Dec()
	}
}
