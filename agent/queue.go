package agent

import (
	"context"
	"sync"
	"time"

	"github.com/agentwire/agentwire/internal/metrics"
	"github.com/agentwire/agentwire/wire"
)

// messageQueue is the consumer-facing stream: pushed by the dispatch
// loop, popped by the foreground. Two independent termination signals
// exist: "stopped" (connection gone, no more data ever) and "end of
// response" (the current query's result arrived; the connection stays
// alive for a follow-up). Waiters wake on a new element or on either
// signal.
type messageQueue struct {
	mu            sync.Mutex
	items         []wire.Message
	wake          chan struct{}
	stopped       bool
	endOfResponse bool
}

func newMessageQueue() *messageQueue {
	return &messageQueue{wake: make(chan struct{})}
}

// Push appends a message and wakes waiters. Pushes after Stop are
// dropped.
func (q *messageQueue) Push(msg wire.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append(q.items, msg)
	metrics.StreamDepth.Set(float64(len(q.items)))
	q.broadcast()
}

// EndResponse marks the current response cycle as ended. Buffered
// messages are still delivered first; only an empty queue reports
// ErrEndOfResponse.
func (q *messageQueue) EndResponse() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.endOfResponse = true
	q.broadcast()
}

// BeginResponse clears a previous end-of-response marker ahead of a new
// query.
func (q *messageQueue) BeginResponse() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.endOfResponse = false
}

// Stop marks the stream as permanently closed and wakes every waiter.
// Idempotent. Messages already buffered remain poppable.
func (q *messageQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.broadcast()
}

// Next blocks until a message is available, the current response ends
// (ErrEndOfResponse), the stream closes (ErrStreamClosed), or the
// context is canceled.
func (q *messageQueue) Next(ctx context.Context) (wire.Message, error) {
	return q.next(ctx, nil)
}

// NextTimeout is Next with an additional bound; ErrPopTimeout reports
// "no more data right now" as opposed to ErrStreamClosed's "no more
// data ever".
func (q *messageQueue) NextTimeout(ctx context.Context, d time.Duration) (wire.Message, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return q.next(ctx, timer.C)
}

func (q *messageQueue) next(ctx context.Context, timeoutCh <-chan time.Time) (wire.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			metrics.StreamDepth.Set(float64(len(q.items)))
			q.mu.Unlock()
			return msg, nil
		}
		if q.stopped {
			q.mu.Unlock()
			return nil, ErrStreamClosed
		}
		if q.endOfResponse {
			q.endOfResponse = false
			q.mu.Unlock()
			return nil, ErrEndOfResponse
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, ErrPopTimeout
		}
	}
}

// broadcast wakes all current waiters. Callers must hold q.mu.
func (q *messageQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
