package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire/wire"
)

func TestQueuePushNext(t *testing.T) {
	q := newMessageQueue()
	q.Push(&wire.SystemMessage{Subtype: "init"})
	q.Push(&wire.ResultMessage{Subtype: "success"})

	msg, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSystem, msg.MessageType())

	msg, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeResult, msg.MessageType())
}

func TestQueueNextBlocksUntilPush(t *testing.T) {
	q := newMessageQueue()

	got := make(chan wire.Message, 1)
	go func() {
		msg, err := q.Next(context.Background())
		require.NoError(t, err)
		got <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(&wire.SystemMessage{Subtype: "init"})

	select {
	case msg := <-got:
		assert.Equal(t, wire.TypeSystem, msg.MessageType())
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestQueueEndOfResponseAfterDrain(t *testing.T) {
	q := newMessageQueue()
	q.Push(&wire.ResultMessage{Subtype: "success"})
	q.EndResponse()

	// Buffered message first, marker second.
	msg, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeResult, msg.MessageType())

	_, err = q.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfResponse)

	// The marker is one-shot: the next pop blocks again.
	_, err = q.NextTimeout(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrPopTimeout)
}

func TestQueueBeginResponseClearsMarker(t *testing.T) {
	q := newMessageQueue()
	q.EndResponse()
	q.BeginResponse()

	_, err := q.NextTimeout(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrPopTimeout)
}

func TestQueueStop(t *testing.T) {
	q := newMessageQueue()
	q.Push(&wire.SystemMessage{Subtype: "init"})
	q.Stop()

	// Already-buffered data is still delivered.
	_, err := q.Next(context.Background())
	require.NoError(t, err)

	_, err = q.Next(context.Background())
	require.ErrorIs(t, err, ErrStreamClosed)

	// Pushes after Stop are dropped.
	q.Push(&wire.SystemMessage{Subtype: "late"})
	_, err = q.Next(context.Background())
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestQueueStopWakesWaiter(t *testing.T) {
	q := newMessageQueue()

	done := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestQueueNextContextCanceled(t *testing.T) {
	q := newMessageQueue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
