package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollOneReturnsSingleOldestMessage(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	require.NoError(t, b.Send(ctx, Message{Kind: StartDSP}))
	require.NoError(t, b.Send(ctx, Message{Kind: StopDSP}))

	m1, ok := b.PollOne()
	require.True(t, ok)
	assert.Equal(t, StartDSP, m1.Kind)

	m2, ok := b.PollOne()
	require.True(t, ok)
	assert.Equal(t, StopDSP, m2.Kind)

	_, ok = b.PollOne()
	assert.False(t, ok, "a third poll with nothing queued must not block")
}

func TestPollOneNeverBlocksWhenEmpty(t *testing.T) {
	b := New(0)
	done := make(chan struct{})
	go func() {
		b.PollOne()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PollOne blocked on an empty bus")
	}
}

func TestSendRespectsContextCancellation(t *testing.T) {
	b := New(0) // full rendezvous; nothing is ever draining
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Send(ctx, Message{Kind: StartDSP})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	b := New(1)
	b.Close()
	b.Close() // Close is idempotent

	err := b.Send(context.Background(), Message{Kind: StartDSP})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClosePreservesAlreadyQueuedMessages(t *testing.T) {
	b := New(2)
	require.NoError(t, b.Send(context.Background(), Message{Kind: StartDSP}))
	b.Close()

	m, ok := b.PollOne()
	require.True(t, ok)
	assert.Equal(t, StartDSP, m.Kind)
}
