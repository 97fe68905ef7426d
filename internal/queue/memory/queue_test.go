package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Capacity: 4})
	result := make(chan crash.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- d
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.Enqueue(context.Background(), []byte("abc-123"), map[string]string{"reprocess": "true"})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case d := <-result:
		assert.Equal(t, "abc-123", string(d.Data()))
		assert.Equal(t, "true", d.Attributes()["reprocess"])
		assert.Equal(t, 1, d.Attempt())
		d.Ack()
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return message")
	}

	ready, leased := q.Len()
	assert.Zero(t, ready)
	assert.Zero(t, leased)
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Capacity: 4})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, []byte("abc-123"), nil)
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	first.Nack()

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, 2, second.Attempt())

	// Settling a stale lease has no effect.
	first.Ack()
	_, leased := q.Len()
	assert.Equal(t, 1, leased)
	second.Ack()
	_, leased = q.Len()
	assert.Zero(t, leased)
}

func TestQueueVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Capacity: 4, VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, []byte("abc-123"), nil)
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := q.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempt())
	assert.ErrorIs(t, first.ExtendLease(time.Minute), crash.ErrLeaseLost)
}

func TestQueueExtendLease(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Capacity: 4, VisibilityTimeout: 30 * time.Millisecond})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, []byte("abc-123"), nil)
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.ExtendLease(time.Minute))

	dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(dctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	d.Ack()
}

func TestQueueEnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Capacity: 1})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, []byte("a"), nil)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Enqueue(cctx, []byte("b"), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, []byte("b"), nil)
		done <- err
	}()
	d.Ack()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after ack")
	}
}

func TestQueuePublishEncodesPayload(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	ctx := context.Background()
	_, err := q.Publish(ctx, "ignored", map[string]string{"crash_id": "abc-123"}, nil)
	require.NoError(t, err)
	_, err = q.Publish(ctx, "ignored", "def-456", map[string]string{"reprocess": "true"})
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"crash_id":"abc-123"}`, string(d.Data()))
	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "def-456", string(d.Data()))
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	blocked := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		blocked <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-blocked:
		assert.True(t, errors.Is(err, crash.ErrQueueClosed))
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after close")
	}
	_, err := q.Enqueue(context.Background(), []byte("x"), nil)
	assert.ErrorIs(t, err, crash.ErrQueueClosed)
	// Closing twice should be safe.
	q.Close()
}
