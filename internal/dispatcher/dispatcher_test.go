// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/pipeline"
	"github.com/JakeFAU/crash-processor/internal/queue/memory"
	"github.com/JakeFAU/crash-processor/internal/worker"
)

// blockingProcessor waits for release or cancellation of its context.
type blockingProcessor struct {
	started atomic.Int32
	release chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, id crash.ID) (*pipeline.Run, error) {
	p.started.Add(1)
	select {
	case <-p.release:
		return &pipeline.Run{CrashID: id, Status: pipeline.StatusSucceeded}, nil
	case <-ctx.Done():
		return &pipeline.Run{CrashID: id, Status: pipeline.StatusCanceled, Stage: crash.StageRules},
			crash.Wrap(crash.KindCanceled, crash.StageRules, ctx.Err())
	}
}

func setup(t *testing.T, workers int, grace time.Duration, ids ...string) (*Dispatcher, *memory.Queue, *blockingProcessor) {
	t.Helper()
	q := memory.NewQueue(memory.Config{Capacity: 16, VisibilityTimeout: time.Minute})
	for _, id := range ids {
		_, err := q.Enqueue(context.Background(), []byte(id), nil)
		require.NoError(t, err)
	}
	proc := &blockingProcessor{release: make(chan struct{})}
	pool := make([]*worker.Worker, workers)
	for i := range pool {
		pool[i] = worker.New(q, proc, nil, worker.Config{}, nil)
	}
	return New(q, pool, grace, nil), q, proc
}

func runAsync(ctx context.Context, d *Dispatcher) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return done
}

// TestDispatcherRunsWorkersConcurrently checks every worker takes a delivery.
func TestDispatcherRunsWorkersConcurrently(t *testing.T) {
	t.Parallel()

	d, _, proc := setup(t, 3, time.Second, "a-1", "a-2", "a-3")
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, d)

	require.Eventually(t, func() bool { return proc.started.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(proc.release)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherGracefulDrain lets in-flight runs finish inside the grace period.
func TestDispatcherGracefulDrain(t *testing.T) {
	t.Parallel()

	d, q, proc := setup(t, 1, 5*time.Second, "a-1", "a-2")
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, d)

	require.Eventually(t, func() bool { return proc.started.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(proc.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain")
	}
	assert.Equal(t, int32(1), proc.started.Load(), "no new work after shutdown")
	ready, leased := q.Len()
	assert.Equal(t, 1, ready)
	assert.Zero(t, leased)
}

// TestDispatcherGraceExpiryRequeues cancels stuck runs and returns their deliveries.
func TestDispatcherGraceExpiryRequeues(t *testing.T) {
	t.Parallel()

	d, q, proc := setup(t, 2, 30*time.Millisecond, "a-1", "a-2")
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, d)

	require.Eventually(t, func() bool { return proc.started.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after grace period")
	}
	ready, leased := q.Len()
	assert.Equal(t, 2, ready)
	assert.Zero(t, leased)
}
