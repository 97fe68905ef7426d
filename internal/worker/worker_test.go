package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/pipeline"
	pubmemory "github.com/JakeFAU/crash-processor/internal/publisher/memory"
	"github.com/JakeFAU/crash-processor/internal/queue/memory"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []crash.ID
	fn    func(ctx context.Context, call int) error
}

func (f *fakeProcessor) Process(ctx context.Context, id crash.ID) (*pipeline.Run, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	call := len(f.calls)
	f.mu.Unlock()

	run := &pipeline.Run{ID: "run-1", CrashID: id, Status: pipeline.StatusSucceeded}
	if f.fn == nil {
		return run, nil
	}
	if err := f.fn(ctx, call); err != nil {
		run.Status = pipeline.StatusFailed
		run.Stage = crash.StageOf(err)
		run.Err = err
		return run, err
	}
	return run, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newQueue(t *testing.T, payloads ...string) *memory.Queue {
	t.Helper()
	q := memory.NewQueue(memory.Config{Capacity: 16, VisibilityTimeout: time.Minute})
	for _, p := range payloads {
		_, err := q.Enqueue(context.Background(), []byte(p), nil)
		require.NoError(t, err)
	}
	return q
}

func next(t *testing.T, q *memory.Queue) crash.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return d
}

func TestDecodeItem(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		data      string
		attrs     map[string]string
		want      crash.ID
		reprocess bool
		wantErr   bool
	}{
		{name: "bare id", data: " abc-123\n", want: "abc-123"},
		{name: "json", data: `{"crash_id":"abc-123","reprocess":true}`, want: "abc-123", reprocess: true},
		{name: "attribute only", attrs: map[string]string{"crash_id": "abc-123", "reprocess": "true"}, want: "abc-123", reprocess: true},
		{name: "bad json", data: `{"crash_id":`, wantErr: true},
		{name: "invalid id", data: "../etc/passwd", wantErr: true},
		{name: "empty", wantErr: true},
		{name: "bad reprocess attribute", data: "abc-123", attrs: map[string]string{"reprocess": "maybe"}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			item, err := DecodeItem([]byte(tc.data), tc.attrs)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, item.CrashID)
			assert.Equal(t, tc.reprocess, item.Reprocess)
		})
	}
}

func TestSubmitRoundTripsThroughQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Config{Capacity: 4})
	defer q.Close()
	ctx := context.Background()

	_, err := Submit(ctx, q, "ignored", crash.WorkItem{CrashID: "abc-123", Reprocess: true})
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	item, err := DecodeItem(d.Data(), d.Attributes())
	require.NoError(t, err)
	assert.Equal(t, crash.ID("abc-123"), item.CrashID)
	assert.True(t, item.Reprocess)
	assert.Equal(t, "abc-123", item.Attributes[AttrCrashID])

	_, err = Submit(ctx, q, "ignored", crash.WorkItem{CrashID: "../x"})
	require.Error(t, err)
}

func TestHandleSuccessAcks(t *testing.T) {
	t.Parallel()

	q := newQueue(t, "abc-123")
	proc := &fakeProcessor{}
	w := New(q, proc, nil, Config{MaxAttempts: 3}, nil)

	assert.Equal(t, DecisionAck, w.Handle(context.Background(), next(t, q)))
	ready, leased := q.Len()
	assert.Zero(t, ready+leased)
}

func TestHandleTransientRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	q := newQueue(t, "abc-123")
	pub := pubmemory.New()
	proc := &fakeProcessor{fn: func(context.Context, int) error {
		return crash.Transient(crash.StageFetch, errors.New("bucket unavailable"))
	}}
	w := New(q, proc, pub, Config{MaxAttempts: 3, DeadLetterTopic: "crashes-dlq"}, nil)

	assert.Equal(t, DecisionRetry, w.Handle(context.Background(), next(t, q)))
	assert.Equal(t, DecisionRetry, w.Handle(context.Background(), next(t, q)))
	assert.Equal(t, DecisionDeadLetter, w.Handle(context.Background(), next(t, q)))
	assert.Equal(t, 3, proc.callCount())

	ready, leased := q.Len()
	assert.Zero(t, ready+leased)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crashes-dlq", msgs[0].Topic)
	assert.Equal(t, map[string]string{
		AttrCrashID: "abc-123",
		AttrStage:   "fetch",
		AttrKind:    "transient",
		AttrCause:   "fetch transient: bucket unavailable",
		AttrAttempt: "3",
		AttrRunID:   "run-1",
	}, msgs[0].Attributes)
	record, ok := msgs[0].Payload.(DeadLetter)
	require.True(t, ok)
	assert.Equal(t, "abc-123", record.Payload)
}

func TestHandlePermanentDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	q := newQueue(t, "abc-123")
	pub := pubmemory.New()
	proc := &fakeProcessor{fn: func(context.Context, int) error {
		return crash.Wrap(crash.KindTool, crash.StageRules, errors.New("no result"))
	}}
	w := New(q, proc, pub, Config{MaxAttempts: 5, DeadLetterTopic: "crashes-dlq"}, nil)

	assert.Equal(t, DecisionDeadLetter, w.Handle(context.Background(), next(t, q)))
	require.Len(t, pub.Messages(), 1)
	assert.Equal(t, "rules", pub.Messages()[0].Attributes[AttrStage])
	assert.Equal(t, "1", pub.Messages()[0].Attributes[AttrAttempt])
}

func TestHandleUndecodableDeadLetters(t *testing.T) {
	t.Parallel()

	q := newQueue(t, `{"crash_id": 42}`)
	pub := pubmemory.New()
	proc := &fakeProcessor{}
	w := New(q, proc, pub, Config{DeadLetterTopic: "crashes-dlq"}, nil)

	assert.Equal(t, DecisionDeadLetter, w.Handle(context.Background(), next(t, q)))
	assert.Zero(t, proc.callCount())
	require.Len(t, pub.Messages(), 1)
	assert.Equal(t, "decode", pub.Messages()[0].Attributes[AttrStage])
}

func TestHandleDeadLetterPublishFailureNacks(t *testing.T) {
	t.Parallel()

	q := newQueue(t, "abc-123")
	pub := pubmemory.New()
	pub.FailWith(errors.New("topic not found"))
	proc := &fakeProcessor{fn: func(context.Context, int) error {
		return crash.Permanent(crash.StageFetch, crash.ErrObjectNotFound)
	}}
	w := New(q, proc, pub, Config{DeadLetterTopic: "crashes-dlq"}, nil)

	assert.Equal(t, DecisionRetry, w.Handle(context.Background(), next(t, q)))
	d := next(t, q)
	assert.Equal(t, 2, d.Attempt())
	d.Ack()
}

func TestHandleCanceledRequeues(t *testing.T) {
	t.Parallel()

	q := newQueue(t, "abc-123")
	proc := &fakeProcessor{fn: func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return crash.Wrap(crash.KindCanceled, crash.StageRules, ctx.Err())
	}}
	w := New(q, proc, pubmemory.New(), Config{MaxAttempts: 1, DeadLetterTopic: "crashes-dlq"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d := next(t, q)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, DecisionRequeue, w.Handle(ctx, d))
	ready, _ := q.Len()
	assert.Equal(t, 1, ready)
}

func TestHandleKeepsLeaseWhileRunning(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Config{Capacity: 4, VisibilityTimeout: 100 * time.Millisecond})
	_, err := q.Enqueue(context.Background(), []byte("abc-123"), nil)
	require.NoError(t, err)

	redelivered := make(chan bool, 1)
	proc := &fakeProcessor{fn: func(context.Context, int) error {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(ctx)
		redelivered <- err == nil
		return nil
	}}
	w := New(q, proc, nil, Config{Lease: 80 * time.Millisecond}, nil)

	assert.Equal(t, DecisionAck, w.Handle(context.Background(), next(t, q)))
	assert.False(t, <-redelivered)
}

func TestRunStopsWhenPullContextEnds(t *testing.T) {
	t.Parallel()

	q := newQueue(t, "abc-123", "def-456")
	proc := &fakeProcessor{}
	w := New(q, proc, nil, Config{}, nil)

	pullCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(pullCtx, context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return proc.callCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after pull context cancel")
	}
}
