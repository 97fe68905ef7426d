package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crash-processor/internal/artifact"
	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/storage/memory"
)

func fastRetry(attempts int) *crash.RetryPolicy {
	return &crash.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

type flakySummaries struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	stored   []crash.Summary
}

func (f *flakySummaries) UpsertSummary(_ context.Context, s crash.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.stored = append(f.stored, s)
	return nil
}

func (f *flakySummaries) Close() error { return nil }

type flakyIndexer struct {
	mu        sync.Mutex
	failures  int
	err       error
	calls     int
	submitted []time.Time
}

func (f *flakyIndexer) IndexCrash(_ context.Context, _ crash.ID, _ crash.Fields, submitted time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.submitted = append(f.submitted, submitted)
	return nil
}

type failingArtifacts struct{ err error }

func (f failingArtifacts) StoreProcessed(context.Context, crash.ID, crash.ProcessedCrash) error {
	return f.err
}

func newArtifacts(t *testing.T) (*artifact.Store, *memory.BlobStore) {
	t.Helper()
	blobs := memory.NewBlobStore()
	store, err := artifact.New(blobs, fastRetry(3), nil)
	require.NoError(t, err)
	return store, blobs
}

func processed() crash.ProcessedCrash {
	return crash.ProcessedCrash{
		crash.FieldUUID:               "abc-123",
		crash.FieldSignature:          "foo::crash()",
		crash.FieldSubmittedTimestamp: "2023-10-11T12:00:00Z",
		crash.FieldDateProcessed:      "2023-10-11T12:05:00Z",
		crash.FieldSuccess:            true,
	}
}

func TestCommitWritesAllTargets(t *testing.T) {
	t.Parallel()

	artifacts, blobs := newArtifacts(t)
	summaries := &flakySummaries{}
	indexer := &flakyIndexer{}
	s, err := New(Config{Artifacts: artifacts, Summaries: summaries, Indexer: indexer, Retry: fastRetry(3)})
	require.NoError(t, err)

	report, err := s.Commit(context.Background(), "abc-123", processed())
	require.NoError(t, err)
	assert.False(t, report.Incomplete())
	require.Len(t, report.Targets, 2)
	assert.Equal(t, TargetIndex, report.Targets[0].Target)
	assert.Equal(t, TargetSummary, report.Targets[1].Target)

	assert.Equal(t, 1, blobs.Writes(crash.ProcessedCrashKey("abc-123")))
	require.Len(t, summaries.stored, 1)
	assert.Equal(t, "foo::crash()", summaries.stored[0].Signature)
	assert.True(t, summaries.stored[0].Success)
	assert.Equal(t, time.Date(2023, 10, 11, 12, 5, 0, 0, time.UTC), summaries.stored[0].DateProcessed)
	require.Len(t, indexer.submitted, 1)
	assert.Equal(t, time.Date(2023, 10, 11, 12, 0, 0, 0, time.UTC), indexer.submitted[0])
}

func TestCommitRetriesOnlyFailedTarget(t *testing.T) {
	t.Parallel()

	artifacts, blobs := newArtifacts(t)
	summaries := &flakySummaries{}
	indexer := &flakyIndexer{failures: 2, err: crash.Transient(crash.StageIndex, errors.New("503"))}
	s, err := New(Config{Artifacts: artifacts, Summaries: summaries, Indexer: indexer, Retry: fastRetry(3)})
	require.NoError(t, err)

	report, err := s.Commit(context.Background(), "abc-123", processed())
	require.NoError(t, err)
	assert.False(t, report.Incomplete())
	assert.Equal(t, 3, indexer.calls)
	assert.Equal(t, 1, summaries.calls)
	assert.Equal(t, 1, blobs.Writes(crash.ProcessedCrashKey("abc-123")))
}

func TestCommitIncompleteAfterExhaustion(t *testing.T) {
	t.Parallel()

	artifacts, blobs := newArtifacts(t)
	summaries := &flakySummaries{failures: 10, err: errors.New("connection refused")}
	indexer := &flakyIndexer{}
	s, err := New(Config{Artifacts: artifacts, Summaries: summaries, Indexer: indexer, Retry: fastRetry(2)})
	require.NoError(t, err)

	report, err := s.Commit(context.Background(), "abc-123", processed())
	require.NoError(t, err)
	assert.True(t, report.Incomplete())
	assert.Equal(t, 2, summaries.calls)
	assert.Contains(t, report.Causes()[TargetSummary], "connection refused")
	assert.NotContains(t, report.Causes(), TargetIndex)
	assert.Equal(t, 1, blobs.Writes(crash.ProcessedCrashKey("abc-123")))
}

func TestCommitPermanentTargetErrorNotRetried(t *testing.T) {
	t.Parallel()

	artifacts, _ := newArtifacts(t)
	indexer := &flakyIndexer{failures: 10, err: crash.Permanent(crash.StageIndex, errors.New("mapping conflict"))}
	s, err := New(Config{Artifacts: artifacts, Indexer: indexer, Retry: fastRetry(5)})
	require.NoError(t, err)

	report, err := s.Commit(context.Background(), "abc-123", processed())
	require.NoError(t, err)
	assert.True(t, report.Incomplete())
	assert.Equal(t, 1, indexer.calls)
	assert.Equal(t, 1, report.Targets[0].Attempts)
}

func TestCommitArtifactFailureSkipsSecondaryWrites(t *testing.T) {
	t.Parallel()

	summaries := &flakySummaries{}
	indexer := &flakyIndexer{}
	cause := crash.Transient(crash.StageCommit, errors.New("bucket unavailable"))
	s, err := New(Config{Artifacts: failingArtifacts{err: cause}, Summaries: summaries, Indexer: indexer})
	require.NoError(t, err)

	_, err = s.Commit(context.Background(), "abc-123", processed())
	require.ErrorIs(t, err, cause)
	assert.Equal(t, crash.KindTransient, crash.KindOf(err))
	assert.Zero(t, summaries.calls)
	assert.Zero(t, indexer.calls)
}

func TestCommitCanceledDuringSecondaryWrites(t *testing.T) {
	t.Parallel()

	artifacts, _ := newArtifacts(t)
	ctx, cancel := context.WithCancel(context.Background())
	indexer := &flakyIndexer{failures: 10, err: crash.Transient(crash.StageIndex, errors.New("503"))}
	s, err := New(Config{
		Artifacts: artifacts,
		Indexer:   indexer,
		Retry:     &crash.RetryPolicy{MaxAttempts: 100, BaseDelay: time.Hour, MaxDelay: time.Hour},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = s.Commit(ctx, "abc-123", processed())
	require.Error(t, err)
	assert.Equal(t, crash.KindCanceled, crash.KindOf(err))
}

func TestNewRequiresArtifacts(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}
