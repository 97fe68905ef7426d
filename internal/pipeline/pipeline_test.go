package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/crash-processor/internal/artifact"
	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/rules"
	"github.com/JakeFAU/crash-processor/internal/rules/builtin"
	"github.com/JakeFAU/crash-processor/internal/sink"
	"github.com/JakeFAU/crash-processor/internal/storage/memory"
	"github.com/JakeFAU/crash-processor/internal/symbolicator"
)

type stubSymbolicator struct {
	calls atomic.Int32
	run   func(dump []byte) (*crash.StackWalkResult, error)
}

func (s *stubSymbolicator) Run(_ context.Context, req symbolicator.Request) (*crash.StackWalkResult, error) {
	s.calls.Add(1)
	dump, err := io.ReadAll(req.Dump)
	if err != nil {
		return nil, err
	}
	return s.run(dump)
}

func fooCrash(dump []byte) (*crash.StackWalkResult, error) {
	if string(dump) != "MDMP" {
		return nil, fmt.Errorf("unexpected dump %q", dump)
	}
	thread := 0
	symbol := "foo::crash()"
	return &crash.StackWalkResult{
		CrashingThread: &thread,
		Threads: []crash.Thread{{Frames: []crash.Frame{
			{Module: "libfoo.so", Offset: "0x10", Symbol: &symbol},
		}}},
		CrashInfo:  crash.CrashInfo{Type: "SIGSEGV", Address: "0x0"},
		SystemInfo: crash.SystemInfo{OS: "Linux", CPUArch: "amd64"},
		Modules:    []crash.Module{{Filename: "libfoo.so", DebugID: "ABC", Loaded: true}},
	}, nil
}

type recordingSummaries struct {
	mu     sync.Mutex
	stored map[string]crash.Summary
}

func (r *recordingSummaries) UpsertSummary(_ context.Context, s crash.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stored == nil {
		r.stored = map[string]crash.Summary{}
	}
	r.stored[s.CrashID] = s
	return nil
}

func (r *recordingSummaries) Close() error { return nil }

type failingIndexer struct{}

func (failingIndexer) IndexCrash(context.Context, crash.ID, crash.Fields, time.Time) error {
	return crash.Permanent(crash.StageIndex, errors.New("index is read-only"))
}

type harness struct {
	blobs     *memory.BlobStore
	artifacts *artifact.Store
	summaries *recordingSummaries
	sym       *stubSymbolicator
	processor *Processor
}

type harnessOptions struct {
	extra   []rules.Rule
	indexer crash.Indexer
	opts    []Option
}

func newHarness(t *testing.T, sym *stubSymbolicator, ho harnessOptions) *harness {
	t.Helper()
	fast := &crash.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	blobs := memory.NewBlobStore()
	artifacts, err := artifact.New(blobs, fast, nil)
	require.NoError(t, err)

	reg, err := builtin.Registry(builtin.Options{Symbolicator: sym})
	require.NoError(t, err)
	order := builtin.DefaultOrder(nil)
	for _, r := range ho.extra {
		require.NoError(t, reg.Register(r))
		order = append(order, r.Name)
	}
	engine, err := rules.NewEngine(reg, order, rules.Options{DefaultTimeout: time.Second})
	require.NoError(t, err)

	summaries := &recordingSummaries{}
	commit, err := sink.New(sink.Config{Artifacts: artifacts, Summaries: summaries, Indexer: ho.indexer, Retry: fast})
	require.NoError(t, err)

	processor, err := New(artifacts, engine, commit, Config{RulesTimeout: 5 * time.Second}, ho.opts...)
	require.NoError(t, err)
	return &harness{blobs: blobs, artifacts: artifacts, summaries: summaries, sym: sym, processor: processor}
}

func (h *harness) submit(t *testing.T, id crash.ID) {
	t.Helper()
	err := h.artifacts.StoreRaw(context.Background(), id, map[string]string{
		"ProductName": "Firefox",
		"Version":     "120.0",
		"CrashTime":   "1366703112",
		"StartupTime": "1366702830",
	}, map[string]io.Reader{crash.DefaultDumpName: bytes.NewReader([]byte("MDMP"))})
	require.NoError(t, err)
}

func TestProcessExampleCrash(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSymbolicator{run: fooCrash}, harnessOptions{})
	h.submit(t, "abc-123")

	run, err := h.processor.Process(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Empty(t, run.Stage)
	assert.NotEmpty(t, run.ID)

	processed, err := h.artifacts.FetchProcessed(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "foo::crash()", processed.String(crash.FieldSignature))
	thread, ok := processed.Int(crash.FieldCrashingThread)
	require.True(t, ok)
	assert.Equal(t, 0, thread)
	assert.Equal(t, "Firefox", processed.String(crash.FieldProduct))
	assert.Equal(t, run.ID, processed.String(crash.FieldProcessorRunID))
	assert.Equal(t, true, processed[crash.FieldSuccess])
	assert.Equal(t, "", processed.String(crash.FieldProcessorNotes))
	walk, ok := processed.StackWalk()
	require.True(t, ok)
	assert.Equal(t, "libfoo.so", walk.Threads[0].Frames[0].Module)

	require.Contains(t, h.summaries.stored, "abc-123")
	assert.Equal(t, "foo::crash()", h.summaries.stored["abc-123"].Signature)
}

func TestProcessIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSymbolicator{run: fooCrash}, harnessOptions{})
	h.submit(t, "abc-123")

	var docs []string
	for range 2 {
		_, err := h.processor.Process(context.Background(), "abc-123")
		require.NoError(t, err)
		processed, err := h.artifacts.FetchProcessed(context.Background(), "abc-123")
		require.NoError(t, err)
		doc, err := json.Marshal(processed.Without(crash.ProcessingMetadataFields...))
		require.NoError(t, err)
		docs = append(docs, string(doc))
	}
	assert.JSONEq(t, docs[0], docs[1])
	assert.Equal(t, 2, h.blobs.Writes(crash.ProcessedCrashKey("abc-123")))
}

func TestProcessNonCriticalRuleFailure(t *testing.T) {
	t.Parallel()

	broken := rules.Rule{
		Name:   "broken",
		Writes: []string{"broken_field"},
		Apply: func(context.Context, rules.Input, crash.Fields) error {
			return errors.New("lookup service unreachable")
		},
	}
	h := newHarness(t, &stubSymbolicator{run: fooCrash}, harnessOptions{extra: []rules.Rule{broken}})
	h.submit(t, "abc-123")

	run, err := h.processor.Process(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, []string{"broken: error: lookup service unreachable"}, run.Notes())

	processed, err := h.artifacts.FetchProcessed(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "foo::crash()", processed.String(crash.FieldSignature))
	assert.NotContains(t, processed, "broken_field")
	assert.Equal(t, false, processed[crash.FieldSuccess])
	assert.Contains(t, processed.String(crash.FieldProcessorNotes), "lookup service unreachable")
}

func TestProcessCriticalRuleFailure(t *testing.T) {
	t.Parallel()

	sym := &stubSymbolicator{run: func([]byte) (*crash.StackWalkResult, error) {
		return nil, crash.Wrap(crash.KindTool, crash.StageRules, errors.New("stackwalker produced no result"))
	}}
	h := newHarness(t, sym, harnessOptions{})
	h.submit(t, "abc-123")

	run, err := h.processor.Process(context.Background(), "abc-123")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, crash.StageRules, run.Stage)
	assert.Equal(t, crash.KindTool, crash.KindOf(err))
	assert.False(t, crash.KindOf(err).Retryable())
	assert.Empty(t, h.blobs.Keys("v1/processed_crash/"))
	assert.Empty(t, h.summaries.stored)
}

func TestProcessMissingRawCrash(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSymbolicator{run: fooCrash}, harnessOptions{})
	run, err := h.processor.Process(context.Background(), "missing-1")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, crash.StageFetch, run.Stage)
	assert.Equal(t, crash.KindPermanent, crash.KindOf(err))
	assert.Zero(t, h.sym.calls.Load())
}

func TestProcessConcurrentSameID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSymbolicator{run: fooCrash}, harnessOptions{})
	h.submit(t, "abc-123")

	const runs = 8
	var wg sync.WaitGroup
	errs := make([]error, runs)
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.processor.Process(context.Background(), "abc-123")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, runs, h.blobs.Writes(crash.ProcessedCrashKey("abc-123")))
	processed, err := h.artifacts.FetchProcessed(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "foo::crash()", processed.String(crash.FieldSignature))
}

func TestProcessIncompleteIndexing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSymbolicator{run: fooCrash}, harnessOptions{indexer: failingIndexer{}})
	h.submit(t, "abc-123")

	run, err := h.processor.Process(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, run.Status)
	assert.Contains(t, run.Report.Causes()[sink.TargetIndex], "read-only")
	assert.Equal(t, 1, h.blobs.Writes(crash.ProcessedCrashKey("abc-123")))
}

func TestProcessCanceledDoesNotCommit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sym := &stubSymbolicator{}
	sym.run = func(dump []byte) (*crash.StackWalkResult, error) {
		cancel()
		return fooCrash(dump)
	}
	h := newHarness(t, sym, harnessOptions{})
	h.submit(t, "abc-123")

	run, err := h.processor.Process(ctx, "abc-123")
	require.Error(t, err)
	assert.Equal(t, StatusCanceled, run.Status)
	assert.Equal(t, crash.KindCanceled, crash.KindOf(err))
	assert.Empty(t, h.blobs.Keys("v1/processed_crash/"))
}

func TestProcessRecordsSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, &stubSymbolicator{run: fooCrash}, harnessOptions{opts: []Option{WithTracerProvider(tp)}})
	h.submit(t, "abc-123")

	run, err := h.processor.Process(context.Background(), "abc-123")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "process crash", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "abc-123", attrs["crash.id"])
	assert.Equal(t, run.ID, attrs["run.id"])
	assert.Equal(t, string(StatusSucceeded), attrs["run.status"])
}

func TestNotes(t *testing.T) {
	t.Parallel()

	run := &Run{Outcomes: []rules.Outcome{
		{Rule: "identity", Status: rules.StatusOK},
		{Rule: "signature", Status: rules.StatusSkipped, Message: `missing input "json_dump"`},
		{Rule: "uptime", Status: rules.StatusError},
	}}
	assert.Equal(t, []string{
		`signature: skipped: missing input "json_dump"`,
		"uptime: error",
	}, run.Notes())
}
