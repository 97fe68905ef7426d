// Package pipeline runs one crash through fetch, the rule chain and commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/clock/system"
	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/id/uuid"
	"github.com/JakeFAU/crash-processor/internal/metrics"
	"github.com/JakeFAU/crash-processor/internal/rules"
	"github.com/JakeFAU/crash-processor/internal/sink"
)

// Fetcher loads raw crashes and streams their dumps.
type Fetcher interface {
	Fetch(ctx context.Context, id crash.ID) (*crash.RawCrash, error)
	OpenDump(ctx context.Context, id crash.ID, name string) (io.ReadCloser, error)
}

// Chain derives a processed crash from a raw crash.
type Chain interface {
	Run(ctx context.Context, in rules.Input) (rules.Result, error)
}

// Committer persists a processed crash.
type Committer interface {
	Commit(ctx context.Context, id crash.ID, processed crash.ProcessedCrash) (sink.Report, error)
}

// Status is the terminal state of a run.
type Status string

// Run statuses.
const (
	StatusSucceeded Status = "succeeded"
	// StatusIncomplete means the artifact was committed but a summary or
	// index write failed after retries.
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Run is the record of processing one crash id once.
type Run struct {
	ID        string
	CrashID   crash.ID
	Raw       *crash.RawCrash
	Processed crash.ProcessedCrash
	Outcomes  []rules.Outcome
	Report    sink.Report
	Status    Status
	// Stage is the step that failed; empty unless Status is failed or canceled.
	Stage     crash.Stage
	Err       error
	Started   time.Time
	Completed time.Time
}

// Notes renders one line per rule that did not complete normally.
func (r *Run) Notes() []string {
	notes := make([]string, 0)
	for _, o := range r.Outcomes {
		if o.Status == rules.StatusOK {
			continue
		}
		line := fmt.Sprintf("%s: %s", o.Rule, o.Status)
		if o.Message != "" {
			line += ": " + o.Message
		}
		notes = append(notes, line)
	}
	return notes
}

// Config bounds each stage of a run.
type Config struct {
	FetchTimeout time.Duration
	// RulesTimeout is the deadline for the whole rule chain.
	RulesTimeout  time.Duration
	CommitTimeout time.Duration
}

// Processor executes runs. It is safe for concurrent use; runs for the same
// crash id may overlap and the last commit wins.
type Processor struct {
	fetcher   Fetcher
	chain     Chain
	committer Committer
	cfg       Config
	clock     crash.Clock
	ids       crash.IDGenerator
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock overrides the wall clock.
func WithClock(c crash.Clock) Option { return func(p *Processor) { p.clock = c } }

// WithIDGenerator overrides run id generation.
func WithIDGenerator(g crash.IDGenerator) Option { return func(p *Processor) { p.ids = g } }

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) { p.tracer = tp.Tracer("crash-processor/pipeline") }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.logger = l.Named("pipeline") } }

// New builds a Processor.
func New(fetcher Fetcher, chain Chain, committer Committer, cfg Config, opts ...Option) (*Processor, error) {
	if fetcher == nil || chain == nil || committer == nil {
		return nil, errors.New("fetcher, rule chain and committer are required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RulesTimeout <= 0 {
		cfg.RulesTimeout = 2 * time.Minute
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = time.Minute
	}
	p := &Processor{
		fetcher:   fetcher,
		chain:     chain,
		committer: committer,
		cfg:       cfg,
		clock:     system.New(),
		ids:       uuid.New(),
		tracer:    otel.Tracer("crash-processor/pipeline"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process fetches, processes and commits one crash. The returned Run is never
// nil; the error is non-nil when the run failed or was canceled and carries the
// failure kind and stage.
func (p *Processor) Process(ctx context.Context, id crash.ID) (*Run, error) {
	run := &Run{CrashID: id, Started: p.clock.Now()}
	runID, err := p.ids.NewID()
	if err != nil {
		return p.finish(run, crash.StageDecode, crash.Wrap(crash.KindTransient, crash.StageDecode, err))
	}
	run.ID = runID

	ctx, span := p.tracer.Start(ctx, "process crash", trace.WithAttributes(
		attribute.String("crash.id", id.String()),
		attribute.String("run.id", runID),
	))
	defer span.End()
	logger := p.logger.With(zap.String("crash_id", id.String()), zap.String("run_id", runID))

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	run.Raw, err = p.fetcher.Fetch(fetchCtx, id)
	cancel()
	if err != nil {
		return p.fail(ctx, span, run, crash.StageFetch, err)
	}

	rulesCtx, cancel := context.WithTimeout(ctx, p.cfg.RulesTimeout)
	result, err := p.chain.Run(rulesCtx, rules.Input{Raw: run.Raw, Fields: crash.Fields{}, Dumps: p.fetcher})
	cancel()
	run.Outcomes = result.Outcomes
	run.Processed = result.Processed
	if err != nil {
		return p.fail(ctx, span, run, crash.StageRules, err)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, span, run, crash.StageRules, err)
	}

	p.stamp(run)

	commitCtx, cancel := context.WithTimeout(ctx, p.cfg.CommitTimeout)
	run.Report, err = p.committer.Commit(commitCtx, id, run.Processed)
	cancel()
	if err != nil {
		return p.fail(ctx, span, run, crash.StageCommit, err)
	}

	run.Status = StatusSucceeded
	if run.Report.Incomplete() {
		run.Status = StatusIncomplete
		logger.Warn("run committed with incomplete secondary writes", zap.Any("causes", run.Report.Causes()))
	}
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	logger.Info("crash processed",
		zap.String("status", string(run.Status)),
		zap.String("signature", run.Processed.String(crash.FieldSignature)),
		zap.Int("notes", len(run.Notes())),
	)
	return p.finish(run, "", nil)
}

// stamp adds the time-of-processing metadata to the processed crash.
func (p *Processor) stamp(run *Run) {
	now := p.clock.Now().UTC()
	notes := run.Notes()
	processed := run.Processed.Clone()
	processed[crash.FieldDateProcessed] = now.Format(time.RFC3339Nano)
	processed[crash.FieldStartedDatetime] = run.Started.UTC().Format(time.RFC3339Nano)
	processed[crash.FieldCompletedDatetime] = now.Format(time.RFC3339Nano)
	processed[crash.FieldProcessorNotes] = strings.Join(notes, "\n")
	processed[crash.FieldProcessorRunID] = run.ID
	processed[crash.FieldSuccess] = !slices.ContainsFunc(run.Outcomes, func(o rules.Outcome) bool {
		return o.Status == rules.StatusError
	})
	run.Processed = processed
}

func (p *Processor) fail(ctx context.Context, span trace.Span, run *Run, stage crash.Stage, err error) (*Run, error) {
	kind := crash.KindOf(err)
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		kind = crash.KindCanceled
	}
	if crash.StageOf(err) != stage || crash.KindOf(err) != kind {
		err = crash.Wrap(kind, stage, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return p.finish(run, stage, err)
}

func (p *Processor) finish(run *Run, stage crash.Stage, err error) (*Run, error) {
	run.Completed = p.clock.Now()
	run.Err = err
	if err != nil {
		run.Stage = stage
		run.Status = StatusFailed
		if crash.KindOf(err) == crash.KindCanceled {
			run.Status = StatusCanceled
		} else {
			metrics.ObserveStageFailure(string(stage), crash.KindOf(err).String())
		}
		p.logger.Warn("run failed",
			zap.String("crash_id", run.CrashID.String()),
			zap.String("run_id", run.ID),
			zap.String("stage", string(stage)),
			zap.Stringer("kind", crash.KindOf(err)),
			zap.Error(err),
		)
	}
	metrics.ObserveRun(string(run.Status), run.Completed.Sub(run.Started))
	return run, err
}
