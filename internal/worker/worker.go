// Package worker consumes crash deliveries and routes each outcome to ack,
// retry or the dead-letter topic.
package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/metrics"
	"github.com/JakeFAU/crash-processor/internal/pipeline"
)

// Processor runs one crash through the pipeline.
type Processor interface {
	Process(ctx context.Context, id crash.ID) (*pipeline.Run, error)
}

// Decision is what happened to a delivery.
type Decision string

// Delivery decisions.
const (
	DecisionAck        Decision = "ack"
	DecisionRetry      Decision = "retry"
	DecisionDeadLetter Decision = "dead_letter"
	DecisionRequeue    Decision = "requeue"
)

// Config controls retry and dead-letter routing.
type Config struct {
	// MaxAttempts is the delivery attempt after which retryable failures are
	// dead-lettered.
	MaxAttempts     int
	DeadLetterTopic string
	// Lease is the lease length requested while a run is in flight; it is
	// renewed every Lease/2. Zero disables renewal.
	Lease time.Duration
	// DequeueBackoff is the pause after a failed Dequeue.
	DequeueBackoff time.Duration
}

// Worker pulls deliveries one at a time.
type Worker struct {
	queue     crash.Queue
	processor Processor
	publisher crash.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil when no dead-letter topic is configured.
func New(queue crash.Queue, processor Processor, publisher crash.Publisher, cfg Config, logger *zap.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DequeueBackoff <= 0 {
		cfg.DequeueBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run pulls with pullCtx and processes with workCtx until pullCtx is done or
// the queue closes. A delivery already taken is always settled before Run returns.
func (w *Worker) Run(pullCtx, workCtx context.Context) {
	for pullCtx.Err() == nil {
		d, err := w.queue.Dequeue(pullCtx)
		if err != nil {
			if pullCtx.Err() != nil || errors.Is(err, crash.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-pullCtx.Done():
				return
			case <-time.After(w.cfg.DequeueBackoff):
			}
			continue
		}
		metrics.IncActiveWorkers()
		w.Handle(workCtx, d)
		metrics.DecActiveWorkers()
	}
}

// Handle processes one delivery and settles it.
func (w *Worker) Handle(ctx context.Context, d crash.Delivery) Decision {
	decision := w.handle(ctx, d)
	metrics.ObserveDelivery(string(decision))
	return decision
}

func (w *Worker) handle(ctx context.Context, d crash.Delivery) Decision {
	logger := w.logger.With(zap.String("message_id", d.ID()), zap.Int("attempt", d.Attempt()))

	item, err := DecodeItem(d.Data(), d.Attributes())
	if err != nil {
		logger.Error("undecodable delivery", zap.Error(err))
		return w.deadLetter(ctx, d, failure{
			crashID: d.Attributes()[AttrCrashID],
			stage:   crash.StageDecode,
			kind:    crash.KindPermanent,
			cause:   err,
			attempt: d.Attempt(),
		})
	}
	logger = logger.With(zap.String("crash_id", item.CrashID.String()), zap.Bool("reprocess", item.Reprocess))

	stop := w.keepLease(ctx, d, logger)
	run, err := w.processor.Process(ctx, item.CrashID)
	stop()

	if err == nil {
		d.Ack()
		return DecisionAck
	}

	if run == nil {
		run = &pipeline.Run{Stage: crash.StageOf(err)}
	}
	kind := crash.KindOf(err)
	f := failure{
		crashID: item.CrashID.String(),
		stage:   run.Stage,
		kind:    kind,
		cause:   err,
		attempt: d.Attempt(),
		runID:   run.ID,
	}
	switch {
	case kind == crash.KindCanceled || ctx.Err() != nil:
		logger.Info("run interrupted, returning delivery", zap.Error(err))
		d.Nack()
		return DecisionRequeue
	case kind.Retryable() && d.Attempt() < w.cfg.MaxAttempts:
		logger.Warn("run failed, will retry",
			zap.String("run_id", run.ID),
			zap.String("stage", string(run.Stage)),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
		d.Nack()
		return DecisionRetry
	default:
		return w.deadLetter(ctx, d, f)
	}
}

// keepLease renews the delivery lease every Lease/2 until the returned stop
// function is called.
func (w *Worker) keepLease(ctx context.Context, d crash.Delivery, logger *zap.Logger) func() {
	if w.cfg.Lease <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.ExtendLease(w.cfg.Lease); err != nil {
					logger.Warn("lease extension failed", zap.Error(err))
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type failure struct {
	crashID string
	stage   crash.Stage
	kind    crash.Kind
	cause   error
	attempt int
	runID   string
}

func (f failure) attributes() map[string]string {
	return map[string]string{
		AttrCrashID: f.crashID,
		AttrStage:   string(f.stage),
		AttrKind:    f.kind.String(),
		AttrCause:   f.cause.Error(),
		AttrAttempt: strconv.Itoa(f.attempt),
		AttrRunID:   f.runID,
	}
}

// DeadLetter is the body of a dead-lettered message.
type DeadLetter struct {
	CrashID string `json:"crash_id"`
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Cause   string `json:"cause"`
	Attempt int    `json:"attempt"`
	RunID   string `json:"run_id,omitempty"`
	Payload string `json:"payload"`
}

// deadLetter logs the terminal failure, publishes it and acks the delivery.
// A failed publish leaves the delivery to be redelivered.
func (w *Worker) deadLetter(ctx context.Context, d crash.Delivery, f failure) Decision {
	w.logger.Error("crash processing failed permanently",
		zap.String("crash_id", f.crashID),
		zap.String("stage", string(f.stage)),
		zap.Stringer("kind", f.kind),
		zap.Int("attempt", f.attempt),
		zap.String("run_id", f.runID),
		zap.Error(f.cause),
	)
	if w.publisher == nil || w.cfg.DeadLetterTopic == "" {
		d.Ack()
		return DecisionDeadLetter
	}
	record := DeadLetter{
		CrashID: f.crashID,
		Stage:   string(f.stage),
		Kind:    f.kind.String(),
		Cause:   f.cause.Error(),
		Attempt: f.attempt,
		RunID:   f.runID,
		Payload: string(d.Data()),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.DeadLetterTopic, record, f.attributes()); err != nil {
		w.logger.Error("dead-letter publish failed", zap.String("crash_id", f.crashID), zap.Error(err))
		d.Nack()
		return DecisionRetry
	}
	d.Ack()
	return DecisionDeadLetter
}
