// Package sink commits processed crashes to the artifact store, the
// relational store and the search index.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crash-processor/internal/clock/system"
	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/metrics"
)

// Commit targets.
const (
	TargetArtifact = "artifact"
	TargetSummary  = "summary"
	TargetIndex    = "index"
)

// Artifacts persists the processed crash document.
type Artifacts interface {
	StoreProcessed(ctx context.Context, id crash.ID, processed crash.ProcessedCrash) error
}

// Config wires the sink. Summaries and Indexer are optional.
type Config struct {
	Artifacts Artifacts
	Summaries crash.SummaryStore
	Indexer   crash.Indexer
	// Retry bounds the attempts for the summary and index writes.
	Retry  *crash.RetryPolicy
	Clock  crash.Clock
	Logger *zap.Logger
}

// TargetResult is the outcome of one secondary write.
type TargetResult struct {
	Target   string
	Attempts int
	Err      error
}

// Report describes the secondary writes of one commit.
type Report struct {
	Targets []TargetResult
}

// Incomplete reports whether any secondary write failed.
func (r Report) Incomplete() bool {
	for _, t := range r.Targets {
		if t.Err != nil {
			return true
		}
	}
	return false
}

// Causes maps each failed target to its last error.
func (r Report) Causes() map[string]string {
	out := make(map[string]string)
	for _, t := range r.Targets {
		if t.Err != nil {
			out[t.Target] = t.Err.Error()
		}
	}
	return out
}

// Sink implements the commit step of a run.
type Sink struct {
	artifacts Artifacts
	summaries crash.SummaryStore
	indexer   crash.Indexer
	retry     *crash.RetryPolicy
	clock     crash.Clock
	logger    *zap.Logger
}

// New validates cfg and builds a Sink.
func New(cfg Config) (*Sink, error) {
	if cfg.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if cfg.Retry == nil {
		cfg.Retry = crash.NewExponentialRetryPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sink{
		artifacts: cfg.Artifacts,
		summaries: cfg.Summaries,
		indexer:   cfg.Indexer,
		retry:     cfg.Retry,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("sink"),
	}, nil
}

// Commit writes the artifact first and returns its error unchanged. Once the
// artifact is durable the summary and index writes run concurrently; failures
// there are retried and then reported as an incomplete commit with a nil error.
// Cancellation during the secondary writes is returned so the crash is redelivered.
func (s *Sink) Commit(ctx context.Context, id crash.ID, processed crash.ProcessedCrash) (Report, error) {
	if err := s.artifacts.StoreProcessed(ctx, id, processed); err != nil {
		metrics.ObserveSinkWrite(TargetArtifact, "error")
		return Report{}, err
	}
	metrics.ObserveSinkWrite(TargetArtifact, "ok")

	var (
		mu     sync.Mutex
		report Report
		g      errgroup.Group
	)
	record := func(r TargetResult) {
		mu.Lock()
		defer mu.Unlock()
		report.Targets = append(report.Targets, r)
	}

	if s.summaries != nil {
		summary := processed.Summarize(id, s.processedAt(processed))
		g.Go(func() error {
			record(s.write(ctx, TargetSummary, func(ctx context.Context) error {
				if err := s.summaries.UpsertSummary(ctx, summary); err != nil {
					return classify(err)
				}
				return nil
			}))
			return nil
		})
	}
	if s.indexer != nil {
		submitted := s.submittedAt(id, processed)
		g.Go(func() error {
			record(s.write(ctx, TargetIndex, func(ctx context.Context) error {
				return s.indexer.IndexCrash(ctx, id, processed, submitted)
			}))
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(report.Targets, func(i, j int) bool { return report.Targets[i].Target < report.Targets[j].Target })

	if err := ctx.Err(); err != nil && report.Incomplete() {
		return report, crash.Wrap(crash.KindCanceled, crash.StageIndex, err)
	}
	if report.Incomplete() {
		s.logger.Warn("commit incomplete",
			zap.String("crash_id", id.String()),
			zap.Any("causes", report.Causes()),
		)
	}
	return report, nil
}

func (s *Sink) write(ctx context.Context, target string, fn func(context.Context) error) TargetResult {
	res := TargetResult{Target: target}
	res.Err = s.retry.Do(ctx, func(ctx context.Context) error {
		res.Attempts++
		return fn(ctx)
	})
	status := "ok"
	if res.Err != nil {
		status = "error"
	}
	metrics.ObserveSinkWrite(target, status)
	return res
}

// classify treats store errors without a kind as transient.
func classify(err error) error {
	var ce *crash.Error
	if errors.As(err, &ce) || errors.Is(err, context.Canceled) {
		return err
	}
	return crash.Transient(crash.StageIndex, fmt.Errorf("upsert summary: %w", err))
}

func (s *Sink) processedAt(processed crash.ProcessedCrash) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, processed.String(crash.FieldDateProcessed)); err == nil {
		return t
	}
	return s.clock.Now()
}

func (s *Sink) submittedAt(id crash.ID, processed crash.ProcessedCrash) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, processed.String(crash.FieldSubmittedTimestamp)); err == nil {
		return t
	}
	if t, ok := id.SubmissionDate(); ok {
		return t
	}
	return s.processedAt(processed)
}
