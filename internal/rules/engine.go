package rules

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/metrics"
)

const tracerName = "github.com/JakeFAU/crash-processor/internal/rules"

// Options tunes an Engine.
type Options struct {
	// DefaultTimeout applies to rules without their own Timeout.
	DefaultTimeout time.Duration
	// Critical overrides the criticality declared by individual rules.
	Critical map[string]bool
	Logger   *zap.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Engine runs a validated rule chain.
type Engine struct {
	chain          []Rule
	defaultTimeout time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
}

// NewEngine resolves order against registry and validates the chain: every
// name must be registered exactly once, and every field a rule reads must be
// written by a rule earlier in the order.
func NewEngine(registry *Registry, order []string, opts Options) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("rule registry is required")
	}
	if len(order) == 0 {
		return nil, errors.New("rule order is empty")
	}
	written := make(map[string]bool)
	seen := make(map[string]bool, len(order))
	chain := make([]Rule, 0, len(order))
	for _, name := range order {
		rule, ok := registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown rule %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("rule %q listed more than once", name)
		}
		seen[name] = true
		for _, field := range rule.Reads {
			if !written[field] {
				return nil, fmt.Errorf("rule %q reads %q, which no earlier rule writes", name, field)
			}
		}
		for _, field := range rule.Writes {
			written[field] = true
		}
		if critical, ok := opts.Critical[name]; ok {
			rule.Critical = critical
		}
		chain = append(chain, rule)
	}
	for name := range opts.Critical {
		if !seen[name] {
			return nil, fmt.Errorf("criticality override for rule %q, which is not in the order", name)
		}
	}

	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Engine{
		chain:          chain,
		defaultTimeout: timeout,
		logger:         logger.Named("rules"),
		tracer:         tp.Tracer(tracerName),
	}, nil
}

// Order returns the rule names in execution order.
func (e *Engine) Order() []string {
	names := make([]string, len(e.chain))
	for i, r := range e.chain {
		names[i] = r.Name
	}
	return names
}

// Result is the outcome of one pass over the chain.
type Result struct {
	Processed crash.Fields
	Outcomes  []Outcome
}

// Run applies the chain to in. A rule failure is recorded in its outcome and
// the chain continues, unless the rule is critical, in which case Run returns
// the rule's error. When ctx's deadline passes, the rules not yet run are
// recorded as errors and Run fails only if one of them is critical.
// Cancellation of ctx aborts the run.
func (e *Engine) Run(ctx context.Context, in Input) (Result, error) {
	processed := in.Fields.Clone()
	outcomes := make([]Outcome, 0, len(e.chain))

	for i, rule := range e.chain {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return Result{Processed: processed, Outcomes: outcomes}, crash.Wrap(crash.KindCanceled, crash.StageRules, err)
			}
			remaining := e.chain[i:]
			var critical *Rule
			for j := range remaining {
				outcomes = append(outcomes, Outcome{
					Rule:    remaining[j].Name,
					Status:  StatusError,
					Message: "run deadline exceeded before rule ran",
				})
				metrics.ObserveRule(remaining[j].Name, string(StatusError), 0)
				if remaining[j].Critical && critical == nil {
					critical = &remaining[j]
				}
			}
			if critical != nil {
				return Result{Processed: processed, Outcomes: outcomes}, crash.Wrap(crash.KindTimeout, crash.StageRules,
					fmt.Errorf("rule %s: run deadline exceeded before it ran", critical.Name))
			}
			e.logger.Warn("run deadline exceeded, remaining rules not applied", zap.Int("remaining", len(remaining)))
			return Result{Processed: processed, Outcomes: outcomes}, nil
		}

		if missing := missingReads(rule, processed); missing != "" {
			outcomes = append(outcomes, Outcome{
				Rule:    rule.Name,
				Status:  StatusSkipped,
				Message: fmt.Sprintf("missing input %q", missing),
			})
			metrics.ObserveRule(rule.Name, string(StatusSkipped), 0)
			continue
		}

		out, elapsed, err := e.apply(ctx, rule, Input{Raw: in.Raw, Fields: processed.Clone(), Dumps: in.Dumps})
		if err != nil {
			outcomes = append(outcomes, Outcome{Rule: rule.Name, Status: StatusError, Message: err.Error(), Elapsed: elapsed})
			metrics.ObserveRule(rule.Name, string(StatusError), elapsed)
			if errors.Is(ctx.Err(), context.Canceled) {
				return Result{Processed: processed, Outcomes: outcomes}, crash.Wrap(crash.KindCanceled, crash.StageRules, ctx.Err())
			}
			if rule.Critical {
				kind := crash.KindOf(err)
				if kind == crash.KindUnknown {
					kind = crash.KindRule
				}
				return Result{Processed: processed, Outcomes: outcomes}, crash.Wrap(kind, crash.StageRules,
					fmt.Errorf("critical rule %s: %w", rule.Name, err))
			}
			e.logger.Warn("rule failed", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}

		for _, field := range rule.Writes {
			if v, ok := out[field]; ok {
				processed[field] = v
			}
		}
		for field := range out {
			if !slices.Contains(rule.Writes, field) {
				e.logger.Warn("rule wrote undeclared field", zap.String("rule", rule.Name), zap.String("field", field))
			}
		}
		outcomes = append(outcomes, Outcome{Rule: rule.Name, Status: StatusOK, Elapsed: elapsed})
		metrics.ObserveRule(rule.Name, string(StatusOK), elapsed)
	}
	return Result{Processed: processed, Outcomes: outcomes}, nil
}

// apply runs one rule under its time budget. The rule writes into a private
// map, so a rule abandoned on timeout cannot affect the processed crash.
func (e *Engine) apply(ctx context.Context, rule Rule, in Input) (crash.Fields, time.Duration, error) {
	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, span := e.tracer.Start(ctx, "rule "+rule.Name, trace.WithAttributes(
		attribute.String("rule.name", rule.Name),
		attribute.Bool("rule.critical", rule.Critical),
	))
	defer span.End()

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out := crash.Fields{}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("rule panicked",
					zap.String("rule", rule.Name),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- crash.Wrap(crash.KindRule, crash.StageRules, fmt.Errorf("rule %s panicked: %v", rule.Name, p))
			}
		}()
		done <- rule.Apply(rctx, in, out)
	}()

	var err error
	select {
	case err = <-done:
	case <-rctx.Done():
		err = fmt.Errorf("rule %s: %w", rule.Name, rctx.Err())
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			err = crash.Wrap(crash.KindTimeout, crash.StageRules, fmt.Errorf("rule %s exceeded %s", rule.Name, timeout))
		}
	}
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("rule.status", string(StatusError)))
		return nil, elapsed, err
	}
	span.SetAttributes(attribute.String("rule.status", string(StatusOK)))
	return out, elapsed, nil
}

func missingReads(rule Rule, fields crash.Fields) string {
	for _, f := range rule.Reads {
		if !fields.Has(f) {
			return f
		}
	}
	return ""
}
