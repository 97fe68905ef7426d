package crash

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and routing decisions.
type Kind int

// Failure kinds. Only the worker maps these to ack/nack/dead-letter.
const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindRule
	KindTool
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRule:
		return "rule"
	case KindTool:
		return "tool"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on redelivery.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout || k == KindUnknown
}

// Stage names the pipeline step a failure happened in.
type Stage string

// Pipeline stages.
const (
	StageDecode  Stage = "decode"
	StageFetch   Stage = "fetch"
	StageRules   Stage = "rules"
	StageCommit  Stage = "commit"
	StageIndex   Stage = "index"
	StageSymbols Stage = "symbols"
)

// Sentinel errors.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidID      = errors.New("invalid crash id")
	ErrQueueClosed    = errors.New("queue closed")
	ErrLeaseLost      = errors.New("lease lost")
)

// Error carries the failure kind and stage alongside the underlying cause.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of stage.
func Transient(stage Stage, err error) error {
	return &Error{Kind: KindTransient, Stage: stage, Err: err}
}

// Permanent wraps err as a non-retryable failure of stage.
func Permanent(stage Stage, err error) error {
	return &Error{Kind: KindPermanent, Stage: stage, Err: err}
}

// Wrap attaches kind and stage to err.
func Wrap(kind Kind, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the most specific kind recorded in err's chain.
// Context cancellation maps to KindCanceled and deadlines to KindTimeout
// when no explicit kind was attached.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrObjectNotFound), errors.Is(err, ErrInvalidID):
		return KindPermanent
	}
	return KindUnknown
}

// StageOf returns the outermost stage recorded in err's chain.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
