// Package builtin provides the processor's standard rule set.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/rules"
	"github.com/JakeFAU/crash-processor/internal/signature"
	"github.com/JakeFAU/crash-processor/internal/symbolicator"
)

// Built-in rule names.
const (
	RuleIdentity    = "identity"
	RuleProduct     = "product"
	RuleUptime      = "uptime"
	RuleSymbolicate = "symbolicate"
	RuleCrashInfo   = "crash_info"
	RuleSignature   = "signature"
)

// Symbolicator runs the stackwalker for one dump.
type Symbolicator interface {
	Run(ctx context.Context, req symbolicator.Request) (*crash.StackWalkResult, error)
}

// Options wires the rules that depend on other components.
type Options struct {
	Symbolicator Symbolicator
	// Signature defaults to a generator with default settings.
	Signature *signature.Generator
	Tables    []LookupTable
	// SymbolicateTimeout overrides the engine default for the symbolicate rule.
	SymbolicateTimeout time.Duration
}

// DefaultOrder returns the built-in chain followed by one rule per lookup table.
func DefaultOrder(tables []LookupTable) []string {
	order := []string{
		RuleIdentity,
		RuleProduct,
		RuleUptime,
		RuleSymbolicate,
		RuleCrashInfo,
		RuleSignature,
	}
	for _, t := range tables {
		order = append(order, t.Name)
	}
	return order
}

// Registry builds a registry holding every built-in rule and lookup table.
func Registry(opts Options) (*rules.Registry, error) {
	if opts.Symbolicator == nil {
		return nil, errors.New("symbolicator is required")
	}
	gen := opts.Signature
	if gen == nil {
		var err error
		if gen, err = signature.New(signature.Config{}); err != nil {
			return nil, err
		}
	}

	symbolicate := symbolicateRule(opts.Symbolicator)
	symbolicate.Timeout = opts.SymbolicateTimeout

	reg, err := rules.NewRegistry(
		identityRule(),
		productRule(),
		uptimeRule(),
		symbolicate,
		crashInfoRule(),
		signatureRule(gen),
	)
	if err != nil {
		return nil, err
	}
	for _, t := range opts.Tables {
		if err := reg.Register(t.Rule()); err != nil {
			return nil, fmt.Errorf("lookup table %q: %w", t.Name, err)
		}
	}
	return reg, nil
}
