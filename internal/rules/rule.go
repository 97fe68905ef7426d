// Package rules runs an ordered chain of processing rules that derive a
// processed crash from a raw crash.
package rules

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// DumpOpener streams dump attachments for the rule that needs them.
type DumpOpener interface {
	OpenDump(ctx context.Context, id crash.ID, name string) (io.ReadCloser, error)
}

// Input is what a rule may read. Fields is a snapshot taken before the rule
// started and must not be modified.
type Input struct {
	Raw    *crash.RawCrash
	Fields crash.Fields
	Dumps  DumpOpener
}

// ApplyFunc computes a rule's outputs into out.
type ApplyFunc func(ctx context.Context, in Input, out crash.Fields) error

// Rule is one named step of the chain. Rules are stateless; Reads lists the
// processed fields that must be present for the rule to run and Writes the
// fields it may produce.
type Rule struct {
	Name     string
	Reads    []string
	Writes   []string
	Critical bool
	Timeout  time.Duration
	Apply    ApplyFunc
}

// Status is the result of one rule in a run.
type Status string

// Rule outcome statuses.
const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Outcome records what happened to one rule.
type Outcome struct {
	Rule    string        `json:"rule"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Registry holds the rules available to an engine, keyed by name.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry builds a registry from rules, rejecting duplicate or unnamed rules.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds rule.
func (r *Registry) Register(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if rule.Apply == nil {
		return fmt.Errorf("rule %q has no apply function", rule.Name)
	}
	if _, dup := r.rules[rule.Name]; dup {
		return fmt.Errorf("duplicate rule %q", rule.Name)
	}
	r.rules[rule.Name] = rule
	return nil
}

// Get returns the named rule.
func (r *Registry) Get(name string) (Rule, bool) {
	rule, ok := r.rules[name]
	return rule, ok
}

// Names returns the registered rule names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.rules))
	for n := range r.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
