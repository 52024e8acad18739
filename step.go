package compensate

import (
	"context"
	"fmt"

	"github.com/tidwall/btree"
)

// DoFunc performs the forward action of a step. The returned value is stored
// under the step name and can be read by later steps and by rollbacks.
type DoFunc func(ctx context.Context, sc StepContext) (any, error)

// UndoFunc reverses the effect of a completed DoFunc.
type UndoFunc func(ctx context.Context, sc StepContext) error

// Step is one forward/compensating pair in a Transaction.
//
// Rollback is invoked at most once, and only after Execute returned without
// error, so it may assume the forward action fully completed. It is never
// called for the step whose Execute failed. Rollback should make a best
// effort: its error is collected and reported, never retried.
type Step struct {
	Name     string
	Execute  DoFunc
	Rollback UndoFunc
}

// NewStep builds a Step from functions that need neither outputs nor the step context.
func NewStep(name string, do func(ctx context.Context) error, undo func(ctx context.Context) error) Step {
	s := Step{Name: name, Rollback: NoOpUndo}
	if do != nil {
		s.Execute = func(ctx context.Context, _ StepContext) (any, error) {
			return nil, do(ctx)
		}
	}
	if undo != nil {
		s.Rollback = func(ctx context.Context, _ StepContext) error {
			return undo(ctx)
		}
	}
	return s
}

// NoOpUndo is the rollback for steps with nothing to undo.
func NoOpUndo(_ context.Context, _ StepContext) error {
	return nil
}

// StepContext is handed to step functions.
type StepContext struct {
	TransactionID string
	StepName      string

	outputs *btree.Map[string, any]
}

// Lookup retrieves the output of an earlier step by name.
func (sc StepContext) Lookup(name string) (any, bool) {
	if sc.outputs == nil {
		return nil, false
	}
	return sc.outputs.Get(name)
}

// LookupTyped retrieves the output of an earlier step with a type assertion.
func LookupTyped[R any](sc StepContext, name string) (R, bool) {
	var zero R
	v, ok := sc.Lookup(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(R)
	if !ok {
		return zero, false
	}
	return typed, true
}

// MustLookup is LookupTyped returning an error instead of a boolean.
func MustLookup[R any](sc StepContext, name string) (R, error) {
	v, ok := LookupTyped[R](sc, name)
	if !ok {
		return v, fmt.Errorf("no output of type %T recorded for step %q", v, name)
	}
	return v, nil
}
