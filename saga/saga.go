// Package saga runs short multi-step hypervisor operations.
//
// Steps run in order. A failure of the first step is returned as is: nothing
// has changed. A failure after at least one step completed is returned as a
// *PartialError naming what was done and what was not. Completed steps are
// never rolled back; the advisory tells the caller how to finish or clean up.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/errdefs"
)

// Step is one unit of work.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	// Advisory explains the resulting state when this step fails after
	// earlier steps succeeded.
	Advisory string
}

// PartialError reports a multi-step operation that stopped part way.
type PartialError struct {
	Op        string
	Completed []string
	Failed    string
	Advisory  string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s partially completed (done: %s; failed: %s): %v",
		e.Op, strings.Join(e.Completed, ", "), e.Failed, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// AsPartial returns the *PartialError in err's chain, if any.
func AsPartial(err error) (*PartialError, bool) {
	var pe *PartialError
	ok := errors.As(err, &pe)
	return pe, ok
}

// Saga is a named sequence of steps. Not safe for concurrent use.
type Saga struct {
	op        string
	steps     []Step
	completed []string
}

// New starts an empty saga for op (e.g. "vm.create web").
func New(op string) *Saga {
	return &Saga{op: op}
}

// Then appends a step.
func (s *Saga) Then(name string, do func(ctx context.Context) error) *Saga {
	s.steps = append(s.steps, Step{Name: name, Do: do})
	return s
}

// ThenAdvise appends a step with an advisory used if it fails.
func (s *Saga) ThenAdvise(name, advisory string, do func(ctx context.Context) error) *Saga {
	s.steps = append(s.steps, Step{Name: name, Do: do, Advisory: advisory})
	return s
}

// Completed lists the steps that succeeded so far.
func (s *Saga) Completed() []string {
	return append([]string(nil), s.completed...)
}

// Run executes the steps in order and stops at the first failure.
func (s *Saga) Run(ctx context.Context) error {
	for _, st := range s.steps {
		if err := st.Do(ctx); err != nil {
			if len(s.completed) == 0 {
				return err
			}
			return Partial(ctx, s.op, s.Completed(), st.Name, st.Advisory, err)
		}
		s.completed = append(s.completed, st.Name)
	}
	return nil
}

// Partial builds and logs a *PartialError for operations that detect a
// half-done outcome outside of Run, such as a failed post-condition check.
// A ValidationError cause is reported as an ExternalToolError: earlier steps
// already changed the hypervisor, so the call was not rejected up front.
func Partial(ctx context.Context, op string, completed []string, failed, advisory string, err error) *PartialError {
	if errdefs.KindOf(err) == errdefs.KindValidation {
		err = &errdefs.Error{Kind: errdefs.KindExternalTool, Raw: errdefs.RawOf(err), Err: err}
	}
	pe := &PartialError{Op: op, Completed: completed, Failed: failed, Advisory: advisory, Err: err}
	log.WithFunc("saga.Run").Warnf(ctx, "%v", pe)
	return pe
}
