// Package executor invokes the hypervisor control binary.
//
// Execute only fails when the command could not be run to completion (not
// found, timed out, canceled); a non-zero exit is reported in Result and
// turned into a typed error by Classify.
package executor

import (
	"context"
	"time"
)

// Result is the raw outcome of one invocation.
type Result struct {
	Args     []string      `json:"args"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Executor runs one hypervisor command.
type Executor interface {
	// Execute runs the binary with args and waits at most timeout. On timeout
	// the child process group is terminated and a TimeoutError is returned.
	Execute(ctx context.Context, args []string, timeout time.Duration) (*Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, args []string, timeout time.Duration) (*Result, error)

func (f Func) Execute(ctx context.Context, args []string, timeout time.Duration) (*Result, error) {
	return f(ctx, args, timeout)
}

// Runner bounds concurrent work. Implemented by guard.Pool.
type Runner interface {
	Run(ctx context.Context, fn func()) error
}

type pooled struct {
	inner  Executor
	runner Runner
}

// WithPool makes every invocation of e run inside r, so the number of live
// hypervisor processes never exceeds the runner's capacity.
func WithPool(e Executor, r Runner) Executor {
	return &pooled{inner: e, runner: r}
}

func (p *pooled) Execute(ctx context.Context, args []string, timeout time.Duration) (*Result, error) {
	var (
		res *Result
		err error
	)
	if runErr := p.runner.Run(ctx, func() {
		res, err = p.inner.Execute(ctx, args, timeout)
	}); runErr != nil {
		return nil, runErr
	}
	return res, err
}
