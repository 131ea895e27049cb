package guard

import (
	"context"
	"fmt"

	"github.com/panjf2000/ants/v2"
)

// Pool bounds concurrent external work. Submit blocks while every worker is
// busy, so callers queue instead of spawning unbounded processes.
type Pool struct {
	p *ants.Pool
}

// NewPool creates a pool of size workers.
func NewPool(size int) (*Pool, error) {
	p, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Pool{p: p}, nil
}

// Run executes fn on a pool worker and waits for it to return.
// fn must not call Run on the same pool.
func (p *Pool) Run(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	if err := p.p.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return fmt.Errorf("submit to worker pool: %w", err)
	}
	<-done
	return nil
}

// Close releases the workers. Run fails afterwards.
func (p *Pool) Close() { p.p.Release() }
