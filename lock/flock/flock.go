package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/vmplex/lock"
)

const retryDelay = 50 * time.Millisecond

// compile-time interface check.
var _ lock.RWLocker = (*Lock)(nil)

// Lock provides cross-process locking using flock(2) via gofrs/flock, so two
// vmplex processes on one host never drive the same resource at once.
// Lock files are long-lived and never deleted after use.
type Lock struct {
	fl *flock.Flock
}

// New creates a new Lock for the given path. The parent directory must exist.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.fl.Path() }

// Lock acquires an exclusive flock. Blocks until the lock is available
// or the context is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, retryDelay)
	return l.result("flock", locked, err)
}

// RLock acquires a shared flock.
func (l *Lock) RLock(ctx context.Context) error {
	locked, err := l.fl.TryRLockContext(ctx, retryDelay)
	return l.result("shared flock", locked, err)
}

// Unlock releases the flock.
func (l *Lock) Unlock(_ context.Context) error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}

// RUnlock releases a shared flock.
func (l *Lock) RUnlock(ctx context.Context) error {
	return l.Unlock(ctx)
}

func (l *Lock) result(what string, locked bool, err error) error {
	if err != nil {
		return fmt.Errorf("acquire %s %s: %w", what, l.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("acquire %s %s: %w", what, l.fl.Path(), context.DeadlineExceeded)
	}
	return nil
}
