// Package lock defines the locking contracts shared by the in-process keyed
// locks and the cross-process file locks.
package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// RWLocker adds shared acquisition. Any number of readers may hold the lock
// at once; a writer excludes everyone.
type RWLocker interface {
	Locker
	RLock(ctx context.Context) error
	RUnlock(ctx context.Context) error
}
