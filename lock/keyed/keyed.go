// Package keyed provides in-process reader/writer locks addressed by string
// key. Entries are created on first use and dropped when nobody holds or
// waits on them, so the table stays proportional to live contention.
package keyed

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/projecteru2/vmplex/lock"
)

// writeWeight is the semaphore weight a writer takes; readers take 1.
// Weighted semaphores serve waiters FIFO, so a queued writer blocks later
// readers and cannot starve.
const writeWeight = 1 << 30

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locks is a set of keyed RW locks. The zero value is not usable; use New.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty lock table.
func New() *Locks {
	return &Locks{entries: map[string]*entry{}}
}

// Acquire takes key in shared (write=false) or exclusive mode, blocking until
// granted or ctx is done.
func (l *Locks) Acquire(ctx context.Context, key string, write bool) error {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, weight(write)); err != nil {
		l.unref(key)
		return err
	}
	return nil
}

// Release gives back a hold taken by Acquire with the same mode.
func (l *Locks) Release(key string, write bool) {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	e.sem.Release(weight(write))
	l.unref(key)
}

// Len reports the number of live entries.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Locker returns a lock.RWLocker bound to key.
func (l *Locks) Locker(key string) lock.RWLocker {
	return &keyLocker{locks: l, key: key}
}

func (l *Locks) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(writeWeight)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locks) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	if e.refs--; e.refs <= 0 {
		delete(l.entries, key)
	}
}

func weight(write bool) int64 {
	if write {
		return writeWeight
	}
	return 1
}

type keyLocker struct {
	locks *Locks
	key   string
}

func (k *keyLocker) Lock(ctx context.Context) error  { return k.locks.Acquire(ctx, k.key, true) }
func (k *keyLocker) RLock(ctx context.Context) error { return k.locks.Acquire(ctx, k.key, false) }

func (k *keyLocker) Unlock(context.Context) error {
	k.locks.Release(k.key, true)
	return nil
}

func (k *keyLocker) RUnlock(context.Context) error {
	k.locks.Release(k.key, false)
	return nil
}
