package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/projecteru2/vmplex/errdefs"
)

type entry[T any] struct {
	val       T
	fetchedAt time.Time
	stale     bool
}

// Table is a TTL'd read-through map with coalesced loads. A load that races
// with an invalidation of the same key is returned to its callers but not
// stored, so an invalidation is never undone by an older read.
type Table[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*entry[T]
	gens    map[string]uint64
	epoch   uint64
	group   singleflight.Group
}

// NewTable creates a table. now defaults to time.Now.
func NewTable[T any](ttl time.Duration, now func() time.Time) *Table[T] {
	if now == nil {
		now = time.Now
	}
	return &Table[T]{ttl: ttl, now: now, entries: map[string]*entry[T]{}, gens: map[string]uint64{}}
}

// Get returns the cached value when fresh, otherwise loads it.
func (t *Table[T]) Get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	t.mu.Lock()
	if e, ok := t.entries[key]; ok && !e.stale && t.now().Sub(e.fetchedAt) < t.ttl {
		v := e.val
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()
	return t.Refresh(ctx, key, load)
}

// Refresh loads key unconditionally. Concurrent refreshes of one key share
// a single load.
func (t *Table[T]) Refresh(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	t.mu.Lock()
	gen, epoch := t.gens[key], t.epoch
	t.mu.Unlock()

	// Loads started before an invalidation are not shared with callers that
	// arrive after it.
	flight := fmt.Sprintf("%s#%d.%d", key, epoch, gen)
	v, err, _ := t.group.Do(flight, func() (any, error) {
		val, err := load(ctx)
		t.mu.Lock()
		defer t.mu.Unlock()
		switch {
		case err == nil && t.gens[key] == gen && t.epoch == epoch:
			t.entries[key] = &entry[T]{val: val, fetchedAt: t.now()}
		case errdefs.KindOf(err) == errdefs.KindNotFound:
			delete(t.entries, key)
		}
		return val, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Peek returns the cached value regardless of age or staleness.
func (t *Table[T]) Peek(key string) (val T, stale bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return val, false, false
	}
	return e.val, e.stale || t.now().Sub(e.fetchedAt) >= t.ttl, true
}

// Recent returns the cached value only if it is not stale and younger
// than maxAge.
func (t *Table[T]) Recent(key string, maxAge time.Duration) (val T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.stale || t.now().Sub(e.fetchedAt) >= maxAge {
		return val, false
	}
	return e.val, true
}

// Invalidate drops key.
func (t *Table[T]) Invalidate(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gens[key]++
	delete(t.entries, key)
}

// MarkStale keeps key visible to Peek but forces the next Get to reload.
func (t *Table[T]) MarkStale(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gens[key]++
	if e, ok := t.entries[key]; ok {
		e.stale = true
	}
}

// InvalidateAll drops every entry.
func (t *Table[T]) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	clear(t.entries)
}

// Len is the number of entries, stale or not.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
