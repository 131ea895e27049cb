// Package guard serializes mutating actions per resource.
//
// A mutating action claims every resource it touches in one Acquire call.
// Claims are sorted by key so two actions never wait on each other in
// opposite order. Holds are recorded in the returned context: a nested
// Acquire for a key the caller already holds is a no-op, which lets one
// manager call another (restore → stop) under the same lock.
package guard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/lock"
	"github.com/projecteru2/vmplex/lock/flock"
	"github.com/projecteru2/vmplex/lock/keyed"
)

// Claim is one resource a caller wants to hold.
type Claim struct {
	Key   string
	Write bool
}

// Write claims key exclusively.
func Write(key string) Claim { return Claim{Key: key, Write: true} }

// Read claims key shared.
func Read(key string) Claim { return Claim{Key: key} }

// Resource keys.
func VMKey(name string) string   { return "vm:" + name }
func DiskKey(path string) string { return "disk:" + path }
func NetKey(name string) string  { return "net:" + name }

type heldKey struct{}

// held maps key → whether it is held exclusively.
type held map[string]bool

// Guard hands out per-resource locks.
type Guard struct {
	locks   *keyed.Locks
	dir     string
	timeout time.Duration
}

// New returns a Guard that also takes flock(2) files under dir, so separate
// processes serialize too. An empty dir keeps locking in-process.
func New(dir string, timeout time.Duration) (*Guard, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil { //nolint:mnd
			return nil, fmt.Errorf("create lock dir %s: %w", dir, err)
		}
	}
	return &Guard{locks: keyed.New(), dir: dir, timeout: timeout}, nil
}

// Acquire takes all claims, waiting at most the configured lock timeout.
// It returns a context recording the holds and a release func that must be
// called exactly once; release is safe to call more than once.
// A busy resource yields a StateConflictError.
func (g *Guard) Acquire(ctx context.Context, claims ...Claim) (context.Context, func(), error) {
	logger := log.WithFunc("guard.Acquire")
	current, _ := ctx.Value(heldKey{}).(held)

	var todo []Claim
	for _, c := range normalize(claims) {
		write, ok := current[c.Key]
		switch {
		case ok && (write || !c.Write):
			continue
		case ok:
			return ctx, func() {}, errdefs.Internalf("lock %s: cannot upgrade a shared hold", c.Key)
		}
		todo = append(todo, c)
	}
	if len(todo) == 0 {
		return ctx, func() {}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, c := range todo {
		rel, err := g.take(waitCtx, c)
		if err != nil {
			releaseAll()
			if ctx.Err() != nil {
				return ctx, func() {}, &errdefs.Error{Kind: errdefs.KindTimeout, Message: "wait for " + c.Key, Err: ctx.Err()}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warnf(ctx, "%s still busy after %s", c.Key, g.timeout)
				return ctx, func() {}, errdefs.Conflictf("resource %s is busy", c.Key)
			}
			return ctx, func() {}, errdefs.Internalf("lock %s: %v", c.Key, err)
		}
		releases = append(releases, rel)
	}

	next := make(held, len(current)+len(todo))
	for k, w := range current {
		next[k] = w
	}
	for _, c := range todo {
		next[c.Key] = c.Write
	}
	var once sync.Once
	return context.WithValue(ctx, heldKey{}, next), func() { once.Do(releaseAll) }, nil
}

// Holds reports whether ctx holds key, and whether exclusively.
func Holds(ctx context.Context, key string) (holding, write bool) {
	h, _ := ctx.Value(heldKey{}).(held)
	write, holding = h[key]
	return holding, write
}

func (g *Guard) take(ctx context.Context, c Claim) (func(), error) {
	if err := g.locks.Acquire(ctx, c.Key, c.Write); err != nil {
		return nil, err
	}
	if g.dir == "" {
		return func() { g.locks.Release(c.Key, c.Write) }, nil
	}
	fl := flock.New(filepath.Join(g.dir, url.PathEscape(c.Key)+".lock"))
	if err := acquireFile(ctx, fl, c.Write); err != nil {
		g.locks.Release(c.Key, c.Write)
		return nil, err
	}
	return func() {
		_ = releaseFile(fl, c.Write)
		g.locks.Release(c.Key, c.Write)
	}, nil
}

func acquireFile(ctx context.Context, l lock.RWLocker, write bool) error {
	if write {
		return l.Lock(ctx)
	}
	return l.RLock(ctx)
}

func releaseFile(l lock.RWLocker, write bool) error {
	if write {
		return l.Unlock(context.Background())
	}
	return l.RUnlock(context.Background())
}

// normalize sorts claims by key and folds duplicates, write winning.
func normalize(claims []Claim) []Claim {
	byKey := map[string]bool{}
	for _, c := range claims {
		if c.Key == "" {
			continue
		}
		byKey[c.Key] = byKey[c.Key] || c.Write
	}
	out := make([]Claim, 0, len(byKey))
	for k, w := range byKey {
		out = append(out, Claim{Key: k, Write: w})
	}
	slices.SortFunc(out, func(a, b Claim) int { return cmp.Compare(a.Key, b.Key) })
	return out
}
