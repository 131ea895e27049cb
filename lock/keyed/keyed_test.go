package keyed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquire_WriterExcludesWriter(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Acquire(ctx, "vm/web", true); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(short, "vm/web", true); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	l.Release("vm/web", true)
	if l.Len() != 0 {
		t.Errorf("expected empty table after release, got %d entries", l.Len())
	}
}

func TestAcquire_ReadersShare(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 5 {
		if err := l.Acquire(ctx, "vm/base", false); err != nil {
			t.Fatalf("reader Acquire: %v", err)
		}
	}
	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	if err := l.Acquire(short, "vm/base", true); err == nil {
		t.Fatal("writer should wait for readers")
	}
	for range 5 {
		l.Release("vm/base", false)
	}
	if err := l.Acquire(ctx, "vm/base", true); err != nil {
		t.Fatalf("writer after readers: %v", err)
	}
	l.Release("vm/base", true)
}

func TestAcquire_DistinctKeysIndependent(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Acquire(ctx, "vm/a", true); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx, "vm/b", true); err != nil {
		t.Fatalf("unrelated key blocked: %v", err)
	}
	l.Release("vm/a", true)
	l.Release("vm/b", true)
}

func TestLocker_SerializesCriticalSection(t *testing.T) {
	l := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk := l.Locker("vm/web")
			if err := lk.Lock(context.Background()); err != nil {
				t.Error(err)
				return
			}
			defer lk.Unlock(context.Background()) //nolint:errcheck
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside.Load())
	}
	if l.Len() != 0 {
		t.Errorf("leaked %d entries", l.Len())
	}
}

func TestRelease_UnknownKeyIsNoop(t *testing.T) {
	New().Release("nothing", true)
}
