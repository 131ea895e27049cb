package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/projecteru2/vmplex/errdefs"
)

func newGuard(t *testing.T, timeout time.Duration) *Guard {
	t.Helper()
	g, err := New(t.TempDir(), timeout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// --- Acquire ---

func TestAcquire_BusyIsStateConflict(t *testing.T) {
	g := newGuard(t, 100*time.Millisecond)
	_, release, err := g.Acquire(context.Background(), Write(VMKey("web")))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, _, err = g.Acquire(context.Background(), Write(VMKey("web")))
	if errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
}

func TestAcquire_Reentrant(t *testing.T) {
	g := newGuard(t, 100*time.Millisecond)
	ctx, release, err := g.Acquire(context.Background(), Write(VMKey("web")))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	inner, innerRelease, err := g.Acquire(ctx, Write(VMKey("web")), Read(VMKey("web")))
	if err != nil {
		t.Fatalf("nested Acquire: %v", err)
	}
	innerRelease()
	if holding, write := Holds(inner, VMKey("web")); !holding || !write {
		t.Errorf("expected exclusive hold, got holding=%v write=%v", holding, write)
	}
	// The outer hold survives the nested release.
	if _, _, err := g.Acquire(context.Background(), Write(VMKey("web"))); errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Errorf("outer hold lost after nested release: %v", err)
	}
}

func TestAcquire_UpgradeRejected(t *testing.T) {
	g := newGuard(t, 100*time.Millisecond)
	ctx, release, err := g.Acquire(context.Background(), Read(VMKey("base")))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()
	if _, _, err := g.Acquire(ctx, Write(VMKey("base"))); errdefs.KindOf(err) != errdefs.KindInternal {
		t.Errorf("expected InternalError for upgrade, got %v", err)
	}
}

func TestAcquire_ReadersShare(t *testing.T) {
	g := newGuard(t, 100*time.Millisecond)
	_, r1, err := g.Acquire(context.Background(), Read(VMKey("base")))
	if err != nil {
		t.Fatal(err)
	}
	defer r1()
	_, r2, err := g.Acquire(context.Background(), Read(VMKey("base")), Write(VMKey("clone")))
	if err != nil {
		t.Fatalf("second reader blocked: %v", err)
	}
	r2()
}

func TestAcquire_PartialFailureReleasesEarlierKeys(t *testing.T) {
	g := newGuard(t, 100*time.Millisecond)
	_, hold, err := g.Acquire(context.Background(), Write(VMKey("b")))
	if err != nil {
		t.Fatal(err)
	}
	// "vm:a" sorts first and is taken before "vm:b" fails.
	if _, _, err := g.Acquire(context.Background(), Write(VMKey("b")), Write(VMKey("a"))); err == nil {
		t.Fatal("expected busy error")
	}
	hold()
	_, rel, err := g.Acquire(context.Background(), Write(VMKey("a")))
	if err != nil {
		t.Fatalf("vm:a leaked: %v", err)
	}
	rel()
}

func TestAcquire_OppositeOrderNoDeadlock(t *testing.T) {
	g := newGuard(t, 5*time.Second)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims := []Claim{Write(DiskKey("/d/x.vdi")), Write(VMKey("web"))}
			if i%2 == 1 {
				claims[0], claims[1] = claims[1], claims[0]
			}
			_, release, err := g.Acquire(context.Background(), claims...)
			if err != nil {
				failures.Add(1)
				return
			}
			time.Sleep(time.Millisecond)
			release()
		}()
	}
	wg.Wait()
	if failures.Load() != 0 {
		t.Errorf("%d acquisitions failed", failures.Load())
	}
}

func TestAcquire_ReleaseIdempotent(t *testing.T) {
	g := newGuard(t, 100*time.Millisecond)
	_, release, err := g.Acquire(context.Background(), Write(NetKey("lab")))
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()
	if g.locks.Len() != 0 {
		t.Errorf("expected no live lock entries, got %d", g.locks.Len())
	}
}

func TestAcquire_CallerCanceled(t *testing.T) {
	g := newGuard(t, time.Second)
	_, hold, err := g.Acquire(context.Background(), Write(VMKey("web")))
	if err != nil {
		t.Fatal(err)
	}
	defer hold()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := g.Acquire(ctx, Write(VMKey("web"))); errdefs.KindOf(err) != errdefs.KindTimeout {
		t.Errorf("expected TimeoutError when the caller gives up, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	got := normalize([]Claim{Read("vm:b"), Write("vm:a"), Write("vm:b"), Read("")})
	if len(got) != 2 || got[0] != Write("vm:a") || got[1] != Write("vm:b") {
		t.Errorf("unexpected normalized claims: %+v", got)
	}
}

// --- Pool ---

func TestPool_BoundsConcurrency(t *testing.T) {
	p, err := NewPool(2)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(context.Background(), func() {
				n := running.Add(1)
				for {
					m := peak.Load()
					if n <= m || peak.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
			})
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds pool size 2", peak.Load())
	}
}

func TestPool_CanceledContext(t *testing.T) {
	p, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	if err := p.Run(ctx, func() { ran = true }); err == nil || ran {
		t.Errorf("expected refusal for canceled ctx, err=%v ran=%v", err, ran)
	}
}
