package snapshot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/executor"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor/vbox"
	"github.com/projecteru2/vmplex/hypervisor/vbox/vboxtest"
	"github.com/projecteru2/vmplex/saga"
	"github.com/projecteru2/vmplex/types"
	"github.com/projecteru2/vmplex/vm"
)

type noLimits struct{}

func (noLimits) CheckCapacity(context.Context, int, int) error { return nil }
func (noLimits) CheckAvailable(context.Context, int) error     { return nil }

type env struct {
	snaps *Manager
	vms   *vm.Manager
	fake  *vboxtest.Fake
}

func newEnv(t *testing.T, wrap func(*vboxtest.Fake) executor.Executor) *env {
	t.Helper()
	fake := vboxtest.New()
	var exec executor.Executor = fake
	if wrap != nil {
		exec = wrap(fake)
	}
	conf := vboxtest.NewConfig(t)
	hv, err := vbox.New(conf, exec)
	if err != nil {
		t.Fatal(err)
	}
	g, err := guard.New("", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c := cache.New(hv, time.Hour, nil)
	vms := vm.New(conf, hv, c, g, noLimits{})
	return &env{snaps: New(hv, c, g, vms), vms: vms, fake: fake}
}

func (e *env) vm(t *testing.T, name string) {
	t.Helper()
	if _, err := e.vms.Create(context.Background(), types.VMConfig{Name: name, CPU: 1, MemoryMB: 512}); err != nil {
		t.Fatal(err)
	}
}

func (e *env) take(t *testing.T, vmName string, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := e.snaps.Create(context.Background(), CreateRequest{VM: vmName, Name: n}); err != nil {
			t.Fatalf("take %s: %v", n, err)
		}
	}
}

func (e *env) parentOf(t *testing.T, vmName, name string) string {
	t.Helper()
	tr, err := e.snaps.Tree(context.Background(), vmName, true)
	if err != nil {
		t.Fatal(err)
	}
	s, ok := tr.Find(name)
	if !ok {
		t.Fatalf("snapshot %s missing", name)
	}
	if s.ParentID == "" {
		return ""
	}
	p, _ := tr.Find(s.ParentID)
	return p.Name
}

// --- scenario ---

func TestScenario_CreateSnapshotStartStopRestore(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.vms.Create(ctx, types.VMConfig{Name: "test01", CPU: 2, MemoryMB: 2048}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.snaps.Create(ctx, CreateRequest{VM: "test01", Name: "base"}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := e.vms.Start(ctx, "test01"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.vms.Stop(ctx, "test01", vm.StopOptions{Fallback: true}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := e.snaps.Restore(ctx, "test01", "base", false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	d, err := e.vms.Info(ctx, "test01", false)
	if err != nil {
		t.Fatal(err)
	}
	if d.CPU != 2 || d.MemoryMB != 2048 || d.State != types.VMStatePoweredOff {
		t.Errorf("info = cpu %d memory %d state %s", d.CPU, d.MemoryMB, d.State)
	}
}

// --- create ---

func TestCreate_UnderCurrentAndBranch(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.take(t, "web", "a", "b")
	if p := e.parentOf(t, "web", "b"); p != "a" {
		t.Fatalf("b parent = %q, want a", p)
	}

	s, err := e.snaps.Create(context.Background(), CreateRequest{VM: "web", Name: "c", BranchFrom: "a"})
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if !s.Current {
		t.Error("new branch snapshot should be current")
	}
	if p := e.parentOf(t, "web", "c"); p != "a" {
		t.Errorf("c parent = %q, want a", p)
	}
	if p := e.parentOf(t, "web", "b"); p != "a" {
		t.Errorf("branching moved b under %q", p)
	}
}

func TestCreate_Rejections(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.vm(t, "web")
	e.take(t, "web", "a")

	if _, err := e.snaps.Create(ctx, CreateRequest{VM: "web", Name: "a"}); errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Errorf("duplicate name: got %v", err)
	}
	if _, err := e.snaps.Create(ctx, CreateRequest{VM: "web", Name: "x", BranchFrom: "nope"}); errdefs.KindOf(err) != errdefs.KindNotFound {
		t.Errorf("unknown branch point: got %v", err)
	}
	if _, err := e.snaps.Create(ctx, CreateRequest{VM: "ghost", Name: "x"}); errdefs.KindOf(err) != errdefs.KindNotFound {
		t.Errorf("unknown VM: got %v", err)
	}

	e.fake.SetState("web", types.VMStateRunning)
	e.fake.ResetCalls()
	if _, err := e.snaps.Create(ctx, CreateRequest{VM: "web", Name: "x", BranchFrom: "a"}); errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Errorf("branch while running: got %v", err)
	}
	if e.fake.Count("snapshot", "web", "restore") != 0 {
		t.Error("restore ran for a rejected branch")
	}
}

func TestCreate_IncludesMemoryWhenRunning(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.fake.SetState("web", types.VMStateRunning)
	s, err := e.snaps.Create(context.Background(), CreateRequest{VM: "web", Name: "live", Live: true})
	if err != nil {
		t.Fatal(err)
	}
	if !s.IncludesMemory {
		t.Error("snapshot of a running VM should include memory")
	}
}

func TestCreate_BranchPartialWhenTakeFails(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.take(t, "web", "a", "b")
	e.fake.Fail("VERR_DISK_FULL", "snapshot", "web", "take")
	_, err := e.snaps.Create(context.Background(), CreateRequest{VM: "web", Name: "c", BranchFrom: "a"})
	pe, ok := saga.AsPartial(err)
	if !ok {
		t.Fatalf("expected partial, got %v", err)
	}
	if pe.Failed != "take c" || pe.Advisory == "" {
		t.Errorf("unexpected partial %+v", pe)
	}
	if errdefs.KindOf(err) != errdefs.KindResourceExhaustion {
		t.Errorf("cause kind = %s", errdefs.KindOf(err))
	}
}

// --- restore ---

func TestRestore_RequiresPowerOff(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.vm(t, "web")
	e.take(t, "web", "a")
	e.fake.SetState("web", types.VMStateRunning)

	if _, err := e.snaps.Restore(ctx, "web", "a", false); errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if e.fake.State("web") != types.VMStateRunning {
		t.Error("rejected restore changed the VM")
	}

	if _, err := e.snaps.Restore(ctx, "web", "a", true); err != nil {
		t.Fatalf("restore with stop_first: %v", err)
	}
	if e.fake.Count("controlvm", "web", "poweroff") != 1 || e.fake.Count("snapshot", "web", "restore") != 1 {
		t.Errorf("calls = %v", e.fake.Calls())
	}
}

func TestRestore_SavedStateDiscarded(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.take(t, "web", "a")
	e.fake.SetState("web", types.VMStateSaved)
	if _, err := e.snaps.Restore(context.Background(), "web", "a", true); err != nil {
		t.Fatal(err)
	}
	if e.fake.Count("discardstate", "web") != 1 {
		t.Error("saved state should be discarded before restore")
	}
}

func TestRestore_KeepsDescendants(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.take(t, "web", "a", "b", "c")
	s, err := e.snaps.Restore(context.Background(), "web", "a", false)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Current {
		t.Error("restored snapshot should be current")
	}
	list, err := e.snaps.List(context.Background(), "web", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Snapshots) != 3 || list.CurrentID != s.ID {
		t.Errorf("after restore: %d snapshots, current %s", len(list.Snapshots), list.CurrentID)
	}
}

// --- delete ---

func TestDelete_InternalNodeReparents(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.take(t, "web", "a", "b", "c", "d")
	ctx := context.Background()

	before, _ := e.snaps.Tree(ctx, "web", true)
	a, _ := before.Find("a")
	descBefore := before.Descendants(a.ID)

	if err := e.snaps.Delete(ctx, "web", "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	after, err := e.snaps.Tree(ctx, "web", false)
	if err != nil {
		t.Fatal(err)
	}
	if after.Len() != before.Len()-1 {
		t.Errorf("node count %d -> %d", before.Len(), after.Len())
	}
	if after.Descendants(a.ID) != descBefore-1 {
		t.Errorf("descendants of a: %d -> %d", descBefore, after.Descendants(a.ID))
	}
	if p := e.parentOf(t, "web", "c"); p != "a" {
		t.Errorf("c parent = %q, want a", p)
	}
}

func TestDelete_InternalNodeNeedsPowerOff(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.take(t, "web", "a", "b")
	e.fake.SetState("web", types.VMStateRunning)
	if err := e.snaps.Delete(context.Background(), "web", "a"); errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if err := e.snaps.Delete(context.Background(), "web", "b"); err != nil {
		t.Fatalf("leaf delete while running: %v", err)
	}
}

func TestDelete_MultipleChildrenRejected(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	e.take(t, "web", "a", "b")
	if _, err := e.snaps.Create(context.Background(), CreateRequest{VM: "web", Name: "c", BranchFrom: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := e.snaps.Delete(context.Background(), "web", "a"); errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
}

func TestDelete_VerificationFailureIsPartial(t *testing.T) {
	var deletes atomic.Int32
	e := newEnv(t, func(f *vboxtest.Fake) executor.Executor {
		return executor.Func(func(ctx context.Context, args []string, timeout time.Duration) (*executor.Result, error) {
			if len(args) >= 3 && args[0] == "snapshot" && args[2] == "delete" {
				// Reports success without touching the tree.
				deletes.Add(1)
				return &executor.Result{Args: args}, nil
			}
			return f.Execute(ctx, args, timeout)
		})
	})
	e.vm(t, "web")
	e.take(t, "web", "a", "b")

	err := e.snaps.Delete(context.Background(), "web", "a")
	pe, ok := saga.AsPartial(err)
	if !ok {
		t.Fatalf("expected partial, got %v", err)
	}
	if pe.Failed != "verify" || pe.Advisory == "" {
		t.Errorf("unexpected partial %+v", pe)
	}
	if deletes.Load() != 1 {
		t.Errorf("delete issued %d times, want exactly 1", deletes.Load())
	}
}

func TestCurrent(t *testing.T) {
	e := newEnv(t, nil)
	e.vm(t, "web")
	if _, err := e.snaps.Current(context.Background(), "web", false); errdefs.KindOf(err) != errdefs.KindNotFound {
		t.Errorf("no snapshots: got %v", err)
	}
	e.take(t, "web", "a", "b")
	s, err := e.snaps.Current(context.Background(), "web", false)
	if err != nil || s.Name != "b" {
		t.Errorf("Current = %+v, %v", s, err)
	}
}
