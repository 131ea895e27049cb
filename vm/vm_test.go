package vm

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/config"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/executor"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/hypervisor/vbox"
	"github.com/projecteru2/vmplex/hypervisor/vbox/vboxtest"
	"github.com/projecteru2/vmplex/saga"
	"github.com/projecteru2/vmplex/types"
)

type capacityStub struct{ err, osErr error }

func (c capacityStub) CheckCapacity(context.Context, int, int) error { return c.err }
func (c capacityStub) CheckAvailable(context.Context, int) error     { return c.err }
func (c capacityStub) CheckOSType(context.Context, string) error     { return c.osErr }

type env struct {
	m    *Manager
	fake *vboxtest.Fake
	hv   *vbox.VBox
	g    *guard.Guard
	conf *config.Config
}

func newEnv(t *testing.T, opts ...func(*env)) *env {
	t.Helper()
	e := &env{fake: vboxtest.New(), conf: vboxtest.NewConfig(t)}
	for _, o := range opts {
		o(e)
	}
	return e.build(t, e.fake)
}

func (e *env) build(t *testing.T, exec executor.Executor) *env {
	t.Helper()
	hv, err := vbox.New(e.conf, exec)
	if err != nil {
		t.Fatal(err)
	}
	g, err := guard.New("", 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	e.hv, e.g = hv, g
	e.m = New(e.conf, hv, cache.New(hv, time.Hour, nil), g, capacityStub{})
	e.m.pollInterval = 10 * time.Millisecond
	return e
}

// seed registers name and forces it into state.
func (e *env) seed(t *testing.T, name string, state types.VMState) {
	t.Helper()
	if state == types.VMStateUndefined {
		return
	}
	if _, err := e.hv.CreateVM(context.Background(), name, ""); err != nil {
		t.Fatal(err)
	}
	e.fake.SetState(name, state)
}

// mutatingCalls counts invocations other than reads.
func mutatingCalls(f *vboxtest.Fake) int {
	n := 0
	for _, c := range f.Calls() {
		if !slices.Contains([]string{"showvminfo", "list", "--version"}, c[0]) {
			n++
		}
	}
	return n
}

func apply(ctx context.Context, m *Manager, action Action, name string) error {
	var err error
	switch action {
	case ActionCreate:
		_, err = m.Create(ctx, types.VMConfig{Name: name, CPU: 1, MemoryMB: 512})
	case ActionStart:
		_, err = m.Start(ctx, name)
	case ActionStop:
		_, err = m.Stop(ctx, name, StopOptions{Fallback: true})
	case ActionForceStop:
		_, err = m.Stop(ctx, name, StopOptions{Force: true})
	case ActionPause:
		_, err = m.Pause(ctx, name)
	case ActionResume:
		_, err = m.Resume(ctx, name)
	case ActionReset:
		_, err = m.Reset(ctx, name)
	case ActionSave:
		_, err = m.Save(ctx, name)
	case ActionDelete:
		err = m.Delete(ctx, name)
	case ActionClone:
		_, err = m.Clone(ctx, CloneRequest{Source: name, Name: name + "-clone"})
	case ActionModify:
		_, err = m.Modify(ctx, name, hypervisor.VMSettings{CPU: 2})
	}
	return err
}

// --- transition table ---

func TestTransitions_EveryStateAndAction(t *testing.T) {
	ctx := context.Background()
	for action, tr := range Transitions {
		for _, from := range types.AllVMStates {
			e := newEnv(t)
			e.seed(t, "web", from)
			e.fake.ResetCalls()

			err := apply(ctx, e.m, action, "web")
			got := e.fake.State("web")

			if slices.Contains(tr.From, from) {
				if err != nil {
					t.Errorf("%s from %s: unexpected error %v", action, from, err)
					continue
				}
				want := tr.To
				if want == "" {
					want = from
				}
				if got != want {
					t.Errorf("%s from %s: state %s, want %s", action, from, got, want)
				}
				if action == ActionClone && e.fake.State("web-clone") != types.VMStatePoweredOff {
					t.Errorf("clone from %s: clone state %s", from, e.fake.State("web-clone"))
				}
				continue
			}

			wantKind := errdefs.KindStateConflict
			if from == types.VMStateUndefined {
				wantKind = errdefs.KindNotFound
			}
			if k := errdefs.KindOf(err); k != wantKind {
				t.Errorf("%s from %s: kind %s, want %s (%v)", action, from, k, wantKind, err)
			}
			if got != from {
				t.Errorf("%s from %s: state changed to %s", action, from, got)
			}
			if n := mutatingCalls(e.fake); n != 0 {
				t.Errorf("%s from %s: %d mutating calls on an illegal transition", action, from, n)
			}
		}
	}
}

func TestCheck_UnknownAction(t *testing.T) {
	if _, err := Check("web", Action("teleport"), types.VMStateRunning); errdefs.KindOf(err) != errdefs.KindInternal {
		t.Errorf("expected InternalError, got %v", err)
	}
}

// --- start / stop ---

func TestStart_IdempotentWhenAlreadyRunning(t *testing.T) {
	e := newEnv(t)
	racing := executor.Func(func(ctx context.Context, args []string, timeout time.Duration) (*executor.Result, error) {
		if args[0] == "startvm" {
			// Someone else started it first.
			e.fake.SetState("web", types.VMStateRunning)
			return &executor.Result{Args: args, ExitCode: 1, Stderr: "VBoxManage: error: The machine 'web' is already locked for a session (or being unlocked)"}, nil
		}
		return e.fake.Execute(ctx, args, timeout)
	})
	e.build(t, racing)
	e.seed(t, "web", types.VMStatePoweredOff)

	d, err := e.m.Start(context.Background(), "web")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d.State != types.VMStateRunning {
		t.Errorf("state = %s", d.State)
	}
}

func TestStart_FailureStaysFailure(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "web", types.VMStatePoweredOff)
	e.fake.Fail("Not enough memory to start the VM", "startvm")
	_, err := e.m.Start(context.Background(), "web")
	if errdefs.KindOf(err) != errdefs.KindResourceExhaustion {
		t.Errorf("expected ResourceExhaustionError, got %v", err)
	}
}

func TestStart_HostMemoryExhausted(t *testing.T) {
	e := newEnv(t)
	e.m.capacity = capacityStub{err: errdefs.Exhaustedf("no memory")}
	e.seed(t, "web", types.VMStatePoweredOff)
	if _, err := e.m.Start(context.Background(), "web"); !errors.Is(err, errdefs.ErrResourceExhaustion) {
		t.Fatalf("expected ResourceExhaustionError, got %v", err)
	}
	if n := e.fake.Count("startvm"); n != 0 {
		t.Errorf("startvm called %d times", n)
	}
}

func TestStop_PausedIsResumedFirst(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "web", types.VMStatePaused)
	if _, err := e.m.Stop(context.Background(), "web", StopOptions{}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.fake.Count("controlvm", "web", "resume") != 1 || e.fake.Count("controlvm", "web", "acpipowerbutton") != 1 {
		t.Errorf("unexpected calls %v", e.fake.Calls())
	}
}

func TestStop_GuestIgnoresACPI(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "web", types.VMStateRunning)
	e.fake.IgnoreACPI("web", true)

	_, err := e.m.Stop(context.Background(), "web", StopOptions{})
	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("expected TimeoutError without fallback, got %v", err)
	}
	if e.fake.State("web") != types.VMStateRunning {
		t.Errorf("state = %s", e.fake.State("web"))
	}

	if _, err := e.m.Stop(context.Background(), "web", StopOptions{Fallback: true}); err != nil {
		t.Fatalf("Stop with fallback: %v", err)
	}
	if e.fake.State("web") != types.VMStatePoweredOff || e.fake.Count("controlvm", "web", "poweroff") != 1 {
		t.Errorf("fallback did not power off: state=%s", e.fake.State("web"))
	}
}

func TestStartStop_ConcurrentSerialize(t *testing.T) {
	for range 10 {
		e := newEnv(t)
		g, err := guard.New("", 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		e.m.guard = g
		e.seed(t, "web", types.VMStatePoweredOff)

		var wg sync.WaitGroup
		var startErr, stopErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, startErr = e.m.Start(context.Background(), "web") }()
		go func() { defer wg.Done(); _, stopErr = e.m.Stop(context.Background(), "web", StopOptions{Fallback: true}) }()
		wg.Wait()

		if startErr != nil {
			t.Fatalf("start: %v", startErr)
		}
		switch s := e.fake.State("web"); s {
		case types.VMStateRunning:
			if errdefs.KindOf(stopErr) != errdefs.KindStateConflict {
				t.Errorf("stop ran first on a powered-off VM, want StateConflictError, got %v", stopErr)
			}
		case types.VMStatePoweredOff:
			if stopErr != nil {
				t.Errorf("stop after start: %v", stopErr)
			}
		default:
			t.Fatalf("VM ended in %s", s)
		}
	}
}

func TestStart_BusyLock(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "web", types.VMStatePoweredOff)
	_, release, err := e.g.Acquire(context.Background(), guard.Write(guard.VMKey("web")))
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = e.m.Start(context.Background(), "web")
	if errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if e.fake.Count("startvm") != 0 {
		t.Error("startvm must not run while the VM is locked")
	}
}

func TestStart_TimeoutReleasesLockAndMarksStale(t *testing.T) {
	e := newEnv(t, func(e *env) { e.conf.CommandTimeoutSeconds = 1 })
	e.seed(t, "web", types.VMStatePoweredOff)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	e.fake.AddRule(&vboxtest.Rule{Tokens: []string{"startvm"}, Block: block})

	if _, err := e.m.Start(context.Background(), "web"); !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	_, release, err := e.g.Acquire(context.Background(), guard.Write(guard.VMKey("web")))
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	release()

	before := e.fake.Count("showvminfo")
	if _, err := e.m.Info(context.Background(), "web", false); err != nil {
		t.Fatal(err)
	}
	if e.fake.Count("showvminfo") != before+1 {
		t.Error("entry was not marked stale after the timeout")
	}
}

// --- create / clone / modify ---

func TestCreate_WithBootDisk(t *testing.T) {
	e := newEnv(t)
	d, err := e.m.Create(context.Background(), types.VMConfig{Name: "test01", OSType: "Ubuntu_64", CPU: 2, MemoryMB: 2048, DiskSizeMB: 10240})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.CPU != 2 || d.MemoryMB != 2048 || d.State != types.VMStatePoweredOff {
		t.Errorf("unexpected VM %+v", d.VM)
	}
	if len(d.Attachments) != 1 || d.Attachments[0].Controller != bootController {
		t.Fatalf("attachments = %+v", d.Attachments)
	}
	if !e.fake.HasDisk(d.Attachments[0].DiskPath) {
		t.Errorf("disk %s not created", d.Attachments[0].DiskPath)
	}
}

func TestCreate_PartialAfterRegistration(t *testing.T) {
	e := newEnv(t)
	e.fake.Fail("Something went wrong", "modifyvm")
	_, err := e.m.Create(context.Background(), types.VMConfig{Name: "web", CPU: 2, MemoryMB: 1024})
	pe, ok := saga.AsPartial(err)
	if !ok {
		t.Fatalf("expected partial, got %v", err)
	}
	if pe.Failed != "modifyvm" || len(pe.Completed) != 1 || pe.Advisory == "" {
		t.Errorf("unexpected partial %+v", pe)
	}
	if !e.fake.HasVM("web") {
		t.Error("registered VM must not be rolled back")
	}
}

func TestCreate_RejectedModifyIsExternalAndVisible(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if vms, err := e.m.List(ctx, FilterAll, false); err != nil || len(vms) != 0 {
		t.Fatalf("List = %v, %v", vms, err)
	}
	e.fake.Fail("VBoxManage: error: Invalid argument value", "modifyvm")
	_, err := e.m.Create(ctx, types.VMConfig{Name: "web", CPU: 2, MemoryMB: 1024})
	if _, ok := saga.AsPartial(err); !ok {
		t.Fatalf("expected partial, got %v", err)
	}
	if k := errdefs.KindOf(err); k != errdefs.KindExternalTool {
		t.Errorf("kind = %s, want %s", k, errdefs.KindExternalTool)
	}
	vms, err := e.m.List(ctx, FilterAll, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(vms) != 1 || vms[0].Name != "web" {
		t.Errorf("list after partial create = %+v", vms)
	}
}

func TestCreate_RejectsBadSizingBeforeAnyCall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cases := []types.VMConfig{
		{Name: "neg", CPU: -4, MemoryMB: 1024},
		{Name: "neg", CPU: 1, MemoryMB: -512},
		{Name: "neg", DiskSizeMB: -1},
	}
	for _, cfg := range cases {
		if _, err := e.m.Create(ctx, cfg); errdefs.KindOf(err) != errdefs.KindValidation {
			t.Errorf("%+v: expected ValidationError, got %v", cfg, err)
		}
	}
	if _, err := e.m.Modify(ctx, "neg", hypervisor.VMSettings{CPU: -1}); errdefs.KindOf(err) != errdefs.KindValidation {
		t.Errorf("modify: expected ValidationError, got %v", err)
	}
	if _, err := e.m.Clone(ctx, CloneRequest{Source: "a", Name: "b", MemoryMB: -1}); errdefs.KindOf(err) != errdefs.KindValidation {
		t.Errorf("clone: expected ValidationError, got %v", err)
	}
	if n := e.fake.CallCount(); n != 0 {
		t.Errorf("rejected requests reached VBoxManage: %v", e.fake.Calls())
	}
}

func TestCreate_UnknownOSType(t *testing.T) {
	e := newEnv(t)
	e.m.capacity = capacityStub{osErr: errdefs.Validationf("unknown os_type")}
	_, err := e.m.Create(context.Background(), types.VMConfig{Name: "web", OSType: "Plan9"})
	if errdefs.KindOf(err) != errdefs.KindValidation {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if e.fake.HasVM("web") {
		t.Error("VM registered with an unknown os type")
	}
}

func TestCreate_Duplicate(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "web", types.VMStatePoweredOff)
	_, err := e.m.Create(context.Background(), types.VMConfig{Name: "web"})
	if errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Errorf("expected StateConflictError, got %v", err)
	}
}

func TestCreate_CapacityRejectedBeforeCreatevm(t *testing.T) {
	e := newEnv(t)
	e.m.capacity = capacityStub{err: errdefs.Exhaustedf("host has 4 CPUs")}
	_, err := e.m.Create(context.Background(), types.VMConfig{Name: "big", CPU: 64})
	if errdefs.KindOf(err) != errdefs.KindResourceExhaustion {
		t.Fatalf("expected ResourceExhaustionError, got %v", err)
	}
	if e.fake.HasVM("big") {
		t.Error("VM registered despite capacity failure")
	}
}

func TestClone_OverridesAndTargetExists(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, "base", types.VMStateRunning)
	d, err := e.m.Clone(ctx, CloneRequest{Source: "base", Name: "copy", CPU: 4, MemoryMB: 4096})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if d.CPU != 4 || d.MemoryMB != 4096 || d.State != types.VMStatePoweredOff {
		t.Errorf("unexpected clone %+v", d.VM)
	}
	if e.fake.State("base") != types.VMStateRunning {
		t.Error("source state changed")
	}
	if _, err := e.m.Clone(ctx, CloneRequest{Source: "base", Name: "copy"}); errdefs.KindOf(err) != errdefs.KindStateConflict {
		t.Errorf("expected StateConflictError for existing target, got %v", err)
	}
}

func TestClone_SourceReadLockShared(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "base", types.VMStatePoweredOff)
	_, release, err := e.g.Acquire(context.Background(), guard.Read(guard.VMKey("base")))
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if _, err := e.m.Clone(context.Background(), CloneRequest{Source: "base", Name: "copy"}); err != nil {
		t.Fatalf("clone should share the source's read lock: %v", err)
	}
}

func TestModify_Empty(t *testing.T) {
	e := newEnv(t)
	if _, err := e.m.Modify(context.Background(), "web", hypervisor.VMSettings{}); errdefs.KindOf(err) != errdefs.KindValidation {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

// --- list ---

func TestList_Filter(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a", types.VMStateRunning)
	e.seed(t, "b", types.VMStatePoweredOff)
	e.seed(t, "c", types.VMStatePaused)
	ctx := context.Background()

	cases := map[StateFilter][]string{
		FilterAll:     {"a", "b", "c"},
		FilterRunning: {"a", "c"},
		FilterStopped: {"b"},
	}
	for f, want := range cases {
		vms, err := e.m.List(ctx, f, false)
		if err != nil {
			t.Fatalf("List(%s): %v", f, err)
		}
		var got []string
		for _, v := range vms {
			got = append(got, v.Name)
		}
		if !slices.Equal(got, want) {
			t.Errorf("List(%s) = %v, want %v", f, got, want)
		}
	}
}
