package system

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/host"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/hypervisor/vbox"
	"github.com/projecteru2/vmplex/hypervisor/vbox/vboxtest"
)

func fixedSampler(cpus int, totalMB, availMB int64) Sampler {
	return Sampler{
		Memory: func(context.Context) (Memory, error) { return Memory{TotalMB: totalMB, AvailableMB: availMB}, nil },
		CPUs:   func(context.Context) (int, error) { return cpus, nil },
		Host: func(context.Context) (*host.InfoStat, error) {
			return &host.InfoStat{Hostname: "lab", Platform: "ubuntu", KernelVersion: "6.8.0"}, nil
		},
	}
}

func newManager(t *testing.T, sampler Sampler) (*Manager, *vboxtest.Fake) {
	t.Helper()
	fake := vboxtest.New()
	hv, err := vbox.New(vboxtest.NewConfig(t), fake)
	if err != nil {
		t.Fatal(err)
	}
	return New(hv, sampler), fake
}

// --- CheckCapacity ---

func TestCheckCapacity(t *testing.T) {
	m, _ := newManager(t, fixedSampler(4, 8192, 2048))
	ctx := context.Background()
	cases := []struct {
		cpus, mem int
		ok        bool
	}{
		{2, 2048, true},
		{4, 8192, true},
		{0, 0, true},
		{5, 1024, false},
		{2, 8193, false},
	}
	for _, c := range cases {
		err := m.CheckCapacity(ctx, c.cpus, c.mem)
		if c.ok && err != nil {
			t.Errorf("cpus=%d mem=%d: unexpected %v", c.cpus, c.mem, err)
		}
		if !c.ok && errdefs.KindOf(err) != errdefs.KindResourceExhaustion {
			t.Errorf("cpus=%d mem=%d: expected ResourceExhaustionError, got %v", c.cpus, c.mem, err)
		}
	}
}

func TestCheckAvailable(t *testing.T) {
	m, _ := newManager(t, fixedSampler(4, 8192, 2048))
	if err := m.CheckAvailable(context.Background(), 2048); err != nil {
		t.Errorf("2048 of 2048 available: %v", err)
	}
	if err := m.CheckAvailable(context.Background(), 4096); !errors.Is(err, errdefs.ErrResourceExhaustion) {
		t.Errorf("expected ResourceExhaustionError, got %v", err)
	}
}

func TestCheckCapacity_SamplerFailureDoesNotBlock(t *testing.T) {
	sampler := fixedSampler(4, 8192, 2048)
	sampler.Memory = func(context.Context) (Memory, error) { return Memory{}, errors.New("no /proc") }
	m, _ := newManager(t, sampler)
	if err := m.CheckCapacity(context.Background(), 1, 1<<20); err != nil {
		t.Errorf("sampler failure should not block, got %v", err)
	}
}

// --- reports ---

func TestHostInfo(t *testing.T) {
	m, _ := newManager(t, fixedSampler(4, 8192, 2048))
	info, err := m.HostInfo(context.Background())
	if err != nil {
		t.Fatalf("HostInfo: %v", err)
	}
	if info.Hostname != "lab" || info.CPUs != 4 || info.MemoryTotalMB != 8192 {
		t.Errorf("unexpected host info %+v", info)
	}
	if info.Hypervisor == nil || info.Hypervisor.ProcessorCount != 8 {
		t.Errorf("hypervisor view missing: %+v", info.Hypervisor)
	}
}

func TestHostInfo_HypervisorUnavailable(t *testing.T) {
	m, fake := newManager(t, fixedSampler(4, 8192, 2048))
	fake.Fail("Failed to create the VirtualBox object!", "list", "hostinfo")
	info, err := m.HostInfo(context.Background())
	if err != nil {
		t.Fatalf("HostInfo: %v", err)
	}
	if info.Hypervisor != nil {
		t.Errorf("expected no hypervisor section, got %+v", info.Hypervisor)
	}
}

func TestVersion(t *testing.T) {
	m, _ := newManager(t, fixedSampler(4, 8192, 2048))
	v, err := m.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.VBoxManage != vboxtest.Version {
		t.Errorf("vboxmanage = %q", v.VBoxManage)
	}
}

func TestOSTypes_FamilyFilter(t *testing.T) {
	m, _ := newManager(t, fixedSampler(4, 8192, 2048))
	ctx := context.Background()
	all, err := m.OSTypes(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	linux, err := m.OSTypes(ctx, "linux")
	if err != nil {
		t.Fatal(err)
	}
	if len(linux) == 0 || len(linux) >= len(all) {
		t.Errorf("filter returned %d of %d", len(linux), len(all))
	}
	ok, err := m.KnownOSType(ctx, "ubuntu_64")
	if err != nil || !ok {
		t.Errorf("KnownOSType(ubuntu_64) = %v, %v", ok, err)
	}
}

func TestCheckOSType(t *testing.T) {
	m, fake := newManager(t, fixedSampler(4, 8192, 2048))
	ctx := context.Background()
	if err := m.CheckOSType(ctx, "Ubuntu_64"); err != nil {
		t.Errorf("Ubuntu_64: %v", err)
	}
	if err := m.CheckOSType(ctx, "Plan9"); errdefs.KindOf(err) != errdefs.KindValidation {
		t.Errorf("Plan9: expected ValidationError, got %v", err)
	}
	fake.Fail("VBoxManage: error: Code E_FAIL (0x80004005)", "list", "ostypes")
	if err := m.CheckOSType(ctx, "Plan9"); err != nil {
		t.Errorf("failed listing must not block: %v", err)
	}
}
