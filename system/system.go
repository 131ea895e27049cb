// Package system reports on the host and the hypervisor installation and
// guards VM sizing against host capacity.
package system

import (
	"context"
	"runtime"
	"slices"
	"strings"

	"github.com/projecteru2/core/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/version"
)

const mib = 1 << 20

// Memory is a host memory reading in MiB.
type Memory struct {
	TotalMB     int64
	AvailableMB int64
}

// Sampler reads host resources. Tests replace it.
type Sampler struct {
	Memory func(ctx context.Context) (Memory, error)
	CPUs   func(ctx context.Context) (int, error)
	Host   func(ctx context.Context) (*host.InfoStat, error)
}

// HostSampler reads the real host through gopsutil.
func HostSampler() Sampler {
	return Sampler{
		Memory: func(ctx context.Context) (Memory, error) {
			v, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return Memory{}, err
			}
			return Memory{TotalMB: int64(v.Total / mib), AvailableMB: int64(v.Available / mib)}, nil //nolint:gosec
		},
		CPUs: func(ctx context.Context) (int, error) { return cpu.CountsWithContext(ctx, true) },
		Host: host.InfoWithContext,
	}
}

// HostInfo is the host_info report.
type HostInfo struct {
	Hostname          string               `json:"hostname"`
	Platform          string               `json:"platform"`
	PlatformVersion   string               `json:"platform_version"`
	KernelVersion     string               `json:"kernel_version"`
	UptimeSeconds     uint64               `json:"uptime_seconds"`
	CPUs              int                  `json:"cpus"`
	MemoryTotalMB     int64                `json:"memory_total_mb"`
	MemoryAvailableMB int64                `json:"memory_available_mb"`
	Hypervisor        *hypervisor.HostInfo `json:"hypervisor,omitempty"`
}

// VersionInfo is the version report.
type VersionInfo struct {
	Version    string `json:"version"`
	Revision   string `json:"revision"`
	BuiltAt    string `json:"built_at"`
	GoVersion  string `json:"go_version"`
	VBoxManage string `json:"vboxmanage"`
}

// Manager serves system_management.
type Manager struct {
	hv      hypervisor.Hypervisor
	sampler Sampler
}

// New creates a Manager. A zero sampler uses HostSampler.
func New(hv hypervisor.Hypervisor, sampler Sampler) *Manager {
	def := HostSampler()
	if sampler.Memory == nil {
		sampler.Memory = def.Memory
	}
	if sampler.CPUs == nil {
		sampler.CPUs = def.CPUs
	}
	if sampler.Host == nil {
		sampler.Host = def.Host
	}
	return &Manager{hv: hv, sampler: sampler}
}

// HostInfo combines the local host reading with the hypervisor's own view.
// The host reading is required; the hypervisor part is omitted with a
// warning if VBoxManage cannot answer.
func (m *Manager) HostInfo(ctx context.Context) (*HostInfo, error) {
	logger := log.WithFunc("system.HostInfo")
	info := &HostInfo{}
	var hv *hypervisor.HostInfo
	var hvErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := m.sampler.Host(gctx)
		if err != nil {
			return errdefs.Internalf("read host info: %v", err)
		}
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		info.UptimeSeconds = h.Uptime
		return nil
	})
	g.Go(func() error {
		r, err := m.sampler.Memory(gctx)
		if err != nil {
			return errdefs.Internalf("read host memory: %v", err)
		}
		info.MemoryTotalMB = r.TotalMB
		info.MemoryAvailableMB = r.AvailableMB
		return nil
	})
	g.Go(func() error {
		n, err := m.sampler.CPUs(gctx)
		if err != nil {
			return errdefs.Internalf("count host cpus: %v", err)
		}
		info.CPUs = n
		return nil
	})
	g.Go(func() error {
		hv, hvErr = m.hv.HostInfo(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if hvErr != nil {
		logger.Warnf(ctx, "hypervisor host info unavailable: %v", hvErr)
	}
	info.Hypervisor = hv
	return info, nil
}

// Version reports vmplex's build and the VBoxManage version.
func (m *Manager) Version(ctx context.Context) (*VersionInfo, error) {
	v, err := m.hv.Version(ctx)
	if err != nil {
		return nil, err
	}
	return &VersionInfo{
		Version:    version.VERSION,
		Revision:   version.REVISION,
		BuiltAt:    version.BUILTAT,
		GoVersion:  runtime.Version(),
		VBoxManage: v,
	}, nil
}

// OSTypes lists the guest OS types, optionally only those whose family
// matches (case-insensitive).
func (m *Manager) OSTypes(ctx context.Context, family string) ([]hypervisor.OSType, error) {
	all, err := m.hv.ListOSTypes(ctx)
	if err != nil {
		return nil, err
	}
	if family == "" {
		return all, nil
	}
	return slices.DeleteFunc(all, func(t hypervisor.OSType) bool {
		return !strings.EqualFold(t.Family, family)
	}), nil
}

// KnownOSType reports whether id is accepted by the hypervisor.
func (m *Manager) KnownOSType(ctx context.Context, id string) (bool, error) {
	all, err := m.hv.ListOSTypes(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(all, func(t hypervisor.OSType) bool { return strings.EqualFold(t.ID, id) }), nil
}

// CheckOSType rejects a guest OS type the hypervisor does not know. An
// empty id is accepted. A failed listing is logged and does not block.
func (m *Manager) CheckOSType(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	ok, err := m.KnownOSType(ctx, id)
	switch {
	case err != nil:
		log.WithFunc("system.CheckOSType").Warnf(ctx, "skip os type check: %v", err)
	case !ok:
		return errdefs.Validationf("unknown os_type %q, see system_management ostypes", id)
	}
	return nil
}

// CheckCapacity rejects a VM shape the host can never run: more vCPUs than
// logical host CPUs or more memory than the host has. A failed sampler is
// logged and does not block; the hypervisor has the final word.
func (m *Manager) CheckCapacity(ctx context.Context, cpus, memoryMB int) error {
	logger := log.WithFunc("system.CheckCapacity")
	if cpus > 0 {
		n, err := m.sampler.CPUs(ctx)
		switch {
		case err != nil:
			logger.Warnf(ctx, "skip cpu check: %v", err)
		case cpus > n:
			return errdefs.Exhaustedf("%d vCPUs requested, host has %d", cpus, n)
		}
	}
	if memoryMB > 0 {
		r, err := m.sampler.Memory(ctx)
		switch {
		case err != nil:
			logger.Warnf(ctx, "skip memory check: %v", err)
		case int64(memoryMB) > r.TotalMB:
			return errdefs.Exhaustedf("%d MB memory requested, host has %d MB", memoryMB, r.TotalMB)
		}
	}
	return nil
}

// CheckAvailable rejects starting a VM that needs more memory than is free.
func (m *Manager) CheckAvailable(ctx context.Context, memoryMB int) error {
	if memoryMB <= 0 {
		return nil
	}
	r, err := m.sampler.Memory(ctx)
	if err != nil {
		log.WithFunc("system.CheckAvailable").Warnf(ctx, "skip memory check: %v", err)
		return nil
	}
	if int64(memoryMB) > r.AvailableMB {
		return errdefs.Exhaustedf("%d MB memory needed, %d MB available", memoryMB, r.AvailableMB)
	}
	return nil
}
