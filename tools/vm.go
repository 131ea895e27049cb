package tools

import (
	"context"

	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
	"github.com/projecteru2/vmplex/vm"
)

func vmRoutes(m *vm.Manager) []dispatch.Route {
	route := func(action, doc string, h dispatch.Handler, fields ...dispatch.Field) dispatch.Route {
		return dispatch.Route{Tool: VMTool, Action: action, Doc: doc, Fields: fields, Handler: h}
	}
	byName := func(fn func(ctx context.Context, name string) (*types.VMDetail, error)) dispatch.Handler {
		return func(ctx context.Context, p dispatch.Params) (any, error) {
			return fn(ctx, p.String("vm_name"))
		}
	}
	return []dispatch.Route{
		route("list", "list VMs", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.List(ctx, vm.StateFilter(p.String("state")), p.Bool("refresh"))
		},
			dispatch.Enum("state", "state filter", string(vm.FilterAll), string(vm.FilterRunning), string(vm.FilterStopped)).Def(string(vm.FilterAll)),
			refresh()),

		route("info", "VM detail with controllers, attachments and adapters", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.Info(ctx, p.String("vm_name"), p.Bool("refresh"))
		}, vmName(), refresh()),

		route("create", "register a new VM, optionally with a boot disk", func(ctx context.Context, p dispatch.Params) (any, error) {
			disk := p.Int64("disk_size_mb")
			if gb := p.Int64("disk_size_gb"); gb > 0 {
				disk = gb * 1024
			}
			return m.Create(ctx, types.VMConfig{
				Name:        p.String("vm_name"),
				OSType:      p.String("os_type"),
				CPU:         p.Int("cpu"),
				MemoryMB:    p.Int("memory_mb"),
				Description: p.String("description"),
				DiskSizeMB:  disk,
				DiskPath:    p.String("disk_path"),
			})
		},
			vmName(),
			dispatch.String("os_type", "guest OS type id, see system_management ostypes").Def("Other"),
			dispatch.Int("cpu", "virtual CPUs").Def(1).AtLeast(1),
			dispatch.Size("memory_mb", "memory, MiB or a size like 2G").Def(1024).AtLeast(1),
			dispatch.String("description", ""),
			dispatch.Size("disk_size_mb", "boot disk size, MiB or a size like 20G").AtLeast(1),
			dispatch.Int("disk_size_gb", "boot disk size in GiB").AtLeast(1),
			dispatch.String("disk_path", "boot disk image path")),

		route("start", "power on or resume from saved state", byName(m.Start), vmName()),

		route("stop", "ACPI shutdown, or power off with force", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.Stop(ctx, p.String("vm_name"), vm.StopOptions{Force: p.Bool("force"), Fallback: p.Bool("fallback")})
		},
			vmName(),
			dispatch.Bool("force", "power off immediately").Def(false),
			dispatch.Bool("fallback", "power off if the guest ignores ACPI").Def(true)),

		route("pause", "freeze a running VM", byName(m.Pause), vmName()),
		route("resume", "continue a paused VM", byName(m.Resume), vmName()),
		route("reset", "hard reset a running VM", byName(m.Reset), vmName()),
		route("save", "save state to disk and stop", byName(m.Save), vmName()),

		route("delete", "unregister a powered-off VM and delete its disks", func(ctx context.Context, p dispatch.Params) (any, error) {
			name := p.String("vm_name")
			if err := m.Delete(ctx, name); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": name}, nil
		}, vmName()),

		route("clone", "full or linked clone of a VM", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.Clone(ctx, vm.CloneRequest{
				Source:   p.String("source_vm"),
				Name:     p.String("new_vm_name"),
				Options:  types.CloneOptions{Snapshot: p.String("snapshot"), Linked: p.Bool("linked")},
				CPU:      p.Int("cpu"),
				MemoryMB: p.Int("memory_mb"),
			})
		},
			dispatch.String("source_vm", "VM to clone").Req(),
			dispatch.String("new_vm_name", "name of the clone").Req(),
			dispatch.String("snapshot", "clone from this snapshot"),
			dispatch.Bool("linked", "linked clone, requires snapshot").Def(false),
			dispatch.Int("cpu", "override virtual CPUs").AtLeast(1),
			dispatch.Size("memory_mb", "override memory").AtLeast(1)),

		route("modify", "change CPU, memory, OS type or description of a powered-off VM", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.Modify(ctx, p.String("vm_name"), hypervisor.VMSettings{
				CPU:         p.Int("cpu"),
				MemoryMB:    p.Int("memory_mb"),
				OSType:      p.String("os_type"),
				Description: p.OptString("description"),
			})
		},
			vmName(),
			dispatch.Int("cpu", "").AtLeast(1),
			dispatch.Size("memory_mb", "").AtLeast(1),
			dispatch.String("os_type", ""),
			dispatch.String("description", "")),
	}
}
