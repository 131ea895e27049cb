package vm

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/saga"
	"github.com/projecteru2/vmplex/types"
)

const (
	// bootController is the controller create adds for the boot disk.
	bootController = "SATA"
	diskDir        = "disks"
)

// CloneRequest describes a clone.
type CloneRequest struct {
	Source   string
	Name     string
	Options  types.CloneOptions
	CPU      int
	MemoryMB int
}

// Create registers and configures a new VM, optionally with a boot disk.
// A failure after createvm leaves the VM registered and is reported as
// partial.
func (m *Manager) Create(ctx context.Context, cfg types.VMConfig) (*types.VMDetail, error) {
	logger := log.WithFunc("vm.Create")
	if err := checkSizing(cfg.Name, cfg.CPU, cfg.MemoryMB); err != nil {
		return nil, err
	}
	if cfg.DiskSizeMB < 0 {
		return nil, errdefs.Validationf("disk size of VM %s must be positive, got %d MB", cfg.Name, cfg.DiskSizeMB)
	}
	if err := m.capacity.CheckOSType(ctx, cfg.OSType); err != nil {
		return nil, err
	}
	if cfg.DiskSizeMB > 0 && cfg.DiskPath == "" {
		cfg.DiskPath = filepath.Join(m.conf.RootDir, diskDir, cfg.Name+".vdi")
	}
	claims := []guard.Claim{guard.Write(guard.VMKey(cfg.Name))}
	scope := cache.Scope{VMs: []string{cfg.Name}, VMList: true}
	if cfg.DiskSizeMB > 0 {
		claims = append(claims, guard.Write(guard.DiskKey(cfg.DiskPath)))
		scope.Disks = true
	}

	err := m.mutate(ctx, scope, claims, func(ctx context.Context) error {
		state, _, err := m.State(ctx, cfg.Name)
		if err != nil {
			return err
		}
		if state != types.VMStateUndefined {
			return errdefs.Conflictf("VM %s already exists", cfg.Name)
		}
		if _, err := Check(cfg.Name, ActionCreate, state); err != nil {
			return err
		}
		if err := m.capacity.CheckCapacity(ctx, cfg.CPU, cfg.MemoryMB); err != nil {
			return err
		}

		var desc *string
		if cfg.Description != "" {
			desc = &cfg.Description
		}
		registered := fmt.Sprintf("VM %s is registered but not fully configured; fix it with modify or remove it with delete", cfg.Name)
		s := saga.New("vm.create "+cfg.Name).
			Then("createvm", func(ctx context.Context) error {
				_, err := m.hv.CreateVM(ctx, cfg.Name, cfg.OSType)
				return err
			}).
			ThenAdvise("modifyvm", registered, func(ctx context.Context) error {
				return m.hv.ModifyVM(ctx, cfg.Name, hypervisor.VMSettings{CPU: cfg.CPU, MemoryMB: cfg.MemoryMB, Description: desc})
			})
		if cfg.DiskSizeMB > 0 {
			s.ThenAdvise("createmedium", registered, func(ctx context.Context) error {
				_, err := m.hv.CreateDisk(ctx, types.DiskSpec{Path: cfg.DiskPath, SizeMB: cfg.DiskSizeMB, Format: types.DiskVDI, Variant: types.DiskDynamic})
				return err
			}).
				ThenAdvise("storagectl", registered+"; disk "+cfg.DiskPath+" exists unattached", func(ctx context.Context) error {
					return m.hv.AddController(ctx, cfg.Name, types.StorageController{Name: bootController, Type: types.ControllerSATA, PortCount: 1, Bootable: true})
				}).
				ThenAdvise("storageattach", registered+"; disk "+cfg.DiskPath+" exists unattached", func(ctx context.Context) error {
					return m.hv.AttachDisk(ctx, cfg.Name, types.Attachment{Controller: bootController, DiskPath: cfg.DiskPath})
				})
		}
		if err := s.Run(ctx); err != nil {
			return err
		}
		logger.Infof(ctx, "VM %s created (cpu=%d memory=%dMB disk=%q)", cfg.Name, cfg.CPU, cfg.MemoryMB, cfg.DiskPath)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.Info(ctx, cfg.Name, false)
}

// Modify changes the hardware settings of a powered-off VM.
func (m *Manager) Modify(ctx context.Context, name string, s hypervisor.VMSettings) (*types.VMDetail, error) {
	if s.Empty() {
		return nil, errdefs.Validationf("nothing to modify on VM %s", name)
	}
	if err := checkSizing(name, s.CPU, s.MemoryMB); err != nil {
		return nil, err
	}
	if err := m.capacity.CheckOSType(ctx, s.OSType); err != nil {
		return nil, err
	}
	return m.transition(ctx, name, ActionModify, func(ctx context.Context, _ *types.VMDetail) error {
		if err := m.capacity.CheckCapacity(ctx, s.CPU, s.MemoryMB); err != nil {
			return err
		}
		return m.hv.ModifyVM(ctx, name, s)
	})
}

// Delete unregisters a powered-off VM and deletes its files, including the
// disks attached to it.
func (m *Manager) Delete(ctx context.Context, name string) error {
	scope := cache.Scope{VMs: []string{name}, VMList: true, Disks: true}
	return m.mutate(ctx, scope, []guard.Claim{guard.Write(guard.VMKey(name))}, func(ctx context.Context) error {
		state, _, err := m.State(ctx, name)
		if err != nil {
			return err
		}
		if _, err := Check(name, ActionDelete, state); err != nil {
			return err
		}
		if err := m.hv.UnregisterVM(ctx, name); err != nil {
			return err
		}
		log.WithFunc("vm.Delete").Infof(ctx, "VM %s deleted", name)
		return nil
	})
}

// Clone copies req.Source into a new VM. The source is read-locked for the
// duration of the copy and the new name write-locked.
func (m *Manager) Clone(ctx context.Context, req CloneRequest) (*types.VMDetail, error) {
	if req.Source == req.Name {
		return nil, errdefs.Validationf("clone target must differ from source %s", req.Source)
	}
	if err := checkSizing(req.Name, req.CPU, req.MemoryMB); err != nil {
		return nil, err
	}
	claims := []guard.Claim{guard.Read(guard.VMKey(req.Source)), guard.Write(guard.VMKey(req.Name))}
	scope := cache.Scope{VMs: []string{req.Name}, VMList: true, Disks: true}
	err := m.mutate(ctx, scope, claims, func(ctx context.Context) error {
		state, _, err := m.State(ctx, req.Source)
		if err != nil {
			return err
		}
		if _, err := Check(req.Source, ActionClone, state); err != nil {
			return err
		}
		target, _, err := m.State(ctx, req.Name)
		if err != nil {
			return err
		}
		if target != types.VMStateUndefined {
			return errdefs.Conflictf("VM %s already exists", req.Name)
		}
		if err := m.capacity.CheckCapacity(ctx, req.CPU, req.MemoryMB); err != nil {
			return err
		}
		return saga.New(fmt.Sprintf("vm.clone %s->%s", req.Source, req.Name)).
			Then("clonevm", func(ctx context.Context) error {
				return m.hv.CloneVM(ctx, req.Source, req.Name, req.Options)
			}).
			ThenAdvise("modifyvm", fmt.Sprintf("VM %s was cloned with the source's hardware settings; apply cpu/memory with modify", req.Name), func(ctx context.Context) error {
				return m.hv.ModifyVM(ctx, req.Name, hypervisor.VMSettings{CPU: req.CPU, MemoryMB: req.MemoryMB})
			}).
			Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("vm.Clone").Infof(ctx, "VM %s cloned to %s", req.Source, req.Name)
	return m.Info(ctx, req.Name, false)
}

// checkSizing rejects negative sizes. Zero leaves the setting unchanged.
func checkSizing(name string, cpu, memoryMB int) error {
	if cpu < 0 {
		return errdefs.Validationf("cpu of VM %s must be positive, got %d", name, cpu)
	}
	if memoryMB < 0 {
		return errdefs.Validationf("memory of VM %s must be positive, got %d MB", name, memoryMB)
	}
	return nil
}
