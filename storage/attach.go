package storage

import (
	"context"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/types"
)

// slotVM re-reads vm and checks that its attachments on ctrl may change now.
func (m *Manager) slotVM(ctx context.Context, vm, ctrl, what string) (*types.VMDetail, *types.StorageController, error) {
	d, err := m.cache.VM(ctx, vm, true)
	if err != nil {
		return nil, nil, err
	}
	c := d.Controller(ctrl)
	if c == nil {
		return nil, nil, errdefs.NotFoundf("controller %s not found on VM %s", ctrl, vm)
	}
	switch {
	case d.State == types.VMStatePoweredOff:
	case d.State == types.VMStateRunning && m.conf.HotPluggable(c.Type):
	default:
		return nil, nil, errdefs.Conflictf("%s on %s controller %s of VM %s requires it to be powered off, it is %s", what, c.Type, ctrl, vm, d.State)
	}
	return d, c, nil
}

// AttachDisk puts a registered image into an empty controller slot.
func (m *Manager) AttachDisk(ctx context.Context, vm string, a types.Attachment) (*types.Attachment, error) {
	if a.Controller == "" || a.DiskPath == "" {
		return nil, errdefs.Validationf("controller and disk path are required")
	}
	if a.Port < 0 || a.Device < 0 {
		return nil, errdefs.Validationf("port and device must not be negative")
	}
	a.DiskPath = filepath.Clean(a.DiskPath)
	claims := []guard.Claim{guard.Write(guard.VMKey(vm)), guard.Write(guard.DiskKey(a.DiskPath))}
	err := m.mutate(ctx, cache.Scope{VMs: []string{vm}, Disks: true}, claims, func(ctx context.Context) error {
		d, c, err := m.slotVM(ctx, vm, a.Controller, "attach_disk")
		if err != nil {
			return err
		}
		if a.Port >= c.PortCount {
			return errdefs.Validationf("port %d out of range, controller %s has %d ports", a.Port, c.Name, c.PortCount)
		}
		if a.Device > c.Type.MaxDevice() {
			return errdefs.Validationf("device %d out of range 0-%d for %s", a.Device, c.Type.MaxDevice(), c.Type)
		}
		if cur := d.AttachmentAt(a.Controller, a.Port, a.Device); cur != nil {
			return errdefs.Conflictf("slot %s port %d device %d of VM %s already holds %s", a.Controller, a.Port, a.Device, vm, cur.DiskPath)
		}
		if _, err := m.cache.Disk(ctx, a.DiskPath, true); err != nil {
			return err
		}
		return m.hv.AttachDisk(ctx, vm, a)
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("storage.AttachDisk").Infof(ctx, "disk %s attached to VM %s at %s %d:%d", a.DiskPath, vm, a.Controller, a.Port, a.Device)
	d, err := m.cache.VM(ctx, vm, false)
	if err != nil {
		return nil, err
	}
	if got := d.AttachmentAt(a.Controller, a.Port, a.Device); got != nil {
		return got, nil
	}
	return nil, errdefs.Internalf("attachment at %s %d:%d missing after attach", a.Controller, a.Port, a.Device)
}

// DetachDisk empties a slot. The image stays registered. Only the VM is
// locked: the disk key sorts before it and the path is not known until the
// slot has been read.
func (m *Manager) DetachDisk(ctx context.Context, vm, ctrl string, port, device int) (*types.Attachment, error) {
	var removed types.Attachment
	err := m.mutate(ctx, cache.Scope{VMs: []string{vm}, Disks: true}, []guard.Claim{guard.Write(guard.VMKey(vm))}, func(ctx context.Context) error {
		d, _, err := m.slotVM(ctx, vm, ctrl, "detach_disk")
		if err != nil {
			return err
		}
		cur := d.AttachmentAt(ctrl, port, device)
		if cur == nil {
			return errdefs.NotFoundf("slot %s port %d device %d of VM %s is empty", ctrl, port, device, vm)
		}
		removed = *cur
		return m.hv.DetachDisk(ctx, vm, ctrl, port, device)
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("storage.DetachDisk").Infof(ctx, "disk %s detached from VM %s at %s %d:%d", removed.DiskPath, vm, ctrl, port, device)
	return &removed, nil
}
