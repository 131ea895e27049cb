package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/saga"
	"github.com/projecteru2/vmplex/types"
)

// ConvertResult reports convert_disk.
type ConvertResult struct {
	Disk *types.Disk `json:"disk"`
	// Reattached lists VMs whose attachments now point at the new image.
	Reattached []string `json:"reattached,omitempty"`
	// Skipped lists VMs that still use the source because they were not
	// powered off.
	Skipped []string `json:"skipped,omitempty"`
}

// ListDisks returns every registered disk image.
func (m *Manager) ListDisks(ctx context.Context, refresh bool) ([]types.Disk, error) {
	return m.cache.Disks(ctx, refresh)
}

// DiskInfo returns one image including its allocation variant.
func (m *Manager) DiskInfo(ctx context.Context, path string, refresh bool) (*types.Disk, error) {
	return m.cache.Disk(ctx, filepath.Clean(path), refresh)
}

// CreateDisk creates and registers a new image.
func (m *Manager) CreateDisk(ctx context.Context, spec types.DiskSpec) (*types.Disk, error) {
	if spec.Path == "" {
		return nil, errdefs.Validationf("path is required")
	}
	if spec.SizeMB <= 0 {
		return nil, errdefs.Validationf("size must be positive, got %d MB", spec.SizeMB)
	}
	if spec.Format == "" {
		spec.Format = types.DiskVDI
	}
	if !slices.Contains(types.DiskFormats, spec.Format) {
		return nil, errdefs.Validationf("unknown disk format %q", spec.Format)
	}
	switch spec.Variant {
	case "":
		spec.Variant = types.DiskDynamic
	case types.DiskDynamic, types.DiskFixed:
	default:
		return nil, errdefs.Validationf("unknown disk variant %q", spec.Variant)
	}
	spec.Path = filepath.Clean(spec.Path)

	err := m.mutate(ctx, cache.Scope{Disks: true}, []guard.Claim{guard.Write(guard.DiskKey(spec.Path))}, func(ctx context.Context) error {
		if err := m.absent(ctx, spec.Path); err != nil {
			return err
		}
		_, err := m.hv.CreateDisk(ctx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("storage.CreateDisk").Infof(ctx, "disk %s created (%d MB %s %s)", spec.Path, spec.SizeMB, spec.Format, spec.Variant)
	return m.cache.Disk(ctx, spec.Path, true)
}

// absent fails with a conflict when path is registered or already on disk.
func (m *Manager) absent(ctx context.Context, path string) error {
	disks, err := m.cache.Disks(ctx, true)
	if err != nil {
		return err
	}
	for _, d := range disks {
		if d.Path == path {
			return errdefs.Conflictf("disk %s already exists", path)
		}
	}
	if _, err := os.Stat(path); err == nil {
		return errdefs.Conflictf("file %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return nil
}

// ResizeDisk grows a dynamic image to sizeMB. Images never shrink, so a
// cached size is a lower bound: a request at or below it is rejected without
// touching the hypervisor.
func (m *Manager) ResizeDisk(ctx context.Context, path string, sizeMB int64) (*types.Disk, error) {
	if sizeMB <= 0 {
		return nil, errdefs.Validationf("size must be positive, got %d MB", sizeMB)
	}
	path = filepath.Clean(path)
	if known, ok := m.cache.KnownDisk(path); ok {
		if err := checkGrow(known, sizeMB); err != nil {
			return nil, err
		}
	}
	err := m.mutate(ctx, cache.Scope{Disks: true}, []guard.Claim{guard.Write(guard.DiskKey(path))}, func(ctx context.Context) error {
		d, err := m.cache.Disk(ctx, path, true)
		if err != nil {
			return err
		}
		if err := checkGrow(*d, sizeMB); err != nil {
			return err
		}
		return m.hv.ResizeDisk(ctx, path, sizeMB)
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("storage.ResizeDisk").Infof(ctx, "disk %s resized to %d MB", path, sizeMB)
	return m.cache.Disk(ctx, path, true)
}

func checkGrow(d types.Disk, sizeMB int64) error {
	if d.Variant == types.DiskFixed {
		return errdefs.Validationf("disk %s is fixed-size and cannot be resized", d.Path)
	}
	if sizeMB <= d.SizeMB {
		return errdefs.Validationf("disk %s is %d MB; new size %d MB must be larger", d.Path, d.SizeMB, sizeMB)
	}
	return nil
}

// ConvertDisk copies source into a new image at target. The source is never
// modified. With reattach, every powered-off VM using source is repointed at
// target; running VMs are left alone and reported as skipped.
func (m *Manager) ConvertDisk(ctx context.Context, source, target string, format types.DiskFormat, reattach bool) (*ConvertResult, error) {
	if source == "" || target == "" {
		return nil, errdefs.Validationf("source and target are required")
	}
	if format == "" {
		format = types.DiskVDI
	}
	if !slices.Contains(types.DiskFormats, format) {
		return nil, errdefs.Validationf("unknown disk format %q", format)
	}
	source, target = filepath.Clean(source), filepath.Clean(target)
	if source == target {
		return nil, errdefs.Validationf("target must differ from source")
	}

	logger := log.WithFunc("storage.ConvertDisk")
	res := &ConvertResult{}
	claims := []guard.Claim{guard.Read(guard.DiskKey(source)), guard.Write(guard.DiskKey(target))}
	err := m.mutate(ctx, cache.Scope{Disks: true}, claims, func(ctx context.Context) error {
		src, err := m.cache.Disk(ctx, source, true)
		if err != nil {
			return err
		}
		if err := m.absent(ctx, target); err != nil {
			return err
		}
		s := saga.New(fmt.Sprintf("storage.convert %s -> %s", source, target)).
			Then("clonemedium", func(ctx context.Context) error {
				return m.hv.ConvertDisk(ctx, source, target, format)
			})
		if reattach {
			for _, vm := range src.InUseBy {
				s = s.ThenAdvise("reattach "+vm,
					fmt.Sprintf("%s was created; VM %s may still use %s, check its attachments", target, vm, source),
					func(ctx context.Context) error {
						moved, err := m.repoint(ctx, vm, source, target)
						if err != nil {
							return err
						}
						if moved {
							res.Reattached = append(res.Reattached, vm)
						} else {
							res.Skipped = append(res.Skipped, vm)
						}
						return nil
					})
			}
		}
		return s.Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	if res.Disk, err = m.cache.Disk(ctx, target, true); err != nil {
		return nil, err
	}
	logger.Infof(ctx, "disk %s converted to %s (%s), reattached %v, skipped %v", source, target, format, res.Reattached, res.Skipped)
	return res, nil
}

// repoint moves vm's attachments of from onto to. It reports false when the
// VM is not powered off.
func (m *Manager) repoint(ctx context.Context, vm, from, to string) (bool, error) {
	var moved bool
	err := m.mutate(ctx, cache.Scope{VMs: []string{vm}}, []guard.Claim{guard.Write(guard.VMKey(vm))}, func(ctx context.Context) error {
		d, err := m.cache.VM(ctx, vm, true)
		if err != nil {
			return err
		}
		if d.State != types.VMStatePoweredOff {
			log.WithFunc("storage.repoint").Warnf(ctx, "VM %s is %s, leaving it on %s", vm, d.State, from)
			return nil
		}
		for _, a := range d.Attachments {
			if a.DiskPath != from {
				continue
			}
			a.DiskPath = to
			if err := m.hv.AttachDisk(ctx, vm, a); err != nil {
				return err
			}
		}
		moved = true
		return nil
	})
	return moved, err
}

// DeleteDisk unregisters an unattached image and removes its file.
func (m *Manager) DeleteDisk(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	err := m.mutate(ctx, cache.Scope{Disks: true}, []guard.Claim{guard.Write(guard.DiskKey(path))}, func(ctx context.Context) error {
		d, err := m.cache.Disk(ctx, path, true)
		if err != nil {
			return err
		}
		if len(d.InUseBy) > 0 {
			return errdefs.Conflictf("disk %s is attached to %v; detach it first", path, d.InUseBy)
		}
		return m.hv.DeleteDisk(ctx, path)
	})
	if err != nil {
		return err
	}
	log.WithFunc("storage.DeleteDisk").Infof(ctx, "disk %s deleted", path)
	return nil
}
