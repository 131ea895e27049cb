// Package storage manages storage controllers, disk images and their
// attachment to VM slots.
//
// Controllers and attachments change only while the VM is powered off,
// except that attach and detach are allowed on a running VM for controller
// types configured as hot-pluggable.
package storage

import (
	"context"
	"slices"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/config"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
)

// Manager serves storage_management.
type Manager struct {
	conf  *config.Config
	hv    hypervisor.Hypervisor
	cache *cache.Cache
	guard *guard.Guard
}

// New creates a Manager.
func New(conf *config.Config, hv hypervisor.Hypervisor, c *cache.Cache, g *guard.Guard) *Manager {
	return &Manager{conf: conf, hv: hv, cache: c, guard: g}
}

// mutate runs fn under claims and settles scope with its outcome.
func (m *Manager) mutate(ctx context.Context, scope cache.Scope, claims []guard.Claim, fn func(ctx context.Context) error) error {
	ctx, release, err := m.guard.Acquire(ctx, claims...)
	if err != nil {
		return err
	}
	defer release()
	err = fn(ctx)
	m.cache.Settle(scope, err)
	return err
}

// poweredOffVM re-reads vm and requires it to be powered off.
func (m *Manager) poweredOffVM(ctx context.Context, vm, what string) (*types.VMDetail, error) {
	d, err := m.cache.VM(ctx, vm, true)
	if err != nil {
		return nil, err
	}
	if d.State != types.VMStatePoweredOff {
		return nil, errdefs.Conflictf("%s on VM %s requires it to be powered off, it is %s", what, vm, d.State)
	}
	return d, nil
}

// ListControllers returns vm's storage controllers.
func (m *Manager) ListControllers(ctx context.Context, vm string, refresh bool) ([]types.StorageController, error) {
	d, err := m.cache.VM(ctx, vm, refresh)
	if err != nil {
		return nil, err
	}
	return d.Controllers, nil
}

// CreateController adds a controller to a powered-off VM. A zero port count
// takes the hypervisor's default for the bus.
func (m *Manager) CreateController(ctx context.Context, vm string, c types.StorageController) (*types.StorageController, error) {
	if !slices.Contains(types.ControllerTypes, c.Type) {
		return nil, errdefs.Validationf("unknown controller type %q", c.Type)
	}
	if c.PortCount < 0 || c.PortCount > c.Type.MaxPorts() {
		return nil, errdefs.Validationf("port_count %d out of range 1-%d for %s", c.PortCount, c.Type.MaxPorts(), c.Type)
	}
	var created *types.StorageController
	err := m.mutate(ctx, cache.Scope{VMs: []string{vm}}, []guard.Claim{guard.Write(guard.VMKey(vm))}, func(ctx context.Context) error {
		d, err := m.poweredOffVM(ctx, vm, "create_controller")
		if err != nil {
			return err
		}
		if d.Controller(c.Name) != nil {
			return errdefs.Conflictf("controller %s already exists on VM %s", c.Name, vm)
		}
		return m.hv.AddController(ctx, vm, c)
	})
	if err != nil {
		return nil, err
	}
	d, err := m.cache.VM(ctx, vm, false)
	if err != nil {
		return nil, err
	}
	if created = d.Controller(c.Name); created == nil {
		return nil, errdefs.Internalf("controller %s missing after create", c.Name)
	}
	log.WithFunc("storage.CreateController").Infof(ctx, "controller %s (%s, %d ports) added to VM %s", c.Name, c.Type, created.PortCount, vm)
	return created, nil
}

// RemoveController removes a controller that has no attachments.
func (m *Manager) RemoveController(ctx context.Context, vm, name string) error {
	return m.mutate(ctx, cache.Scope{VMs: []string{vm}}, []guard.Claim{guard.Write(guard.VMKey(vm))}, func(ctx context.Context) error {
		d, err := m.poweredOffVM(ctx, vm, "remove_controller")
		if err != nil {
			return err
		}
		if d.Controller(name) == nil {
			return errdefs.NotFoundf("controller %s not found on VM %s", name, vm)
		}
		for _, a := range d.Attachments {
			if a.Controller == name {
				return errdefs.Conflictf("controller %s still has %s attached at port %d device %d; detach it first", name, a.DiskPath, a.Port, a.Device)
			}
		}
		return m.hv.RemoveController(ctx, vm, name)
	})
}
