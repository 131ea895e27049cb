package network

import (
	"context"
	"slices"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/types"
	"github.com/projecteru2/vmplex/utils"
)

// macAuto asks for a freshly generated address.
const macAuto = "auto"

// ListAdapters returns vm's NIC slots, disabled ones included.
func (m *Manager) ListAdapters(ctx context.Context, vm string, refresh bool) ([]types.NetworkAdapter, error) {
	d, err := m.cache.VM(ctx, vm, refresh)
	if err != nil {
		return nil, err
	}
	return d.Adapters, nil
}

// ConfigureAdapter changes one NIC slot. On a running VM the attachment and
// link state are switched live when the adapter is already enabled, the new
// mode allows it and the MAC stays; anything else needs the VM powered off.
func (m *Manager) ConfigureAdapter(ctx context.Context, vm string, cfg types.AdapterConfig) (*types.NetworkAdapter, error) {
	if cfg.Slot < 1 || cfg.Slot > types.MaxAdapterSlots {
		return nil, errdefs.Validationf("slot %d out of range 1-%d", cfg.Slot, types.MaxAdapterSlots)
	}
	if cfg.Mode != "" && !slices.Contains(types.AdapterModes, cfg.Mode) {
		return nil, errdefs.Validationf("unknown adapter mode %q", cfg.Mode)
	}
	var mac string
	switch {
	case cfg.MAC == "":
	case strings.EqualFold(cfg.MAC, macAuto):
		hw, err := utils.GenerateMAC()
		if err != nil {
			return nil, errdefs.Internalf("%v", err)
		}
		mac = utils.FormatHypervisorMAC(hw)
	default:
		var err error
		if mac, err = utils.NormalizeMAC(cfg.MAC); err != nil {
			return nil, errdefs.Validationf("%v", err)
		}
	}

	// The target mode may only be known after reading the adapter, so any
	// named network is held shared.
	claims := []guard.Claim{guard.Write(guard.VMKey(vm))}
	if cfg.Network != "" {
		claims = append(claims, guard.Read(guard.NetKey(cfg.Network)))
	}
	ctx, release, err := m.guard.Acquire(ctx, claims...)
	if err != nil {
		return nil, err
	}
	defer release()

	var live bool
	err = func() error {
		d, err := m.cache.VM(ctx, vm, true)
		if err != nil {
			return err
		}
		cur := types.NetworkAdapter{VMID: d.ID, Slot: cfg.Slot, Mode: types.AdapterNone}
		if a := d.Adapter(cfg.Slot); a != nil {
			cur = *a
		}
		next := merge(cur, cfg, mac)
		if next.Mode.NeedsNetwork() && next.Network == "" {
			return errdefs.Validationf("adapter %d: mode %s needs a network", cfg.Slot, next.Mode)
		}
		if next.Mode == types.AdapterHostOnly {
			if _, err := m.find(ctx, next.Network, true); err != nil {
				return err
			}
		}

		switch {
		case d.State == types.VMStatePoweredOff:
			return m.hv.ConfigureAdapter(ctx, vm, next)
		case d.State != types.VMStateRunning:
			return errdefs.Conflictf("adapter %d of VM %s cannot change while it is %s", cfg.Slot, vm, d.State)
		case cur.Mode == types.AdapterNone:
			return errdefs.Conflictf("adapter %d of VM %s is disabled; power the VM off to enable it", cfg.Slot, vm)
		case !next.Mode.HotReconfigurable():
			return errdefs.Conflictf("switching adapter %d of VM %s to %s requires it to be powered off", cfg.Slot, vm, next.Mode)
		case next.MAC != cur.MAC:
			return errdefs.Conflictf("changing the MAC of adapter %d requires VM %s to be powered off", cfg.Slot, vm)
		}
		live = true
		return m.hv.ConfigureAdapterLive(ctx, vm, next)
	}()
	m.cache.Settle(cache.Scope{VMs: []string{vm}}, err)
	if err != nil {
		return nil, err
	}

	d, err := m.cache.VM(ctx, vm, false)
	if err != nil {
		return nil, err
	}
	a := d.Adapter(cfg.Slot)
	if a == nil {
		return nil, errdefs.Internalf("adapter %d of VM %s missing after configure", cfg.Slot, vm)
	}
	log.WithFunc("network.ConfigureAdapter").Infof(ctx, "VM %s adapter %d now %s %q (live %v)", vm, a.Slot, a.Mode, a.Network, live)
	return a, nil
}

// merge applies cfg over cur. The network carries over only while the mode
// does; enabling a disabled slot connects the cable unless told otherwise.
func merge(cur types.NetworkAdapter, cfg types.AdapterConfig, mac string) types.NetworkAdapter {
	next := cur
	if cfg.Mode != "" && cfg.Mode != cur.Mode {
		next.Mode = cfg.Mode
		next.Network = ""
		if cur.Mode == types.AdapterNone {
			next.CableConnected = true
		}
	}
	if cfg.Network != "" {
		next.Network = cfg.Network
	}
	if !next.Mode.NeedsNetwork() && next.Mode != types.AdapterGeneric {
		next.Network = ""
	}
	if mac != "" {
		next.MAC = mac
	}
	if cfg.CableConnected != nil {
		next.CableConnected = *cfg.CableConnected
	}
	return next
}
