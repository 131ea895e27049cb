package network

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/types"
)

const maxPort = 65535

// ListPortForwards returns the NAT rules of vm. slot 0 means every adapter.
func (m *Manager) ListPortForwards(ctx context.Context, vm string, slot int, refresh bool) ([]types.PortForward, error) {
	if slot < 0 || slot > types.MaxAdapterSlots {
		return nil, errdefs.Validationf("slot %d out of range 1-%d", slot, types.MaxAdapterSlots)
	}
	d, err := m.cache.VM(ctx, vm, refresh)
	if err != nil {
		return nil, err
	}
	rules := []types.PortForward{}
	for _, a := range d.Adapters {
		if slot == 0 || a.Slot == slot {
			rules = append(rules, a.PortForwards...)
		}
	}
	return rules, nil
}

// AddPortForward adds a NAT rule to an adapter in nat mode. A powered-off VM
// is changed with modifyvm, a running or paused one through its session.
// Names are unique per adapter, host endpoints per VM.
func (m *Manager) AddPortForward(ctx context.Context, vm string, f types.PortForward) (*types.PortForward, error) {
	f, err := normalizeForward(f)
	if err != nil {
		return nil, err
	}
	ctx, release, err := m.guard.Acquire(ctx, guard.Write(guard.VMKey(vm)))
	if err != nil {
		return nil, err
	}
	defer release()

	err = func() error {
		d, a, live, err := m.natAdapter(ctx, vm, f.Slot)
		if err != nil {
			return err
		}
		if a.PortForward(f.Name) != nil {
			return errdefs.Conflictf("adapter %d of VM %s already has a rule named %s", f.Slot, vm, f.Name)
		}
		for _, other := range d.Adapters {
			for _, r := range other.PortForwards {
				if r.Protocol == f.Protocol && r.HostPort == f.HostPort && (r.HostIP == "" || f.HostIP == "" || r.HostIP == f.HostIP) {
					return errdefs.Conflictf("host %s port %d of VM %s is taken by rule %s on adapter %d", f.Protocol, f.HostPort, vm, r.Name, r.Slot)
				}
			}
		}
		return m.hv.AddPortForward(ctx, vm, f, live)
	}()
	m.cache.Settle(cache.Scope{VMs: []string{vm}}, err)
	if err != nil {
		return nil, err
	}

	d, err := m.cache.VM(ctx, vm, false)
	if err != nil {
		return nil, err
	}
	a := d.Adapter(f.Slot)
	if a == nil || a.PortForward(f.Name) == nil {
		return nil, errdefs.Internalf("rule %s of adapter %d missing after add", f.Name, f.Slot)
	}
	log.WithFunc("network.AddPortForward").Infof(ctx, "VM %s adapter %d forwards %s %s:%d to %s:%d", vm, f.Slot, f.Protocol, f.HostIP, f.HostPort, f.GuestIP, f.GuestPort)
	return a.PortForward(f.Name), nil
}

// RemovePortForward deletes the named rule and returns it.
func (m *Manager) RemovePortForward(ctx context.Context, vm string, slot int, name string) (*types.PortForward, error) {
	if slot < 1 || slot > types.MaxAdapterSlots {
		return nil, errdefs.Validationf("slot %d out of range 1-%d", slot, types.MaxAdapterSlots)
	}
	if name == "" {
		return nil, errdefs.Validationf("rule name is required")
	}
	ctx, release, err := m.guard.Acquire(ctx, guard.Write(guard.VMKey(vm)))
	if err != nil {
		return nil, err
	}
	defer release()

	var removed types.PortForward
	err = func() error {
		d, err := m.cache.VM(ctx, vm, true)
		if err != nil {
			return err
		}
		a := d.Adapter(slot)
		var r *types.PortForward
		if a != nil {
			r = a.PortForward(name)
		}
		if r == nil {
			return errdefs.NotFoundf("adapter %d of VM %s has no rule named %s", slot, vm, name)
		}
		removed = *r
		live, err := forwardLive(d, slot)
		if err != nil {
			return err
		}
		return m.hv.RemovePortForward(ctx, vm, slot, name, live)
	}()
	m.cache.Settle(cache.Scope{VMs: []string{vm}}, err)
	if err != nil {
		return nil, err
	}
	log.WithFunc("network.RemovePortForward").Infof(ctx, "VM %s adapter %d rule %s removed", vm, slot, name)
	return &removed, nil
}

// natAdapter re-reads vm and returns adapter slot, which must be in nat
// mode, and whether a change goes through the running session.
func (m *Manager) natAdapter(ctx context.Context, vm string, slot int) (*types.VMDetail, *types.NetworkAdapter, bool, error) {
	d, err := m.cache.VM(ctx, vm, true)
	if err != nil {
		return nil, nil, false, err
	}
	a := d.Adapter(slot)
	if a == nil || a.Mode != types.AdapterNAT {
		mode := types.AdapterNone
		if a != nil {
			mode = a.Mode
		}
		return nil, nil, false, errdefs.Conflictf("adapter %d of VM %s is %s; port forwarding needs nat", slot, vm, mode)
	}
	live, err := forwardLive(d, slot)
	if err != nil {
		return nil, nil, false, err
	}
	return d, a, live, nil
}

// forwardLive reports whether rules of d change through the VM session.
// A saved VM accepts neither path.
func forwardLive(d *types.VMDetail, slot int) (bool, error) {
	switch d.State {
	case types.VMStatePoweredOff, types.VMStateAborted:
		return false, nil
	case types.VMStateRunning, types.VMStatePaused:
		return true, nil
	}
	return false, errdefs.Conflictf("rules of adapter %d of VM %s cannot change while it is %s", slot, d.Name, d.State)
}

// normalizeForward fills defaults and rejects what VBoxManage would
// misparse: the rule is a comma separated list, so names may not hold one.
func normalizeForward(f types.PortForward) (types.PortForward, error) {
	if f.Slot == 0 {
		f.Slot = 1
	}
	if f.Slot < 1 || f.Slot > types.MaxAdapterSlots {
		return f, errdefs.Validationf("slot %d out of range 1-%d", f.Slot, types.MaxAdapterSlots)
	}
	f.Protocol = strings.ToLower(f.Protocol)
	switch f.Protocol {
	case "":
		f.Protocol = types.ProtocolTCP
	case types.ProtocolTCP, types.ProtocolUDP:
	default:
		return f, errdefs.Validationf("protocol %q is not tcp or udp", f.Protocol)
	}
	for what, port := range map[string]int{"host": f.HostPort, "guest": f.GuestPort} {
		if port < 1 || port > maxPort {
			return f, errdefs.Validationf("%s port %d out of range 1-%d", what, port, maxPort)
		}
	}
	for what, ip := range map[string]string{"host": f.HostIP, "guest": f.GuestIP} {
		if ip != "" && net.ParseIP(ip).To4() == nil {
			return f, errdefs.Validationf("%s ip %q is not an IPv4 address", what, ip)
		}
	}
	if f.Name == "" {
		f.Name = fmt.Sprintf("%s%d", f.Protocol, f.HostPort)
	}
	if strings.ContainsAny(f.Name, `,"`) {
		return f, errdefs.Validationf("rule name %q may not contain a comma or quote", f.Name)
	}
	return f, nil
}
