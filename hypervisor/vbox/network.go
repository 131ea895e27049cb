package vbox

import (
	"context"
	"strconv"
	"strings"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/types"
)

// ListHostOnlyNetworks parses `list hostonlynets`.
func (v *VBox) ListHostOnlyNetworks(ctx context.Context) ([]types.HostOnlyNetwork, error) {
	res, err := v.query(ctx, "list", "hostonlynets")
	if err != nil {
		return nil, err
	}
	var nets []types.HostOnlyNetwork
	for _, b := range parseBlocks(res.Stdout) {
		if b["Name"] == "" {
			continue
		}
		nets = append(nets, types.HostOnlyNetwork{
			Name:    b["Name"],
			IP:      b["LowerIP"],
			Netmask: b["NetworkMask"],
			LowerIP: b["LowerIP"],
			UpperIP: b["UpperIP"],
			Enabled: strings.EqualFold(b["State"], "enabled"),
		})
	}
	return nets, nil
}

// CreateHostOnlyNetwork adds an enabled host-only network.
func (v *VBox) CreateHostOnlyNetwork(ctx context.Context, n types.HostOnlyNetwork) error {
	lower := n.LowerIP
	if lower == "" {
		lower = n.IP
	}
	if lower == "" || n.UpperIP == "" || n.Netmask == "" {
		return errdefs.Validationf("network %s needs an address range and netmask", n.Name)
	}
	return v.mutate(ctx, "hostonlynet", "add",
		"--name", n.Name,
		"--netmask", n.Netmask,
		"--lower-ip", lower,
		"--upper-ip", n.UpperIP,
		"--enable")
}

// RemoveHostOnlyNetwork deletes a host-only network.
func (v *VBox) RemoveHostOnlyNetwork(ctx context.Context, name string) error {
	return v.mutate(ctx, "hostonlynet", "remove", "--name", name)
}

// ConfigureAdapter rewrites a NIC slot with modifyvm. The VM must be
// powered off.
func (v *VBox) ConfigureAdapter(ctx context.Context, vm string, a types.NetworkAdapter) error {
	n := strconv.Itoa(a.Slot)
	args := []string{"modifyvm", vm, "--nic" + n, nicType(a.Mode)}
	if flag := networkFlag(a.Mode); flag != "" && a.Network != "" {
		args = append(args, flag+n, a.Network)
	}
	if a.MAC != "" {
		args = append(args, "--mac-address"+n, a.MAC)
	}
	if a.Mode != types.AdapterNone {
		args = append(args, "--cable-connected"+n, onOff(a.CableConnected))
	}
	return v.mutate(ctx, args...)
}

// ConfigureAdapterLive switches the attachment of a NIC on a running VM and
// sets its link state.
func (v *VBox) ConfigureAdapterLive(ctx context.Context, vm string, a types.NetworkAdapter) error {
	n := strconv.Itoa(a.Slot)
	args := []string{"controlvm", vm, "nic" + n, nicType(a.Mode)}
	if a.Mode.NeedsNetwork() || a.Mode == types.AdapterGeneric {
		if a.Network == "" {
			return errdefs.Validationf("adapter %d: mode %s needs a network", a.Slot, a.Mode)
		}
		args = append(args, a.Network)
	}
	if err := v.mutate(ctx, args...); err != nil {
		return err
	}
	return v.mutate(ctx, "controlvm", vm, "setlinkstate"+n, onOff(a.CableConnected))
}

// AddPortForward adds a NAT rule, through the running session when live.
func (v *VBox) AddPortForward(ctx context.Context, vm string, f types.PortForward, live bool) error {
	n := strconv.Itoa(f.Slot)
	if live {
		return v.mutate(ctx, "controlvm", vm, "natpf"+n, forwardRule(f))
	}
	return v.mutate(ctx, "modifyvm", vm, "--natpf"+n, forwardRule(f))
}

// RemovePortForward deletes a NAT rule by name.
func (v *VBox) RemovePortForward(ctx context.Context, vm string, slot int, name string, live bool) error {
	n := strconv.Itoa(slot)
	if live {
		return v.mutate(ctx, "controlvm", vm, "natpf"+n, "delete", name)
	}
	return v.mutate(ctx, "modifyvm", vm, "--natpf"+n, "delete", name)
}

// nicType is the VBoxManage attachment name. Named host-only networks use
// the hostonlynet attachment.
func nicType(m types.AdapterMode) string {
	if m == types.AdapterHostOnly {
		return "hostonlynet"
	}
	return string(m)
}

func networkFlag(m types.AdapterMode) string {
	switch m {
	case types.AdapterHostOnly:
		return "--host-only-net"
	case types.AdapterBridged:
		return "--bridge-adapter"
	case types.AdapterInternal:
		return "--intnet"
	case types.AdapterNATNetwork:
		return "--nat-network"
	case types.AdapterGeneric:
		return "--nic-generic-drv"
	}
	return ""
}
