package vbox

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
)

// vmStates folds VBoxManage's detailed machine states onto the lifecycle
// states. Transitional states map to the state they are leaving.
var vmStates = map[string]types.VMState{
	"poweroff":       types.VMStatePoweredOff,
	"teleported":     types.VMStatePoweredOff,
	"running":        types.VMStateRunning,
	"starting":       types.VMStateRunning,
	"restoring":      types.VMStateRunning,
	"stopping":       types.VMStateRunning,
	"saving":         types.VMStateRunning,
	"paused":         types.VMStatePaused,
	"saved":          types.VMStateSaved,
	"aborted-saved":  types.VMStateSaved,
	"aborted":        types.VMStateAborted,
	"gurumeditation": types.VMStateAborted,
	"stuck":          types.VMStateAborted,
}

var adapterModes = map[string]types.AdapterMode{
	"none":        types.AdapterNone,
	"null":        types.AdapterNull,
	"nat":         types.AdapterNAT,
	"natnetwork":  types.AdapterNATNetwork,
	"bridged":     types.AdapterBridged,
	"intnet":      types.AdapterInternal,
	"hostonly":    types.AdapterHostOnly,
	"hostonlynet": types.AdapterHostOnly,
	"generic":     types.AdapterGeneric,
}

// controllerBuses maps the chipset names showvminfo reports to buses.
var controllerBuses = map[string]types.ControllerType{
	"PIIX3":       types.ControllerIDE,
	"PIIX4":       types.ControllerIDE,
	"ICH6":        types.ControllerIDE,
	"IntelAhci":   types.ControllerSATA,
	"LsiLogic":    types.ControllerSCSI,
	"BusLogic":    types.ControllerSCSI,
	"LsiLogicSas": types.ControllerSAS,
	"NVMe":        types.ControllerNVMe,
}

// ListVMs parses `list vms`.
func (v *VBox) ListVMs(ctx context.Context) ([]hypervisor.VMRef, error) {
	res, err := v.query(ctx, "list", "vms")
	if err != nil {
		return nil, err
	}
	var refs []hypervisor.VMRef
	for line := range strings.SplitSeq(res.Stdout, "\n") {
		if m := vmLineRE.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			refs = append(refs, hypervisor.VMRef{Name: m[1], ID: m[2]})
		}
	}
	return refs, nil
}

// VMInfo parses `showvminfo --machinereadable`.
func (v *VBox) VMInfo(ctx context.Context, name string) (*types.VMDetail, error) {
	res, err := v.query(ctx, "showvminfo", name, "--machinereadable")
	if err != nil {
		return nil, err
	}
	return parseVMInfo(res.Stdout)
}

func parseVMInfo(out string) (*types.VMDetail, error) {
	kv := parseMachineReadable(out)
	if kv["name"] == "" || kv["UUID"] == "" {
		return nil, errdefs.External("unparseable showvminfo output", out)
	}
	raw := kv["VMState"]
	state, ok := vmStates[raw]
	if !ok {
		state = types.VMState(raw)
	}
	d := &types.VMDetail{
		VM: types.VM{
			ID:                kv["UUID"],
			Name:              kv["name"],
			State:             state,
			CPU:               atoi(kv["cpus"]),
			MemoryMB:          atoi(kv["memory"]),
			OSType:            kv["ostype"],
			Description:       kv["description"],
			CurrentSnapshotID: kv["CurrentSnapshotUUID"],
		},
	}
	for i := 0; ; i++ {
		idx := strconv.Itoa(i)
		cname, ok := kv["storagecontrollername"+idx]
		if !ok {
			break
		}
		bus, known := controllerBuses[kv["storagecontrollertype"+idx]]
		if !known {
			bus = types.ControllerType(strings.ToLower(kv["storagecontrollertype"+idx]))
		}
		d.Controllers = append(d.Controllers, types.StorageController{
			VMID:      d.ID,
			Name:      cname,
			Type:      bus,
			PortCount: atoi(kv["storagecontrollerportcount"+idx]),
			Bootable:  kv["storagecontrollerbootable"+idx] == "on",
		})
		d.Attachments = append(d.Attachments, parseAttachments(kv, d.ID, cname)...)
	}
	for slot := 1; slot <= types.MaxAdapterSlots; slot++ {
		n := strconv.Itoa(slot)
		nic, ok := kv["nic"+n]
		if !ok {
			continue
		}
		mode, known := adapterModes[nic]
		if !known {
			mode = types.AdapterMode(nic)
		}
		d.Adapters = append(d.Adapters, types.NetworkAdapter{
			VMID:           d.ID,
			Slot:           slot,
			Mode:           mode,
			Network:        adapterNetwork(kv, nic, n),
			MAC:            kv["macaddress"+n],
			CableConnected: kv["cableconnected"+n] == "on",
		})
	}
	if rules := parseForwards(out); len(rules) > 0 {
		for i := range d.Adapters {
			d.Adapters[i].PortForwards = rules[d.Adapters[i].Slot]
		}
	}
	return d, nil
}

// parseAttachments collects "<ctrl>-<port>-<device>"="<path>" entries.
func parseAttachments(kv map[string]string, vmID, controller string) []types.Attachment {
	var out []types.Attachment
	prefix := controller + "-"
	for key, medium := range kv {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || medium == "none" || medium == "emptydrive" || medium == "" {
			continue
		}
		ps, ds, ok := strings.Cut(rest, "-")
		if !ok {
			continue
		}
		port, perr := strconv.Atoi(ps)
		device, derr := strconv.Atoi(ds)
		if perr != nil || derr != nil {
			continue
		}
		out = append(out, types.Attachment{VMID: vmID, Controller: controller, Port: port, Device: device, DiskPath: medium})
	}
	slices.SortFunc(out, func(a, b types.Attachment) int {
		return cmp.Or(cmp.Compare(a.Port, b.Port), cmp.Compare(a.Device, b.Device))
	})
	return out
}

func adapterNetwork(kv map[string]string, nic, n string) string {
	switch nic {
	case "hostonlynet":
		return kv["hostonly-network"+n]
	case "hostonly":
		return kv["hostonlyadapter"+n]
	case "bridged":
		return kv["bridgeadapter"+n]
	case "intnet":
		return kv["intnet"+n]
	case "natnetwork":
		return kv["nat-network"+n]
	case "generic":
		return kv["generic-driver"+n]
	}
	return ""
}

// CreateVM registers a new VM and returns its UUID.
func (v *VBox) CreateVM(ctx context.Context, name, osType string) (string, error) {
	args := []string{"createvm", "--name", name, "--register"}
	if osType != "" {
		args = append(args, "--ostype", osType)
	}
	res, err := v.run(ctx, v.conf.CommandTimeout(), args...)
	if err != nil {
		return "", err
	}
	return parseUUID(res.Stdout), nil
}

// ModifyVM applies s with modifyvm. The VM must be powered off.
func (v *VBox) ModifyVM(ctx context.Context, name string, s hypervisor.VMSettings) error {
	if s.Empty() {
		return nil
	}
	args := []string{"modifyvm", name}
	if s.CPU > 0 {
		args = append(args, "--cpus", strconv.Itoa(s.CPU))
	}
	if s.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(s.MemoryMB))
	}
	if s.OSType != "" {
		args = append(args, "--ostype", s.OSType)
	}
	if s.Description != nil {
		args = append(args, "--description", *s.Description)
	}
	return v.mutate(ctx, args...)
}

// StartVM powers on (or resumes from saved state).
func (v *VBox) StartVM(ctx context.Context, name string, headless bool) error {
	typ := "gui"
	if headless {
		typ = "headless"
	}
	return v.mutate(ctx, "startvm", name, "--type", typ)
}

// ControlVM sends a runtime control verb.
func (v *VBox) ControlVM(ctx context.Context, name string, action hypervisor.ControlAction) error {
	return v.mutate(ctx, "controlvm", name, string(action))
}

// DiscardState drops a saved state, leaving the VM powered off.
func (v *VBox) DiscardState(ctx context.Context, name string) error {
	return v.mutate(ctx, "discardstate", name)
}

// UnregisterVM unregisters name and deletes its files.
func (v *VBox) UnregisterVM(ctx context.Context, name string) error {
	return v.mutateLong(ctx, "unregistervm", name, "--delete")
}

// CloneVM clones source into a new registered VM named target.
func (v *VBox) CloneVM(ctx context.Context, source, target string, opts types.CloneOptions) error {
	if opts.Linked && opts.Snapshot == "" {
		return errdefs.Validationf("linked clone of %s requires a snapshot", source)
	}
	args := []string{"clonevm", source, "--name", target, "--register"}
	if opts.Snapshot != "" {
		args = append(args, "--snapshot", opts.Snapshot)
	}
	if opts.Linked {
		args = append(args, "--options", "link")
	}
	if err := v.mutateLong(ctx, args...); err != nil {
		return fmt.Errorf("clone %s to %s: %w", source, target, err)
	}
	return nil
}
