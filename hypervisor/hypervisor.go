// Package hypervisor defines the typed operations vmplex needs from the
// hypervisor. Managers depend on this interface; hypervisor/vbox implements
// it on top of executor.Executor.
//
// VMs are addressed by name. Every method returns errdefs-classified errors.
package hypervisor

import (
	"context"

	"github.com/projecteru2/vmplex/types"
)

// VMRef is one line of the registered-VM listing.
type VMRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// ControlAction is a runtime control verb.
type ControlAction string

const (
	ControlACPIPowerButton ControlAction = "acpipowerbutton"
	ControlPowerOff        ControlAction = "poweroff"
	ControlPause           ControlAction = "pause"
	ControlResume          ControlAction = "resume"
	ControlReset           ControlAction = "reset"
	ControlSaveState       ControlAction = "savestate"
)

// VMSettings is a modifyvm request. Zero fields are left unchanged.
type VMSettings struct {
	CPU         int
	MemoryMB    int
	OSType      string
	Description *string
}

// Empty reports whether s changes nothing.
func (s VMSettings) Empty() bool {
	return s.CPU == 0 && s.MemoryMB == 0 && s.OSType == "" && s.Description == nil
}

// OSType is a guest OS identifier accepted by createvm.
type OSType struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Family      string `json:"family"`
	Is64Bit     bool   `json:"is_64bit"`
}

// HostInfo is the hypervisor's view of the host.
type HostInfo struct {
	ProcessorCount    int    `json:"processor_count"`
	MemorySizeMB      int64  `json:"memory_size_mb"`
	MemoryAvailableMB int64  `json:"memory_available_mb"`
	OS                string `json:"os"`
	OSVersion         string `json:"os_version"`
}

// Metric is the latest sample of one performance counter of a VM.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Raw   string  `json:"raw"`
}

// Hypervisor is the set of hypervisor operations.
type Hypervisor interface {
	ListVMs(ctx context.Context) ([]VMRef, error)
	VMInfo(ctx context.Context, name string) (*types.VMDetail, error)
	CreateVM(ctx context.Context, name, osType string) (string, error)
	ModifyVM(ctx context.Context, name string, s VMSettings) error
	StartVM(ctx context.Context, name string, headless bool) error
	ControlVM(ctx context.Context, name string, action ControlAction) error
	DiscardState(ctx context.Context, name string) error
	UnregisterVM(ctx context.Context, name string) error
	CloneVM(ctx context.Context, source, target string, opts types.CloneOptions) error

	ListSnapshots(ctx context.Context, vm string) (*types.SnapshotList, error)
	TakeSnapshot(ctx context.Context, vm, name, description string, live bool) error
	RestoreSnapshot(ctx context.Context, vm, snapshotID string) error
	DeleteSnapshot(ctx context.Context, vm, snapshotID string) error

	AddController(ctx context.Context, vm string, c types.StorageController) error
	RemoveController(ctx context.Context, vm, name string) error
	AttachDisk(ctx context.Context, vm string, a types.Attachment) error
	DetachDisk(ctx context.Context, vm, controller string, port, device int) error
	CreateDisk(ctx context.Context, spec types.DiskSpec) (string, error)
	DiskInfo(ctx context.Context, path string) (*types.Disk, error)
	ListDisks(ctx context.Context) ([]types.Disk, error)
	ResizeDisk(ctx context.Context, path string, sizeMB int64) error
	ConvertDisk(ctx context.Context, source, target string, format types.DiskFormat) error
	DeleteDisk(ctx context.Context, path string) error

	ListHostOnlyNetworks(ctx context.Context) ([]types.HostOnlyNetwork, error)
	CreateHostOnlyNetwork(ctx context.Context, n types.HostOnlyNetwork) error
	RemoveHostOnlyNetwork(ctx context.Context, name string) error
	ConfigureAdapter(ctx context.Context, vm string, a types.NetworkAdapter) error
	ConfigureAdapterLive(ctx context.Context, vm string, a types.NetworkAdapter) error
	AddPortForward(ctx context.Context, vm string, f types.PortForward, live bool) error
	RemovePortForward(ctx context.Context, vm string, slot int, name string, live bool) error

	Screenshot(ctx context.Context, vm, path string) error
	SetupMetrics(ctx context.Context, vm string, periodSeconds, samples int) error
	QueryMetrics(ctx context.Context, vm string) ([]Metric, error)

	ListOSTypes(ctx context.Context) ([]OSType, error)
	Version(ctx context.Context) (string, error)
	HostInfo(ctx context.Context) (*HostInfo, error)
}
