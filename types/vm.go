package types

// VMState represents the lifecycle state of a VM as reported by the hypervisor.
type VMState string

const (
	VMStateUndefined  VMState = "undefined" // not registered with the hypervisor
	VMStatePoweredOff VMState = "poweroff"  // registered, not running
	VMStateRunning    VMState = "running"   // guest is executing
	VMStatePaused     VMState = "paused"    // guest frozen in memory
	VMStateSaved      VMState = "saved"     // suspended to disk, resumes via start
	VMStateAborted    VMState = "aborted"   // host-level failure, needs stop/reset
)

// AllVMStates lists every state, in declaration order.
var AllVMStates = []VMState{
	VMStateUndefined,
	VMStatePoweredOff,
	VMStateRunning,
	VMStatePaused,
	VMStateSaved,
	VMStateAborted,
}

// Active reports whether the VM holds a live session on the host.
func (s VMState) Active() bool {
	return s == VMStateRunning || s == VMStatePaused
}

// VMConfig describes the resources requested for a new VM.
type VMConfig struct {
	Name        string `json:"name"`
	OSType      string `json:"os_type"`
	CPU         int    `json:"cpu"`
	MemoryMB    int    `json:"memory_mb"`
	Description string `json:"description,omitempty"`

	// Optional boot disk created and attached on SATA port 0.
	DiskSizeMB int64  `json:"disk_size_mb,omitempty"`
	DiskPath   string `json:"disk_path,omitempty"`
}

// VM is the cached mirror of a hypervisor-owned machine.
type VM struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	State             VMState `json:"state"`
	CPU               int     `json:"cpu"`
	MemoryMB          int     `json:"memory_mb"`
	OSType            string  `json:"os_type"`
	Description       string  `json:"description,omitempty"`
	CurrentSnapshotID string  `json:"current_snapshot_id,omitempty"`
}

// VMDetail is a VM plus the device state reported by showvminfo.
type VMDetail struct {
	VM

	Controllers []StorageController `json:"controllers"`
	Attachments []Attachment        `json:"attachments"`
	Adapters    []NetworkAdapter    `json:"adapters"`
}

// Controller returns the named controller, or nil.
func (d *VMDetail) Controller(name string) *StorageController {
	for i := range d.Controllers {
		if d.Controllers[i].Name == name {
			return &d.Controllers[i]
		}
	}
	return nil
}

// AttachmentAt returns the attachment occupying the slot, or nil.
func (d *VMDetail) AttachmentAt(controller string, port, device int) *Attachment {
	for i := range d.Attachments {
		a := &d.Attachments[i]
		if a.Controller == controller && a.Port == port && a.Device == device {
			return a
		}
	}
	return nil
}

// Adapter returns the adapter in slot, or nil.
func (d *VMDetail) Adapter(slot int) *NetworkAdapter {
	for i := range d.Adapters {
		if d.Adapters[i].Slot == slot {
			return &d.Adapters[i]
		}
	}
	return nil
}

// CloneOptions controls clonevm.
type CloneOptions struct {
	Snapshot string `json:"snapshot,omitempty"` // clone from this snapshot instead of current state
	Linked   bool   `json:"linked,omitempty"`   // linked clone, requires Snapshot
}
