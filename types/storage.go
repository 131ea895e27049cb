package types

// ControllerType is the bus of a storage controller.
type ControllerType string

const (
	ControllerIDE  ControllerType = "ide"
	ControllerSATA ControllerType = "sata"
	ControllerSCSI ControllerType = "scsi"
	ControllerSAS  ControllerType = "sas"
	ControllerNVMe ControllerType = "nvme"
)

// ControllerTypes lists the accepted controller types.
var ControllerTypes = []ControllerType{ControllerIDE, ControllerSATA, ControllerSCSI, ControllerSAS, ControllerNVMe}

// MaxDevice is the highest device index per port on this bus.
func (t ControllerType) MaxDevice() int {
	if t == ControllerIDE {
		return 1
	}
	return 0
}

// MaxPorts is the hypervisor's upper bound on ports for this bus.
func (t ControllerType) MaxPorts() int {
	switch t {
	case ControllerIDE:
		return 2
	case ControllerSATA:
		return 30
	case ControllerSCSI:
		return 16
	case ControllerSAS:
		return 254
	case ControllerNVMe:
		return 255
	}
	return 0
}

// StorageController is a controller on a VM.
type StorageController struct {
	VMID      string         `json:"vm_id"`
	Name      string         `json:"name"`
	Type      ControllerType `json:"type"`
	PortCount int            `json:"port_count"`
	Bootable  bool           `json:"bootable"`
}

// DiskFormat is the on-disk image format.
type DiskFormat string

const (
	DiskVDI  DiskFormat = "VDI"
	DiskVMDK DiskFormat = "VMDK"
	DiskVHD  DiskFormat = "VHD"
	DiskRAW  DiskFormat = "RAW"
)

// DiskFormats lists the accepted formats.
var DiskFormats = []DiskFormat{DiskVDI, DiskVMDK, DiskVHD, DiskRAW}

// DiskVariant is the allocation policy of an image.
type DiskVariant string

const (
	DiskDynamic DiskVariant = "dynamic"
	DiskFixed   DiskVariant = "fixed"
)

// Disk is a registered virtual disk image.
type Disk struct {
	ID      string      `json:"id"`
	Path    string      `json:"path"`
	Format  DiskFormat  `json:"format"`
	SizeMB  int64       `json:"size_mb"`
	Variant DiskVariant `json:"variant"`
	State   string      `json:"state,omitempty"`
	InUseBy []string    `json:"in_use_by,omitempty"` // VM names
}

// SizeGB is SizeMB rounded down to whole GiB.
func (d *Disk) SizeGB() int64 { return d.SizeMB / 1024 }

// DiskSpec describes a disk to create.
type DiskSpec struct {
	Path    string      `json:"path"`
	SizeMB  int64       `json:"size_mb"`
	Format  DiskFormat  `json:"format"`
	Variant DiskVariant `json:"variant"`
}

// Attachment binds a disk to a (controller, port, device) slot of a VM.
type Attachment struct {
	VMID       string `json:"vm_id"`
	Controller string `json:"controller"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
	DiskPath   string `json:"disk_path"`
}
