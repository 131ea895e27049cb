package vbox

import (
	"context"
	"strconv"
	"strings"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/types"
)

// AddController adds a storage controller to a powered-off VM.
func (v *VBox) AddController(ctx context.Context, vm string, c types.StorageController) error {
	args := []string{"storagectl", vm, "--name", c.Name, "--add", string(c.Type)}
	if c.PortCount > 0 {
		args = append(args, "--portcount", strconv.Itoa(c.PortCount))
	}
	args = append(args, "--bootable", onOff(c.Bootable))
	return v.mutate(ctx, args...)
}

// RemoveController removes the named controller.
func (v *VBox) RemoveController(ctx context.Context, vm, name string) error {
	return v.mutate(ctx, "storagectl", vm, "--name", name, "--remove")
}

// AttachDisk attaches a hard disk image to a controller slot.
func (v *VBox) AttachDisk(ctx context.Context, vm string, a types.Attachment) error {
	return v.mutate(ctx, "storageattach", vm,
		"--storagectl", a.Controller,
		"--port", strconv.Itoa(a.Port),
		"--device", strconv.Itoa(a.Device),
		"--type", "hdd",
		"--medium", a.DiskPath)
}

// DetachDisk empties a controller slot. The image stays registered.
func (v *VBox) DetachDisk(ctx context.Context, vm, controller string, port, device int) error {
	return v.mutate(ctx, "storageattach", vm,
		"--storagectl", controller,
		"--port", strconv.Itoa(port),
		"--device", strconv.Itoa(device),
		"--medium", "none")
}

// CreateDisk creates and registers a new image, returning its UUID.
func (v *VBox) CreateDisk(ctx context.Context, spec types.DiskSpec) (string, error) {
	variant := "Standard"
	if spec.Variant == types.DiskFixed {
		variant = "Fixed"
	}
	// Fixed images are fully allocated up front and can take a while.
	res, err := v.run(ctx, v.conf.LongCommandTimeout(), "createmedium", "disk",
		"--filename", spec.Path,
		"--size", strconv.FormatInt(spec.SizeMB, 10),
		"--format", string(spec.Format),
		"--variant", variant)
	if err != nil {
		return "", err
	}
	return parseUUID(res.Stdout), nil
}

// DiskInfo parses `showmediuminfo disk`.
func (v *VBox) DiskInfo(ctx context.Context, path string) (*types.Disk, error) {
	res, err := v.query(ctx, "showmediuminfo", "disk", path)
	if err != nil {
		return nil, err
	}
	blocks := parseBlocks(res.Stdout)
	if len(blocks) == 0 || blocks[0]["UUID"] == "" {
		return nil, errdefs.External("unparseable showmediuminfo output", res.Stdout)
	}
	d := diskFromBlock(blocks[0])
	return &d, nil
}

// ListDisks parses `list hdds`. Variant is not part of that listing.
func (v *VBox) ListDisks(ctx context.Context) ([]types.Disk, error) {
	res, err := v.query(ctx, "list", "hdds")
	if err != nil {
		return nil, err
	}
	var disks []types.Disk
	for _, b := range parseBlocks(res.Stdout) {
		if b["UUID"] == "" {
			continue
		}
		disks = append(disks, diskFromBlock(b))
	}
	return disks, nil
}

func diskFromBlock(b map[string]string) types.Disk {
	d := types.Disk{
		ID:      b["UUID"],
		Path:    b["Location"],
		Format:  types.DiskFormat(strings.ToUpper(b["Storage format"])),
		SizeMB:  parseSizeMB(b["Capacity"]),
		State:   b["State"],
		InUseBy: parseInUse(b["In use by VMs"]),
	}
	switch variant := strings.ToLower(b["Format variant"]); {
	case strings.Contains(variant, "fixed"):
		d.Variant = types.DiskFixed
	case strings.Contains(variant, "dynamic"):
		d.Variant = types.DiskDynamic
	}
	return d
}

// ResizeDisk grows an image to sizeMB.
func (v *VBox) ResizeDisk(ctx context.Context, path string, sizeMB int64) error {
	return v.mutate(ctx, "modifymedium", "disk", path, "--resize", strconv.FormatInt(sizeMB, 10))
}

// ConvertDisk copies source into a new image at target in format.
func (v *VBox) ConvertDisk(ctx context.Context, source, target string, format types.DiskFormat) error {
	return v.mutateLong(ctx, "clonemedium", "disk", source, target, "--format", string(format))
}

// DeleteDisk unregisters the image and deletes its file.
func (v *VBox) DeleteDisk(ctx context.Context, path string) error {
	return v.mutate(ctx, "closemedium", "disk", path, "--delete")
}
