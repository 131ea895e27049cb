package tools

import (
	"context"
	"strings"

	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/storage"
	"github.com/projecteru2/vmplex/types"
)

func enumOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func storageRoutes(m *storage.Manager) []dispatch.Route {
	route := func(action, doc string, h dispatch.Handler, fields ...dispatch.Field) dispatch.Route {
		return dispatch.Route{Tool: StorageTool, Action: action, Doc: doc, Fields: fields, Handler: h}
	}
	ctrlName := dispatch.String("controller_name", "storage controller name").Req()
	diskPath := dispatch.String("disk_path", "disk image path").Req()
	port := dispatch.Int("port", "controller port").Def(0).AtLeast(0)
	device := dispatch.Int("device", "device on the port").Def(0).AtLeast(0)
	format := dispatch.Enum("format", "image format", enumOf(types.DiskFormats)...).Def(string(types.DiskVDI))

	return []dispatch.Route{
		route("list_controllers", "storage controllers of a VM", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.ListControllers(ctx, p.String("vm_name"), p.Bool("refresh"))
		}, vmName(), refresh()),

		route("create_controller", "add a controller to a powered-off VM", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.CreateController(ctx, p.String("vm_name"), types.StorageController{
				Name:      p.String("controller_name"),
				Type:      types.ControllerType(strings.ToLower(p.String("controller_type"))),
				PortCount: p.Int("port_count"),
				Bootable:  p.Bool("bootable"),
			})
		},
			vmName(), ctrlName,
			dispatch.Enum("controller_type", "bus", enumOf(types.ControllerTypes)...).Req(),
			dispatch.Int("port_count", "ports, default depends on the bus").AtLeast(1),
			dispatch.Bool("bootable", "").Def(true)),

		route("remove_controller", "remove a controller without attachments", func(ctx context.Context, p dispatch.Params) (any, error) {
			name, ctrl := p.String("vm_name"), p.String("controller_name")
			if err := m.RemoveController(ctx, name, ctrl); err != nil {
				return nil, err
			}
			return map[string]string{"vm_name": name, "removed": ctrl}, nil
		}, vmName(), ctrlName),

		route("list_disks", "registered disk images", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.ListDisks(ctx, p.Bool("refresh"))
		}, refresh()),

		route("disk_info", "one disk image", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.DiskInfo(ctx, p.String("disk_path"), p.Bool("refresh"))
		}, diskPath, refresh()),

		route("create_disk", "create and register a disk image", func(ctx context.Context, p dispatch.Params) (any, error) {
			size := p.Int64("size_mb")
			if gb := p.Int64("disk_size_gb"); gb > 0 {
				size = gb * 1024
			}
			return m.CreateDisk(ctx, types.DiskSpec{
				Path:    p.String("disk_path"),
				SizeMB:  size,
				Format:  types.DiskFormat(p.String("format")),
				Variant: types.DiskVariant(p.String("variant")),
			})
		},
			diskPath,
			dispatch.Size("size_mb", "size, MiB or a size like 20G").AtLeast(1),
			dispatch.Int("disk_size_gb", "size in GiB").AtLeast(1),
			format,
			dispatch.Enum("variant", "allocation", string(types.DiskDynamic), string(types.DiskFixed)).Def(string(types.DiskDynamic))),

		route("attach_disk", "attach a disk image to an empty slot", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.AttachDisk(ctx, p.String("vm_name"), types.Attachment{
				Controller: p.String("controller_name"),
				Port:       p.Int("port"),
				Device:     p.Int("device"),
				DiskPath:   p.String("disk_path"),
			})
		}, vmName(), ctrlName, port, device, diskPath),

		route("detach_disk", "empty a slot; the image stays registered", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.DetachDisk(ctx, p.String("vm_name"), p.String("controller_name"), p.Int("port"), p.Int("device"))
		}, vmName(), ctrlName, port, device),

		route("resize_disk", "grow a dynamic disk image", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.ResizeDisk(ctx, p.String("disk_path"), p.Int64("size_mb"))
		}, diskPath, dispatch.Size("size_mb", "new size, MiB or a size like 40G").Req().AtLeast(1)),

		route("convert_disk", "copy a disk image into a new file and format", func(ctx context.Context, p dispatch.Params) (any, error) {
			return m.ConvertDisk(ctx, p.String("disk_path"), p.String("target_path"), types.DiskFormat(p.String("format")), p.Bool("reattach"))
		},
			diskPath,
			dispatch.String("target_path", "path of the new image, must not exist").Req(),
			format,
			dispatch.Bool("reattach", "point powered-off VMs at the new image").Def(false)),

		route("delete_disk", "unregister and delete an unattached disk image", func(ctx context.Context, p dispatch.Params) (any, error) {
			path := p.String("disk_path")
			if err := m.DeleteDisk(ctx, path); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": path}, nil
		}, diskPath),
	}
}
