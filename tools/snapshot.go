package tools

import (
	"context"

	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/snapshot"
)

func snapshotRoutes(m *snapshot.Manager) []dispatch.Route {
	snapName := dispatch.String("snapshot_name", "snapshot name or id").Req()
	return []dispatch.Route{
		{Tool: SnapshotTool, Action: "list", Doc: "snapshot tree in depth-first order", Fields: []dispatch.Field{vmName(), refresh()},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				t, err := m.Tree(ctx, p.String("vm_name"), p.Bool("refresh"))
				if err != nil {
					return nil, err
				}
				return t.Snapshots(), nil
			}},
		{Tool: SnapshotTool, Action: "current", Doc: "the snapshot the VM state is based on", Fields: []dispatch.Field{vmName(), refresh()},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.Current(ctx, p.String("vm_name"), p.Bool("refresh"))
			}},
		{Tool: SnapshotTool, Action: "create", Doc: "take a snapshot under the current one, or branch from another",
			Fields: []dispatch.Field{
				vmName(),
				dispatch.String("snapshot_name", "name of the new snapshot").Req(),
				dispatch.String("description", ""),
				dispatch.String("branch_from", "restore this snapshot first; VM must be powered off"),
				dispatch.Bool("live", "do not pause a running VM").Def(false),
			},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.Create(ctx, snapshot.CreateRequest{
					VM:          p.String("vm_name"),
					Name:        p.String("snapshot_name"),
					Description: p.String("description"),
					BranchFrom:  p.String("branch_from"),
					Live:        p.Bool("live"),
				})
			}},
		{Tool: SnapshotTool, Action: "restore", Doc: "make a snapshot current; descendants are kept",
			Fields: []dispatch.Field{vmName(), snapName, dispatch.Bool("stop_first", "power off or discard saved state first").Def(false)},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.Restore(ctx, p.String("vm_name"), p.String("snapshot_name"), p.Bool("stop_first"))
			}},
		{Tool: SnapshotTool, Action: "delete", Doc: "delete a snapshot, merging it into its parent",
			Fields: []dispatch.Field{vmName(), snapName},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				name, ref := p.String("vm_name"), p.String("snapshot_name")
				if err := m.Delete(ctx, name, ref); err != nil {
					return nil, err
				}
				return map[string]string{"vm_name": name, "deleted": ref}, nil
			}},
	}
}
