package tools

import (
	"context"
	"strings"

	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/system"
)

func systemRoutes(m *system.Manager) []dispatch.Route {
	version := func(ctx context.Context, _ dispatch.Params) (any, error) { return m.Version(ctx) }
	return []dispatch.Route{
		{Tool: SystemTool, Action: "host_info", Doc: "host resources and hypervisor view of the host",
			Handler: func(ctx context.Context, _ dispatch.Params) (any, error) { return m.HostInfo(ctx) }},
		{Tool: SystemTool, Action: "version", Doc: "vmplex and VBoxManage versions", Handler: version},
		{Tool: SystemTool, Action: "vbox_version", Doc: "alias of version", Handler: version},
		{Tool: SystemTool, Action: "ostypes", Doc: "guest OS types accepted by create",
			Fields: []dispatch.Field{dispatch.String("family", "filter by family id, e.g. Linux")},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.OSTypes(ctx, p.String("family"))
			}},
		{Tool: SystemTool, Action: "metrics", Doc: "latest performance counters of a running VM",
			Fields: []dispatch.Field{vmName()},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.Metrics(ctx, p.String("vm_name"))
			}},
		{Tool: SystemTool, Action: "screenshot", Doc: "save the display of a running VM as PNG",
			Fields: []dispatch.Field{vmName(), dispatch.String("path", "output file, must not exist").Req()},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.Screenshot(ctx, p.String("vm_name"), p.String("path"))
			}},
	}
}

func discoveryRoutes(reg func() *dispatch.Registry) []dispatch.Route {
	toolName := dispatch.String("tool_name", "tool to describe").Req()
	describe := func(_ context.Context, p dispatch.Params) (any, error) {
		name := p.String("tool_name")
		schema, ok := reg().Schema(name)
		if !ok {
			return nil, errdefs.NotFoundf("tool %s not found", name)
		}
		return schema, nil
	}
	return []dispatch.Route{
		{Tool: DiscoveryTool, Action: "list", Doc: "registered tools and their actions",
			Fields: []dispatch.Field{dispatch.String("search", "substring of the tool name or description")},
			Handler: func(_ context.Context, p dispatch.Params) (any, error) {
				q := strings.ToLower(p.String("search"))
				var out []dispatch.Tool
				for _, t := range reg().Tools() {
					if q == "" || strings.Contains(strings.ToLower(t.Name+" "+t.Description), q) {
						out = append(out, t)
					}
				}
				return out, nil
			}},
		{Tool: DiscoveryTool, Action: "schema", Doc: "parameter schema of every action of a tool", Fields: []dispatch.Field{toolName}, Handler: describe},
		{Tool: DiscoveryTool, Action: "info", Doc: "alias of schema", Fields: []dispatch.Field{toolName}, Handler: describe},
	}
}
