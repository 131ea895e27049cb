package tools

import (
	"context"

	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/network"
	"github.com/projecteru2/vmplex/types"
)

func networkRoutes(m *network.Manager) []dispatch.Route {
	netName := dispatch.String("network_name", "host-only network name").Req()

	list := func(ctx context.Context, p dispatch.Params) (any, error) {
		return m.List(ctx, p.Bool("refresh"))
	}
	create := func(ctx context.Context, p dispatch.Params) (any, error) {
		return m.Create(ctx, network.CreateRequest{
			Name:    p.String("network_name"),
			IP:      p.String("ip_address"),
			Netmask: p.String("netmask"),
		})
	}
	remove := func(ctx context.Context, p dispatch.Params) (any, error) {
		name := p.String("network_name")
		if err := m.Remove(ctx, name); err != nil {
			return nil, err
		}
		return map[string]string{"removed": name}, nil
	}
	createFields := []dispatch.Field{
		netName,
		dispatch.String("ip_address", "host address, first address of the DHCP range").Req(),
		dispatch.String("netmask", "dotted IPv4 netmask").Def("255.255.255.0"),
	}

	routes := []dispatch.Route{
		{Tool: NetworkTool, Action: "list_networks", Doc: "host-only networks", Fields: []dispatch.Field{refresh()}, Handler: list},
		{Tool: NetworkTool, Action: "create_network", Doc: "create a host-only network", Fields: createFields, Handler: create},
		{Tool: NetworkTool, Action: "remove_network", Doc: "remove an unused host-only network", Fields: []dispatch.Field{netName}, Handler: remove},
		{Tool: NetworkTool, Action: "list_adapters", Doc: "NIC slots of a VM", Fields: []dispatch.Field{vmName(), refresh()},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.ListAdapters(ctx, p.String("vm_name"), p.Bool("refresh"))
			}},
		{Tool: NetworkTool, Action: "configure_adapter", Doc: "change a NIC slot; live on a running VM where possible",
			Fields: []dispatch.Field{
				vmName(),
				dispatch.Int("adapter_slot", "slot 1-8").Req().AtLeast(1),
				dispatch.Enum("network_type", "attachment mode", enumOf(types.AdapterModes)...),
				dispatch.String("network_name", "host-only network, internal network, bridge interface or NAT network"),
				dispatch.String("mac_address", `MAC address or "auto"`),
				dispatch.Bool("cable_connected", ""),
			},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.ConfigureAdapter(ctx, p.String("vm_name"), types.AdapterConfig{
					Slot:           p.Int("adapter_slot"),
					Mode:           types.AdapterMode(p.String("network_type")),
					Network:        p.String("network_name"),
					MAC:            p.String("mac_address"),
					CableConnected: p.OptBool("cable_connected"),
				})
			}},
	}
	routes = append(routes, forwardRoutes(m)...)
	// Short aliases for the network actions.
	routes = append(routes,
		dispatch.Route{Tool: NetworkTool, Action: "list", Doc: "alias of list_networks", Fields: []dispatch.Field{refresh()}, Handler: list},
		dispatch.Route{Tool: NetworkTool, Action: "create", Doc: "alias of create_network", Fields: createFields, Handler: create},
		dispatch.Route{Tool: NetworkTool, Action: "remove", Doc: "alias of remove_network", Fields: []dispatch.Field{netName}, Handler: remove},
	)
	return routes
}

func forwardRoutes(m *network.Manager) []dispatch.Route {
	slot := dispatch.Int("adapter_slot", "NAT adapter slot 1-8").Def(1).AtLeast(1)
	return []dispatch.Route{
		{Tool: NetworkTool, Action: "list_port_forwards", Doc: "NAT port forwarding rules of a VM",
			Fields: []dispatch.Field{vmName(), dispatch.Int("adapter_slot", "only this slot; 0 for all").Def(0).AtLeast(0), refresh()},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.ListPortForwards(ctx, p.String("vm_name"), p.Int("adapter_slot"), p.Bool("refresh"))
			}},
		{Tool: NetworkTool, Action: "add_port_forward", Doc: "forward a host port to the guest through a NAT adapter",
			Fields: []dispatch.Field{
				vmName(), slot,
				dispatch.String("rule_name", "defaults to <protocol><host_port>"),
				dispatch.Enum("protocol", "", types.ProtocolTCP, types.ProtocolUDP).Def(types.ProtocolTCP),
				dispatch.String("host_ip", "host address to bind, all when empty"),
				dispatch.Int("host_port", "").Req().AtLeast(1),
				dispatch.String("guest_ip", "guest address, the DHCP lease when empty"),
				dispatch.Int("guest_port", "").Req().AtLeast(1),
			},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.AddPortForward(ctx, p.String("vm_name"), types.PortForward{
					Slot:      p.Int("adapter_slot"),
					Name:      p.String("rule_name"),
					Protocol:  p.String("protocol"),
					HostIP:    p.String("host_ip"),
					HostPort:  p.Int("host_port"),
					GuestIP:   p.String("guest_ip"),
					GuestPort: p.Int("guest_port"),
				})
			}},
		{Tool: NetworkTool, Action: "remove_port_forward", Doc: "delete a NAT port forwarding rule",
			Fields: []dispatch.Field{vmName(), slot, dispatch.String("rule_name", "").Req()},
			Handler: func(ctx context.Context, p dispatch.Params) (any, error) {
				return m.RemovePortForward(ctx, p.String("vm_name"), p.Int("adapter_slot"), p.String("rule_name"))
			}},
	}
}
