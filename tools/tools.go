// Package tools binds the portmanteau tools to the managers.
package tools

import (
	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/network"
	"github.com/projecteru2/vmplex/snapshot"
	"github.com/projecteru2/vmplex/storage"
	"github.com/projecteru2/vmplex/system"
	"github.com/projecteru2/vmplex/vm"
)

// Tool names.
const (
	VMTool        = "vm_management"
	SnapshotTool  = "snapshot_management"
	StorageTool   = "storage_management"
	NetworkTool   = "network_management"
	SystemTool    = "system_management"
	DiscoveryTool = "discovery_management"
)

var descriptions = map[string]string{
	VMTool:        "Create, control, clone, modify and delete virtual machines",
	SnapshotTool:  "Take, restore and delete VM snapshots",
	StorageTool:   "Manage storage controllers, disk images and attachments",
	NetworkTool:   "Manage host-only networks and VM network adapters",
	SystemTool:    "Host and hypervisor information",
	DiscoveryTool: "List tools and their parameter schemas",
}

// Managers are the handlers' backends.
type Managers struct {
	VMs       *vm.Manager
	Snapshots *snapshot.Manager
	Storage   *storage.Manager
	Networks  *network.Manager
	System    *system.Manager
}

// New builds the validated registry of every tool.
func New(m Managers) (*dispatch.Registry, error) {
	var reg *dispatch.Registry
	var routes []dispatch.Route
	routes = append(routes, vmRoutes(m.VMs)...)
	routes = append(routes, snapshotRoutes(m.Snapshots)...)
	routes = append(routes, storageRoutes(m.Storage)...)
	routes = append(routes, networkRoutes(m.Networks)...)
	routes = append(routes, systemRoutes(m.System)...)
	routes = append(routes, discoveryRoutes(func() *dispatch.Registry { return reg })...)
	reg, err := dispatch.NewRegistry(descriptions, routes...)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// vmName is the common VM reference parameter.
func vmName() dispatch.Field {
	return dispatch.String("vm_name", "name of the virtual machine").Req()
}

func refresh() dispatch.Field {
	return dispatch.Bool("refresh", "bypass the state cache").Def(false)
}
