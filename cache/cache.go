// Package cache mirrors hypervisor state for reads.
//
// The hypervisor is the system of record. Entries live for a short TTL and
// are dropped explicitly after every mutation: on success the affected
// entries are invalidated, on an ambiguous failure they are marked stale so
// the next read goes back to the hypervisor.
package cache

import (
	"context"
	"time"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/saga"
	"github.com/projecteru2/vmplex/types"
)

const allKey = ""

// knownDiskTTLs bounds how many TTLs a disk entry is trusted by KnownDisk.
// Past that the path may have been deleted and recreated smaller by
// another process.
const knownDiskTTLs = 3

// Scope names the entries a mutation may have changed.
type Scope struct {
	VMs      []string // detail and snapshot tree of these VMs
	VMList   bool
	Disks    bool
	Networks bool
}

// Cache is the read-through state mirror.
type Cache struct {
	hv        hypervisor.Hypervisor
	ttl       time.Duration
	vms       *Table[*types.VMDetail]
	vmList    *Table[[]hypervisor.VMRef]
	snapshots *Table[*types.SnapshotList]
	disks     *Table[[]types.Disk]
	diskInfo  *Table[*types.Disk]
	networks  *Table[[]types.HostOnlyNetwork]
}

// New creates a cache over hv. now may be nil.
func New(hv hypervisor.Hypervisor, ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{
		hv:        hv,
		ttl:       ttl,
		vms:       NewTable[*types.VMDetail](ttl, now),
		vmList:    NewTable[[]hypervisor.VMRef](ttl, now),
		snapshots: NewTable[*types.SnapshotList](ttl, now),
		disks:     NewTable[[]types.Disk](ttl, now),
		diskInfo:  NewTable[*types.Disk](ttl, now),
		networks:  NewTable[[]types.HostOnlyNetwork](ttl, now),
	}
}

// VM returns the detail of name. refresh bypasses the TTL.
func (c *Cache) VM(ctx context.Context, name string, refresh bool) (*types.VMDetail, error) {
	load := func(ctx context.Context) (*types.VMDetail, error) { return c.hv.VMInfo(ctx, name) }
	if refresh {
		return c.vms.Refresh(ctx, name, load)
	}
	return c.vms.Get(ctx, name, load)
}

// VMList returns the registered VMs.
func (c *Cache) VMList(ctx context.Context, refresh bool) ([]hypervisor.VMRef, error) {
	if refresh {
		return c.vmList.Refresh(ctx, allKey, c.hv.ListVMs)
	}
	return c.vmList.Get(ctx, allKey, c.hv.ListVMs)
}

// Snapshots returns the snapshot tree of vm.
func (c *Cache) Snapshots(ctx context.Context, vm string, refresh bool) (*types.SnapshotList, error) {
	load := func(ctx context.Context) (*types.SnapshotList, error) { return c.hv.ListSnapshots(ctx, vm) }
	if refresh {
		return c.snapshots.Refresh(ctx, vm, load)
	}
	return c.snapshots.Get(ctx, vm, load)
}

// Disks returns every registered disk image.
func (c *Cache) Disks(ctx context.Context, refresh bool) ([]types.Disk, error) {
	if refresh {
		return c.disks.Refresh(ctx, allKey, c.hv.ListDisks)
	}
	return c.disks.Get(ctx, allKey, c.hv.ListDisks)
}

// Disk returns full information on one image, including its variant.
func (c *Cache) Disk(ctx context.Context, path string, refresh bool) (*types.Disk, error) {
	load := func(ctx context.Context) (*types.Disk, error) { return c.hv.DiskInfo(ctx, path) }
	if refresh {
		return c.diskInfo.Refresh(ctx, path, load)
	}
	return c.diskInfo.Get(ctx, path, load)
}

// KnownDisk returns what is cached for path without any external call. It
// may be past the TTL but not stale or older than a few TTLs. Callers may
// only rely on properties that are monotone, such as a disk's size never
// decreasing.
func (c *Cache) KnownDisk(path string) (types.Disk, bool) {
	maxAge := knownDiskTTLs * c.ttl
	if d, ok := c.diskInfo.Recent(path, maxAge); ok && d != nil {
		return *d, true
	}
	if list, ok := c.disks.Recent(allKey, maxAge); ok {
		for _, d := range list {
			if d.Path == path {
				return d, true
			}
		}
	}
	return types.Disk{}, false
}

// Networks returns the host-only networks.
func (c *Cache) Networks(ctx context.Context, refresh bool) ([]types.HostOnlyNetwork, error) {
	if refresh {
		return c.networks.Refresh(ctx, allKey, c.hv.ListHostOnlyNetworks)
	}
	return c.networks.Get(ctx, allKey, c.hv.ListHostOnlyNetworks)
}

// Settle records the outcome of a mutation on s. Success invalidates;
// a validation failure changed nothing; anything else, including any
// partial outcome, marks stale.
func (c *Cache) Settle(s Scope, err error) {
	if err != nil && errdefs.KindOf(err) == errdefs.KindValidation {
		if _, partial := saga.AsPartial(err); !partial {
			return
		}
	}
	drop := func(key string, tables ...interface {
		Invalidate(string)
		MarkStale(string)
	}) {
		for _, t := range tables {
			if err == nil {
				t.Invalidate(key)
			} else {
				t.MarkStale(key)
			}
		}
	}
	for _, vm := range s.VMs {
		drop(vm, c.vms, c.snapshots)
	}
	if s.VMList {
		drop(allKey, c.vmList)
	}
	if s.Disks {
		drop(allKey, c.disks)
		c.diskInfo.InvalidateAll()
	}
	if s.Networks {
		drop(allKey, c.networks)
	}
}

// InvalidateAll drops everything, e.g. after an out-of-band change.
func (c *Cache) InvalidateAll() {
	c.vms.InvalidateAll()
	c.vmList.InvalidateAll()
	c.snapshots.InvalidateAll()
	c.disks.InvalidateAll()
	c.diskInfo.InvalidateAll()
	c.networks.InvalidateAll()
}
