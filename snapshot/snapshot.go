// Package snapshot manages the snapshot tree of a VM.
//
// New snapshots hang under the VM's current snapshot, or under an explicit
// branch point which is restored first. Restore moves the current pointer
// and keeps every descendant. Deleting an internal node merges its disk
// deltas into its parent and re-parents its child; the result is verified
// against a fresh read of the tree.
package snapshot

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/saga"
	"github.com/projecteru2/vmplex/types"
)

// Lifecycle is what the snapshot manager needs from the VM manager.
type Lifecycle interface {
	State(ctx context.Context, name string) (types.VMState, *types.VMDetail, error)
	PowerOff(ctx context.Context, name string) error
}

// CreateRequest describes snapshot.create.
type CreateRequest struct {
	VM          string
	Name        string
	Description string
	// BranchFrom restores this snapshot before taking the new one, so the new
	// snapshot starts a branch under it. The VM must be powered off.
	BranchFrom string
	// Live takes the snapshot of a running VM without pausing it.
	Live bool
}

// Manager serves snapshot_management.
type Manager struct {
	hv    hypervisor.Hypervisor
	cache *cache.Cache
	guard *guard.Guard
	vms   Lifecycle
}

// New creates a Manager.
func New(hv hypervisor.Hypervisor, c *cache.Cache, g *guard.Guard, vms Lifecycle) *Manager {
	return &Manager{hv: hv, cache: c, guard: g, vms: vms}
}

// Tree returns the validated snapshot tree of vm.
func (m *Manager) Tree(ctx context.Context, vm string, refresh bool) (*Tree, error) {
	list, err := m.cache.Snapshots(ctx, vm, refresh)
	if err != nil {
		return nil, err
	}
	return NewTree(list)
}

// List returns vm's snapshots in depth-first order.
func (m *Manager) List(ctx context.Context, vm string, refresh bool) (*types.SnapshotList, error) {
	t, err := m.Tree(ctx, vm, refresh)
	if err != nil {
		return nil, err
	}
	return t.List(), nil
}

// Current returns the snapshot vm's state is based on.
func (m *Manager) Current(ctx context.Context, vm string, refresh bool) (*types.Snapshot, error) {
	t, err := m.Tree(ctx, vm, refresh)
	if err != nil {
		return nil, err
	}
	s, ok := t.Current()
	if !ok {
		return nil, errdefs.NotFoundf("VM %s has no current snapshot", vm)
	}
	s.Current = true
	return &s, nil
}

// locked runs fn under vm's write lock with a freshly read state and tree.
func (m *Manager) locked(ctx context.Context, vm string, fn func(ctx context.Context, state types.VMState, t *Tree) error) error {
	ctx, release, err := m.guard.Acquire(ctx, guard.Write(guard.VMKey(vm)))
	if err != nil {
		return err
	}
	defer release()
	err = func() error {
		state, _, err := m.vms.State(ctx, vm)
		if err != nil {
			return err
		}
		if state == types.VMStateUndefined {
			return errdefs.NotFoundf("VM %s does not exist", vm)
		}
		t, err := m.Tree(ctx, vm, true)
		if err != nil {
			return err
		}
		return fn(ctx, state, t)
	}()
	m.cache.Settle(cache.Scope{VMs: []string{vm}}, err)
	return err
}

// Create takes a new snapshot. The memory state is included when the VM is
// running or paused.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Snapshot, error) {
	logger := log.WithFunc("snapshot.Create")
	err := m.locked(ctx, req.VM, func(ctx context.Context, state types.VMState, t *Tree) error {
		if _, exists := t.Find(req.Name); exists {
			return errdefs.Conflictf("snapshot %s already exists on VM %s", req.Name, req.VM)
		}
		take := func(ctx context.Context) error {
			return m.hv.TakeSnapshot(ctx, req.VM, req.Name, req.Description, req.Live)
		}
		if req.BranchFrom == "" {
			return take(ctx)
		}

		base, ok := t.Find(req.BranchFrom)
		if !ok {
			return errdefs.NotFoundf("snapshot %s not found on VM %s", req.BranchFrom, req.VM)
		}
		if state != types.VMStatePoweredOff {
			return errdefs.Conflictf("branching from %s requires VM %s to be powered off, it is %s", base.Name, req.VM, state)
		}
		return saga.New(fmt.Sprintf("snapshot.create %s/%s", req.VM, req.Name)).
			Then("restore "+base.Name, func(ctx context.Context) error {
				return m.hv.RestoreSnapshot(ctx, req.VM, base.ID)
			}).
			ThenAdvise("take "+req.Name,
				fmt.Sprintf("VM %s now runs from snapshot %s; snapshot %s was not taken, retry create without branch_from", req.VM, base.Name, req.Name),
				take).
			Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	t, err := m.Tree(ctx, req.VM, false)
	if err != nil {
		return nil, err
	}
	s, ok := t.Find(req.Name)
	if !ok {
		return nil, errdefs.Internalf("snapshot %s missing after take", req.Name)
	}
	cur, _ := t.Current()
	s.Current = cur.ID == s.ID
	logger.Infof(ctx, "snapshot %s taken on VM %s (parent %q, memory %v)", s.Name, req.VM, s.ParentID, s.IncludesMemory)
	return &s, nil
}

// Restore makes ref the current snapshot. The VM must be powered off unless
// stopFirst, in which case it is force-stopped or its saved state is
// discarded. Descendants of ref are kept.
func (m *Manager) Restore(ctx context.Context, vm, ref string, stopFirst bool) (*types.Snapshot, error) {
	var target types.Snapshot
	err := m.locked(ctx, vm, func(ctx context.Context, state types.VMState, t *Tree) error {
		s, ok := t.Find(ref)
		if !ok {
			return errdefs.NotFoundf("snapshot %s not found on VM %s", ref, vm)
		}
		target = s
		restore := func(ctx context.Context) error { return m.hv.RestoreSnapshot(ctx, vm, s.ID) }
		if state == types.VMStatePoweredOff {
			return restore(ctx)
		}
		if !stopFirst {
			return errdefs.Conflictf("VM %s is %s; power it off or pass stop_first to restore %s", vm, state, s.Name)
		}
		return saga.New(fmt.Sprintf("snapshot.restore %s/%s", vm, s.Name)).
			Then("poweroff", func(ctx context.Context) error { return m.vms.PowerOff(ctx, vm) }).
			ThenAdvise("restore "+s.Name, fmt.Sprintf("VM %s was powered off but snapshot %s was not restored", vm, s.Name), restore).
			Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("snapshot.Restore").Infof(ctx, "VM %s restored to snapshot %s", vm, target.Name)
	target.Current = true
	return &target, nil
}

// Delete removes ref. A leaf goes in any VM state. An internal node needs
// the VM powered off and at most one child, which VirtualBox re-parents onto
// ref's parent while merging the disk deltas.
func (m *Manager) Delete(ctx context.Context, vm, ref string) error {
	logger := log.WithFunc("snapshot.Delete")
	return m.locked(ctx, vm, func(ctx context.Context, state types.VMState, t *Tree) error {
		s, ok := t.Find(ref)
		if !ok {
			return errdefs.NotFoundf("snapshot %s not found on VM %s", ref, vm)
		}
		children := t.Children(s.ID)
		if len(children) > 0 {
			if state != types.VMStatePoweredOff {
				return errdefs.Conflictf("deleting internal snapshot %s requires VM %s to be powered off, it is %s", s.Name, vm, state)
			}
			if len(children) > 1 {
				return errdefs.Conflictf("snapshot %s has %d children; delete all but one branch first", s.Name, len(children))
			}
		}
		before := t.Len()
		descendants := t.Descendants(s.ID)
		if err := m.hv.DeleteSnapshot(ctx, vm, s.ID); err != nil {
			return err
		}

		op := fmt.Sprintf("snapshot.delete %s/%s", vm, s.Name)
		advisory := fmt.Sprintf("snapshot %s was deleted but the tree of VM %s could not be verified; inspect it with list before any further snapshot operation", s.Name, vm)
		after, err := m.Tree(ctx, vm, true)
		if err != nil {
			return saga.Partial(ctx, op, []string{"delete"}, "verify", advisory, err)
		}
		if err := verifyDeleted(after, s, children, before, descendants); err != nil {
			return saga.Partial(ctx, op, []string{"delete"}, "verify", advisory, err)
		}
		logger.Infof(ctx, "snapshot %s deleted from VM %s, %d children re-parented", s.Name, vm, len(children))
		return nil
	})
}

// verifyDeleted checks that deleted is gone, each former child now hangs
// under deleted's parent, and nothing else was lost.
func verifyDeleted(after *Tree, deleted types.Snapshot, children []string, before, descendants int) error {
	if _, still := after.Find(deleted.ID); still {
		return errdefs.External(fmt.Sprintf("snapshot %s still present after delete", deleted.Name), "")
	}
	if after.Len() != before-1 {
		return errdefs.External(fmt.Sprintf("snapshot count went from %d to %d", before, after.Len()), "")
	}
	kept := 0
	for _, id := range children {
		c, ok := after.Find(id)
		if !ok {
			return errdefs.External(fmt.Sprintf("child snapshot %s disappeared", id), "")
		}
		if c.ParentID != deleted.ParentID {
			return errdefs.External(fmt.Sprintf("child snapshot %s has parent %q, want %q", c.Name, c.ParentID, deleted.ParentID), "")
		}
		kept += 1 + after.Descendants(id)
	}
	if kept != descendants {
		return errdefs.External(fmt.Sprintf("%d descendants before delete, %d after", descendants, kept), "")
	}
	return nil
}
