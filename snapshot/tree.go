package snapshot

import (
	"fmt"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/types"
)

// Tree is a validated snapshot tree of one VM: a single root, every parent
// present, no cycles, unique IDs and names.
type Tree struct {
	vm       string
	nodes    map[string]types.Snapshot
	children map[string][]string
	order    []string
	root     string
	current  string
}

// NewTree validates list and indexes it. An empty list is a valid empty tree.
func NewTree(list *types.SnapshotList) (*Tree, error) {
	t := &Tree{
		vm:       list.VMName,
		nodes:    make(map[string]types.Snapshot, len(list.Snapshots)),
		children: map[string][]string{},
		current:  list.CurrentID,
	}
	names := make(map[string]bool, len(list.Snapshots))
	var roots []string
	for _, s := range list.Snapshots {
		if s.ID == "" {
			return nil, t.corrupt("snapshot %q has no id", s.Name)
		}
		if _, dup := t.nodes[s.ID]; dup {
			return nil, t.corrupt("duplicate snapshot id %s", s.ID)
		}
		if names[s.Name] {
			return nil, t.corrupt("duplicate snapshot name %q", s.Name)
		}
		names[s.Name] = true
		t.nodes[s.ID] = s
		if s.ParentID == "" {
			roots = append(roots, s.ID)
		}
	}
	if len(t.nodes) == 0 {
		if t.current != "" {
			return nil, t.corrupt("current snapshot %s without snapshots", t.current)
		}
		return t, nil
	}
	if len(roots) != 1 {
		return nil, t.corrupt("%d root snapshots", len(roots))
	}
	t.root = roots[0]
	for _, s := range list.Snapshots {
		if s.ParentID == "" {
			continue
		}
		if _, ok := t.nodes[s.ParentID]; !ok {
			return nil, t.corrupt("snapshot %q has missing parent %s", s.Name, s.ParentID)
		}
		t.children[s.ParentID] = append(t.children[s.ParentID], s.ID)
	}
	// A walk from the root that reaches every node proves there is no cycle:
	// each node has one parent, so a cycle would be unreachable.
	t.walk(t.root)
	if len(t.order) != len(t.nodes) {
		return nil, t.corrupt("%d snapshots unreachable from the root", len(t.nodes)-len(t.order))
	}
	if t.current != "" {
		if _, ok := t.nodes[t.current]; !ok {
			return nil, t.corrupt("current snapshot %s is not in the tree", t.current)
		}
	}
	return t, nil
}

func (t *Tree) walk(id string) {
	t.order = append(t.order, id)
	for _, c := range t.children[id] {
		t.walk(c)
	}
}

func (t *Tree) corrupt(format string, args ...any) error {
	return errdefs.External(fmt.Sprintf("snapshot tree of VM %s is inconsistent: %s", t.vm, fmt.Sprintf(format, args...)), "")
}

// Len is the number of snapshots.
func (t *Tree) Len() int { return len(t.nodes) }

// Find looks a snapshot up by ID or name.
func (t *Tree) Find(ref string) (types.Snapshot, bool) {
	if s, ok := t.nodes[ref]; ok {
		return s, true
	}
	for _, s := range t.nodes {
		if s.Name == ref {
			return s, true
		}
	}
	return types.Snapshot{}, false
}

// Current returns the snapshot the VM's state is layered on.
func (t *Tree) Current() (types.Snapshot, bool) {
	s, ok := t.nodes[t.current]
	return s, ok
}

// Children returns the IDs of the direct children of id.
func (t *Tree) Children(id string) []string {
	return append([]string(nil), t.children[id]...)
}

// Descendants counts every node below id.
func (t *Tree) Descendants(id string) int {
	n := 0
	for _, c := range t.children[id] {
		n += 1 + t.Descendants(c)
	}
	return n
}

// Snapshots returns the nodes in depth-first order from the root.
func (t *Tree) Snapshots() []types.Snapshot {
	out := make([]types.Snapshot, 0, len(t.order))
	for _, id := range t.order {
		s := t.nodes[id]
		s.Current = id == t.current
		out = append(out, s)
	}
	return out
}

// List renders the tree back into its wire form.
func (t *Tree) List() *types.SnapshotList {
	return &types.SnapshotList{VMName: t.vm, CurrentID: t.current, Snapshots: t.Snapshots()}
}
