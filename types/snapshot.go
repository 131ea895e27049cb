package types

import "time"

// Snapshot is one node of a VM's snapshot tree.
type Snapshot struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ParentID       string    `json:"parent_id,omitempty"` // empty only for the root
	VMID           string    `json:"vm_id"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	IncludesMemory bool      `json:"includes_memory"`
	Current        bool      `json:"current,omitempty"`
}

// SnapshotList is the flat form of a VM's snapshot tree as read from the hypervisor.
type SnapshotList struct {
	VMName    string     `json:"vm_name"`
	CurrentID string     `json:"current_id,omitempty"`
	Snapshots []Snapshot `json:"snapshots"`
}
