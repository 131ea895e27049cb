package vbox

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/executor"
	"github.com/projecteru2/vmplex/types"
	"github.com/projecteru2/vmplex/utils"
)

const noSnapshots = "does not have any snapshots"

// ListSnapshots parses `snapshot list --machinereadable`. The tree shape is
// encoded in key suffixes: SnapshotName is the root, SnapshotName-1 its
// first child, SnapshotName-1-2 that child's second child, and so on.
func (v *VBox) ListSnapshots(ctx context.Context, vm string) (*types.SnapshotList, error) {
	args := []string{"snapshot", vm, "list", "--machinereadable"}
	// A VM without snapshots exits non-zero; that is an empty tree, not a failure.
	res, err := utils.DoWithRetry(ctx, v.conf.ReadRetries, errdefs.IsTransient, func() (*executor.Result, error) {
		res, err := v.exec.Execute(ctx, args, v.conf.CommandTimeout())
		if err != nil {
			return nil, err
		}
		if hasNoSnapshots(res) {
			return nil, nil
		}
		return res, executor.Classify(res)
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &types.SnapshotList{VMName: vm}, nil
	}
	return parseSnapshotList(vm, res.Stdout), nil
}

func hasNoSnapshots(res *executor.Result) bool {
	return strings.Contains(res.Stdout, noSnapshots) || strings.Contains(res.Stderr, noSnapshots)
}

func parseSnapshotList(vm, out string) *types.SnapshotList {
	kv := parseMachineReadable(out)
	list := &types.SnapshotList{VMName: vm, CurrentID: kv["CurrentSnapshotUUID"]}

	var suffixes []string
	for key := range kv {
		if suffix, ok := strings.CutPrefix(key, "SnapshotName"); ok && validSuffix(suffix) {
			suffixes = append(suffixes, suffix)
		}
	}
	slices.SortFunc(suffixes, func(a, b string) int {
		return slices.Compare(suffixPath(a), suffixPath(b))
	})

	idBySuffix := make(map[string]string, len(suffixes))
	for _, s := range suffixes {
		idBySuffix[s] = kv["SnapshotUUID"+s]
	}
	for _, s := range suffixes {
		snap := types.Snapshot{
			ID:             kv["SnapshotUUID"+s],
			Name:           kv["SnapshotName"+s],
			VMID:           vm,
			Description:    kv["SnapshotDescription"+s],
			IncludesMemory: kv["SnapshotOnline"+s] == "on",
		}
		if s != "" {
			snap.ParentID = idBySuffix[s[:strings.LastIndex(s, "-")]]
		}
		if ts, err := time.Parse(time.RFC3339, kv["SnapshotTimeStamp"+s]); err == nil {
			snap.CreatedAt = ts
		}
		snap.Current = snap.ID != "" && snap.ID == list.CurrentID
		list.Snapshots = append(list.Snapshots, snap)
	}
	return list
}

// validSuffix accepts "" and "-N(-N)*".
func validSuffix(s string) bool {
	if s == "" {
		return true
	}
	if !strings.HasPrefix(s, "-") {
		return false
	}
	for part := range strings.SplitSeq(s[1:], "-") {
		if _, err := strconv.Atoi(part); err != nil {
			return false
		}
	}
	return true
}

func suffixPath(s string) []int {
	if s == "" {
		return nil
	}
	var path []int
	for part := range strings.SplitSeq(s[1:], "-") {
		n, _ := strconv.Atoi(part)
		path = append(path, n)
	}
	return path
}

// TakeSnapshot snapshots vm under its current snapshot. live avoids pausing
// a running VM while its memory is written.
func (v *VBox) TakeSnapshot(ctx context.Context, vm, name, description string, live bool) error {
	args := []string{"snapshot", vm, "take", name}
	if description != "" {
		args = append(args, "--description", description)
	}
	if live {
		args = append(args, "--live")
	}
	return v.mutateLong(ctx, args...)
}

// RestoreSnapshot makes snapshotID current. The VM must be powered off.
func (v *VBox) RestoreSnapshot(ctx context.Context, vm, snapshotID string) error {
	return v.mutateLong(ctx, "snapshot", vm, "restore", snapshotID)
}

// DeleteSnapshot removes snapshotID, merging its differencing images.
func (v *VBox) DeleteSnapshot(ctx context.Context, vm, snapshotID string) error {
	return v.mutateLong(ctx, "snapshot", vm, "delete", snapshotID)
}
