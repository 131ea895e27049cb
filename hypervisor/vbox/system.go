package vbox

import (
	"context"
	"strconv"
	"strings"

	"github.com/projecteru2/vmplex/hypervisor"
)

// ListOSTypes parses `list ostypes`.
func (v *VBox) ListOSTypes(ctx context.Context) ([]hypervisor.OSType, error) {
	res, err := v.query(ctx, "list", "ostypes")
	if err != nil {
		return nil, err
	}
	var out []hypervisor.OSType
	for _, b := range parseBlocks(res.Stdout) {
		if b["ID"] == "" {
			continue
		}
		out = append(out, hypervisor.OSType{
			ID:          b["ID"],
			Description: b["Description"],
			Family:      b["Family ID"],
			Is64Bit:     strings.EqualFold(b["64 bit"], "true"),
		})
	}
	return out, nil
}

// HostInfo parses `list hostinfo`.
func (v *VBox) HostInfo(ctx context.Context) (*hypervisor.HostInfo, error) {
	res, err := v.query(ctx, "list", "hostinfo")
	if err != nil {
		return nil, err
	}
	info := &hypervisor.HostInfo{}
	for _, b := range parseBlocks(res.Stdout) {
		if n, ok := b["Processor count"]; ok {
			info.ProcessorCount = atoi(n)
		}
		if m, ok := b["Memory size"]; ok {
			info.MemorySizeMB = parseSizeMB(m)
		}
		if m, ok := b["Memory available"]; ok {
			info.MemoryAvailableMB = parseSizeMB(m)
		}
		if os, ok := b["Operating system"]; ok {
			info.OS = os
		}
		if ver, ok := b["Operating system version"]; ok {
			info.OSVersion = ver
		}
	}
	return info, nil
}

// Screenshot writes the display of a running VM to path as PNG.
func (v *VBox) Screenshot(ctx context.Context, vm, path string) error {
	return v.mutate(ctx, "controlvm", vm, "screenshotpng", path)
}

// SetupMetrics starts collecting vm's performance counters. Earlier samples
// are discarded.
func (v *VBox) SetupMetrics(ctx context.Context, vm string, periodSeconds, samples int) error {
	return v.mutate(ctx, "metrics", "setup",
		"--period", strconv.Itoa(periodSeconds),
		"--samples", strconv.Itoa(samples),
		vm)
}

// QueryMetrics returns the latest collected sample of each counter of vm.
// Nothing is returned until collection is set up and a period has passed.
func (v *VBox) QueryMetrics(ctx context.Context, vm string) ([]hypervisor.Metric, error) {
	res, err := v.query(ctx, "metrics", "query", vm)
	if err != nil {
		return nil, err
	}
	return parseMetrics(res.Stdout, vm), nil
}
