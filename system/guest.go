package system

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
)

const (
	metricsPeriodSeconds = 1
	metricsSamples       = 1
)

// Screenshot is the screenshot report.
type Screenshot struct {
	VMName    string `json:"vm_name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// VMMetrics is the metrics report. Collecting is set when collection was
// enabled by this call; samples appear after PeriodSeconds.
type VMMetrics struct {
	VMName        string              `json:"vm_name"`
	Collecting    bool                `json:"collecting,omitempty"`
	PeriodSeconds int                 `json:"period_seconds"`
	Metrics       []hypervisor.Metric `json:"metrics"`
}

// Screenshot saves the display of a running VM as PNG at path. Missing
// parent directories are created; an existing file is never overwritten.
func (m *Manager) Screenshot(ctx context.Context, vm, path string) (*Screenshot, error) {
	if path == "" {
		return nil, errdefs.Validationf("path is required")
	}
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err == nil {
		return nil, errdefs.Conflictf("file %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Internalf("stat %s: %v", path, err)
	}
	if err := m.running(ctx, vm, "screenshot"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errdefs.Internalf("create %s: %v", filepath.Dir(path), err)
	}
	if err := m.hv.Screenshot(ctx, vm, path); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errdefs.Internalf("screenshot of VM %s not written: %v", vm, err)
	}
	log.WithFunc("system.Screenshot").Infof(ctx, "VM %s screenshot saved to %s", vm, path)
	return &Screenshot{VMName: vm, Path: path, SizeBytes: fi.Size()}, nil
}

// Metrics returns the latest performance counters of a running VM. When
// nothing has been collected yet it enables collection and reports
// Collecting with no samples; a later call returns them.
func (m *Manager) Metrics(ctx context.Context, vm string) (*VMMetrics, error) {
	if err := m.running(ctx, vm, "metrics"); err != nil {
		return nil, err
	}
	metrics, err := m.hv.QueryMetrics(ctx, vm)
	if err != nil {
		return nil, err
	}
	out := &VMMetrics{VMName: vm, PeriodSeconds: metricsPeriodSeconds, Metrics: metrics}
	if len(metrics) > 0 {
		return out, nil
	}
	if err := m.hv.SetupMetrics(ctx, vm, metricsPeriodSeconds, metricsSamples); err != nil {
		return nil, err
	}
	log.WithFunc("system.Metrics").Infof(ctx, "metrics collection enabled for VM %s", vm)
	out.Collecting = true
	out.Metrics = []hypervisor.Metric{}
	return out, nil
}

func (m *Manager) running(ctx context.Context, vm, what string) error {
	d, err := m.hv.VMInfo(ctx, vm)
	if err != nil {
		return err
	}
	if d.State != types.VMStateRunning {
		return errdefs.Conflictf("%s needs VM %s running, it is %s", what, vm, d.State)
	}
	return nil
}
