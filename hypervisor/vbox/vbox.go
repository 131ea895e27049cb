// Package vbox implements hypervisor.Hypervisor by driving VBoxManage.
package vbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/projecteru2/vmplex/config"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/executor"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/utils"
)

// compile-time interface check.
var _ hypervisor.Hypervisor = (*VBox)(nil)

// VBox translates typed calls into VBoxManage invocations.
type VBox struct {
	conf *config.Config
	exec executor.Executor
}

// New creates a VBox backend over exec.
func New(conf *config.Config, exec executor.Executor) (*VBox, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is nil")
	}
	return &VBox{conf: conf, exec: exec}, nil
}

// run executes a mutating command once. Mutations are never retried: a
// transient failure may still have taken effect.
func (v *VBox) run(ctx context.Context, timeout time.Duration, args ...string) (*executor.Result, error) {
	res, err := v.exec.Execute(ctx, args, timeout)
	if err != nil {
		return res, err
	}
	return res, executor.Classify(res)
}

// query executes an idempotent read, retrying transient failures.
func (v *VBox) query(ctx context.Context, args ...string) (*executor.Result, error) {
	return utils.DoWithRetry(ctx, v.conf.ReadRetries, errdefs.IsTransient, func() (*executor.Result, error) {
		return v.run(ctx, v.conf.CommandTimeout(), args...)
	})
}

// mutate is run with the ordinary command timeout.
func (v *VBox) mutate(ctx context.Context, args ...string) error {
	_, err := v.run(ctx, v.conf.CommandTimeout(), args...)
	return err
}

// mutateLong is run with the long command timeout for copy-heavy work.
func (v *VBox) mutateLong(ctx context.Context, args ...string) error {
	_, err := v.run(ctx, v.conf.LongCommandTimeout(), args...)
	return err
}

// Version returns the VBoxManage version string.
func (v *VBox) Version(ctx context.Context) (string, error) {
	res, err := v.query(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
