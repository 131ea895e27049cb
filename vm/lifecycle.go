package vm

import (
	"context"
	"errors"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
	"github.com/projecteru2/vmplex/utils"
)

// StopOptions controls Stop.
type StopOptions struct {
	// Force powers off immediately instead of pressing the ACPI button.
	Force bool
	// Fallback powers off when the guest ignores the ACPI button for
	// stop_timeout. Without it the stop fails with a TimeoutError.
	Fallback bool
}

// Start powers on a powered-off VM or resumes a saved one.
func (m *Manager) Start(ctx context.Context, name string) (*types.VMDetail, error) {
	return m.transition(ctx, name, ActionStart, func(ctx context.Context, cur *types.VMDetail) error {
		if cur.State == types.VMStatePoweredOff {
			if err := m.capacity.CheckAvailable(ctx, cur.MemoryMB); err != nil {
				return err
			}
		}
		return m.hv.StartVM(ctx, name, m.conf.Headless)
	})
}

// Stop shuts name down, gracefully unless opts.Force.
func (m *Manager) Stop(ctx context.Context, name string, opts StopOptions) (*types.VMDetail, error) {
	if opts.Force {
		return m.transition(ctx, name, ActionForceStop, func(ctx context.Context, _ *types.VMDetail) error {
			return m.hv.ControlVM(ctx, name, hypervisor.ControlPowerOff)
		})
	}
	return m.transition(ctx, name, ActionStop, func(ctx context.Context, cur *types.VMDetail) error {
		return m.shutdown(ctx, cur, opts.Fallback)
	})
}

// shutdown presses the ACPI power button and waits for poweroff:
//  1. A paused guest cannot react to ACPI, so it is resumed first.
//  2. Poll until the VM reports poweroff or stop_timeout elapses.
//  3. On timeout, power off if fallback is set.
func (m *Manager) shutdown(ctx context.Context, cur *types.VMDetail, fallback bool) error {
	logger := log.WithFunc("vm.shutdown")
	name := cur.Name
	if cur.State == types.VMStatePaused {
		if err := m.hv.ControlVM(ctx, name, hypervisor.ControlResume); err != nil {
			return err
		}
	}
	if err := m.hv.ControlVM(ctx, name, hypervisor.ControlACPIPowerButton); err != nil {
		return err
	}

	timeout := m.conf.StopTimeout()
	err := utils.WaitFor(ctx, timeout, m.pollInterval, func() (bool, error) {
		d, err := m.hv.VMInfo(ctx, name)
		if err != nil {
			return false, err
		}
		return d.State == types.VMStatePoweredOff, nil
	})
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, utils.ErrWaitTimeout):
		return err
	case !fallback:
		return errdefs.Timeoutf("VM %s did not power off within %s", name, timeout)
	}
	logger.Warnf(ctx, "VM %s ignored the power button for %s, powering off", name, timeout)
	return m.hv.ControlVM(ctx, name, hypervisor.ControlPowerOff)
}

// Pause freezes a running VM.
func (m *Manager) Pause(ctx context.Context, name string) (*types.VMDetail, error) {
	return m.control(ctx, name, ActionPause, hypervisor.ControlPause)
}

// Resume continues a paused VM.
func (m *Manager) Resume(ctx context.Context, name string) (*types.VMDetail, error) {
	return m.control(ctx, name, ActionResume, hypervisor.ControlResume)
}

// Reset hard-reboots a running VM.
func (m *Manager) Reset(ctx context.Context, name string) (*types.VMDetail, error) {
	return m.control(ctx, name, ActionReset, hypervisor.ControlReset)
}

// Save suspends a running or paused VM to disk.
func (m *Manager) Save(ctx context.Context, name string) (*types.VMDetail, error) {
	return m.control(ctx, name, ActionSave, hypervisor.ControlSaveState)
}

func (m *Manager) control(ctx context.Context, name string, action Action, verb hypervisor.ControlAction) (*types.VMDetail, error) {
	return m.transition(ctx, name, action, func(ctx context.Context, _ *types.VMDetail) error {
		return m.hv.ControlVM(ctx, name, verb)
	})
}

// PowerOff brings name to poweroff from any state by the cheapest legal
// route: force stop when active or aborted, discard a saved state. It is
// for callers already holding the VM's lock, such as snapshot restore.
func (m *Manager) PowerOff(ctx context.Context, name string) error {
	state, _, err := m.State(ctx, name)
	if err != nil {
		return err
	}
	switch state {
	case types.VMStatePoweredOff:
		return nil
	case types.VMStateSaved:
		err = m.mutate(ctx, m.vmScope(name), nil, func(ctx context.Context) error {
			return m.hv.DiscardState(ctx, name)
		})
		return err
	default:
		_, err = m.Stop(ctx, name, StopOptions{Force: true})
		return err
	}
}
