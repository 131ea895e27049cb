// Package vm implements the VM lifecycle: listing, creation, power control,
// modification, cloning and deletion.
//
// Every mutation holds the VM's write lock, re-reads the VM from the
// hypervisor, checks the transition table, then issues the command. The
// cache is settled before the lock is released.
package vm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/config"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
)

// acpiPollInterval is how often a graceful stop re-reads the VM state.
const acpiPollInterval = 500 * time.Millisecond

// StateFilter selects VMs in List.
type StateFilter string

const (
	FilterAll     StateFilter = "all"
	FilterRunning StateFilter = "running"
	FilterStopped StateFilter = "stopped"
)

// Capacity checks VM sizing and guest OS type against the host.
type Capacity interface {
	CheckCapacity(ctx context.Context, cpus, memoryMB int) error
	CheckAvailable(ctx context.Context, memoryMB int) error
	CheckOSType(ctx context.Context, id string) error
}

// Manager serves vm_management.
type Manager struct {
	conf         *config.Config
	hv           hypervisor.Hypervisor
	cache        *cache.Cache
	guard        *guard.Guard
	capacity     Capacity
	pollInterval time.Duration
}

// New creates a Manager.
func New(conf *config.Config, hv hypervisor.Hypervisor, c *cache.Cache, g *guard.Guard, capacity Capacity) *Manager {
	return &Manager{
		conf:         conf,
		hv:           hv,
		cache:        c,
		guard:        g,
		capacity:     capacity,
		pollInterval: acpiPollInterval,
	}
}

// List returns every registered VM matching filter, in registration order.
// VMs that disappear between the listing and their detail read are skipped.
func (m *Manager) List(ctx context.Context, filter StateFilter, refresh bool) ([]types.VM, error) {
	refs, err := m.cache.VMList(ctx, refresh)
	if err != nil {
		return nil, err
	}
	details := make([]*types.VMDetail, len(refs))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.conf.PoolSize, 1))
	for i, ref := range refs {
		g.Go(func() error {
			d, err := m.cache.VM(gctx, ref.Name, refresh)
			switch {
			case errdefs.KindOf(err) == errdefs.KindNotFound:
				return nil
			case err != nil:
				mu.Lock()
				errs = append(errs, fmt.Errorf("VM %s: %w", ref.Name, err))
				mu.Unlock()
				return nil
			}
			details[i] = d
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	out := make([]types.VM, 0, len(refs))
	for _, d := range details {
		if d != nil && filter.match(d.State) {
			out = append(out, d.VM)
		}
	}
	return out, nil
}

func (f StateFilter) match(s types.VMState) bool {
	switch f {
	case FilterRunning:
		return s.Active()
	case FilterStopped:
		return !s.Active()
	}
	return true
}

// Info returns the full detail of name.
func (m *Manager) Info(ctx context.Context, name string, refresh bool) (*types.VMDetail, error) {
	return m.cache.VM(ctx, name, refresh)
}

// State re-reads name from the hypervisor. An unregistered VM is undefined
// with a nil detail.
func (m *Manager) State(ctx context.Context, name string) (types.VMState, *types.VMDetail, error) {
	d, err := m.cache.VM(ctx, name, true)
	switch {
	case errdefs.KindOf(err) == errdefs.KindNotFound:
		return types.VMStateUndefined, nil, nil
	case err != nil:
		return "", nil, err
	}
	return d.State, d, nil
}

// mutate runs fn under the write lock of every name and settles scope with
// its outcome before releasing.
func (m *Manager) mutate(ctx context.Context, scope cache.Scope, claims []guard.Claim, fn func(ctx context.Context) error) error {
	ctx, release, err := m.guard.Acquire(ctx, claims...)
	if err != nil {
		return err
	}
	defer release()
	err = fn(ctx)
	m.cache.Settle(scope, err)
	return err
}

func (m *Manager) vmScope(names ...string) cache.Scope {
	return cache.Scope{VMs: names}
}

// transition is the common path of single-command lifecycle actions.
func (m *Manager) transition(ctx context.Context, name string, action Action, do func(ctx context.Context, cur *types.VMDetail) error) (*types.VMDetail, error) {
	logger := log.WithFunc("vm." + string(action))
	err := m.mutate(ctx, m.vmScope(name), []guard.Claim{guard.Write(guard.VMKey(name))}, func(ctx context.Context) error {
		state, cur, err := m.State(ctx, name)
		if err != nil {
			return err
		}
		to, err := Check(name, action, state)
		if err != nil {
			return err
		}
		if err := do(ctx, cur); err != nil {
			return m.reconcile(ctx, name, action, to, err)
		}
		logger.Infof(ctx, "VM %s: %s -> %s", name, state, to)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.Info(ctx, name, false)
}

// reconcile re-reads the VM after a failed command. If the VM already is in
// the state the action leads to, the action succeeded (e.g. a start racing
// an out-of-band start).
func (m *Manager) reconcile(ctx context.Context, name string, action Action, want types.VMState, cause error) error {
	if action == ActionReset || !slices.Contains([]errdefs.Kind{errdefs.KindStateConflict, errdefs.KindExternalTool}, errdefs.KindOf(cause)) {
		return cause
	}
	state, _, err := m.State(ctx, name)
	if err != nil || state != want {
		return cause
	}
	log.WithFunc("vm."+string(action)).Infof(ctx, "VM %s already %s, treating %s as done: %v", name, want, action, cause)
	return nil
}
