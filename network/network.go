// Package network manages host-only networks and the NIC slots of VMs.
package network

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
)

// CreateRequest describes network.create.
type CreateRequest struct {
	Name    string
	IP      string // host side address, also the lower end of the range
	Netmask string
}

// Manager serves network_management.
type Manager struct {
	hv       hypervisor.Hypervisor
	cache    *cache.Cache
	guard    *guard.Guard
	scanSize int

	hostSubnets func() ([]*net.IPNet, error)
}

// New creates a Manager. scanSize bounds concurrent VM reads when looking for
// references to a network.
func New(hv hypervisor.Hypervisor, c *cache.Cache, g *guard.Guard, scanSize int) *Manager {
	return &Manager{hv: hv, cache: c, guard: g, scanSize: max(scanSize, 1), hostSubnets: hostSubnets}
}

// List returns the host-only networks.
func (m *Manager) List(ctx context.Context, refresh bool) ([]types.HostOnlyNetwork, error) {
	return m.cache.Networks(ctx, refresh)
}

func (m *Manager) find(ctx context.Context, name string, refresh bool) (*types.HostOnlyNetwork, error) {
	nets, err := m.cache.Networks(ctx, refresh)
	if err != nil {
		return nil, err
	}
	for i := range nets {
		if nets[i].Name == name {
			return &nets[i], nil
		}
	}
	return nil, errdefs.NotFoundf("host-only network %s not found", name)
}

// Create adds an enabled host-only network. The host address starts the DHCP
// range, which runs to the last usable address of the subnet.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.HostOnlyNetwork, error) {
	if req.Name == "" {
		return nil, errdefs.Validationf("name is required")
	}
	sn, err := parseSubnet(req.IP, req.Netmask)
	if err != nil {
		return nil, err
	}
	logger := log.WithFunc("network.Create")

	ctx, release, err := m.guard.Acquire(ctx, guard.Write(guard.NetKey(req.Name)))
	if err != nil {
		return nil, err
	}
	defer release()
	err = func() error {
		nets, err := m.cache.Networks(ctx, true)
		if err != nil {
			return err
		}
		for _, n := range nets {
			if n.Name == req.Name {
				return errdefs.Conflictf("host-only network %s already exists", req.Name)
			}
			if other, err := parseSubnet(n.IP, n.Netmask); err == nil && overlaps(sn.net, other.net) {
				return errdefs.Conflictf("subnet %s overlaps host-only network %s (%s)", sn.net, n.Name, other.net)
			}
		}
		host, err := m.hostSubnets()
		if err != nil {
			logger.Warnf(ctx, "host interface check skipped: %v", err)
		}
		for _, h := range host {
			if overlaps(sn.net, h) {
				return errdefs.Conflictf("subnet %s overlaps host address %s", sn.net, h)
			}
		}
		return m.hv.CreateHostOnlyNetwork(ctx, types.HostOnlyNetwork{
			Name:    req.Name,
			IP:      sn.host.String(),
			Netmask: req.Netmask,
			LowerIP: sn.host.String(),
			UpperIP: sn.upper.String(),
			Enabled: true,
		})
	}()
	m.cache.Settle(cache.Scope{Networks: true}, err)
	if err != nil {
		return nil, err
	}
	logger.Infof(ctx, "host-only network %s created on %s", req.Name, sn.net)
	return m.find(ctx, req.Name, false)
}

// Remove deletes a host-only network no VM adapter refers to.
func (m *Manager) Remove(ctx context.Context, name string) error {
	ctx, release, err := m.guard.Acquire(ctx, guard.Write(guard.NetKey(name)))
	if err != nil {
		return err
	}
	defer release()
	err = func() error {
		if _, err := m.find(ctx, name, true); err != nil {
			return err
		}
		users, err := m.users(ctx, name)
		if err != nil {
			return err
		}
		if len(users) > 0 {
			return errdefs.Conflictf("host-only network %s is used by %v", name, users)
		}
		return m.hv.RemoveHostOnlyNetwork(ctx, name)
	}()
	m.cache.Settle(cache.Scope{Networks: true}, err)
	if err != nil {
		return err
	}
	log.WithFunc("network.Remove").Infof(ctx, "host-only network %s removed", name)
	return nil
}

// users returns the VMs with a host-only adapter on name, sorted.
func (m *Manager) users(ctx context.Context, name string) ([]string, error) {
	refs, err := m.cache.VMList(ctx, true)
	if err != nil {
		return nil, err
	}
	var (
		mu    sync.Mutex
		found []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.scanSize)
	for _, ref := range refs {
		g.Go(func() error {
			d, err := m.cache.VM(gctx, ref.Name, true)
			if errdefs.KindOf(err) == errdefs.KindNotFound {
				return nil
			}
			if err != nil {
				return fmt.Errorf("scan VM %s: %w", ref.Name, err)
			}
			for _, a := range d.Adapters {
				if a.Mode == types.AdapterHostOnly && a.Network == name {
					mu.Lock()
					found = append(found, ref.Name)
					mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.Sort(found)
	return found, nil
}
