package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/moby/term"

	"github.com/projecteru2/vmplex/cache"
	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/executor"
	"github.com/projecteru2/vmplex/guard"
	"github.com/projecteru2/vmplex/hypervisor/vbox"
	"github.com/projecteru2/vmplex/network"
	"github.com/projecteru2/vmplex/snapshot"
	"github.com/projecteru2/vmplex/storage"
	"github.com/projecteru2/vmplex/system"
	"github.com/projecteru2/vmplex/tools"
	"github.com/projecteru2/vmplex/vm"
)

// app is the wired component graph shared by every command.
type app struct {
	reg   *dispatch.Registry
	cache *cache.Cache
	vms   *vm.Manager
	pool  *guard.Pool
}

// initApp wires executor → hypervisor → cache/guard → managers → registry.
func initApp() (*app, error) {
	pool, err := guard.NewPool(conf.PoolSize)
	if err != nil {
		return nil, err
	}
	exec := executor.WithPool(executor.New(conf.VBoxManage, conf.CommandTimeout()), pool)
	hv, err := vbox.New(conf, exec)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init hypervisor: %w", err)
	}
	g, err := guard.New(conf.LockDir(), conf.LockTimeout())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init locks: %w", err)
	}
	c := cache.New(hv, conf.CacheTTL(), nil)
	sys := system.New(hv, system.HostSampler())
	vms := vm.New(conf, hv, c, g, sys)

	reg, err := tools.New(tools.Managers{
		VMs:       vms,
		Snapshots: snapshot.New(hv, c, g, vms),
		Storage:   storage.New(conf, hv, c, g),
		Networks:  network.New(hv, c, g, conf.PoolSize),
		System:    sys,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init tools: %w", err)
	}
	return &app{reg: reg, cache: c, vms: vms, pool: pool}, nil
}

func (a *app) Close() { a.pool.Close() }

// parseParams turns k=v arguments into a parameter map. Only the first "="
// splits, so values may contain "=".
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", arg)
		}
		// the action schema coerces by field kind, so "2024" stays a name
		params[k] = v
	}
	return params, nil
}

// printJSON writes v indented when w is a terminal, compact otherwise.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && term.IsTerminal(f.Fd()) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
