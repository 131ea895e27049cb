// Package vboxtest provides Fake, an in-memory VBoxManage that implements
// executor.Executor. It keeps a registry of machines, media and host-only
// networks and answers with the same output formats and error texts as the
// real binary, so managers can be tested end to end through hypervisor/vbox.
package vboxtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/executor"
	"github.com/projecteru2/vmplex/types"
)

// Version is what `VBoxManage --version` reports.
const Version = "7.0.14r161095"

// compile-time interface check.
var _ executor.Executor = (*Fake)(nil)

// Rule overrides the outcome of matching invocations. Tokens must appear in
// the argument list in order (not necessarily adjacent).
type Rule struct {
	Tokens   []string
	ExitCode int
	Stderr   string
	// Times limits how often the rule fires; 0 means always.
	Times int
	// Block, when set, holds the call until it is closed, the call's timeout
	// expires or ctx is done. After release the command proceeds normally
	// unless ExitCode is set.
	Block chan struct{}
	// Started is closed when a blocked call begins waiting.
	Started chan struct{}

	fired int
}

type slotKey struct {
	ctrl   string
	port   int
	device int
}

type controller struct {
	name     string
	bus      types.ControllerType
	ports    int
	bootable bool
}

type nic struct {
	kind     string // VBoxManage attachment name
	network  string
	mac      string
	cable    bool
	forwards []types.PortForward
}

type hardware struct {
	cpus        int
	memory      int
	ostype      string
	description string
	controllers []controller
	attach      map[slotKey]string
	nics        [types.MaxAdapterSlots + 1]nic
}

func (h hardware) clone() hardware {
	c := h
	c.controllers = slices.Clone(h.controllers)
	c.attach = make(map[slotKey]string, len(h.attach))
	for k, v := range h.attach {
		c.attach[k] = v
	}
	for i := range c.nics {
		c.nics[i].forwards = slices.Clone(h.nics[i].forwards)
	}
	return c
}

type snapshot struct {
	id, name, desc, parent string
	online                 bool
	at                     time.Time
	hw                     hardware
}

type machine struct {
	id, name   string
	state      types.VMState
	hw         hardware
	snapshots  []*snapshot
	current    string
	seq        int
	acpiIgnore bool
	metrics    bool
}

type medium struct {
	id      string
	path    string
	format  string
	sizeMB  int64
	variant types.DiskVariant
}

type hostOnlyNet struct {
	name, netmask, lower, upper string
	enabled                     bool
}

// Fake is safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	vms   map[string]*machine
	disks map[string]*medium
	nets  map[string]*hostOnlyNet
	calls [][]string
	rules []*Rule
	seq   int
	now   func() time.Time
}

// New returns an empty registry.
func New() *Fake {
	return &Fake{
		vms:   map[string]*machine{},
		disks: map[string]*medium{},
		nets:  map[string]*hostOnlyNet{},
		now:   time.Now,
	}
}

// Execute implements executor.Executor.
func (f *Fake) Execute(ctx context.Context, args []string, timeout time.Duration) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(args))
	rule := f.matchRule(args)
	first := rule != nil && rule.fired == 1
	f.mu.Unlock()

	if rule != nil && rule.Block != nil {
		if rule.Started != nil && first {
			close(rule.Started)
		}
		if timeout <= 0 {
			timeout = time.Minute
		}
		select {
		case <-rule.Block:
		case <-ctx.Done():
			return nil, &errdefs.Error{Kind: errdefs.KindTimeout, Message: "VBoxManage aborted", Err: ctx.Err()}
		case <-time.After(timeout):
			return nil, errdefs.Timeoutf("VBoxManage %s timed out after %s", args[0], timeout)
		}
	}
	if rule != nil && rule.ExitCode != 0 {
		return &executor.Result{Args: args, ExitCode: rule.ExitCode, Stderr: rule.Stderr}, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	stdout, exit, stderr := f.dispatch(args)
	if exit != 0 && stderr != "" && !strings.HasPrefix(stderr, "VBoxManage: error:") && exit != 2 {
		stderr = "VBoxManage: error: " + stderr
	}
	return &executor.Result{Args: args, Stdout: stdout, Stderr: stderr, ExitCode: exit}, nil
}

// AddRule installs r. Rules are checked in insertion order.
func (f *Fake) AddRule(r *Rule) *Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, r)
	return r
}

// Fail makes invocations containing tokens exit 1 with stderr.
func (f *Fake) Fail(stderr string, tokens ...string) *Rule {
	return f.AddRule(&Rule{Tokens: tokens, ExitCode: 1, Stderr: "VBoxManage: error: " + stderr})
}

// FailOnce is Fail limited to one occurrence.
func (f *Fake) FailOnce(stderr string, tokens ...string) *Rule {
	return f.AddRule(&Rule{Tokens: tokens, ExitCode: 1, Stderr: "VBoxManage: error: " + stderr, Times: 1})
}

// ClearRules removes every rule.
func (f *Fake) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

func (f *Fake) matchRule(args []string) *Rule {
	for _, r := range f.rules {
		if r.Times > 0 && r.fired >= r.Times {
			continue
		}
		if containsInOrder(args, r.Tokens) {
			r.fired++
			return r
		}
	}
	return nil
}

func containsInOrder(args, tokens []string) bool {
	i := 0
	for _, a := range args {
		if i < len(tokens) && a == tokens[i] {
			i++
		}
	}
	return i == len(tokens)
}

// Calls returns a copy of every recorded invocation.
func (f *Fake) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = slices.Clone(c)
	}
	return out
}

// CallCount is the number of recorded invocations.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Count is the number of recorded invocations containing tokens in order.
func (f *Fake) Count(tokens ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if containsInOrder(c, tokens) {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded invocations.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// SetState forces a VM into state, e.g. to simulate a host-side abort.
func (f *Fake) SetState(name string, state types.VMState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.vms[name]; m != nil {
		m.state = state
	}
}

// State returns the VM's state, or undefined when it is not registered.
func (f *Fake) State(name string) types.VMState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.vms[name]; m != nil {
		return m.state
	}
	return types.VMStateUndefined
}

// IgnoreACPI makes the guest of name ignore the ACPI power button.
func (f *Fake) IgnoreACPI(name string, ignore bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.vms[name]; m != nil {
		m.acpiIgnore = ignore
	}
}

// HasDisk reports whether path is a registered medium.
func (f *Fake) HasDisk(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.disks[path]
	return ok
}

// HasVM reports whether name is registered.
func (f *Fake) HasVM(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vms[name]
	return ok
}

// AttachedAt returns the medium in a VM slot, or "".
func (f *Fake) AttachedAt(vm, ctrl string, port, device int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.vms[vm]; m != nil {
		return m.hw.attach[slotKey{ctrl, port, device}]
	}
	return ""
}

// Forwards returns the NAT rules of vm's adapter slot.
func (f *Fake) Forwards(vm string, slot int) []types.PortForward {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.vms[vm]
	if m == nil || slot < 1 || slot > types.MaxAdapterSlots {
		return nil
	}
	return slices.Clone(m.hw.nics[slot].forwards)
}

func newMAC() string {
	b := make([]byte, 3) //nolint:mnd
	_, _ = rand.Read(b)
	return "080027" + strings.ToUpper(hex.EncodeToString(b))
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func fail(format string, args ...any) (string, int, string) {
	return "", 1, fmt.Sprintf(format, args...)
}

func syntax(format string, args ...any) (string, int, string) {
	return "", 2, "Syntax error: " + fmt.Sprintf(format, args...) //nolint:mnd
}
