package vboxtest

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/projecteru2/vmplex/types"
)

var bareFlags = map[string]bool{
	"register": true, "machinereadable": true, "delete": true,
	"live": true, "remove": true, "enable": true, "disable": true,
}

var nicKinds = []string{"none", "null", "nat", "natnetwork", "bridged", "intnet", "hostonly", "hostonlynet", "generic"}

// networkKeys maps a NIC attachment to its modifyvm flag and showvminfo key.
var networkKeys = map[string][2]string{
	"hostonlynet": {"host-only-net", "hostonly-network"},
	"hostonly":    {"host-only-adapter", "hostonlyadapter"},
	"bridged":     {"bridge-adapter", "bridgeadapter"},
	"intnet":      {"intnet", "intnet"},
	"natnetwork":  {"nat-network", "nat-network"},
	"generic":     {"nic-generic-drv", "generic-driver"},
}

var chipsets = map[types.ControllerType]string{
	types.ControllerIDE:  "PIIX4",
	types.ControllerSATA: "IntelAhci",
	types.ControllerSCSI: "LsiLogic",
	types.ControllerSAS:  "LsiLogicSas",
	types.ControllerNVMe: "NVMe",
}

type parsed struct {
	pos   []string
	flags map[string]string
}

func parseArgs(args []string) parsed {
	p := parsed{flags: map[string]string{}}
	for i := 0; i < len(args); i++ {
		name, ok := strings.CutPrefix(args[i], "--")
		if !ok {
			p.pos = append(p.pos, args[i])
			continue
		}
		if n, v, eq := strings.Cut(name, "="); eq {
			p.flags[n] = v
			continue
		}
		if bareFlags[name] || i+1 >= len(args) {
			p.flags[name] = "true"
			continue
		}
		p.flags[name] = args[i+1]
		i++
	}
	return p
}

func (p parsed) arg(i int) string {
	if i < len(p.pos) {
		return p.pos[i]
	}
	return ""
}

func (p parsed) has(flag string) bool {
	_, ok := p.flags[flag]
	return ok
}

func (f *Fake) dispatch(args []string) (string, int, string) {
	if len(args) == 0 {
		return syntax("no command")
	}
	p := parseArgs(args[1:])
	switch args[0] {
	case "--version":
		return Version + "\n", 0, ""
	case "list":
		return f.list(p)
	case "showvminfo":
		return f.showVMInfo(p)
	case "createvm":
		return f.createVM(p)
	case "modifyvm":
		return f.modifyVM(p)
	case "startvm":
		return f.startVM(p)
	case "controlvm":
		return f.controlVM(p)
	case "discardstate":
		return f.discardState(p)
	case "unregistervm":
		return f.unregisterVM(p)
	case "clonevm":
		return f.cloneVM(p)
	case "snapshot":
		return f.snapshot(p)
	case "storagectl":
		return f.storageCtl(p)
	case "storageattach":
		return f.storageAttach(p)
	case "createmedium":
		return f.createMedium(p)
	case "showmediuminfo":
		return f.showMediumInfo(p)
	case "modifymedium":
		return f.modifyMedium(p)
	case "clonemedium":
		return f.cloneMedium(p)
	case "closemedium":
		return f.closeMedium(p)
	case "hostonlynet":
		return f.hostOnlyNet(p)
	case "metrics":
		return f.metrics(p)
	}
	return syntax("unknown command %q", args[0])
}

func (f *Fake) machine(ref string) *machine {
	if m := f.vms[ref]; m != nil {
		return m
	}
	for _, m := range f.vms {
		if m.id == ref {
			return m
		}
	}
	return nil
}

func (f *Fake) sortedVMs() []*machine {
	out := make([]*machine, 0, len(f.vms))
	for _, m := range f.vms {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *machine) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func notFoundVM(ref string) (string, int, string) {
	return fail("Could not find a registered machine named '%s'", ref)
}

func locked(m *machine) (string, int, string) {
	return fail("The machine '%s' is already locked for a session (or being unlocked)", m.name)
}

// --- list ---

func (f *Fake) list(p parsed) (string, int, string) {
	var b strings.Builder
	switch p.arg(0) {
	case "vms":
		for _, m := range f.sortedVMs() {
			fmt.Fprintf(&b, "%q {%s}\n", m.name, m.id)
		}
	case "hdds":
		paths := make([]string, 0, len(f.disks))
		for path := range f.disks {
			paths = append(paths, path)
		}
		slices.Sort(paths)
		for _, path := range paths {
			f.writeMedium(&b, f.disks[path], false)
			b.WriteString("\n")
		}
	case "hostonlynets":
		names := make([]string, 0, len(f.nets))
		for name := range f.nets {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			n := f.nets[name]
			state := "Disabled"
			if n.enabled {
				state = "Enabled"
			}
			fmt.Fprintf(&b, "Name:            %s\nGUID:            %s\nState:           %s\nNetworkMask:     %s\nLowerIP:         %s\nUpperIP:         %s\nVBoxNetworkName: hostonly-%s\n\n",
				n.name, uuid.NewSHA1(uuid.NameSpaceOID, []byte(n.name)), state, n.netmask, n.lower, n.upper, n.name)
		}
	case "ostypes":
		b.WriteString("ID:          Other\nDescription: Other/Unknown\nFamily ID:   Other\nFamily Desc: Other\n64 bit:      false\n\n")
		b.WriteString("ID:          Ubuntu_64\nDescription: Ubuntu (64-bit)\nFamily ID:   Linux\nFamily Desc: Linux\n64 bit:      true\n\n")
		b.WriteString("ID:          Windows11_64\nDescription: Windows 11 (64-bit)\nFamily ID:   Windows\nFamily Desc: Microsoft Windows\n64 bit:      true\n\n")
	case "hostinfo":
		b.WriteString("Host Information:\n\nHost time: 2026-01-01T00:00:00.000000000Z\nProcessor online count: 8\nProcessor count: 8\n" +
			"Memory size: 16384 MByte\nMemory available: 8192 MByte\nOperating system: Linux\nOperating system version: 6.8.0\n")
	default:
		return syntax("unknown list %q", p.arg(0))
	}
	return b.String(), 0, ""
}

// --- machines ---

func (f *Fake) showVMInfo(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	var b strings.Builder
	w := func(k, v string) { fmt.Fprintf(&b, "%s=%s\n", k, v) }
	w("name", quote(m.name))
	w("groups", `"/"`)
	w("ostype", quote(m.hw.ostype))
	w("UUID", quote(m.id))
	w("memory", strconv.Itoa(m.hw.memory))
	w("cpus", strconv.Itoa(m.hw.cpus))
	w("VMState", quote(string(m.state)))
	w("description", quote(m.hw.description))
	for i, c := range m.hw.controllers {
		n := strconv.Itoa(i)
		w("storagecontrollername"+n, quote(c.name))
		w("storagecontrollertype"+n, quote(chipsets[c.bus]))
		w("storagecontrollerinstance"+n, `"0"`)
		w("storagecontrollermaxportcount"+n, quote(strconv.Itoa(c.bus.MaxPorts())))
		w("storagecontrollerportcount"+n, quote(strconv.Itoa(c.ports)))
		w("storagecontrollerbootable"+n, quote(onOff(c.bootable)))
		for port := range c.ports {
			for dev := 0; dev <= c.bus.MaxDevice(); dev++ {
				path, ok := m.hw.attach[slotKey{c.name, port, dev}]
				if !ok {
					w(fmt.Sprintf(`"%s-%d-%d"`, c.name, port, dev), `"none"`)
					continue
				}
				w(fmt.Sprintf(`"%s-%d-%d"`, c.name, port, dev), quote(path))
				if d := f.disks[path]; d != nil {
					w(fmt.Sprintf(`"%s-ImageUUID-%d-%d"`, c.name, port, dev), quote(d.id))
				}
			}
		}
	}
	for slot := 1; slot <= types.MaxAdapterSlots; slot++ {
		n := strconv.Itoa(slot)
		nc := m.hw.nics[slot]
		kind := cmp.Or(nc.kind, "none")
		w("nic"+n, quote(kind))
		if kind == "none" {
			continue
		}
		if keys, ok := networkKeys[kind]; ok {
			w(keys[1]+n, quote(nc.network))
		}
		w("macaddress"+n, quote(nc.mac))
		w("cableconnected"+n, quote(onOff(nc.cable)))
		if kind == "nat" {
			for i, r := range nc.forwards {
				w(fmt.Sprintf("Forwarding(%d)", i), quote(ruleString(r)))
			}
		}
	}
	if s := m.snapshot(m.current); s != nil {
		w("CurrentSnapshotName", quote(s.name))
		w("CurrentSnapshotUUID", quote(s.id))
	}
	return b.String(), 0, ""
}

func (f *Fake) createVM(p parsed) (string, int, string) {
	name := p.flags["name"]
	if name == "" {
		return syntax("--name is required")
	}
	if f.machine(name) != nil {
		return fail("Machine settings file '/vms/%s/%s.vbox' already exists", name, name)
	}
	f.seq++
	m := &machine{
		id:    uuid.NewString(),
		name:  name,
		state: types.VMStatePoweredOff,
		seq:   f.seq,
		hw: hardware{
			cpus:   1,
			memory: 128, //nolint:mnd
			ostype: cmp.Or(p.flags["ostype"], "Other"),
			attach: map[slotKey]string{},
		},
	}
	m.hw.nics[1] = nic{kind: "nat", mac: newMAC(), cable: true}
	f.vms[name] = m
	return fmt.Sprintf("Virtual machine '%s' is created and registered.\nUUID: %s\nSettings file: '/vms/%s/%s.vbox'\n", name, m.id, name, name), 0, ""
}

func (f *Fake) modifyVM(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	if m.state.Active() {
		return locked(m)
	}
	hw := m.hw.clone()
	for flag, dst := range map[string]*int{"cpus": &hw.cpus, "memory": &hw.memory} {
		if v, ok := p.flags[flag]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return syntax("invalid --%s %q", flag, v)
			}
			*dst = n
		}
	}
	if v, ok := p.flags["ostype"]; ok {
		hw.ostype = v
	}
	if v, ok := p.flags["description"]; ok {
		hw.description = v
	}
	for slot := 1; slot <= types.MaxAdapterSlots; slot++ {
		n := strconv.Itoa(slot)
		nc := &hw.nics[slot]
		if kind, ok := p.flags["nic"+n]; ok {
			if !slices.Contains(nicKinds, kind) {
				return syntax("invalid --nic%s %q", n, kind)
			}
			nc.kind = kind
			nc.network = ""
			if kind != "none" && nc.mac == "" {
				nc.mac = newMAC()
			}
		}
		if keys, ok := networkKeys[nc.kind]; ok {
			if v, ok := p.flags[keys[0]+n]; ok {
				nc.network = v
			}
		}
		if v, ok := p.flags["mac-address"+n]; ok {
			if v == "auto" {
				v = newMAC()
			}
			nc.mac = v
		}
		if v, ok := p.flags["cable-connected"+n]; ok {
			nc.cable = v == "on"
		}
		if v, ok := p.flags["natpf"+n]; ok {
			if out, code, stderr := natpf(nc, slot, v, p.arg(1)); code != 0 {
				return out, code, stderr
			}
		}
	}
	m.hw = hw
	return "", 0, ""
}

func (f *Fake) startVM(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	if m.state.Active() {
		return locked(m)
	}
	m.state = types.VMStateRunning
	return fmt.Sprintf("Waiting for VM %q to power on...\nVM %q has been successfully started.\n", m.name, m.name), 0, ""
}

func (f *Fake) controlVM(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	verb := p.arg(1)
	if verb == "poweroff" && m.state == types.VMStateAborted {
		m.state = types.VMStatePoweredOff
		return "0%...100%\n", 0, ""
	}
	if !m.state.Active() {
		return fail("Machine '%s' is not currently running", m.name)
	}
	switch {
	case verb == "acpipowerbutton":
		if m.state == types.VMStateRunning && !m.acpiIgnore {
			m.state = types.VMStatePoweredOff
		}
	case verb == "poweroff":
		m.state = types.VMStatePoweredOff
		return "0%...100%\n", 0, ""
	case verb == "pause":
		if m.state != types.VMStateRunning {
			return fail("Invalid machine state: Paused (must be Running)")
		}
		m.state = types.VMStatePaused
	case verb == "resume":
		if m.state != types.VMStatePaused {
			return fail("Invalid machine state: Running (must be Paused)")
		}
		m.state = types.VMStateRunning
	case verb == "reset":
		if m.state != types.VMStateRunning {
			return fail("Invalid machine state: Paused (must be Running)")
		}
	case verb == "savestate":
		m.state = types.VMStateSaved
		return "0%...100%\n", 0, ""
	case strings.HasPrefix(verb, "nic"):
		slot, err := strconv.Atoi(strings.TrimPrefix(verb, "nic"))
		kind := p.arg(2)
		if err != nil || slot < 1 || slot > types.MaxAdapterSlots || !slices.Contains(nicKinds, kind) {
			return syntax("invalid %s %q", verb, kind)
		}
		nc := &m.hw.nics[slot]
		if nc.kind == "" || nc.kind == "none" {
			return fail("Invalid machine state: adapter %d is disabled", slot)
		}
		nc.kind, nc.network = kind, p.arg(3)
	case strings.HasPrefix(verb, "natpf"):
		slot, err := strconv.Atoi(strings.TrimPrefix(verb, "natpf"))
		if err != nil || slot < 1 || slot > types.MaxAdapterSlots {
			return syntax("invalid %s", verb)
		}
		return natpf(&m.hw.nics[slot], slot, p.arg(2), p.arg(3))
	case verb == "screenshotpng":
		if err := os.WriteFile(p.arg(2), pngHeader, 0o600); err != nil {
			return fail("VBoxManage: error: Failed to write screenshot: %v", err)
		}
	case strings.HasPrefix(verb, "setlinkstate"):
		slot, err := strconv.Atoi(strings.TrimPrefix(verb, "setlinkstate"))
		if err != nil || slot < 1 || slot > types.MaxAdapterSlots {
			return syntax("invalid %s", verb)
		}
		m.hw.nics[slot].cable = p.arg(2) == "on"
	default:
		return syntax("unknown controlvm verb %q", verb)
	}
	return "", 0, ""
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

// natpf applies a NAT rule argument to nc: a rule to add, or "delete"
// followed by the rule name.
func natpf(nc *nic, slot int, op, name string) (string, int, string) {
	if op == "delete" {
		i := slices.IndexFunc(nc.forwards, func(r types.PortForward) bool { return r.Name == name })
		if i < 0 {
			return fail("VBoxManage: error: A NAT rule of this name does not exist")
		}
		nc.forwards = slices.Delete(nc.forwards, i, i+1)
		return "", 0, ""
	}
	parts := strings.Split(op, ",")
	if len(parts) != 6 { //nolint:mnd
		return syntax("invalid NAT rule %q", op)
	}
	hostPort, herr := strconv.Atoi(parts[3])
	guestPort, gerr := strconv.Atoi(parts[5])
	if parts[0] == "" || herr != nil || gerr != nil || (parts[1] != "tcp" && parts[1] != "udp") {
		return syntax("invalid NAT rule %q", op)
	}
	r := types.PortForward{Slot: slot, Name: parts[0], Protocol: parts[1], HostIP: parts[2], HostPort: hostPort, GuestIP: parts[4], GuestPort: guestPort}
	for _, o := range nc.forwards {
		if o.Name == r.Name {
			return fail("VBoxManage: error: A NAT rule of this name already exists")
		}
		if o.Protocol == r.Protocol && o.HostIP == r.HostIP && o.HostPort == r.HostPort {
			return fail("VBoxManage: error: A NAT rule for this host port and this host IP already exists")
		}
	}
	nc.forwards = append(nc.forwards, r)
	return "", 0, ""
}

func ruleString(r types.PortForward) string {
	return fmt.Sprintf("%s,%s,%s,%d,%s,%d", r.Name, r.Protocol, r.HostIP, r.HostPort, r.GuestIP, r.GuestPort)
}

// metrics serves `metrics setup` and `metrics query`. Samples exist only
// for a running VM after setup.
func (f *Fake) metrics(p parsed) (string, int, string) {
	m := f.machine(p.arg(1))
	if m == nil {
		return notFoundVM(p.arg(1))
	}
	switch p.arg(0) {
	case "setup":
		m.metrics = true
		return "", 0, ""
	case "query":
		var b strings.Builder
		b.WriteString("Object          Metric                                   Values\n")
		b.WriteString("--------------- ---------------------------------------- --------------------------------------------\n")
		if m.metrics && m.state == types.VMStateRunning {
			row := func(metric, value string) { fmt.Fprintf(&b, "%-15s %-40s %s\n", m.name, metric, value) }
			row("Guest/CPU/Load/User", "2.00%, 5.00%")
			row("Guest/RAM/Usage/Total", fmt.Sprintf("%d kB", m.hw.memory*1024)) //nolint:mnd
		}
		return b.String(), 0, ""
	}
	return syntax("unknown metrics verb %q", p.arg(0))
}

func (f *Fake) discardState(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	if m.state != types.VMStateSaved {
		return fail("Invalid machine state: %s (must be Saved)", m.state)
	}
	m.state = types.VMStatePoweredOff
	return "", 0, ""
}

func (f *Fake) unregisterVM(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	if m.state.Active() {
		return locked(m)
	}
	if p.has("delete") {
		for _, path := range m.hw.attach {
			delete(f.disks, path)
		}
	}
	delete(f.vms, m.name)
	return "0%...100%\n", 0, ""
}

func (f *Fake) cloneVM(p parsed) (string, int, string) {
	src := f.machine(p.arg(0))
	if src == nil {
		return notFoundVM(p.arg(0))
	}
	name := p.flags["name"]
	if name == "" {
		return syntax("--name is required")
	}
	if f.machine(name) != nil {
		return fail("Machine settings file '/vms/%s/%s.vbox' already exists", name, name)
	}
	hw := src.hw.clone()
	if ref, ok := p.flags["snapshot"]; ok {
		s := src.snapshot(ref)
		if s == nil {
			return fail("Could not find a snapshot named '%s'", ref)
		}
		hw = s.hw.clone()
	} else if p.flags["options"] == "link" {
		return fail("Linked clone requires a snapshot")
	}
	for k, path := range hw.attach {
		d := f.disks[path]
		if d == nil {
			continue
		}
		target := filepath.Join("/vms", name, filepath.Base(path))
		f.disks[target] = &medium{id: uuid.NewString(), path: target, format: d.format, sizeMB: d.sizeMB, variant: d.variant}
		hw.attach[k] = target
	}
	for slot := range hw.nics {
		if hw.nics[slot].mac != "" {
			hw.nics[slot].mac = newMAC()
		}
	}
	f.seq++
	m := &machine{id: uuid.NewString(), name: name, state: types.VMStatePoweredOff, hw: hw, seq: f.seq}
	f.vms[name] = m
	return fmt.Sprintf("0%%...100%%\nMachine has been successfully cloned as %q\n", name), 0, ""
}

// --- snapshots ---

func (m *machine) snapshot(ref string) *snapshot {
	if ref == "" {
		return nil
	}
	for _, s := range m.snapshots {
		if s.id == ref || s.name == ref {
			return s
		}
	}
	return nil
}

func (m *machine) children(id string) []*snapshot {
	var out []*snapshot
	for _, s := range m.snapshots {
		if s.parent == id {
			out = append(out, s)
		}
	}
	return out
}

func (f *Fake) snapshot(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	switch p.arg(1) {
	case "take":
		name := p.arg(2)
		if name == "" {
			return syntax("snapshot name is required")
		}
		s := &snapshot{
			id:     uuid.NewString(),
			name:   name,
			desc:   p.flags["description"],
			parent: m.current,
			online: m.state.Active(),
			at:     f.now().UTC(),
			hw:     m.hw.clone(),
		}
		m.snapshots = append(m.snapshots, s)
		m.current = s.id
		return fmt.Sprintf("0%%...100%%\nSnapshot taken. UUID: %s\n", s.id), 0, ""
	case "restore":
		s := m.snapshot(p.arg(2))
		if s == nil {
			return fail("Could not find a snapshot named '%s'", p.arg(2))
		}
		if m.state.Active() {
			return locked(m)
		}
		m.hw = s.hw.clone()
		m.current = s.id
		m.state = types.VMStatePoweredOff
		if s.online {
			m.state = types.VMStateSaved
		}
		return fmt.Sprintf("Restoring snapshot '%s' (%s)\n0%%...100%%\n", s.name, s.id), 0, ""
	case "delete":
		s := m.snapshot(p.arg(2))
		if s == nil {
			return fail("Could not find a snapshot named '%s'", p.arg(2))
		}
		kids := m.children(s.id)
		if len(kids) > 1 {
			return fail("Snapshot '%s' has more than one child snapshot", s.name)
		}
		for _, k := range kids {
			k.parent = s.parent
		}
		if m.current == s.id {
			m.current = s.parent
		}
		m.snapshots = slices.DeleteFunc(m.snapshots, func(x *snapshot) bool { return x.id == s.id })
		return "0%...100%\n", 0, ""
	case "list":
		if len(m.snapshots) == 0 {
			return "This machine does not have any snapshots\n", 1, ""
		}
		var b strings.Builder
		if roots := m.children(""); len(roots) > 0 {
			m.writeSnapshot(&b, roots[0], "")
		}
		if s := m.snapshot(m.current); s != nil {
			fmt.Fprintf(&b, "CurrentSnapshotName=%s\nCurrentSnapshotUUID=%s\n", quote(s.name), quote(s.id))
		}
		return b.String(), 0, ""
	}
	return syntax("unknown snapshot subcommand %q", p.arg(1))
}

func (m *machine) writeSnapshot(b *strings.Builder, s *snapshot, suffix string) {
	fmt.Fprintf(b, "SnapshotName%s=%s\nSnapshotUUID%s=%s\n", suffix, quote(s.name), suffix, quote(s.id))
	if s.desc != "" {
		fmt.Fprintf(b, "SnapshotDescription%s=%s\n", suffix, quote(s.desc))
	}
	fmt.Fprintf(b, "SnapshotTimeStamp%s=%s\n", suffix, quote(s.at.Format("2006-01-02T15:04:05Z")))
	if s.online {
		fmt.Fprintf(b, "SnapshotOnline%s=\"on\"\n", suffix)
	}
	for i, c := range m.children(s.id) {
		m.writeSnapshot(b, c, fmt.Sprintf("%s-%d", suffix, i+1))
	}
}

// --- storage ---

func (f *Fake) storageCtl(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	if m.state.Active() {
		return locked(m)
	}
	name := p.flags["name"]
	if name == "" {
		return syntax("--name is required")
	}
	idx := slices.IndexFunc(m.hw.controllers, func(c controller) bool { return c.name == name })
	if p.has("remove") {
		if idx < 0 {
			return fail("Could not find a controller named '%s'", name)
		}
		m.hw.controllers = slices.Delete(m.hw.controllers, idx, idx+1)
		for k := range m.hw.attach {
			if k.ctrl == name {
				delete(m.hw.attach, k)
			}
		}
		return "", 0, ""
	}
	bus := types.ControllerType(p.flags["add"])
	if bus.MaxPorts() == 0 {
		return syntax("invalid --add %q", p.flags["add"])
	}
	if idx >= 0 {
		return fail("Storage controller named '%s' already exists", name)
	}
	c := controller{name: name, bus: bus, ports: bus.MaxPorts(), bootable: p.flags["bootable"] != "off"}
	if v, ok := p.flags["portcount"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > bus.MaxPorts() {
			return syntax("invalid --portcount %q", v)
		}
		c.ports = n
	}
	m.hw.controllers = append(m.hw.controllers, c)
	return "", 0, ""
}

func (f *Fake) storageAttach(p parsed) (string, int, string) {
	m := f.machine(p.arg(0))
	if m == nil {
		return notFoundVM(p.arg(0))
	}
	name := p.flags["storagectl"]
	idx := slices.IndexFunc(m.hw.controllers, func(c controller) bool { return c.name == name })
	if idx < 0 {
		return fail("Could not find a controller named '%s'", name)
	}
	c := m.hw.controllers[idx]
	port, perr := strconv.Atoi(p.flags["port"])
	device, derr := strconv.Atoi(cmp.Or(p.flags["device"], "0"))
	if perr != nil || derr != nil {
		return syntax("invalid port or device")
	}
	if port < 0 || port >= c.ports || device < 0 || device > c.bus.MaxDevice() {
		return fail("The port and/or device parameter are out of range: port=%d device=%d", port, device)
	}
	key := slotKey{name, port, device}
	path := p.flags["medium"]
	if path == "none" {
		delete(m.hw.attach, key)
		return "", 0, ""
	}
	if f.disks[path] == nil {
		return fail("Could not find file for the medium '%s' (VERR_FILE_NOT_FOUND)", path)
	}
	// Like the real binary, an occupied slot is silently replaced.
	m.hw.attach[key] = path
	return "", 0, ""
}

func (f *Fake) medium(ref string) *medium {
	if d := f.disks[ref]; d != nil {
		return d
	}
	for _, d := range f.disks {
		if d.id == ref {
			return d
		}
	}
	return nil
}

func (f *Fake) usersOf(path string) []*machine {
	var out []*machine
	for _, m := range f.sortedVMs() {
		for _, p := range m.hw.attach {
			if p == path {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (f *Fake) writeMedium(b *strings.Builder, d *medium, withVariant bool) {
	fmt.Fprintf(b, "UUID:           %s\nParent UUID:    base\nState:          created\nType:           normal (base)\nLocation:       %s\nStorage format: %s\n", d.id, d.path, d.format)
	if withVariant {
		variant := "dynamic default"
		if d.variant == types.DiskFixed {
			variant = "fixed default"
		}
		fmt.Fprintf(b, "Format variant: %s\n", variant)
	}
	fmt.Fprintf(b, "Capacity:       %d MBytes\nEncryption:     disabled\n", d.sizeMB)
	if users := f.usersOf(d.path); len(users) > 0 {
		parts := make([]string, 0, len(users))
		for _, m := range users {
			parts = append(parts, fmt.Sprintf("%s (UUID: %s)", m.name, m.id))
		}
		fmt.Fprintf(b, "In use by VMs:  %s\n", strings.Join(parts, ", "))
	}
}

func (f *Fake) createMedium(p parsed) (string, int, string) {
	path := p.flags["filename"]
	if p.arg(0) != "disk" || path == "" {
		return syntax("createmedium disk --filename is required")
	}
	if f.disks[path] != nil {
		return fail("Could not create the medium storage unit '%s'.\nVBoxManage: error: VD: Location '%s' already exists (VERR_ALREADY_EXISTS)", path, path)
	}
	size, err := strconv.ParseInt(p.flags["size"], 10, 64)
	if err != nil || size <= 0 {
		return syntax("invalid --size %q", p.flags["size"])
	}
	d := &medium{id: uuid.NewString(), path: path, format: cmp.Or(p.flags["format"], "VDI"), sizeMB: size, variant: types.DiskDynamic}
	if strings.EqualFold(p.flags["variant"], "fixed") {
		d.variant = types.DiskFixed
	}
	f.disks[path] = d
	return fmt.Sprintf("0%%...10%%...100%%\nMedium created. UUID: %s\n", d.id), 0, ""
}

func (f *Fake) showMediumInfo(p parsed) (string, int, string) {
	d := f.medium(p.arg(1))
	if d == nil {
		return fail("Could not find file for the medium '%s' (VERR_FILE_NOT_FOUND)", p.arg(1))
	}
	var b strings.Builder
	f.writeMedium(&b, d, true)
	return b.String(), 0, ""
}

func (f *Fake) modifyMedium(p parsed) (string, int, string) {
	d := f.medium(p.arg(1))
	if d == nil {
		return fail("Could not find file for the medium '%s' (VERR_FILE_NOT_FOUND)", p.arg(1))
	}
	if v, ok := p.flags["resize"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return syntax("invalid --resize %q", v)
		}
		if d.variant == types.DiskFixed {
			return fail("Resize medium operation for this format is not implemented yet!")
		}
		if size < d.sizeMB {
			return fail("Shrinking is not yet supported for medium '%s'", d.path)
		}
		d.sizeMB = size
	}
	return "0%...100%\n", 0, ""
}

func (f *Fake) cloneMedium(p parsed) (string, int, string) {
	src := f.medium(p.arg(1))
	if src == nil {
		return fail("Could not find file for the medium '%s' (VERR_FILE_NOT_FOUND)", p.arg(1))
	}
	target := p.arg(2)
	if target == "" {
		return syntax("target is required")
	}
	if f.disks[target] != nil {
		return fail("Cannot create the clone medium '%s'.\nVBoxManage: error: VD: Location '%s' already exists (VERR_ALREADY_EXISTS)", target, target)
	}
	format := cmp.Or(p.flags["format"], src.format)
	d := &medium{id: uuid.NewString(), path: target, format: format, sizeMB: src.sizeMB, variant: types.DiskDynamic}
	f.disks[target] = d
	return fmt.Sprintf("0%%...100%%\nClone medium created in format '%s'. UUID: %s\n", format, d.id), 0, ""
}

func (f *Fake) closeMedium(p parsed) (string, int, string) {
	d := f.medium(p.arg(1))
	if d == nil {
		return fail("Could not find file for the medium '%s' (VERR_FILE_NOT_FOUND)", p.arg(1))
	}
	if users := f.usersOf(d.path); len(users) > 0 {
		return fail("Cannot close medium '%s' because it is still attached to %d virtual machines\nVBoxManage: error: Details: code VBOX_E_OBJECT_IN_USE (0x80bb000c)", d.path, len(users))
	}
	delete(f.disks, d.path)
	return "0%...100%\n", 0, ""
}

// --- host-only networks ---

func (f *Fake) hostOnlyNet(p parsed) (string, int, string) {
	name := p.flags["name"]
	if name == "" {
		return syntax("--name is required")
	}
	switch p.arg(0) {
	case "add":
		if f.nets[name] != nil {
			return fail("Host-only network '%s' already exists", name)
		}
		f.nets[name] = &hostOnlyNet{
			name:    name,
			netmask: p.flags["netmask"],
			lower:   p.flags["lower-ip"],
			upper:   p.flags["upper-ip"],
			enabled: p.has("enable"),
		}
		return "", 0, ""
	case "remove":
		if f.nets[name] == nil {
			return fail("Host-only network '%s' does not exist", name)
		}
		delete(f.nets, name)
		return "", 0, ""
	}
	return syntax("unknown hostonlynet subcommand %q", p.arg(0))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
