package vbox

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/projecteru2/vmplex/hypervisor"
	"github.com/projecteru2/vmplex/types"
)

// parseMachineReadable parses --machinereadable output: one key=value per
// line, keys and values optionally double-quoted, quoted values possibly
// spanning lines (descriptions).
func parseMachineReadable(out string) map[string]string {
	kv := map[string]string{}
	var pendingKey string
	var pending strings.Builder
	for line := range strings.SplitSeq(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if pendingKey != "" {
			pending.WriteString("\n")
			pending.WriteString(line)
			if closesQuote(line) {
				kv[pendingKey] = unquote(pending.String())
				pendingKey = ""
				pending.Reset()
			}
			continue
		}
		key, value, ok := splitAssignment(line)
		if !ok {
			continue
		}
		if strings.HasPrefix(value, `"`) && (len(value) == 1 || !closesQuote(value)) {
			pendingKey = key
			pending.WriteString(value)
			continue
		}
		kv[key] = unquote(value)
	}
	if pendingKey != "" {
		kv[pendingKey] = unquote(pending.String() + `"`)
	}
	return kv
}

func splitAssignment(line string) (string, string, bool) {
	if strings.HasPrefix(line, `"`) {
		end := strings.Index(line[1:], `"`)
		if end < 0 {
			return "", "", false
		}
		key := line[1 : end+1]
		rest := line[end+2:]
		if !strings.HasPrefix(rest, "=") {
			return "", "", false
		}
		return key, rest[1:], true
	}
	key, value, ok := strings.Cut(line, "=")
	if !ok || key == "" {
		return "", "", false
	}
	return strings.TrimSpace(key), value, true
}

// closesQuote reports whether s ends with an unescaped double quote.
func closesQuote(s string) bool {
	if !strings.HasSuffix(s, `"`) {
		return false
	}
	backslashes := 0
	for i := len(s) - 2; i >= 0 && s[i] == '\\'; i-- {
		backslashes++
	}
	return backslashes%2 == 0
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
		v = strings.ReplaceAll(v, `\"`, `"`)
		v = strings.ReplaceAll(v, `\\`, `\`)
	}
	return v
}

// parseBlocks parses "Key:   value" records separated by blank lines, the
// format of list hdds, list hostonlynets, list ostypes and showmediuminfo.
func parseBlocks(out string) []map[string]string {
	var blocks []map[string]string
	cur := map[string]string{}
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, cur)
			cur = map[string]string{}
		}
	}
	for line := range strings.SplitSeq(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		cur[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	flush()
	return blocks
}

var (
	vmLineRE   = regexp.MustCompile(`^"(.*)" \{([0-9a-fA-F-]+)\}$`)
	uuidLineRE = regexp.MustCompile(`(?m)UUID:\s*([0-9a-fA-F-]{36})`)
	inUseRE    = regexp.MustCompile(`([^,]+?) \(UUID: [^)]*\)`)
	bracketRE  = regexp.MustCompile(`\[[^\]]*\]`)
	sizeUnitRE = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([kmgtp]?)(?:bytes?|b)?\s*$`)
	nicLineRE  = regexp.MustCompile(`^nic(\d+)=`)
	forwardRE  = regexp.MustCompile(`^Forwarding\(\d+\)="(.*)"$`)
	sampleRE   = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*(.*)$`)
)

// parseUUID extracts the first "UUID: x" from command output.
func parseUUID(out string) string {
	if m := uuidLineRE.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

// parseInUse extracts VM names from an "In use by VMs" value like
// "web (UUID: a) [base (UUID: b)], db (UUID: c)".
func parseInUse(v string) []string {
	v = bracketRE.ReplaceAllString(v, "")
	var names []string
	for _, m := range inUseRE.FindAllStringSubmatch(v, -1) {
		if name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m[1]), ",")); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// parseSizeMB parses capacities like "20480 MBytes" or "20 GBytes".
func parseSizeMB(v string) int64 {
	m := sizeUnitRE.FindStringSubmatch(v)
	if m == nil {
		return 0
	}
	b, err := units.RAMInBytes(m[1] + m[2])
	if err != nil {
		return 0
	}
	return b / units.MiB
}

func atoi(v string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(v))
	return n
}

// parseForwards collects the Forwarding(i) lines of showvminfo output by NIC
// slot. The index restarts for every NAT adapter and the rules follow their
// nicN line.
func parseForwards(out string) map[int][]types.PortForward {
	rules := map[int][]types.PortForward{}
	slot := 0
	for line := range strings.SplitSeq(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := nicLineRE.FindStringSubmatch(line); m != nil {
			slot = atoi(m[1])
			continue
		}
		m := forwardRE.FindStringSubmatch(line)
		if m == nil || slot == 0 {
			continue
		}
		if f, ok := parseForward(m[1]); ok {
			f.Slot = slot
			rules[slot] = append(rules[slot], f)
		}
	}
	return rules
}

// parseForward parses "name,proto,hostip,hostport,guestip,guestport".
func parseForward(v string) (types.PortForward, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 6 { //nolint:mnd
		return types.PortForward{}, false
	}
	hostPort, herr := strconv.Atoi(parts[3])
	guestPort, gerr := strconv.Atoi(parts[5])
	if parts[0] == "" || herr != nil || gerr != nil {
		return types.PortForward{}, false
	}
	return types.PortForward{
		Name:      parts[0],
		Protocol:  strings.ToLower(parts[1]),
		HostIP:    parts[2],
		HostPort:  hostPort,
		GuestIP:   parts[4],
		GuestPort: guestPort,
	}, true
}

// forwardRule is the inverse of parseForward.
func forwardRule(f types.PortForward) string {
	return strings.Join([]string{
		f.Name, f.Protocol,
		f.HostIP, strconv.Itoa(f.HostPort),
		f.GuestIP, strconv.Itoa(f.GuestPort),
	}, ",")
}

// parseMetrics parses the table of `metrics query`, keeping the latest
// sample of each of object's metrics. The object column is not fixed width
// and names may contain spaces, so rows are matched by prefix and metric
// names, which always hold a "/", tell object names apart.
func parseMetrics(out, object string) []hypervisor.Metric {
	var metrics []hypervisor.Metric
	body := false
	for line := range strings.SplitSeq(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if !body {
			body = strings.HasPrefix(line, "---")
			continue
		}
		rest, ok := strings.CutPrefix(line, object)
		if !ok || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			continue
		}
		name, values, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if !strings.Contains(name, "/") {
			continue
		}
		samples := strings.Split(strings.TrimSpace(values), ",")
		latest := strings.TrimSpace(samples[len(samples)-1])
		if latest == "" {
			continue
		}
		m := hypervisor.Metric{Name: name, Raw: latest}
		if sm := sampleRE.FindStringSubmatch(latest); sm != nil {
			m.Value, _ = strconv.ParseFloat(sm[1], 64)
			m.Unit = sm[2]
		}
		metrics = append(metrics, m)
	}
	return metrics
}
