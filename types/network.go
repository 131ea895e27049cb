package types

// AdapterMode is the attachment type of a virtual NIC.
type AdapterMode string

const (
	AdapterNone       AdapterMode = "none" // adapter disabled
	AdapterNull       AdapterMode = "null" // enabled but not connected
	AdapterNAT        AdapterMode = "nat"
	AdapterNATNetwork AdapterMode = "natnetwork"
	AdapterBridged    AdapterMode = "bridged"
	AdapterInternal   AdapterMode = "intnet"
	AdapterHostOnly   AdapterMode = "hostonly"
	AdapterGeneric    AdapterMode = "generic"
)

// AdapterModes lists the accepted modes.
var AdapterModes = []AdapterMode{
	AdapterNone, AdapterNull, AdapterNAT, AdapterNATNetwork,
	AdapterBridged, AdapterInternal, AdapterHostOnly, AdapterGeneric,
}

// HotReconfigurable reports whether the attachment can be switched to mode on
// a running VM. Disabling the adapter entirely needs the VM powered off.
func (m AdapterMode) HotReconfigurable() bool {
	return m != AdapterNone
}

// NeedsNetwork reports whether the mode references a named network.
func (m AdapterMode) NeedsNetwork() bool {
	switch m {
	case AdapterHostOnly, AdapterInternal, AdapterBridged, AdapterNATNetwork:
		return true
	}
	return false
}

// MaxAdapterSlots is the number of NIC slots per VM.
const MaxAdapterSlots = 8

// NetworkAdapter is one NIC slot of a VM.
type NetworkAdapter struct {
	VMID           string        `json:"vm_id"`
	Slot           int           `json:"slot"` // 1-based, matches --nicN
	Mode           AdapterMode   `json:"mode"`
	Network        string        `json:"network,omitempty"` // host-only net, intnet, bridge iface or NAT network
	MAC            string        `json:"mac,omitempty"`
	CableConnected bool          `json:"cable_connected"`
	PortForwards   []PortForward `json:"port_forwards,omitempty"` // NAT only
}

// PortForward is a NAT port forwarding rule of one adapter. Empty IPs mean
// every host address and the guest's DHCP address.
type PortForward struct {
	Slot      int    `json:"slot"`
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	HostIP    string `json:"host_ip,omitempty"`
	HostPort  int    `json:"host_port"`
	GuestIP   string `json:"guest_ip,omitempty"`
	GuestPort int    `json:"guest_port"`
}

// Port forwarding protocols.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// PortForward returns the rule called name, or nil.
func (a *NetworkAdapter) PortForward(name string) *PortForward {
	for i := range a.PortForwards {
		if a.PortForwards[i].Name == name {
			return &a.PortForwards[i]
		}
	}
	return nil
}

// AdapterConfig is a requested adapter change. Empty fields keep the current value.
type AdapterConfig struct {
	Slot           int         `json:"slot"`
	Mode           AdapterMode `json:"mode"`
	Network        string      `json:"network,omitempty"`
	MAC            string      `json:"mac,omitempty"`
	CableConnected *bool       `json:"cable_connected,omitempty"`
}

// HostOnlyNetwork is a hypervisor-managed host-only network.
type HostOnlyNetwork struct {
	Name    string `json:"name"`
	IP      string `json:"ip"` // host side address
	Netmask string `json:"netmask"`
	LowerIP string `json:"lower_ip,omitempty"`
	UpperIP string `json:"upper_ip,omitempty"`
	Enabled bool   `json:"enabled"`
}
