package network

import (
	"encoding/binary"
	"net"

	"github.com/projecteru2/vmplex/errdefs"
)

// subnet is a validated host-only address plan.
type subnet struct {
	host  net.IP
	net   *net.IPNet
	upper net.IP // last usable address
}

// parseSubnet validates an IPv4 host address and dotted netmask. The host
// address must be usable: neither the network nor the broadcast address.
func parseSubnet(ip, netmask string) (*subnet, error) {
	host := net.ParseIP(ip).To4()
	if host == nil {
		return nil, errdefs.Validationf("ip %q is not an IPv4 address", ip)
	}
	m := net.ParseIP(netmask).To4()
	if m == nil {
		return nil, errdefs.Validationf("netmask %q is not an IPv4 netmask", netmask)
	}
	mask := net.IPMask(m)
	ones, bits := mask.Size()
	if bits == 0 {
		return nil, errdefs.Validationf("netmask %q is not contiguous", netmask)
	}
	if ones < 8 || ones > 30 {
		return nil, errdefs.Validationf("netmask %q leaves no room for hosts or is wider than /8", netmask)
	}
	n := &net.IPNet{IP: host.Mask(mask), Mask: mask}
	first := binary.BigEndian.Uint32(n.IP)
	last := first | ^binary.BigEndian.Uint32(mask)
	h := binary.BigEndian.Uint32(host)
	if h == first || h == last {
		return nil, errdefs.Validationf("ip %s is the network or broadcast address of %s", ip, n)
	}
	upper := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(upper, last-1)
	return &subnet{host: host, net: n, upper: upper}, nil
}

// overlaps reports whether two subnets share any address.
func overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}
