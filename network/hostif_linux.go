package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// hostSubnets lists the IPv4 subnets configured on host interfaces.
func hostSubnets() ([]*net.IPNet, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list host addresses: %w", err)
	}
	out := make([]*net.IPNet, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil || a.IP.IsLoopback() {
			continue
		}
		out = append(out, a.IPNet)
	}
	return out, nil
}
