package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// GenerateMAC generates a random locally-administered unicast MAC address.
// The first byte has bit 1 set (locally administered) and bit 0 clear (unicast).
func GenerateMAC() (net.HardwareAddr, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate MAC: %w", err)
	}
	buf[0] = (buf[0] | 0x02) & 0xFE // locally administered, unicast
	return net.HardwareAddr(buf[:]), nil
}

// FormatHypervisorMAC renders mac the way VBoxManage expects it: twelve
// upper-case hex digits without separators.
func FormatHypervisorMAC(mac net.HardwareAddr) string {
	return strings.ToUpper(hex.EncodeToString(mac))
}

// NormalizeMAC accepts "08:00:27:aa:bb:cc", "08-00-27-AA-BB-CC" or
// "080027AABBCC" and returns the hypervisor form.
func NormalizeMAC(s string) (string, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(clean) != 12 { //nolint:mnd
		return "", fmt.Errorf("invalid MAC %q", s)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	if b[0]&0x01 != 0 {
		return "", fmt.Errorf("invalid MAC %q: multicast address", s)
	}
	return FormatHypervisorMAC(b), nil
}
