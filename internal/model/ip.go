package model

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IPv4ToUint32 converts a dotted-quad IPv4 address to its host-byte-order
// 32-bit representation, the form the kernel map is keyed by.
func IPv4ToUint32(ip string) (uint32, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address %q", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// Uint32ToIPv4 converts a host-byte-order 32-bit integer back to its
// dotted-quad string form.
func Uint32ToIPv4(ip uint32) string {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, ip)
	return net.IP(buf).String()
}
