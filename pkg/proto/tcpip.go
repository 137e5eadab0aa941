package proto

import (
	"net"
)

// IP is an IP address stored as a string of raw bytes, so that it can be used as a map key.  IPv4 addresses
// are always held in their 4-byte form.
type IP string

// ParseIP parses a textual address.  Returns the empty IP if s is not a literal.
func ParseIP(s string) IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		return IP(ip4)
	}
	return IP(ip)
}

func (a IP) String() string {
	if a == "" {
		return ""
	}
	return net.IP(a).String()
}

// Is4 returns true if this is an IPv4 address.
func (a IP) Is4() bool {
	return len(a) == net.IPv4len
}

// Is6 returns true if this is an IPv6 address.
func (a IP) Is6() bool {
	return len(a) == net.IPv6len
}
