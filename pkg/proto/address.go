package proto

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
)

// MaxHostLen is the longest plain-text host an Address will hold.  Longer hosts are truncated.
const MaxHostLen = 64

// Wildcard hosts, which match any host on the same port
const (
	WildcardIPv4 = "0.0.0.0"
	WildcardIPv6 = "::"
)

// Socket is an opaque socket handle supplied by the call-interception layer.  The zero value is never a
// valid socket.
type Socket uint64

// Address is the universal representation of a network endpoint.  Host is kept in plain text (an IPv4 or IPv6
// literal, or a hostname), so Address can be used as a map key and compared with ==.
type Address struct {
	Host string
	Port uint16
}

// NewAddress returns an Address, truncating the host to MaxHostLen bytes.
func NewAddress(host string, port uint16) Address {
	if len(host) > MaxHostLen {
		host = host[:MaxHostLen]
	}
	return Address{Host: host, Port: port}
}

// ParseAddress parses a host:port string.  IPv6 literals must be bracketed, as with net.SplitHostPort.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("error parsing port %s: %w", portStr, err)
	}
	return NewAddress(host, uint16(port)), nil
}

// String returns the address in host:port form.
//goland:noinspection GoMixedReceiverTypes
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsWildcard returns true if the host is one of the any-host placeholders.
//goland:noinspection GoMixedReceiverTypes
func (a Address) IsWildcard() bool {
	return a.Host == WildcardIPv4 || a.Host == WildcardIPv6
}

// Matches returns true if this address, used as a filter, matches dest exactly.
//goland:noinspection GoMixedReceiverTypes
func (a Address) Matches(dest Address) bool {
	return a.Port == dest.Port && a.Host == dest.Host
}

// MatchesWildcard returns true if this address is a wildcard filter on the same port as dest.
//goland:noinspection GoMixedReceiverTypes
func (a Address) MatchesWildcard(dest Address) bool {
	return a.Port == dest.Port && a.IsWildcard()
}

// IP returns the host as an IP, or the empty IP if the host is not a literal.
//goland:noinspection GoMixedReceiverTypes
func (a Address) IP() IP {
	return ParseIP(a.Host)
}

// MarshalJSON marshals an address to JSON.
//goland:noinspection GoMixedReceiverTypes
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON unmarshals an address from JSON.
//goland:noinspection GoMixedReceiverTypes
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return fmt.Errorf("unmarshal JSON error: %w", err)
	}
	*a = addr
	return nil
}

// MarshalYAML marshals an address to YAML.
//goland:noinspection GoMixedReceiverTypes
func (a Address) MarshalYAML() (interface{}, error) {
	if a.Host == "" && a.Port == 0 {
		return nil, nil
	}
	return a.String(), nil
}

// UnmarshalYAML unmarshals an address from YAML.
//goland:noinspection GoMixedReceiverTypes
func (a *Address) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	err := unmarshal(&s)
	if err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return fmt.Errorf("unmarshal YAML error: %w", err)
	}
	*a = addr
	return nil
}

// IsIPLiteral returns true if host is a plain IPv4 or IPv6 address rather than a name.
func IsIPLiteral(host string) bool {
	return net.ParseIP(host) != nil
}

// FabricateIPv4 derives a stable, fake IPv4 address from a hostname.  The address is the 32-bit FNV-1a hash of
// the name, rendered least significant byte first.
func FabricateIPv4(hostname string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	v := h.Sum32()
	return fmt.Sprintf("%d.%d.%d.%d", byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
