package relay

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Identity is an opaque peer identity, the addressing root of relay endpoints
type Identity string

// DedicatedServer is the sentinel identity of a process with no logged-in user
const DedicatedServer Identity = "@dedicated-server"

// dedicatedServerKey is the registry key of the DedicatedServer sentinel
const dedicatedServerKey = "dedicated-server"

// IsDedicatedServer reports whether id is the dedicated-server sentinel
func (id Identity) IsDedicatedServer() bool {
	return id == DedicatedServer
}

// Valid reports whether id can be used to bind a relay endpoint
func (id Identity) Valid() bool {
	return id != ""
}

// Key returns the string key used to index per-identity state
func (id Identity) Key() string {
	if id.IsDedicatedServer() {
		return dedicatedServerKey
	}
	return string(id)
}

// String returns the identity text
func (id Identity) String() string {
	return string(id)
}

// Address identifies a relay endpoint (identity, socket, channel) or a
// direct-IP endpoint. Exactly one of the two forms is set. Addresses are
// comparable with ==.
type Address struct {
	Identity Identity
	Socket   string
	Channel  uint8
	IP       netip.AddrPort
}

// RelayAddress builds a relay-form address
func RelayAddress(id Identity, socket string, channel uint8) Address {
	return Address{Identity: id, Socket: socket, Channel: channel}
}

// IPAddress builds a direct-IP address
func IPAddress(addr netip.AddrPort) Address {
	return Address{IP: addr}
}

// IsIP reports whether the address is a direct-IP endpoint
func (a Address) IsIP() bool {
	return a.IP.IsValid()
}

// IsZero reports whether the address is unset
func (a Address) IsZero() bool {
	return a == Address{}
}

// String renders relay addresses as <identity>.relay/<socket>:<channel> and
// IP addresses as ip:port
func (a Address) String() string {
	if a.IsIP() {
		return a.IP.String()
	}
	if a.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s.relay/%s:%d", a.Identity.Key(), a.Socket, a.Channel)
}

// ChannelForPort derives the relay channel used for a game port
func ChannelForPort(port int) uint8 {
	return uint8(port % 256)
}

// Target is a parsed connect target
type Target struct {
	Host     string
	Port     int
	Relay    bool
	Identity Identity
}

// ParseTarget splits a connect URL host such as "UserX.relay:7777" or
// "10.0.0.4:7777". Hosts ending in relayDomain are relay targets whose
// identity is the host without the suffix.
func ParseTarget(target, relayDomain string, defaultPort int) (Target, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Target{}, fmt.Errorf("empty target")
	}

	host, port := target, defaultPort
	if h, p, err := net.SplitHostPort(target); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n <= 0 || n > 65535 {
			return Target{}, fmt.Errorf("invalid port in target %q", target)
		}
		host, port = h, n
	}

	if host == "" {
		return Target{}, fmt.Errorf("missing host in target %q", target)
	}

	t := Target{Host: host, Port: port}
	if relayDomain != "" && len(host) > len(relayDomain) &&
		strings.EqualFold(host[len(host)-len(relayDomain):], relayDomain) {
		t.Relay = true
		t.Identity = Identity(host[:len(host)-len(relayDomain)])
		if string(t.Identity) == dedicatedServerKey {
			t.Identity = DedicatedServer
		}
	}
	return t, nil
}

// ParseAddress is the inverse of Address.String
func ParseAddress(s string) (Address, error) {
	if i := strings.LastIndex(s, ".relay/"); i > 0 {
		key, rest := s[:i], s[i+len(".relay/"):]
		j := strings.LastIndex(rest, ":")
		if j <= 0 {
			return Address{}, fmt.Errorf("invalid relay address %q", s)
		}
		channel, err := strconv.ParseUint(rest[j+1:], 10, 8)
		if err != nil {
			return Address{}, fmt.Errorf("invalid channel in relay address %q", s)
		}
		id := Identity(key)
		if key == dedicatedServerKey {
			id = DedicatedServer
		}
		return RelayAddress(id, rest[:j], uint8(channel)), nil
	}

	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return IPAddress(ap), nil
}

// MarshalText implements encoding.TextMarshaler
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
