package types

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// ErrInvalidAddress is returned when a peer address cannot be parsed.
var ErrInvalidAddress = errors.New("invalid peer address")

// Address identifies a peer by the host and TCP port it listens on.
// It is a comparable value and is used directly as a map key.
type Address struct {
	Host string
	Port uint16
}

// NewAddress returns an Address with a normalized host.
func NewAddress(host string, port uint16) Address {
	return Address{Host: normalizeHost(host), Port: port}
}

// ParseAddress parses "host:port", "[v6]:port", or a multiaddr of the form
// /ip4|ip6|dns|dns4|dns6/<host>/tcp/<port>.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.HasPrefix(s, "/") {
		return parseMultiaddr(s)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return buildAddress(s, host, portStr)
}

func parseMultiaddr(s string) (Address, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}

	var host string
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6} {
		if v, err := ma.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: %q: no ip or dns component", ErrInvalidAddress, s)
	}

	portStr, err := ma.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: no tcp component", ErrInvalidAddress, s)
	}
	return buildAddress(s, host, portStr)
}

func buildAddress(raw, host, portStr string) (Address, error) {
	if host == "" {
		return Address{}, fmt.Errorf("%w: %q: missing host", ErrInvalidAddress, raw)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: bad port", ErrInvalidAddress, raw)
	}
	if port == 0 {
		return Address{}, fmt.Errorf("%w: %q: port must be non-zero", ErrInvalidAddress, raw)
	}
	return NewAddress(host, uint16(port)), nil
}

// normalizeHost canonicalizes IP literals and lowercases DNS names so the
// same endpoint always maps to the same Address.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return strings.ToLower(host)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address in host:port form.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Multiaddr returns the address as a TCP multiaddr.
func (a Address) Multiaddr() (multiaddr.Multiaddr, error) {
	if a.IsZero() {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	proto := "dns"
	if ip := net.ParseIP(a.Host); ip != nil {
		proto = "ip6"
		if ip.To4() != nil {
			proto = "ip4"
		}
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, a.Host, a.Port))
}

// Compare orders addresses by host, then port.
func (a Address) Compare(b Address) int {
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// MarshalText encodes the address as host:port.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes host:port or a multiaddr.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
