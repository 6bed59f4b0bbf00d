// Package safehttp builds outbound transports that refuse to dial
// loopback, private, or link-local addresses.
package safehttp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrPrivateAddress is returned when a dial resolves to a denied address.
var ErrPrivateAddress = errors.New("private address denied")

// Denied reports whether ip is loopback, private, link-local, or unspecified.
func Denied(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// control runs after name resolution and before connect, so a hostname
// that resolves to a private address is refused without a connection.
func control(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("split %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("failed to parse remote IP for %q", address)
	}
	if Denied(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}
	return nil
}

// NewTransport returns a clone of http.DefaultTransport whose dialer
// refuses denied addresses. Proxies are disabled so the check applies to
// the real upstream.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   control,
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = dialer.DialContext
	return t
}
