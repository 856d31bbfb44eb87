// Package dialer opens the outbound TCP connection to a client-requested
// target, once the protocol parser has produced a host and port.
package dialer

import (
	"context"
	"net"
	"strconv"

	"github.com/duskgate/tunneld/internal/errs"
)

// Dialer resolves and dials tunnel targets. The zero value is usable and
// relies on net.DefaultResolver.
type Dialer struct {
	Resolver *net.Resolver
	Dial     net.Dialer
}

// New returns a Dialer configured with the given resolver; a nil resolver
// falls back to net.DefaultResolver.
func New(resolver *net.Resolver) *Dialer {
	return &Dialer{Resolver: resolver}
}

// Open resolves host (forcing IPv4 for anything that isn't already an IPv4
// literal) and dials it, enabling TCP_NODELAY on the resulting socket.
func (d *Dialer) Open(ctx context.Context, host string, port uint16) (*net.TCPConn, error) {
	addr := host
	if net.ParseIP(host) == nil {
		ip, err := d.resolveIPv4(ctx, host)
		if err != nil {
			return nil, errs.New(errs.KindAddressResolution, err)
		}
		addr = ip
	}

	target := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	conn, err := d.Dial.DialContext(ctx, "tcp4", target)
	if err != nil {
		return nil, errs.New(errs.KindDialFailure, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, errs.New(errs.KindDialFailure, nil)
	}
	// Best-effort: failing to set TCP_NODELAY should never fail the dial.
	_ = tcpConn.SetNoDelay(true)
	return tcpConn, nil
}

func (d *Dialer) resolveIPv4(ctx context.Context, host string) (string, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", errs.New(errs.KindAddressResolution, nil)
	}
	return ips[0].String(), nil
}
