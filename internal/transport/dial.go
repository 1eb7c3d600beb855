package transport

import (
	"context"
	"net"
	"time"
)

// Dial connects to a peer at the given TCP address (e.g. "host:port"),
// giving up after timeout or when ctx is done.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// TCPProber reports whether a host accepts TCP connections. Nothing is
// exchanged; the connection is closed as soon as it is accepted.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, addr string, timeout time.Duration) error {
	conn, err := Dial(ctx, addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
