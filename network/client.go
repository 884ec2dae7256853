package network

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to a peer, performs the link handshake, and returns a ready Link.
//
// A non-empty expectedDeviceID refuses peers announcing any other id.
func Dial(ctx context.Context, address, expectedDeviceID string, options HandshakeOptions) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.Timeout, KeepAlive: DefaultTCPKeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	tuneTCP(conn)

	link, err := dialerHandshake(ctx, conn, expectedDeviceID, opts)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %q: %w", address, err)
	}
	return link, nil
}
