package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"connectd/crypto"
	"connectd/protocol"
)

// HandshakeOptions configures link setup on both the dialing and accepting side.
type HandshakeOptions struct {
	// Identity returns the local identity announced to peers. It is called per
	// handshake so capability changes are picked up.
	Identity    func() protocol.Identity
	Certificate tls.Certificate
	Timeout     time.Duration
	Logger      zerolog.Logger
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultHandshakeTimeout
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if o.Identity == nil {
		return errors.New("local identity provider is required")
	}
	local := o.Identity()
	if local.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if len(o.Certificate.Certificate) == 0 {
		return errors.New("local certificate is required")
	}
	if cn := crypto.CommonName(o.Certificate); cn != local.DeviceID {
		return fmt.Errorf("%w: local certificate %q, device id %q", crypto.ErrCertificateIdentity, cn, local.DeviceID)
	}
	return nil
}

// dialerHandshake announces our identity in plaintext, takes the TLS server
// role, and re-exchanges identities inside the encrypted channel.
func dialerHandshake(ctx context.Context, conn net.Conn, expectedDeviceID string, opts HandshakeOptions) (*Link, error) {
	stop, err := armDeadline(ctx, conn, opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer stop()

	local := opts.Identity()
	if err := writePacketLine(conn, local); err != nil {
		return nil, fmt.Errorf("send plaintext identity: %w", err)
	}

	tlsConn := tls.Server(conn, crypto.ServerTLSConfig(opts.Certificate))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	reader := protocol.NewReader(tlsConn)
	peer, err := exchangeIdentity(tlsConn, reader, local)
	if err != nil {
		return nil, err
	}
	if expectedDeviceID != "" && peer.DeviceID != expectedDeviceID {
		return nil, fmt.Errorf("%w: dialed %q, peer announced %q", ErrIdentityMismatch, expectedDeviceID, peer.DeviceID)
	}

	info, err := authenticate(tlsConn, peer, true)
	if err != nil {
		return nil, err
	}
	if err := clearDeadline(conn, stop); err != nil {
		return nil, err
	}
	return newLink(tlsConn, reader, info, opts.Logger), nil
}

// accepterHandshake reads the dialer's plaintext identity, takes the TLS
// client role, and re-exchanges identities inside the encrypted channel.
func accepterHandshake(ctx context.Context, conn net.Conn, opts HandshakeOptions) (*Link, error) {
	stop, err := armDeadline(ctx, conn, opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer stop()

	local := opts.Identity()

	// The dialer sends nothing after its identity line until it sees our
	// ClientHello, so this reader cannot swallow TLS bytes.
	plain, err := protocol.NewReader(conn).ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("read plaintext identity: %w", err)
	}
	announced, err := protocol.ParseIdentity(plain)
	if err != nil {
		return nil, err
	}
	if announced.DeviceID == local.DeviceID {
		return nil, fmt.Errorf("%w: connection from own device id", ErrIdentityMismatch)
	}

	tlsConn := tls.Client(conn, crypto.ClientTLSConfig(opts.Certificate))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	reader := protocol.NewReader(tlsConn)
	peer, err := exchangeIdentity(tlsConn, reader, local)
	if err != nil {
		return nil, err
	}
	if peer.DeviceID != announced.DeviceID {
		return nil, fmt.Errorf("%w: plaintext %q, encrypted %q", ErrIdentityMismatch, announced.DeviceID, peer.DeviceID)
	}

	info, err := authenticate(tlsConn, peer, false)
	if err != nil {
		return nil, err
	}
	if err := clearDeadline(conn, stop); err != nil {
		return nil, err
	}
	return newLink(tlsConn, reader, info, opts.Logger), nil
}

func exchangeIdentity(conn net.Conn, reader *protocol.Reader, local protocol.Identity) (protocol.Identity, error) {
	if err := writePacketLine(conn, local); err != nil {
		return protocol.Identity{}, fmt.Errorf("send identity: %w", err)
	}
	pkt, err := reader.ReadPacket()
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("read identity: %w", err)
	}
	return protocol.ParseIdentity(pkt)
}

func authenticate(conn *tls.Conn, peer protocol.Identity, outbound bool) (LinkInfo, error) {
	cert, err := crypto.PeerCertificate(conn.ConnectionState())
	if err != nil {
		return LinkInfo{}, err
	}
	return linkInfoFromTLS(peer, cert, conn.RemoteAddr(), outbound)
}

func writePacketLine(conn net.Conn, identity protocol.Identity) error {
	pkt, err := protocol.NewIdentityPacket(identity)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// armDeadline bounds the handshake by timeout and aborts it early when ctx
// is cancelled. The returned stop func releases the context watcher.
func armDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) (func() bool, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return stop, nil
}

func clearDeadline(conn net.Conn, stop func() bool) error {
	if !stop() {
		return context.Canceled
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}

func tuneTCP(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetKeepAlivePeriod(DefaultTCPKeepAlive)
	_ = tcp.SetNoDelay(true)
}
