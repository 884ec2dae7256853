package network

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"connectd/crypto"
	"connectd/metrics"
	"connectd/protocol"
)

const (
	// DefaultHandshakeTimeout bounds TCP connect, TLS and identity exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultTCPKeepAlive is the TCP keepalive period set on every link socket.
	DefaultTCPKeepAlive = 30 * time.Second
	// MaxMalformedPackets closes a link after this many consecutive bad frames.
	MaxMalformedPackets = 5

	inboundBuffer = 64
)

// LinkInfo describes the authenticated remote end of a link.
type LinkInfo struct {
	Identity    protocol.Identity
	Certificate *x509.Certificate
	Fingerprint string
	RemoteHost  string
	// Outbound is true when the local side dialed.
	Outbound bool
}

// Link is an authenticated, TLS-protected packet stream to one peer.
type Link struct {
	conn   net.Conn
	reader *protocol.Reader
	info   LinkInfo
	logger zerolog.Logger

	sendMu sync.Mutex

	inbound chan protocol.Packet

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn net.Conn, reader *protocol.Reader, info LinkInfo, logger zerolog.Logger) *Link {
	l := &Link{
		conn:    conn,
		reader:  reader,
		info:    info,
		logger:  logger.With().Str("peer", info.Identity.DeviceID).Logger(),
		inbound: make(chan protocol.Packet, inboundBuffer),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// DeviceID returns the authenticated peer device id.
func (l *Link) DeviceID() string {
	return l.info.Identity.DeviceID
}

// Info returns the peer identity and certificate details.
func (l *Link) Info() LinkInfo {
	return l.info
}

// Fingerprint returns the peer certificate fingerprint.
func (l *Link) Fingerprint() string {
	return l.info.Fingerprint
}

// DialerID returns the device id of the side that opened the TCP connection.
func (l *Link) DialerID(localDeviceID string) string {
	if l.info.Outbound {
		return localDeviceID
	}
	return l.info.Identity.DeviceID
}

// Packets returns inbound packets in arrival order. The channel is never
// closed; select on Done as well.
func (l *Link) Packets() <-chan protocol.Packet {
	return l.inbound
}

// Done is closed when the link is fully closed.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the terminal link error, or nil after a local Close.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Send encodes and writes one packet. Writes are serialized.
func (l *Link) Send(pkt protocol.Packet) error {
	select {
	case <-l.closed:
		if err := l.LastError(); err != nil {
			return err
		}
		return fmt.Errorf("%w: link closed", ErrTransport)
	default:
	}

	frame, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if _, err := l.conn.Write(frame); err != nil {
		wrapped := fmt.Errorf("%w: write %s: %v", ErrTransport, pkt.Type, err)
		l.closeWithError(wrapped)
		return wrapped
	}

	metrics.RecordPacketSent(pkt.Type)
	return nil
}

// Close terminates the link without recording an error.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) readLoop() {
	malformed := 0
	for {
		pkt, err := l.reader.ReadPacket()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrMalformedPacket), errors.Is(err, protocol.ErrPacketTooLarge):
				malformed++
				metrics.RecordPacketDropped("malformed")
				l.logger.Warn().Err(err).Int("consecutive", malformed).Msg("dropping malformed packet")
				if malformed >= MaxMalformedPackets {
					l.closeWithError(fmt.Errorf("%w: %d consecutive malformed packets", ErrTransport, malformed))
					return
				}
				continue
			case errors.Is(err, io.EOF):
				l.closeWithError(fmt.Errorf("%w: peer closed connection", ErrTransport))
				return
			default:
				l.closeWithError(fmt.Errorf("%w: read: %v", ErrTransport, err))
				return
			}
		}

		malformed = 0
		metrics.RecordPacketReceived(pkt.Type)
		select {
		case l.inbound <- pkt:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
	})
}

func linkInfoFromTLS(identity protocol.Identity, cert *x509.Certificate, remote net.Addr, outbound bool) (LinkInfo, error) {
	if cert.Subject.CommonName != identity.DeviceID {
		return LinkInfo{}, fmt.Errorf("%w: common name %q, device id %q", ErrIdentityMismatch, cert.Subject.CommonName, identity.DeviceID)
	}
	return LinkInfo{
		Identity:    identity,
		Certificate: cert,
		Fingerprint: crypto.Fingerprint(cert.Raw),
		RemoteHost:  hostOf(remote),
		Outbound:    outbound,
	}, nil
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
