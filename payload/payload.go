// Package payload moves bulk bytes over a per-transfer TLS stream whose
// port is announced inside a packet.
package payload

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"connectd/crypto"
	"connectd/metrics"
	"connectd/protocol"
)

const (
	// DefaultTimeout bounds accepting, dialing and the TLS handshake.
	DefaultTimeout = 10 * time.Second

	overrunGrace = time.Second
	copyBuffer   = 64 * 1024
)

var (
	// ErrShortPayload indicates the stream closed before the declared size.
	ErrShortPayload = errors.New("payload: stream ended before declared size")
	// ErrPayloadOverrun indicates the stream carried more than the declared size.
	ErrPayloadOverrun = errors.New("payload: stream exceeded declared size")
	// ErrNoFreePort indicates every port in the payload range is taken.
	ErrNoFreePort = errors.New("payload: no free port in range")
)

// TransferError reports one failed payload transfer.
type TransferError struct {
	Op          string
	Address     string
	Transferred int64
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("payload %s %s after %d bytes: %v", e.Op, e.Address, e.Transferred, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Config carries the credentials and limits of one transfer.
type Config struct {
	Certificate tls.Certificate
	// PeerFingerprint pins the remote certificate when non-empty.
	PeerFingerprint string

	ListenAddress string
	MinPort       int
	MaxPort       int
	Timeout       time.Duration

	// Progress is called with the running byte count.
	Progress func(transferred int64)
	Logger   zerolog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.MinPort <= 0 {
		out.MinPort = protocol.MinPayloadPort
	}
	if out.MaxPort <= 0 {
		out.MaxPort = protocol.MaxPayloadPort
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// Upload is a pending outbound transfer waiting for the receiver to connect.
type Upload struct {
	Port int

	done   chan struct{}
	once   sync.Once
	result error
}

// Wait blocks until the upload finishes and returns its outcome.
func (u *Upload) Wait() error {
	<-u.done
	return u.result
}

// Done is closed when the upload has finished.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

func (u *Upload) finish(err error) {
	u.once.Do(func() {
		u.result = err
		close(u.done)
	})
}

// Offer binds a port in the payload range and streams exactly size bytes of r
// to the first receiver that completes the TLS handshake.
//
// The sender takes the TLS server role. Cancelling ctx aborts the transfer.
func Offer(ctx context.Context, config Config, r io.Reader, size int64) (*Upload, error) {
	cfg := config.withDefaults()

	listener, port, err := listenInRange(cfg.ListenAddress, cfg.MinPort, cfg.MaxPort)
	if err != nil {
		return nil, &TransferError{Op: "offer", Err: err}
	}

	upload := &Upload{Port: port, done: make(chan struct{})}
	go func() {
		err := serve(ctx, cfg, listener, r, size)
		upload.finish(err)
	}()
	return upload, nil
}

func serve(ctx context.Context, cfg Config, listener net.Listener, r io.Reader, size int64) error {
	address := listener.Addr().String()
	acceptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	stop := context.AfterFunc(acceptCtx, func() { _ = listener.Close() })

	conn, err := listener.Accept()
	stop()
	cancel()
	_ = listener.Close()
	if err != nil {
		if ctxErr := acceptCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		metrics.RecordPayload("send", 0, true)
		return &TransferError{Op: "accept", Address: address, Err: err}
	}
	defer conn.Close()

	tlsConfig := crypto.ServerTLSConfig(cfg.Certificate)
	if cfg.PeerFingerprint != "" {
		tlsConfig.VerifyPeerCertificate = pinVerifier(cfg.PeerFingerprint)
	}
	tlsConn := tls.Server(conn, tlsConfig)
	stopOnCancel := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopOnCancel()

	if err := handshake(ctx, tlsConn, cfg.Timeout); err != nil {
		metrics.RecordPayload("send", 0, true)
		return &TransferError{Op: "handshake", Address: address, Err: err}
	}

	counter := &progressWriter{w: tlsConn, progress: cfg.Progress}
	written, err := io.CopyBuffer(counter, io.LimitReader(r, size), make([]byte, copyBuffer))
	if err == nil && written < size {
		err = ErrShortPayload
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		metrics.RecordPayload("send", written, true)
		return &TransferError{Op: "send", Address: address, Transferred: written, Err: err}
	}

	metrics.RecordPayload("send", written, false)
	cfg.Logger.Debug().Str("address", address).Int64("bytes", written).Msg("payload sent")
	return tlsConn.Close()
}

// Receive dials host:port and copies exactly size bytes into w.
//
// A stream shorter than size fails with ErrShortPayload and a longer one with
// ErrPayloadOverrun, both wrapped in *TransferError.
func Receive(ctx context.Context, config Config, host string, port int, size int64, w io.Writer) (int64, error) {
	cfg := config.withDefaults()
	address := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		metrics.RecordPayload("receive", 0, true)
		return 0, &TransferError{Op: "dial", Address: address, Err: err}
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, crypto.PinnedClientTLSConfig(cfg.Certificate, cfg.PeerFingerprint))
	stopOnCancel := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopOnCancel()

	if err := handshake(ctx, tlsConn, cfg.Timeout); err != nil {
		metrics.RecordPayload("receive", 0, true)
		return 0, &TransferError{Op: "handshake", Address: address, Err: err}
	}

	counter := &progressWriter{w: w, progress: cfg.Progress}
	read, err := io.CopyBuffer(counter, io.LimitReader(tlsConn, size), make([]byte, copyBuffer))
	switch {
	case read < size && err == nil:
		err = ErrShortPayload
	case read < size && ctx.Err() == nil:
		err = fmt.Errorf("%w: %v", ErrShortPayload, err)
	}
	if err == nil {
		err = checkOverrun(tlsConn)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		metrics.RecordPayload("receive", read, true)
		return read, &TransferError{Op: "receive", Address: address, Transferred: read, Err: err}
	}

	metrics.RecordPayload("receive", read, false)
	cfg.Logger.Debug().Str("address", address).Int64("bytes", read).Msg("payload received")
	return read, nil
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.HandshakeContext(handshakeCtx)
}

// checkOverrun waits briefly for the sender to close after the declared size.
// Only extra bytes fail the transfer; EOF, a reset or silence do not.
func checkOverrun(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(overrunGrace))
	var extra [1]byte
	if n, _ := conn.Read(extra[:]); n > 0 {
		return ErrPayloadOverrun
	}
	return nil
}

func pinVerifier(expected string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return crypto.ErrNoPeerCertificate
		}
		if got := crypto.Fingerprint(rawCerts[0]); got != expected {
			return fmt.Errorf("payload: client fingerprint %s does not match %s", got, expected)
		}
		return nil
	}
}

func listenInRange(host string, minPort, maxPort int) (net.Listener, int, error) {
	for port := minPort; port <= maxPort; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return listener, port, nil
	}
	return nil, 0, ErrNoFreePort
}

type progressWriter struct {
	w        io.Writer
	total    int64
	progress func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.total += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(p.total)
	}
	return n, err
}
