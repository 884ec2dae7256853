package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"connectd/protocol"
)

// ErrNoFreePort indicates every port of the link range is taken.
var ErrNoFreePort = errors.New("network: no free port in link range")

// Server accepts inbound TCP sessions and upgrades them to Links.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Link
	errs     chan error

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
//
// A zero port in address takes the first free port of the protocol range.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	listener, err := listenLinkAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Link, 16),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Incoming returns accepted and authenticated links.
func (s *Server) Incoming() <-chan *Link {
	return s.incoming
}

// Errors returns asynchronous accept and handshake errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	tuneTCP(conn)

	link, err := accepterHandshake(s.ctx, conn, s.options)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("inbound handshake from %s: %w", conn.RemoteAddr(), err))
		return
	}

	select {
	case s.incoming <- link:
	case <-s.ctx.Done():
		_ = link.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

func listenLinkAddress(address string) (net.Listener, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("parse listen port %q: %w", portText, err)
	}

	if port != 0 {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return nil, fmt.Errorf("listen on %q: %w", address, err)
		}
		return listener, nil
	}

	for candidate := protocol.MinTCPPort; candidate <= protocol.MaxTCPPort; candidate++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err == nil {
			return listener, nil
		}
	}
	return nil, fmt.Errorf("%w %d-%d", ErrNoFreePort, protocol.MinTCPPort, protocol.MaxTCPPort)
}
