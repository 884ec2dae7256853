package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"connectd/models"
	"connectd/protocol"
)

const (
	// DefaultBroadcastInterval is how often the local identity is announced.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultLivenessTimeout is how long a silent device stays reachable.
	DefaultLivenessTimeout = 30 * time.Second
	// MaxDatagramSize bounds one identity datagram.
	MaxDatagramSize = 64 * 1024

	readPollInterval = time.Second
)

// ErrNotStarted indicates an operation on a service that is not running.
var ErrNotStarted = errors.New("discovery: service not started")

// Config controls the UDP announcer, the identity table and optional mDNS.
type Config struct {
	SelfDeviceID     string
	Port             int
	ListenAddress    string
	BroadcastAddress string
	Targets          []string
	Interval         time.Duration
	LivenessTimeout  time.Duration

	// Identity returns the packet body announced for the local device. It is
	// called on every broadcast so a late-bound TCP port is picked up.
	Identity func() protocol.Identity

	EnableMDNS bool
	MDNS       MDNSConfig

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = protocol.DiscoveryPort
	}
	if out.ListenAddress == "" {
		out.ListenAddress = "0.0.0.0"
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = net.IPv4bcast.String()
	}
	if out.Interval <= 0 {
		out.Interval = DefaultBroadcastInterval
	}
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = DefaultLivenessTimeout
	}
	out.MDNS = out.MDNS.withDefaults()
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.Identity == nil {
		return errors.New("identity source is required")
	}
	return nil
}

// Service announces the local identity over UDP and learns remote ones.
//
// It never consults pairing or connection state; consumers read Events.
type Service struct {
	cfg   Config
	table *Table

	conn    *net.UDPConn
	targets []*net.UDPAddr

	mdns *mdnsAdvertiser

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewService creates a service with config defaults applied.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "discovery").Logger()
	cfg.Logger = logger

	targets := make([]*net.UDPAddr, 0, len(cfg.Targets)+1)
	for _, raw := range append([]string{cfg.BroadcastAddress}, cfg.Targets...) {
		addr, err := resolveTarget(raw, cfg.Port)
		if err != nil {
			return nil, err
		}
		targets = append(targets, addr)
	}

	return &Service{
		cfg:     cfg,
		table:   newTable(cfg.SelfDeviceID, cfg.LivenessTimeout, logger),
		targets: targets,
	}, nil
}

// Start binds the discovery socket and runs the announce, listen and expiry loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	listenAddr := &net.UDPAddr{IP: net.ParseIP(s.cfg.ListenAddress), Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("bind UDP port %d: %w", s.cfg.Port, err)
	}
	if err := conn.SetReadBuffer(MaxDatagramSize * 4); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("set read buffer failed")
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group

	group.Go(func() error { return s.listenLoop(groupCtx) })
	group.Go(func() error { return s.announceLoop(groupCtx) })
	group.Go(func() error { return s.expireLoop(groupCtx) })

	if s.cfg.EnableMDNS {
		id := s.cfg.Identity()
		advertiser, err := startMDNSAdvertiser(s.cfg.MDNS, id, s.cfg.Port)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("mDNS advertisement unavailable")
		} else {
			s.mdns = advertiser
		}
		browser, err := newMDNSBrowser(s.cfg.MDNS, s.cfg.SelfDeviceID, s.table, s.AnnounceTo, s.cfg.Logger)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("mDNS browsing unavailable")
		} else {
			group.Go(func() error { return browser.run(groupCtx) })
		}
	}

	s.cfg.Logger.Info().Int("port", s.cfg.Port).Msg("discovery started")
	return nil
}

// Stop shuts down every loop and closes the socket.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, group, conn := s.cancel, s.group, s.conn
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.cfg.Logger.Warn().Err(err).Msg("discovery stopped with error")
	}
	if s.mdns != nil {
		s.mdns.stop()
	}
	s.cfg.Logger.Info().Msg("discovery stopped")
}

// Events provides asynchronous discovery updates.
func (s *Service) Events() <-chan Event {
	return s.table.Events()
}

// ListDevices returns the identities learned so far, sorted by name.
func (s *Service) ListDevices() []models.DeviceIdentity {
	return s.table.List()
}

// Lookup returns one learned identity.
func (s *Service) Lookup(deviceID string) (models.DeviceIdentity, bool) {
	return s.table.Lookup(deviceID)
}

// Announce broadcasts the local identity immediately.
func (s *Service) Announce() error {
	return s.sendIdentity(s.targets...)
}

// AnnounceTo sends the local identity to one host, prompting it to connect back.
func (s *Service) AnnounceTo(host string) error {
	addr, err := resolveTarget(host, s.cfg.Port)
	if err != nil {
		return err
	}
	return s.sendIdentity(addr)
}

func (s *Service) sendIdentity(addrs ...*net.UDPAddr) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	pkt, err := protocol.NewIdentityPacket(s.cfg.Identity())
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	var errs []error
	for _, addr := range addrs {
		if _, err := conn.WriteToUDP(frame, addr); err != nil {
			errs = append(errs, fmt.Errorf("announce to %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) listenLoop(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.cfg.Logger.Warn().Err(err).Msg("read error")
			continue
		}

		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Service) handleDatagram(datagram []byte, from *net.UDPAddr) {
	pkt, err := protocol.Decode(datagram)
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Str("from", from.String()).Msg("ignoring invalid datagram")
		return
	}
	id, err := protocol.ParseIdentity(pkt)
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Str("from", from.String()).Msg("ignoring non-identity datagram")
		return
	}
	if s.table.Observe(id, from.IP.String()) {
		s.cfg.Logger.Trace().Str("device_id", id.DeviceID).Str("from", from.String()).Msg("identity received")
	}
}

func (s *Service) announceLoop(ctx context.Context) error {
	if err := s.Announce(); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("announce failed")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.cfg.Logger.Debug().Err(err).Msg("announce failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) expireLoop(ctx context.Context) error {
	interval := s.cfg.LivenessTimeout / 3
	if interval <= 0 {
		interval = s.cfg.LivenessTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.table.Expire()
		case <-ctx.Done():
			return nil
		}
	}
}

func resolveTarget(raw string, defaultPort int) (*net.UDPAddr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty discovery target")
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		raw = net.JoinHostPort(raw, strconv.Itoa(defaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery target %q: %w", raw, err)
	}
	return addr, nil
}
