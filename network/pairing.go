package network

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"connectd/crypto"
	"connectd/metrics"
	"connectd/protocol"
	"connectd/storage"
)

// DefaultPairingTimeout bounds how long a pairing request stays pending.
const DefaultPairingTimeout = 30 * time.Second

// TrustStore persists paired devices and pairing decisions.
type TrustStore interface {
	GetTrustedDevice(deviceID string) (*storage.TrustedDevice, error)
	SaveTrustedDevice(device storage.TrustedDevice) error
	RemoveTrustedDevice(deviceID string) error
	LogDeviceEvent(eventType, deviceID, severity string, details any) error
}

// PairState is the pairing progress with one device.
type PairState int

const (
	PairNone PairState = iota
	// PairRequested means we asked and are waiting for the peer.
	PairRequested
	// PairRequestedByPeer means the peer asked and the local user has not answered.
	PairRequestedByPeer
	PairPaired
)

func (s PairState) String() string {
	switch s {
	case PairRequested:
		return "requested"
	case PairRequestedByPeer:
		return "requested_by_peer"
	case PairPaired:
		return "paired"
	default:
		return "none"
	}
}

// PairingRequest is raised when a peer asks to pair.
type PairingRequest struct {
	DeviceID        string `json:"deviceId"`
	DeviceName      string `json:"deviceName"`
	VerificationKey string `json:"verificationKey"`
	Timestamp       int64  `json:"timestamp"`
}

// PairingResult reports the end of a pairing exchange or an unpair.
type PairingResult struct {
	DeviceID string
	Paired   bool
	// Err is nil on success and for unpair; otherwise ErrPairingRejected or ErrPairingTimedOut.
	Err error
}

// PairingHooks receive pairing notifications. Hooks run without internal
// locks held and may call back into the service.
type PairingHooks struct {
	Requested func(PairingRequest)
	Result    func(PairingResult)
}

// PairingConfig wires a PairingService.
type PairingConfig struct {
	LocalCertificate *x509.Certificate
	Store            TrustStore
	Timeout          time.Duration
	// Send writes a packet to the device's live link.
	Send   func(deviceID string, pkt protocol.Packet) error
	Hooks  PairingHooks
	Logger zerolog.Logger
}

type pairEntry struct {
	state      PairState
	attached   bool
	info       LinkInfo
	timer      *time.Timer
	generation uint64
}

// PairingService runs the pair/unpair exchange and owns trust decisions.
type PairingService struct {
	cfg    PairingConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*pairEntry
}

// NewPairingService validates cfg and returns a service with no attached devices.
func NewPairingService(cfg PairingConfig) (*PairingService, error) {
	if cfg.Store == nil {
		return nil, errors.New("pairing trust store is required")
	}
	if cfg.Send == nil {
		return nil, errors.New("pairing send func is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPairingTimeout
	}
	return &PairingService{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     time.Now,
		entries: make(map[string]*pairEntry),
	}, nil
}

// Attach registers a live link for deviceID and reports whether the device is
// already trusted. A trusted id presenting a different certificate returns
// ErrUntrustedCertificate and must not be used.
func (p *PairingService) Attach(deviceID string, info LinkInfo) (bool, error) {
	trusted, err := p.cfg.Store.GetTrustedDevice(deviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load trust for %q: %w", deviceID, err)
	}

	if trusted != nil && trusted.CertificateFingerprint != info.Fingerprint {
		p.logEvent(storage.SecurityEventCertificateChange, deviceID, storage.SecuritySeverityCritical, map[string]string{
			"expected": trusted.CertificateFingerprint,
			"received": info.Fingerprint,
			"address":  info.RemoteHost,
		})
		return false, fmt.Errorf("%w: device %q presented %s", ErrUntrustedCertificate, deviceID, info.Fingerprint)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.entryLocked(deviceID)
	entry.attached = true
	entry.info = info
	if trusted != nil {
		entry.state = PairPaired
	} else {
		entry.state = PairNone
	}
	return trusted != nil, nil
}

// Detach forgets the live link and any pending request. Trust is kept.
func (p *PairingService) Detach(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[deviceID]
	if !ok {
		return
	}
	p.stopTimerLocked(entry)
	delete(p.entries, deviceID)
}

// State returns the pairing state of an attached device.
func (p *PairingService) State(deviceID string) PairState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[deviceID]; ok {
		return entry.state
	}
	return PairNone
}

// IsPaired reports whether deviceID has a trust entry.
func (p *PairingService) IsPaired(deviceID string) bool {
	trusted, err := p.cfg.Store.GetTrustedDevice(deviceID)
	return err == nil && trusted != nil
}

// RequestPairing sends pair:true and starts the pairing timer. The outcome
// arrives through Hooks.Result. A pending request from the peer is accepted.
func (p *PairingService) RequestPairing(deviceID string) error {
	p.mu.Lock()
	entry, ok := p.entries[deviceID]
	if !ok || !entry.attached {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	switch entry.state {
	case PairPaired:
		p.mu.Unlock()
		return nil
	case PairRequestedByPeer:
		p.mu.Unlock()
		return p.AcceptPairing(deviceID)
	case PairRequested:
		p.mu.Unlock()
		return nil
	}
	entry.state = PairRequested
	p.armTimerLocked(deviceID, entry)
	p.mu.Unlock()

	if err := p.cfg.Send(deviceID, protocol.NewPairPacket(true, p.now())); err != nil {
		p.reset(deviceID)
		return err
	}
	p.logEvent(storage.SecurityEventPairingRequested, deviceID, storage.SecuritySeverityInfo, map[string]string{"direction": "outgoing"})
	return nil
}

// AcceptPairing answers a pending peer request with pair:true and records trust.
func (p *PairingService) AcceptPairing(deviceID string) error {
	p.mu.Lock()
	entry, ok := p.entries[deviceID]
	if !ok || entry.state != PairRequestedByPeer {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, deviceID)
	}
	info, generation := entry.info, entry.generation
	p.mu.Unlock()

	// Trust and plugins are in place before the peer learns it may send.
	if err := p.completePairing(deviceID, info, PairRequestedByPeer, generation); err != nil {
		return err
	}
	return p.cfg.Send(deviceID, protocol.NewPairPacket(true, p.now()))
}

// RejectPairing answers a pending peer request with pair:false, or withdraws
// our own pending request. No trust entry is written.
func (p *PairingService) RejectPairing(deviceID string) error {
	p.mu.Lock()
	entry, ok := p.entries[deviceID]
	if !ok || (entry.state != PairRequestedByPeer && entry.state != PairRequested) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, deviceID)
	}
	p.stopTimerLocked(entry)
	entry.state = PairNone
	p.mu.Unlock()

	sendErr := p.cfg.Send(deviceID, protocol.NewPairPacket(false, p.now()))
	p.logEvent(storage.SecurityEventPairingRejected, deviceID, storage.SecuritySeverityInfo, map[string]string{"by": "local"})
	p.finish(PairingResult{DeviceID: deviceID, Err: ErrPairingRejected})
	return sendErr
}

// Unpair removes trust, tells the peer when connected, and reverts the link
// to unpaired.
func (p *PairingService) Unpair(deviceID string) error {
	if err := p.cfg.Store.RemoveTrustedDevice(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove trust for %q: %w", deviceID, err)
	}

	p.mu.Lock()
	attached := false
	if entry, ok := p.entries[deviceID]; ok {
		p.stopTimerLocked(entry)
		entry.state = PairNone
		attached = entry.attached
	}
	p.mu.Unlock()

	var sendErr error
	if attached {
		sendErr = p.cfg.Send(deviceID, protocol.NewPairPacket(false, p.now()))
	}
	p.logEvent(storage.SecurityEventUnpaired, deviceID, storage.SecuritySeverityInfo, map[string]string{"by": "local"})
	p.finish(PairingResult{DeviceID: deviceID})
	return sendErr
}

// HandlePacket applies an inbound kdeconnect.pair packet.
func (p *PairingService) HandlePacket(deviceID string, pkt protocol.Packet) error {
	body, err := protocol.ParsePair(pkt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	entry, ok := p.entries[deviceID]
	if !ok || !entry.attached {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	state := entry.state
	info := entry.info

	if body.Pair {
		switch state {
		case PairPaired:
			p.mu.Unlock()
			p.logger.Debug().Str("device_id", deviceID).Msg("ignoring pair request from paired device")
			return nil
		case PairRequestedByPeer:
			p.mu.Unlock()
			return nil
		case PairRequested:
			generation := entry.generation
			p.mu.Unlock()
			if err := p.completePairing(deviceID, info, PairRequested, generation); err != nil {
				return err
			}
			// Crossed requests: the larger id yields and confirms.
			if p.localID() > deviceID {
				return p.cfg.Send(deviceID, protocol.NewPairPacket(true, p.now()))
			}
			return nil
		default:
			entry.state = PairRequestedByPeer
			p.armTimerLocked(deviceID, entry)
			p.mu.Unlock()

			p.logEvent(storage.SecurityEventPairingRequested, deviceID, storage.SecuritySeverityInfo, map[string]string{"direction": "incoming"})
			if p.cfg.Hooks.Requested != nil {
				p.cfg.Hooks.Requested(PairingRequest{
					DeviceID:        deviceID,
					DeviceName:      info.Identity.DeviceName,
					VerificationKey: crypto.VerificationKey(p.cfg.LocalCertificate, info.Certificate, body.Timestamp),
					Timestamp:       body.Timestamp,
				})
			}
			return nil
		}
	}

	switch state {
	case PairRequested, PairRequestedByPeer:
		p.stopTimerLocked(entry)
		entry.state = PairNone
		p.mu.Unlock()
		p.logEvent(storage.SecurityEventPairingRejected, deviceID, storage.SecuritySeverityInfo, map[string]string{"by": "peer"})
		p.finish(PairingResult{DeviceID: deviceID, Err: ErrPairingRejected})
	case PairPaired:
		entry.state = PairNone
		p.mu.Unlock()
		if err := p.cfg.Store.RemoveTrustedDevice(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("remove trust for %q: %w", deviceID, err)
		}
		p.logEvent(storage.SecurityEventUnpaired, deviceID, storage.SecuritySeverityInfo, map[string]string{"by": "peer"})
		p.finish(PairingResult{DeviceID: deviceID})
	default:
		p.mu.Unlock()
	}
	return nil
}

// completePairing records trust only while the request it answers is still
// pending: expect and generation must match the entry when trust is written.
func (p *PairingService) completePairing(deviceID string, info LinkInfo, expect PairState, generation uint64) error {
	device := storage.TrustedDevice{
		DeviceID:               deviceID,
		DeviceName:             info.Identity.DeviceName,
		DeviceType:             string(info.Identity.DeviceType),
		CertificateFingerprint: info.Fingerprint,
		PairedTimestamp:        p.now().UnixMilli(),
	}
	if info.Certificate != nil {
		device.CertificatePEM = crypto.EncodeCertificatePEM(info.Certificate.Raw)
	}
	if info.RemoteHost != "" {
		host := info.RemoteHost
		device.LastKnownIP = &host
	}
	if info.Identity.TCPPort > 0 {
		port := info.Identity.TCPPort
		device.LastKnownPort = &port
	}

	p.mu.Lock()
	entry, ok := p.entries[deviceID]
	if !ok || !entry.attached || entry.state != expect || entry.generation != generation {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, deviceID)
	}
	p.stopTimerLocked(entry)
	if err := p.cfg.Store.SaveTrustedDevice(device); err != nil {
		entry.state = PairNone
		p.mu.Unlock()
		return fmt.Errorf("save trust for %q: %w", deviceID, err)
	}
	entry.state = PairPaired
	p.mu.Unlock()

	p.logEvent(storage.SecurityEventPairingAccepted, deviceID, storage.SecuritySeverityInfo, map[string]string{"fingerprint": info.Fingerprint})
	p.finish(PairingResult{DeviceID: deviceID, Paired: true})
	return nil
}

func (p *PairingService) expire(deviceID string, generation uint64) {
	p.mu.Lock()
	entry, ok := p.entries[deviceID]
	if !ok || entry.generation != generation || (entry.state != PairRequested && entry.state != PairRequestedByPeer) {
		p.mu.Unlock()
		return
	}
	entry.state = PairNone
	entry.timer = nil
	p.mu.Unlock()

	p.logEvent(storage.SecurityEventPairingTimedOut, deviceID, storage.SecuritySeverityWarning, nil)
	p.finish(PairingResult{DeviceID: deviceID, Err: ErrPairingTimedOut})
}

func (p *PairingService) reset(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[deviceID]; ok {
		p.stopTimerLocked(entry)
		entry.state = PairNone
	}
}

func (p *PairingService) finish(result PairingResult) {
	switch {
	case result.Paired:
		metrics.RecordPairingResult("paired")
	case errors.Is(result.Err, ErrPairingRejected):
		metrics.RecordPairingResult("rejected")
	case errors.Is(result.Err, ErrPairingTimedOut):
		metrics.RecordPairingResult("timed_out")
	default:
		metrics.RecordPairingResult("unpaired")
	}
	if p.cfg.Hooks.Result != nil {
		p.cfg.Hooks.Result(result)
	}
}

func (p *PairingService) armTimerLocked(deviceID string, entry *pairEntry) {
	p.stopTimerLocked(entry)
	entry.generation++
	generation := entry.generation
	entry.timer = time.AfterFunc(p.cfg.Timeout, func() {
		p.expire(deviceID, generation)
	})
}

func (p *PairingService) stopTimerLocked(entry *pairEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.generation++
}

func (p *PairingService) entryLocked(deviceID string) *pairEntry {
	entry, ok := p.entries[deviceID]
	if !ok {
		entry = &pairEntry{}
		p.entries[deviceID] = entry
	}
	return entry
}

func (p *PairingService) localID() string {
	if p.cfg.LocalCertificate == nil {
		return ""
	}
	return p.cfg.LocalCertificate.Subject.CommonName
}

func (p *PairingService) logEvent(eventType, deviceID, severity string, details any) {
	if err := p.cfg.Store.LogDeviceEvent(eventType, deviceID, severity, details); err != nil {
		p.logger.Warn().Err(err).Str("event", eventType).Str("device_id", deviceID).Msg("failed to record security event")
	}
}
