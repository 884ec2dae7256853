package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"connectd/crypto"
	"connectd/discovery"
	"connectd/metrics"
	"connectd/models"
	"connectd/plugins"
	"connectd/protocol"
	"connectd/storage"
)

// EventType identifies manager notifications.
type EventType string

const (
	EventDeviceDiscovered       EventType = "device_discovered"
	EventDeviceUpdated          EventType = "device_updated"
	EventDeviceLost             EventType = "device_lost"
	EventPairingRequested       EventType = "pairing_requested"
	EventPairingResult          EventType = "pairing_result"
	EventConnectionStateChanged EventType = "connection_state_changed"
	EventTransferProgress       EventType = "transfer_progress"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Type     EventType                `json:"type"`
	DeviceID string                   `json:"device_id"`
	Device   *models.Device           `json:"device,omitempty"`
	Pairing  *PairingRequest          `json:"pairing,omitempty"`
	Paired   bool                     `json:"paired,omitempty"`
	Transfer *models.TransferProgress `json:"transfer,omitempty"`
	Error    string                   `json:"error,omitempty"`
	// Err is the typed failure behind Error.
	Err error `json:"-"`
}

// Store is the persistence the manager needs.
type Store interface {
	TrustStore
	ListTrustedDevices() ([]storage.TrustedDevice, error)
	UpdateTrustedDeviceEndpoint(deviceID, ip string, port int, lastSeenTimestamp int64) error
}

// DiscoverySource feeds reachability updates into the manager.
type DiscoverySource interface {
	Events() <-chan discovery.Event
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Identity carries the local id, name and type. Capabilities and the TCP
	// port are filled in by the manager.
	Identity    protocol.Identity
	Certificate tls.Certificate
	// ListenAddress is host:port; a zero port scans the protocol range.
	ListenAddress string
	// PayloadHost is the interface payload listeners bind to.
	PayloadHost string

	Store     Store
	Registry  *plugins.Registry
	Discovery DiscoverySource

	HandshakeTimeout time.Duration
	PairingTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Logger zerolog.Logger
}

type deviceEntry struct {
	identity    models.DeviceIdentity
	state       models.ConnectionState
	paired      bool
	fingerprint string

	link   *Link
	table  *plugins.Table
	ctx    context.Context
	cancel context.CancelFunc

	suppressRetry bool
}

// Manager owns every device: its links, pairing state, plugin instances and
// reconnect schedule.
type Manager struct {
	options ManagerOptions
	logger  zerolog.Logger

	pairing   *PairingService
	reconnect *reconnectScheduler
	server    *Server
	port      atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.RWMutex
	devices map[string]*deviceEntry
	started bool

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
}

// NewManager creates a manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Identity.DeviceID == "" {
		return nil, errors.New("identity.device_id is required")
	}
	if options.Identity.DeviceName == "" {
		options.Identity.DeviceName = options.Identity.DeviceID
	}
	if options.Identity.DeviceType == "" {
		options.Identity.DeviceType = protocol.DeviceTypeDesktop
	}
	if options.Registry == nil {
		registry, err := plugins.NewRegistry()
		if err != nil {
			return nil, err
		}
		options.Registry = registry
	}
	if options.ListenAddress == "" {
		options.ListenAddress = ":0"
	}

	leaf, err := crypto.Leaf(options.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse local certificate: %w", err)
	}
	if leaf.Subject.CommonName != options.Identity.DeviceID {
		return nil, fmt.Errorf("%w: %q vs %q", crypto.ErrCertificateIdentity, leaf.Subject.CommonName, options.Identity.DeviceID)
	}

	m := &Manager{
		options:     options,
		logger:      options.Logger,
		devices:     make(map[string]*deviceEntry),
		subscribers: make(map[int]chan Event),
	}

	m.pairing, err = NewPairingService(PairingConfig{
		LocalCertificate: leaf,
		Store:            options.Store,
		Timeout:          options.PairingTimeout,
		Send:             m.SendPacket,
		Hooks: PairingHooks{
			Requested: m.onPairingRequested,
			Result:    m.onPairingResult,
		},
		Logger: options.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.reconnect = newReconnectScheduler(options.ReconnectInitial, options.ReconnectMax, m.reconnectAttempt)
	return m, nil
}

// Start loads the trust store, begins listening and schedules reconnects to
// trusted devices with a known endpoint.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	trusted, err := m.options.Store.ListTrustedDevices()
	if err != nil {
		m.cancel()
		return fmt.Errorf("load trusted devices: %w", err)
	}

	server, err := Listen(m.options.ListenAddress, m.handshakeOptions())
	if err != nil {
		m.cancel()
		return err
	}
	m.server = server
	m.port.Store(int32(server.Port()))
	m.logger.Info().Str("address", server.Addr().String()).Msg("listening for device links")

	m.mu.Lock()
	for _, device := range trusted {
		entry := m.entryLocked(device.DeviceID)
		entry.paired = true
		entry.fingerprint = device.CertificateFingerprint
		entry.identity.DeviceName = device.DeviceName
		entry.identity.DeviceType = device.DeviceType
		if device.LastKnownIP != nil {
			entry.identity.Address = *device.LastKnownIP
		}
		if device.LastKnownPort != nil {
			entry.identity.Port = *device.LastKnownPort
		}
	}
	m.mu.Unlock()

	for _, device := range trusted {
		if device.LastKnownIP != nil && device.LastKnownPort != nil {
			m.reconnect.Trigger(device.DeviceID)
		}
	}

	m.wg.Add(2)
	go m.serverLoop()
	go func() {
		defer m.wg.Done()
		m.reconnect.run(m.ctx, &m.wg)
	}()

	if m.options.Discovery != nil {
		m.wg.Add(1)
		go m.discoveryLoop(m.options.Discovery.Events())
	}
	return nil
}

// Stop closes the listener, every link and every plugin, and waits for the
// manager goroutines.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if !started {
			return
		}

		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.mu.Lock()
		links := make([]*Link, 0, len(m.devices))
		for _, entry := range m.devices {
			if entry.link != nil {
				links = append(links, entry.link)
			}
		}
		m.mu.Unlock()
		for _, link := range links {
			_ = link.Close()
		}

		m.wg.Wait()

		m.subMu.Lock()
		for id, ch := range m.subscribers {
			close(ch)
			delete(m.subscribers, id)
		}
		m.subMu.Unlock()
	})
}

// Addr returns the link listener address.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Identity returns the identity announced to peers, including the bound TCP
// port and the registry's capabilities.
func (m *Manager) Identity() protocol.Identity {
	id := m.options.Identity
	id.ProtocolVersion = protocol.ProtocolVersion
	id.IncomingCapabilities, id.OutgoingCapabilities = m.options.Registry.Capabilities()
	id.TCPPort = int(m.port.Load())
	return id
}

// Subscribe returns a channel of manager events and a func that ends the
// subscription. Slow subscribers miss events rather than stall the manager.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 64)
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if existing, ok := m.subscribers[id]; ok {
				close(existing)
				delete(m.subscribers, id)
			}
		})
	}
}

// Devices returns snapshots of every known device sorted by name.
func (m *Manager) Devices() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Device, 0, len(m.devices))
	for _, entry := range m.devices {
		out = append(out, entry.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName != out[j].DeviceName {
			return out[i].DeviceName < out[j].DeviceName
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Device returns a snapshot of one device.
func (m *Manager) Device(deviceID string) (models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.devices[deviceID]
	if !ok {
		return models.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return entry.snapshot(), nil
}

// Plugin returns the named plugin instance of a paired, connected device.
func (m *Manager) Plugin(deviceID, name string) (plugins.Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if entry.table == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotPaired, deviceID)
	}
	plugin, ok := entry.table.Plugin(name)
	if !ok {
		return nil, fmt.Errorf("plugin %q not active for %s", name, deviceID)
	}
	return plugin, nil
}

// SendPacket writes pkt to the device's live link.
func (m *Manager) SendPacket(deviceID string, pkt protocol.Packet) error {
	link, err := m.linkFor(deviceID)
	if err != nil {
		return err
	}
	return link.Send(pkt)
}

type fileSender interface {
	SendFile(ctx context.Context, path string) (string, error)
}

// SendFile shares a local file with a paired device through its share plugin
// and returns the transfer id. It blocks until the transfer finishes.
func (m *Manager) SendFile(ctx context.Context, deviceID, path string) (string, error) {
	plugin, err := m.Plugin(deviceID, "share")
	if err != nil {
		return "", err
	}
	sender, ok := plugin.(fileSender)
	if !ok {
		return "", fmt.Errorf("plugin %q cannot send files", plugin.Name())
	}
	return sender.SendFile(ctx, path)
}

// Disconnect closes the device's link. A trusted device is not retried until
// discovery sees it again or Connect is called.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	link := entry.link
	entry.suppressRetry = true
	m.mu.Unlock()

	m.reconnect.Cancel(deviceID)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	return link.Close()
}

// Connect dials the device's last known endpoint and registers the link.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	address, err := m.resolveAddress(deviceID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entry := m.entryLocked(deviceID)
	if entry.link != nil {
		m.mu.Unlock()
		return nil
	}
	entry.suppressRetry = false
	previous := entry.state
	entry.state = models.StateConnecting
	snapshot := entry.snapshot()
	m.mu.Unlock()
	if previous != models.StateConnecting {
		m.emit(Event{Type: EventConnectionStateChanged, DeviceID: deviceID, Device: &snapshot})
	}

	link, err := Dial(ctx, address, deviceID, m.handshakeOptions())
	if err != nil {
		m.connectFailed(deviceID, err)
		return err
	}
	return m.registerLink(link)
}

// ConnectAddress dials an explicit host:port and returns the device id the
// peer authenticated as.
func (m *Manager) ConnectAddress(ctx context.Context, address string) (string, error) {
	link, err := Dial(ctx, address, "", m.handshakeOptions())
	if err != nil {
		return "", err
	}
	if err := m.registerLink(link); err != nil {
		return "", err
	}
	return link.DeviceID(), nil
}

// RequestPairing asks a device to pair, connecting to it first when it is
// only known from discovery.
func (m *Manager) RequestPairing(deviceID string) error {
	if _, err := m.linkFor(deviceID); errors.Is(err, ErrNotConnected) {
		ctx, cancel := context.WithTimeout(m.ctx, m.options.HandshakeTimeout)
		err := m.Connect(ctx, deviceID)
		cancel()
		if err != nil {
			return fmt.Errorf("connect before pairing: %w", err)
		}
	}
	if err := m.pairing.RequestPairing(deviceID); err != nil {
		return err
	}
	m.setState(deviceID, func(entry *deviceEntry) {
		if entry.link != nil && !entry.paired {
			entry.state = models.StatePairing
		}
	})
	return nil
}

// AcceptPairing accepts a pending request from deviceID.
func (m *Manager) AcceptPairing(deviceID string) error {
	return m.pairing.AcceptPairing(deviceID)
}

// RejectPairing declines a pending request from deviceID.
func (m *Manager) RejectPairing(deviceID string) error {
	return m.pairing.RejectPairing(deviceID)
}

// Unpair removes trust for deviceID and stops its plugins.
func (m *Manager) Unpair(deviceID string) error {
	return m.pairing.Unpair(deviceID)
}

// PairingState returns the pairing progress with a connected device.
func (m *Manager) PairingState(deviceID string) PairState {
	return m.pairing.State(deviceID)
}

func (m *Manager) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:    m.Identity,
		Certificate: m.options.Certificate,
		Timeout:     m.options.HandshakeTimeout,
		Logger:      m.logger,
	}
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case link, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			if err := m.registerLink(link); err != nil {
				m.logger.Warn().Err(err).Str("device_id", link.DeviceID()).Msg("refused inbound link")
			}
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportHandshakeError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reportHandshakeError(err error) {
	if errors.Is(err, ErrIdentityMismatch) {
		if logErr := m.options.Store.LogDeviceEvent(storage.SecurityEventIdentityMismatch, "", storage.SecuritySeverityWarning, map[string]string{"error": err.Error()}); logErr != nil {
			m.logger.Warn().Err(logErr).Msg("failed to record security event")
		}
	}
	m.logger.Debug().Err(err).Msg("link handshake failed")
}

// registerLink installs an authenticated link, resolving duplicates and
// trust, and starts its ordered reader.
func (m *Manager) registerLink(link *Link) error {
	deviceID := link.DeviceID()
	localID := m.options.Identity.DeviceID

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		_ = link.Close()
		return ErrManagerStopped
	}
	entry := m.entryLocked(deviceID)
	var replaced *Link
	var replacedTable *plugins.Table
	if existing := entry.link; existing != nil {
		existingDialer := existing.DialerID(localID)
		newDialer := link.DialerID(localID)
		// Both sides apply the same rule, so they keep the same TCP connection.
		if existingDialer != newDialer && existingDialer < newDialer {
			m.mu.Unlock()
			_ = link.Close()
			m.logger.Debug().Str("device_id", deviceID).Msg("closing duplicate link")
			return nil
		}
		replaced = existing
		replacedTable = entry.table
		entry.cancel()
		entry.table = nil
	}
	entry.link = link
	entry.ctx, entry.cancel = context.WithCancel(m.ctx)
	linkCtx, linkCancel := entry.ctx, entry.cancel
	m.wg.Add(1)
	m.mu.Unlock()

	// Work bound to the device stops as soon as the connection drops, even
	// while the dispatch goroutine is busy.
	go func() {
		defer m.wg.Done()
		select {
		case <-link.Done():
			linkCancel()
		case <-linkCtx.Done():
		}
	}()

	if replaced != nil {
		replacedTable.Stop()
		_ = replaced.Close()
	}

	info := link.Info()
	paired, err := m.pairing.Attach(deviceID, info)
	if err != nil {
		m.mu.Lock()
		if entry.link == link {
			entry.link = nil
			entry.cancel()
			entry.state = models.StateDisconnected
		}
		m.mu.Unlock()
		_ = link.Close()
		m.reconnect.Cancel(deviceID)
		m.emit(Event{Type: EventConnectionStateChanged, DeviceID: deviceID, Err: err, Error: err.Error()})
		return err
	}

	m.mu.Lock()
	entry.identity.DeviceID = deviceID
	entry.identity.DeviceName = info.Identity.DeviceName
	entry.identity.DeviceType = string(info.Identity.DeviceType)
	entry.identity.ProtocolVersion = info.Identity.ProtocolVersion
	entry.identity.IncomingCapabilities = append([]string(nil), info.Identity.IncomingCapabilities...)
	entry.identity.OutgoingCapabilities = append([]string(nil), info.Identity.OutgoingCapabilities...)
	if info.RemoteHost != "" {
		entry.identity.Address = info.RemoteHost
	}
	if info.Identity.TCPPort > 0 {
		entry.identity.Port = info.Identity.TCPPort
	}
	entry.fingerprint = info.Fingerprint
	entry.paired = paired
	entry.state = models.StateConnectedUnpaired
	ctx := entry.ctx
	m.mu.Unlock()

	if paired {
		m.installPlugins(deviceID, link, ctx)
		if info.RemoteHost != "" && info.Identity.TCPPort > 0 {
			if err := m.options.Store.UpdateTrustedDeviceEndpoint(deviceID, info.RemoteHost, info.Identity.TCPPort, time.Now().UnixMilli()); err != nil {
				m.logger.Debug().Err(err).Str("device_id", deviceID).Msg("failed to record device endpoint")
			}
		}
	}
	m.reconnect.Cancel(deviceID)
	m.updateConnectedGauge()

	snapshot, _ := m.Device(deviceID)
	m.emit(Event{Type: EventConnectionStateChanged, DeviceID: deviceID, Device: &snapshot})
	m.logger.Info().Str("device_id", deviceID).Bool("paired", paired).Bool("outbound", info.Outbound).Msg("device connected")

	m.wg.Add(1)
	go m.linkLoop(link)
	return nil
}

// installPlugins negotiates capabilities and builds the dispatch table for a
// paired device. It runs before the link's packets are routed to plugins.
func (m *Manager) installPlugins(deviceID string, link *Link, ctx context.Context) {
	info := link.Info()
	factories, negotiated := m.options.Registry.Negotiate(info.Identity.IncomingCapabilities, info.Identity.OutgoingCapabilities)
	handle := &deviceHandle{manager: m, deviceID: deviceID}
	table := plugins.Instantiate(ctx, handle, factories, negotiated, m.logger.With().Str("device_id", deviceID).Logger())

	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok || entry.link != link {
		m.mu.Unlock()
		table.Stop()
		return
	}
	previous := entry.table
	entry.table = table
	entry.paired = true
	entry.state = models.StatePaired
	m.mu.Unlock()

	previous.Stop()
}

func (m *Manager) uninstallPlugins(deviceID string) {
	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	table := entry.table
	entry.table = nil
	m.mu.Unlock()

	table.Stop()
}

func (m *Manager) linkLoop(link *Link) {
	defer m.wg.Done()
	deviceID := link.DeviceID()

	for {
		select {
		case pkt := <-link.Packets():
			m.route(deviceID, link, pkt)
		case <-link.Done():
			m.linkClosed(link)
			return
		case <-m.ctx.Done():
			m.linkClosed(link)
			return
		}
	}
}

func (m *Manager) route(deviceID string, link *Link, pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypePair:
		if err := m.pairing.HandlePacket(deviceID, pkt); err != nil {
			m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("pairing packet failed")
		}
		return
	case protocol.TypeIdentity:
		m.logger.Debug().Str("device_id", deviceID).Msg("ignoring identity packet on established link")
		return
	}

	m.mu.RLock()
	entry, ok := m.devices[deviceID]
	if !ok || entry.link != link {
		m.mu.RUnlock()
		return
	}
	table := entry.table
	ctx := entry.ctx
	m.mu.RUnlock()

	if table == nil {
		m.logger.Warn().Str("device_id", deviceID).Str("type", pkt.Type).Msg("dropping packet from unpaired device")
		metrics.RecordPacketDropped("unpaired")
		return
	}
	table.Dispatch(ctx, pkt)
}

func (m *Manager) linkClosed(link *Link) {
	deviceID := link.DeviceID()

	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok || entry.link != link {
		m.mu.Unlock()
		return
	}
	entry.cancel()
	table := entry.table
	entry.table = nil
	entry.link = nil
	entry.state = models.StateDisconnected
	retry := entry.paired && !entry.suppressRetry && m.ctx.Err() == nil
	entry.suppressRetry = false
	m.mu.Unlock()

	table.Stop()
	m.pairing.Detach(deviceID)
	m.updateConnectedGauge()

	if retry {
		delay := m.reconnect.Schedule(deviceID)
		m.logger.Info().Str("device_id", deviceID).Dur("retry_in", delay).Msg("paired device disconnected")
	} else {
		m.logger.Info().Str("device_id", deviceID).Msg("device disconnected")
	}

	snapshot := models.Device{DeviceIdentity: models.DeviceIdentity{DeviceID: deviceID}, State: models.StateDisconnected}
	if current, err := m.Device(deviceID); err == nil {
		snapshot = current
	}
	event := Event{Type: EventConnectionStateChanged, DeviceID: deviceID, Device: &snapshot}
	if err := link.LastError(); err != nil {
		event.Err = err
		event.Error = err.Error()
	}
	m.emit(event)
}

func (m *Manager) connectFailed(deviceID string, err error) {
	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if ok && entry.link == nil {
		entry.state = models.StateDisconnected
	}
	m.mu.Unlock()
	m.logger.Debug().Err(err).Str("device_id", deviceID).Msg("connect failed")
}

func (m *Manager) reconnectAttempt(ctx context.Context, deviceID string) {
	if _, err := m.linkFor(deviceID); err == nil {
		m.reconnect.Cancel(deviceID)
		return
	}
	if !m.pairing.IsPaired(deviceID) {
		m.reconnect.Cancel(deviceID)
		return
	}

	if err := m.Connect(ctx, deviceID); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrUntrustedCertificate) {
			m.reconnect.Cancel(deviceID)
			return
		}
		delay := m.reconnect.Schedule(deviceID)
		m.logger.Debug().Err(err).Str("device_id", deviceID).Dur("retry_in", delay).Msg("reconnect failed")
		return
	}
	m.reconnect.Cancel(deviceID)
}

func (m *Manager) discoveryLoop(events <-chan discovery.Event) {
	defer m.wg.Done()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handleDiscovery(event)
		case <-m.ctx.Done():
			return
		}
	}
}

// handleDiscovery merges a discovery update. A lost device stays known but
// unreachable. Only trusted devices are dialed on sight; others wait for a
// pairing request.
func (m *Manager) handleDiscovery(event discovery.Event) {
	seen := event.Device
	if seen.DeviceID == "" || seen.DeviceID == m.options.Identity.DeviceID {
		return
	}

	m.mu.Lock()
	entry := m.entryLocked(seen.DeviceID)
	var eventType EventType
	switch event.Type {
	case discovery.EventDeviceLost:
		entry.identity.Reachable = false
		eventType = EventDeviceLost
	default:
		if entry.link == nil {
			entry.identity = mergeIdentity(entry.identity, seen)
		} else {
			entry.identity.LastSeen = seen.LastSeen
			entry.identity.Reachable = true
		}
		eventType = EventDeviceDiscovered
		if event.Type == discovery.EventDeviceUpdated {
			eventType = EventDeviceUpdated
		}
	}
	paired := entry.paired
	shouldDial := eventType != EventDeviceLost && paired && entry.link == nil && seen.Address != "" && seen.Port > 0
	snapshot := entry.snapshot()
	m.mu.Unlock()

	m.emit(Event{Type: eventType, DeviceID: seen.DeviceID, Device: &snapshot})
	if eventType == EventDeviceLost {
		return
	}

	if paired && seen.Address != "" && seen.Port > 0 {
		if err := m.options.Store.UpdateTrustedDeviceEndpoint(seen.DeviceID, seen.Address, seen.Port, seen.LastSeen.UnixMilli()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Debug().Err(err).Str("device_id", seen.DeviceID).Msg("failed to record device endpoint")
		}
	}
	if shouldDial {
		m.reconnect.Trigger(seen.DeviceID)
	}
}

func (m *Manager) onPairingRequested(request PairingRequest) {
	m.setState(request.DeviceID, func(entry *deviceEntry) {
		if entry.link != nil && !entry.paired {
			entry.state = models.StatePairing
		}
	})
	req := request
	m.emit(Event{Type: EventPairingRequested, DeviceID: request.DeviceID, Pairing: &req})
}

func (m *Manager) onPairingResult(result PairingResult) {
	if result.Paired {
		m.mu.RLock()
		var link *Link
		var ctx context.Context
		if entry, ok := m.devices[result.DeviceID]; ok {
			link, ctx = entry.link, entry.ctx
		}
		m.mu.RUnlock()
		if link != nil {
			m.installPlugins(result.DeviceID, link, ctx)
		}
	} else {
		m.uninstallPlugins(result.DeviceID)
		m.setState(result.DeviceID, func(entry *deviceEntry) {
			if result.Err == nil {
				entry.paired = false
				entry.fingerprint = ""
			}
			if entry.link != nil {
				entry.state = models.StateConnectedUnpaired
			}
		})
		if result.Err == nil {
			m.reconnect.Cancel(result.DeviceID)
		}
	}

	event := Event{Type: EventPairingResult, DeviceID: result.DeviceID, Paired: result.Paired, Err: result.Err}
	if result.Err != nil {
		event.Error = result.Err.Error()
	}
	if snapshot, err := m.Device(result.DeviceID); err == nil {
		event.Device = &snapshot
	}
	m.emit(event)
}

func (m *Manager) setState(deviceID string, mutate func(*deviceEntry)) {
	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	before := entry.state
	mutate(entry)
	changed := entry.state != before
	snapshot := entry.snapshot()
	m.mu.Unlock()

	if changed {
		m.emit(Event{Type: EventConnectionStateChanged, DeviceID: deviceID, Device: &snapshot})
	}
}

func (m *Manager) linkFor(deviceID string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if entry.link == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	return entry.link, nil
}

// linkContext returns the live link and the context its plugins run under.
func (m *Manager) linkContext(deviceID string) (*Link, context.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.devices[deviceID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if entry.link == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	return entry.link, entry.ctx, nil
}

func (m *Manager) resolveAddress(deviceID string) (string, error) {
	m.mu.RLock()
	entry, ok := m.devices[deviceID]
	var host string
	var port int
	if ok {
		host, port = entry.identity.Address, entry.identity.Port
	}
	m.mu.RUnlock()

	if host == "" || port <= 0 {
		trusted, err := m.options.Store.GetTrustedDevice(deviceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
			}
			return "", err
		}
		if trusted.LastKnownIP == nil || trusted.LastKnownPort == nil {
			return "", fmt.Errorf("device %q has no known endpoint", deviceID)
		}
		host, port = *trusted.LastKnownIP, *trusted.LastKnownPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (m *Manager) entryLocked(deviceID string) *deviceEntry {
	entry, ok := m.devices[deviceID]
	if !ok {
		entry = &deviceEntry{
			identity: models.DeviceIdentity{DeviceID: deviceID},
			state:    models.StateDisconnected,
			cancel:   func() {},
		}
		m.devices[deviceID] = entry
	}
	return entry
}

func (m *Manager) updateConnectedGauge() {
	m.mu.RLock()
	connected := 0
	for _, entry := range m.devices {
		if entry.link != nil {
			connected++
		}
	}
	m.mu.RUnlock()
	metrics.SetConnectedDevices(connected)
}

func (m *Manager) emit(event Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.logger.Warn().Str("event", string(event.Type)).Msg("subscriber queue full, dropping event")
		}
	}
}

func (e *deviceEntry) snapshot() models.Device {
	device := models.Device{
		DeviceIdentity:         e.identity,
		State:                  e.state,
		Paired:                 e.paired,
		CertificateFingerprint: e.fingerprint,
		Capabilities:           e.table.Capabilities(),
		Plugins:                e.table.Names(),
	}
	device.IncomingCapabilities = append([]string(nil), e.identity.IncomingCapabilities...)
	device.OutgoingCapabilities = append([]string(nil), e.identity.OutgoingCapabilities...)
	if device.Capabilities == nil {
		device.Capabilities = []string{}
	}
	if device.Plugins == nil {
		device.Plugins = []string{}
	}
	return device
}

func mergeIdentity(current, seen models.DeviceIdentity) models.DeviceIdentity {
	out := seen
	if out.DeviceName == "" {
		out.DeviceName = current.DeviceName
	}
	if out.DeviceType == "" {
		out.DeviceType = current.DeviceType
	}
	return out
}
