package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"connectd/crypto"
	"connectd/discovery"
	"connectd/models"
	"connectd/plugins"
	"connectd/plugins/ping"
	"connectd/protocol"
	"connectd/storage"
)

const (
	blobPacketType  = "connectd.test.blob"
	stallPacketType = "connectd.test.stall"
)

type testManager struct {
	manager *Manager
	store   *storage.Store
	events  <-chan Event
	pings   *atomic.Int64
	blobs   *blobRecorder
	stalls  *stallRecorder
	cancel  func()
}

type testManagerConfig struct {
	deviceID       string
	name           string
	pairingTimeout time.Duration
	listenAddress  string
	store          *storage.Store
	discovery      DiscoverySource
}

func newTestManager(t *testing.T, cfg testManagerConfig) *testManager {
	t.Helper()

	store := cfg.store
	if store == nil {
		var err error
		store, err = storage.OpenPath(filepath.Join(t.TempDir(), cfg.deviceID+".db"))
		if err != nil {
			t.Fatalf("open store %s: %v", cfg.deviceID, err)
		}
	}

	pings := &atomic.Int64{}
	blobs := &blobRecorder{}
	stalls := &stallRecorder{entered: make(chan struct{}, 4)}
	registry, err := plugins.NewRegistry(
		ping.NewFactory(func(string, string) { pings.Add(1) }, zerolog.Nop()),
		blobs.factory(),
		stalls.factory(),
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	listen := cfg.listenAddress
	if listen == "" {
		listen = freeTCPPort(t)
	}
	pairingTimeout := cfg.pairingTimeout
	if pairingTimeout <= 0 {
		pairingTimeout = 3 * time.Second
	}

	manager, err := NewManager(ManagerOptions{
		Identity: protocol.Identity{
			DeviceID:   cfg.deviceID,
			DeviceName: cfg.name,
			DeviceType: protocol.DeviceTypeDesktop,
		},
		Certificate:      testCertificate(t, cfg.deviceID),
		ListenAddress:    listen,
		PayloadHost:      "127.0.0.1",
		Store:            store,
		Registry:         registry,
		Discovery:        cfg.discovery,
		HandshakeTimeout: 2 * time.Second,
		PairingTimeout:   pairingTimeout,
		ReconnectInitial: 50 * time.Millisecond,
		ReconnectMax:     200 * time.Millisecond,
		Logger:           zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	events, unsubscribe := manager.Subscribe()
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	return &testManager{
		manager: manager,
		store:   store,
		events:  events,
		pings:   pings,
		blobs:   blobs,
		stalls:  stalls,
		cancel:  unsubscribe,
	}
}

func (tm *testManager) stop() {
	tm.cancel()
	tm.manager.Stop()
	_ = tm.store.Close()
}

func (tm *testManager) addr() string {
	return tm.manager.Addr().String()
}

func (tm *testManager) pingPlugin(t *testing.T, deviceID string) *ping.Plugin {
	t.Helper()
	plugin, err := tm.manager.Plugin(deviceID, ping.Name)
	if err != nil {
		t.Fatalf("Plugin(%s, ping) failed: %v", deviceID, err)
	}
	p, ok := plugin.(*ping.Plugin)
	if !ok {
		t.Fatalf("unexpected ping plugin type %T", plugin)
	}
	return p
}

// blobRecorder is a plugin that downloads every payload it is offered.
type blobRecorder struct {
	mu       sync.Mutex
	received [][]byte
	errs     []error
}

func (b *blobRecorder) factory() plugins.Factory {
	return plugins.Factory{
		Name:     "blob",
		Incoming: []string{blobPacketType},
		Outgoing: []string{blobPacketType},
		New: func() plugins.Plugin {
			return &blobPlugin{recorder: b, worker: plugins.NewWorker("blob", 0, zerolog.Nop())}
		},
	}
}

func (b *blobRecorder) snapshot() ([][]byte, []error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.received...), append([]error(nil), b.errs...)
}

type blobPlugin struct {
	recorder *blobRecorder
	device   plugins.Device
	worker   *plugins.Worker
}

func (p *blobPlugin) Name() string                   { return "blob" }
func (p *blobPlugin) IncomingCapabilities() []string { return []string{blobPacketType} }
func (p *blobPlugin) OutgoingCapabilities() []string { return []string{blobPacketType} }

func (p *blobPlugin) Start(ctx context.Context) error {
	p.worker.Start(ctx)
	return nil
}

func (p *blobPlugin) Stop() error {
	p.worker.Stop()
	return nil
}

func (p *blobPlugin) Init(device plugins.Device) error {
	p.device = device
	return nil
}

func (p *blobPlugin) HandlePacket(_ context.Context, pkt protocol.Packet) error {
	return p.worker.Submit(func(ctx context.Context) error {
		return p.receive(ctx, pkt)
	})
}

func (p *blobPlugin) receive(ctx context.Context, pkt protocol.Packet) error {
	var buf bytes.Buffer
	_, err := p.device.ReceivePayload(ctx, pkt, &buf, nil)

	p.recorder.mu.Lock()
	defer p.recorder.mu.Unlock()
	if err != nil {
		p.recorder.errs = append(p.recorder.errs, err)
		return err
	}
	p.recorder.received = append(p.recorder.received, buf.Bytes())
	return nil
}

// stallRecorder is a plugin that blocks the dispatch goroutine until the
// device context ends.
type stallRecorder struct {
	entered  chan struct{}
	released atomic.Int64
}

func (s *stallRecorder) factory() plugins.Factory {
	return plugins.Factory{
		Name:     "stall",
		Incoming: []string{stallPacketType},
		Outgoing: []string{stallPacketType},
		New: func() plugins.Plugin {
			return &stallPlugin{recorder: s}
		},
	}
}

type stallPlugin struct {
	recorder *stallRecorder
}

func (p *stallPlugin) Name() string                   { return "stall" }
func (p *stallPlugin) IncomingCapabilities() []string { return []string{stallPacketType} }
func (p *stallPlugin) OutgoingCapabilities() []string { return []string{stallPacketType} }
func (p *stallPlugin) Init(plugins.Device) error      { return nil }
func (p *stallPlugin) Start(context.Context) error    { return nil }
func (p *stallPlugin) Stop() error                    { return nil }

func (p *stallPlugin) HandlePacket(ctx context.Context, _ protocol.Packet) error {
	p.recorder.entered <- struct{}{}
	<-ctx.Done()
	p.recorder.released.Add(1)
	return ctx.Err()
}

// fakeDiscovery feeds hand-written discovery events to a manager.
type fakeDiscovery struct {
	events chan discovery.Event
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{events: make(chan discovery.Event, 8)}
}

func (f *fakeDiscovery) Events() <-chan discovery.Event {
	return f.events
}

// tricklingReader yields one byte every few milliseconds until stopped.
type tricklingReader struct {
	started chan struct{}
	once    sync.Once
	stop    chan struct{}
}

func newTricklingReader() *tricklingReader {
	return &tricklingReader{started: make(chan struct{}), stop: make(chan struct{})}
}

func (r *tricklingReader) Read(p []byte) (int, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.stop:
		return 0, io.EOF
	case <-time.After(10 * time.Millisecond):
	}
	p[0] = 0x42
	return 1, nil
}

func testCertificate(t *testing.T, deviceID string) tls.Certificate {
	t.Helper()
	certPEM, keyPEM, err := crypto.GenerateCertificate(deviceID, time.Now())
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair failed: %v", err)
	}
	return cert
}

func testHandshakeOptions(t *testing.T, deviceID string) HandshakeOptions {
	t.Helper()
	return HandshakeOptions{
		Identity: func() protocol.Identity {
			return protocol.Identity{
				DeviceID:             deviceID,
				DeviceName:           "Device " + deviceID,
				DeviceType:           protocol.DeviceTypeLaptop,
				ProtocolVersion:      protocol.ProtocolVersion,
				IncomingCapabilities: []string{ping.PacketType},
				OutgoingCapabilities: []string{ping.PacketType},
			}
		},
		Certificate: testCertificate(t, deviceID),
		Timeout:     2 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

func freeTCPPort(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().String()
}

func waitForCondition(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent(t *testing.T, events <-chan Event, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting")
			}
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func waitForState(t *testing.T, tm *testManager, deviceID string, state models.ConnectionState) {
	t.Helper()
	waitForCondition(t, 3*time.Second, deviceID+" state "+string(state), func() bool {
		device, err := tm.manager.Device(deviceID)
		return err == nil && device.State == state
	})
}
