package plugins

import (
	"context"
	"io"
	"sync"

	"connectd/models"
	"connectd/protocol"
)

type fakeDevice struct {
	mu        sync.Mutex
	sent      []protocol.Packet
	transfers []models.TransferProgress
}

func (d *fakeDevice) ID() string   { return "dev-a" }
func (d *fakeDevice) Name() string { return "Phone" }

func (d *fakeDevice) Send(pkt protocol.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, pkt)
	return nil
}

func (d *fakeDevice) SendWithPayload(_ context.Context, pkt protocol.Packet, _ io.Reader, _ int64) error {
	return d.Send(pkt)
}

func (d *fakeDevice) ReceivePayload(context.Context, protocol.Packet, io.Writer, func(int64)) (int64, error) {
	return 0, nil
}

func (d *fakeDevice) ReportTransfer(progress models.TransferProgress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers = append(d.transfers, progress)
}

type recordingPlugin struct {
	name     string
	incoming []string
	outgoing []string

	mu       sync.Mutex
	received []string
	started  bool
	stopped  bool
	startErr error
	handle   func(protocol.Packet) error
}

func (p *recordingPlugin) Name() string                   { return p.name }
func (p *recordingPlugin) IncomingCapabilities() []string { return p.incoming }
func (p *recordingPlugin) OutgoingCapabilities() []string { return p.outgoing }
func (p *recordingPlugin) Init(Device) error              { return nil }

func (p *recordingPlugin) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *recordingPlugin) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *recordingPlugin) HandlePacket(_ context.Context, pkt protocol.Packet) error {
	p.mu.Lock()
	p.received = append(p.received, pkt.Type)
	handle := p.handle
	p.mu.Unlock()
	if handle != nil {
		return handle(pkt)
	}
	return nil
}

func (p *recordingPlugin) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func factoryFor(p *recordingPlugin) Factory {
	return Factory{
		Name:     p.name,
		Incoming: p.incoming,
		Outgoing: p.outgoing,
		New:      func() Plugin { return p },
	}
}
