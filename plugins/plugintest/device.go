// Package plugintest provides an in-memory device handle for plugin tests.
package plugintest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"connectd/models"
	"connectd/protocol"
)

// Device records everything a plugin sends and serves canned payloads.
type Device struct {
	DeviceID   string
	DeviceName string

	// Payload is returned by ReceivePayload.
	Payload []byte
	// ReceiveErr, when set, fails ReceivePayload.
	ReceiveErr error
	// ReceiveHook, when set, runs before ReceivePayload copies; an error
	// fails the receive.
	ReceiveHook func(ctx context.Context) error

	mu        sync.Mutex
	sent      []protocol.Packet
	uploads   map[string][]byte
	transfers []models.TransferProgress
}

// NewDevice returns a device named after id.
func NewDevice(id string) *Device {
	return &Device{DeviceID: id, DeviceName: id, uploads: make(map[string][]byte)}
}

func (d *Device) ID() string   { return d.DeviceID }
func (d *Device) Name() string { return d.DeviceName }

func (d *Device) Send(pkt protocol.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, pkt)
	return nil
}

func (d *Device) SendWithPayload(_ context.Context, pkt protocol.Packet, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.uploads[string(pkt.Body)] = data
	d.mu.Unlock()
	return d.Send(pkt.WithPayload(size, protocol.MinPayloadPort))
}

func (d *Device) ReceivePayload(ctx context.Context, _ protocol.Packet, w io.Writer, progress func(int64)) (int64, error) {
	if d.ReceiveHook != nil {
		if err := d.ReceiveHook(ctx); err != nil {
			return 0, err
		}
	}
	if d.ReceiveErr != nil {
		return 0, d.ReceiveErr
	}
	n, err := io.Copy(w, bytes.NewReader(d.Payload))
	if progress != nil {
		progress(n)
	}
	return n, err
}

func (d *Device) ReportTransfer(progress models.TransferProgress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers = append(d.transfers, progress)
}

// Sent returns the packets sent so far.
func (d *Device) Sent() []protocol.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Packet(nil), d.sent...)
}

// LastSent returns the most recent packet of packetType.
func (d *Device) LastSent(packetType string) (protocol.Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sent) - 1; i >= 0; i-- {
		if d.sent[i].Type == packetType {
			return d.sent[i], true
		}
	}
	return protocol.Packet{}, false
}

// Uploaded returns the bytes offered with the packet whose body is body.
func (d *Device) Uploaded(body []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads[string(body)]
}

// Transfers returns the reported transfer updates.
func (d *Device) Transfers() []models.TransferProgress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.TransferProgress(nil), d.transfers...)
}
