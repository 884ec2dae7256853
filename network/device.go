package network

import (
	"context"
	"errors"
	"fmt"
	"io"

	"connectd/models"
	"connectd/payload"
	"connectd/protocol"
)

// ErrNoPayload indicates a packet that announces no payload channel.
var ErrNoPayload = errors.New("network: packet carries no payload")

// deviceHandle is the plugins.Device a plugin instance holds. Every call
// resolves the device's current link through the manager.
type deviceHandle struct {
	manager  *Manager
	deviceID string
}

func (h *deviceHandle) ID() string {
	return h.deviceID
}

func (h *deviceHandle) Name() string {
	device, err := h.manager.Device(h.deviceID)
	if err != nil || device.DeviceName == "" {
		return h.deviceID
	}
	return device.DeviceName
}

func (h *deviceHandle) Send(pkt protocol.Packet) error {
	return h.manager.SendPacket(h.deviceID, pkt)
}

// SendWithPayload offers r on a payload port, announces it in pkt, and waits
// for the peer to finish reading. The transfer ends when either ctx or the
// device's connection ends.
func (h *deviceHandle) SendWithPayload(ctx context.Context, pkt protocol.Packet, r io.Reader, size int64) error {
	link, ctx, cancel, err := h.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	upload, err := payload.Offer(ctx, h.payloadConfig(link, nil), r, size)
	if err != nil {
		return err
	}
	if err := link.Send(pkt.WithPayload(size, upload.Port)); err != nil {
		cancel()
		<-upload.Done()
		return err
	}
	return upload.Wait()
}

// ReceivePayload dials the payload port announced in pkt and copies exactly
// the announced size into w.
func (h *deviceHandle) ReceivePayload(ctx context.Context, pkt protocol.Packet, w io.Writer, progress func(int64)) (int64, error) {
	if !pkt.HasPayload() {
		return 0, fmt.Errorf("%w: %s", ErrNoPayload, pkt.Type)
	}
	link, ctx, cancel, err := h.session(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return payload.Receive(ctx, h.payloadConfig(link, progress), link.Info().RemoteHost, pkt.PayloadTransferInfo.Port, pkt.PayloadSize, w)
}

// session returns the live link and a context that is cancelled with ctx or
// when that link's device context ends.
func (h *deviceHandle) session(ctx context.Context) (*Link, context.Context, context.CancelFunc, error) {
	link, deviceCtx, err := h.manager.linkContext(h.deviceID)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(deviceCtx, cancel)
	return link, ctx, func() {
		stop()
		cancel()
	}, nil
}

func (h *deviceHandle) ReportTransfer(progress models.TransferProgress) {
	if progress.DeviceID == "" {
		progress.DeviceID = h.deviceID
	}
	h.manager.emit(Event{Type: EventTransferProgress, DeviceID: h.deviceID, Transfer: &progress})
}

func (h *deviceHandle) payloadConfig(link *Link, progress func(int64)) payload.Config {
	return payload.Config{
		Certificate:     h.manager.options.Certificate,
		PeerFingerprint: link.Fingerprint(),
		ListenAddress:   h.manager.options.PayloadHost,
		Timeout:         h.manager.options.HandshakeTimeout,
		Progress:        progress,
		Logger:          h.manager.logger,
	}
}
