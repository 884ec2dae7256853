// Package plugins routes packets from a paired device to the feature
// handlers that declared interest in their type.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"

	"connectd/models"
	"connectd/protocol"
)

// ErrPluginPanic marks a plugin failure recovered from a panic.
var ErrPluginPanic = errors.New("plugins: handler panicked")

// Device is the handle a plugin instance holds for the device it serves.
//
// It is looked up by id on every call so the manager keeps sole ownership of
// the device state.
type Device interface {
	ID() string
	Name() string
	Send(pkt protocol.Packet) error
	// SendWithPayload offers size bytes of r on a payload channel, announces
	// it in pkt and blocks until the receiver has read it.
	SendWithPayload(ctx context.Context, pkt protocol.Packet, r io.Reader, size int64) error
	// ReceivePayload reads the payload announced by pkt into w.
	ReceivePayload(ctx context.Context, pkt protocol.Packet, w io.Writer, progress func(int64)) (int64, error)
	ReportTransfer(progress models.TransferProgress)
}

// Plugin handles one feature for one device.
type Plugin interface {
	Name() string
	IncomingCapabilities() []string
	OutgoingCapabilities() []string
	Init(device Device) error
	Start(ctx context.Context) error
	Stop() error
	HandlePacket(ctx context.Context, pkt protocol.Packet) error
}

// Factory creates plugin instances. Instances are never shared between
// devices.
type Factory struct {
	Name     string
	Incoming []string
	Outgoing []string
	New      func() Plugin
}

// PluginError reports a failure isolated to one plugin and one packet.
type PluginError struct {
	Plugin     string
	PacketType string
	Err        error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s handling %s: %v", e.Plugin, e.PacketType, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}
