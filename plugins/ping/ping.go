// Package ping answers and emits kdeconnect.ping packets.
package ping

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"connectd/plugins"
	"connectd/protocol"
)

const (
	Name       = "ping"
	PacketType = "kdeconnect.ping"
)

// Body is the optional ping message.
type Body struct {
	Message string `json:"message,omitempty"`
}

// Handler observes received pings.
type Handler func(deviceID, message string)

// Plugin is one device's ping endpoint.
type Plugin struct {
	device   plugins.Device
	onPing   Handler
	logger   zerolog.Logger
	received atomic.Int64
}

// NewFactory registers the ping plugin. onPing may be nil.
func NewFactory(onPing Handler, logger zerolog.Logger) plugins.Factory {
	return plugins.Factory{
		Name:     Name,
		Incoming: []string{PacketType},
		Outgoing: []string{PacketType},
		New: func() plugins.Plugin {
			return &Plugin{onPing: onPing, logger: logger.With().Str("plugin", Name).Logger()}
		},
	}
}

func (p *Plugin) Name() string                   { return Name }
func (p *Plugin) IncomingCapabilities() []string { return []string{PacketType} }
func (p *Plugin) OutgoingCapabilities() []string { return []string{PacketType} }

func (p *Plugin) Init(device plugins.Device) error {
	p.device = device
	return nil
}

func (p *Plugin) Start(context.Context) error { return nil }
func (p *Plugin) Stop() error                 { return nil }

func (p *Plugin) HandlePacket(_ context.Context, pkt protocol.Packet) error {
	var body Body
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}
	p.received.Add(1)
	p.logger.Info().Str("device_id", p.device.ID()).Str("message", body.Message).Msg("ping received")
	if p.onPing != nil {
		p.onPing(p.device.ID(), body.Message)
	}
	return nil
}

// Send pings the device.
func (p *Plugin) Send(message string) error {
	return p.device.Send(protocol.MustPacket(PacketType, Body{Message: message}))
}

// Received returns how many pings arrived.
func (p *Plugin) Received() int64 {
	return p.received.Load()
}
