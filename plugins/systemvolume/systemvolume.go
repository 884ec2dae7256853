// Package systemvolume exposes the host's audio sinks to a device.
package systemvolume

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"connectd/plugins"
	"connectd/protocol"
)

const (
	Name = "systemvolume"

	TypeRequest      = "kdeconnect.systemvolume.request"
	TypeState        = "kdeconnect.systemvolume"
	TypeAliasRequest = "cconnect.systemvolume.request"
	TypeAliasState   = "cconnect.systemvolume"
	DefaultMaxVolume = 150
)

// Sink is one audio output.
type Sink struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Volume      int    `json:"volume"`
	Muted       bool   `json:"muted"`
	MaxVolume   int    `json:"maxVolume"`
	Enabled     bool   `json:"enabled"`
}

// Request is the body of a volume request.
type Request struct {
	Name         string `json:"name,omitempty"`
	Volume       *int   `json:"volume,omitempty"`
	Muted        *bool  `json:"muted,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
	RequestSinks bool   `json:"requestSinks,omitempty"`
}

// SinkList is the body of a state packet.
type SinkList struct {
	SinkList []Sink `json:"sinkList"`
}

// Backend reads and changes the host mixer.
type Backend interface {
	Sinks(ctx context.Context) ([]Sink, error)
	SetVolume(ctx context.Context, sink string, volume int) error
	SetMute(ctx context.Context, sink string, muted bool) error
	SetDefault(ctx context.Context, sink string) error
}

// Plugin is one device's volume endpoint.
type Plugin struct {
	device  plugins.Device
	backend Backend
	logger  zerolog.Logger

	// wpctl calls run here, never on the dispatch goroutine.
	worker *plugins.Worker

	mu    sync.Mutex
	cache map[string]Sink
}

// NewFactory registers the volume plugin.
func NewFactory(backend Backend, logger zerolog.Logger) plugins.Factory {
	logger = logger.With().Str("plugin", Name).Logger()
	return plugins.Factory{
		Name:     Name,
		Incoming: incoming(),
		Outgoing: outgoing(),
		New: func() plugins.Plugin {
			return &Plugin{
				backend: backend,
				logger:  logger,
				worker:  plugins.NewWorker(Name, 0, logger),
				cache:   make(map[string]Sink),
			}
		},
	}
}

func incoming() []string { return []string{TypeRequest, TypeAliasRequest} }
func outgoing() []string { return []string{TypeState, TypeAliasState} }

func (p *Plugin) Name() string                   { return Name }
func (p *Plugin) IncomingCapabilities() []string { return incoming() }
func (p *Plugin) OutgoingCapabilities() []string { return outgoing() }

func (p *Plugin) Init(device plugins.Device) error {
	if p.backend == nil {
		return fmt.Errorf("%s: no audio backend", Name)
	}
	p.device = device
	return nil
}

// Start runs the mixer queue and pushes the initial sink list.
func (p *Plugin) Start(ctx context.Context) error {
	p.worker.Start(ctx)
	return p.worker.Submit(func(ctx context.Context) error {
		if err := p.sendSinks(ctx, TypeState); err != nil {
			p.logger.Warn().Err(err).Msg("initial sink list unavailable")
		}
		return nil
	})
}

func (p *Plugin) Stop() error {
	p.worker.Stop()
	return nil
}

// HandlePacket validates the request and queues it for the mixer.
func (p *Plugin) HandlePacket(_ context.Context, pkt protocol.Packet) error {
	reply, req, err := decodeRequest(pkt)
	if err != nil {
		return err
	}
	return p.worker.Submit(func(ctx context.Context) error {
		return p.apply(ctx, reply, req)
	})
}

// decodeRequest returns the request and the state type to answer with, which
// follows the namespace the request arrived in.
func decodeRequest(pkt protocol.Packet) (string, Request, error) {
	reply := TypeState
	if pkt.IsType(TypeAliasRequest) {
		reply = TypeAliasState
	}
	var req Request
	if err := pkt.DecodeBody(&req); err != nil {
		return "", Request{}, err
	}
	return reply, req, nil
}

func (p *Plugin) apply(ctx context.Context, reply string, req Request) error {
	if req.RequestSinks {
		return p.sendSinks(ctx, reply)
	}

	sink, err := p.resolve(ctx, req.Name)
	if err != nil {
		return err
	}
	if req.Volume != nil {
		volume := clamp(*req.Volume, 0, maxVolume(sink))
		if err := p.backend.SetVolume(ctx, sink.Name, volume); err != nil {
			return fmt.Errorf("set volume of %s: %w", sink.Name, err)
		}
	}
	if req.Muted != nil {
		if err := p.backend.SetMute(ctx, sink.Name, *req.Muted); err != nil {
			return fmt.Errorf("set mute of %s: %w", sink.Name, err)
		}
	}
	if req.Enabled != nil && *req.Enabled {
		if err := p.backend.SetDefault(ctx, sink.Name); err != nil {
			return fmt.Errorf("set default sink %s: %w", sink.Name, err)
		}
	}
	return p.sendSinks(ctx, reply)
}

func (p *Plugin) resolve(ctx context.Context, name string) (Sink, error) {
	p.mu.Lock()
	cached, ok := p.cache[name]
	empty := len(p.cache) == 0
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	if empty || name == "" {
		if _, err := p.refresh(ctx); err != nil {
			return Sink{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" {
		for _, sink := range p.cache {
			if sink.Enabled {
				return sink, nil
			}
		}
		return Sink{}, fmt.Errorf("no default sink")
	}
	if sink, ok := p.cache[name]; ok {
		return sink, nil
	}
	return Sink{}, fmt.Errorf("unknown sink %q", name)
}

func (p *Plugin) refresh(ctx context.Context) ([]Sink, error) {
	sinks, err := p.backend.Sinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]Sink, len(sinks))
	for i := range sinks {
		if sinks[i].MaxVolume <= 0 {
			sinks[i].MaxVolume = DefaultMaxVolume
		}
		p.cache[sinks[i].Name] = sinks[i]
	}
	return sinks, nil
}

func (p *Plugin) sendSinks(ctx context.Context, packetType string) error {
	sinks, err := p.refresh(ctx)
	if err != nil {
		return err
	}
	if sinks == nil {
		sinks = []Sink{}
	}
	return p.device.Send(protocol.MustPacket(packetType, SinkList{SinkList: sinks}))
}

func maxVolume(sink Sink) int {
	if sink.MaxVolume > 0 {
		return sink.MaxVolume
	}
	return DefaultMaxVolume
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
