// Package mpris bridges local MPRIS media players to a device.
package mpris

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"connectd/plugins"
	"connectd/protocol"
)

const (
	Name = "mpris"

	TypeRequest = "kdeconnect.mpris.request"
	TypeState   = "kdeconnect.mpris"

	DefaultPollInterval = 2 * time.Second
)

var validActions = map[string]bool{
	"Play":      true,
	"Pause":     true,
	"PlayPause": true,
	"Stop":      true,
	"Next":      true,
	"Previous":  true,
}

// PlayerState is the observable state of one player. Times are milliseconds.
type PlayerState struct {
	Title         string
	Artist        string
	Album         string
	Length        int64
	Position      int64
	IsPlaying     bool
	CanPause      bool
	CanPlay       bool
	CanGoNext     bool
	CanGoPrevious bool
	CanSeek       bool
	Volume        int
	LoopStatus    string
	Shuffle       bool
}

// Backend reads and controls the local players.
type Backend interface {
	Players(ctx context.Context) ([]string, error)
	State(ctx context.Context, player string) (PlayerState, error)
	Action(ctx context.Context, player, action string) error
	Seek(ctx context.Context, player string, offsetMicros int64) error
	SetPosition(ctx context.Context, player string, positionMillis int64) error
	SetVolume(ctx context.Context, player string, volume int) error
	SetLoopStatus(ctx context.Context, player, status string) error
	SetShuffle(ctx context.Context, player string, shuffle bool) error
}

// Request is the body of a kdeconnect.mpris.request packet.
type Request struct {
	Player            string `json:"player,omitempty"`
	RequestPlayerList bool   `json:"requestPlayerList,omitempty"`
	RequestNowPlaying bool   `json:"requestNowPlaying,omitempty"`
	RequestVolume     bool   `json:"requestVolume,omitempty"`
	Action            string `json:"action,omitempty"`
	Seek              *int64 `json:"Seek,omitempty"`
	SetPosition       *int64 `json:"SetPosition,omitempty"`
	SetVolume         *int   `json:"setVolume,omitempty"`
	SetLoopStatus     string `json:"setLoopStatus,omitempty"`
	SetShuffle        *bool  `json:"setShuffle,omitempty"`
}

// PlayerList is the body announcing the available players.
type PlayerList struct {
	PlayerList             []string `json:"playerList"`
	SupportAlbumArtPayload bool     `json:"supportAlbumArtPayload"`
}

// Status is the body describing one player.
type Status struct {
	Player        string `json:"player"`
	Title         string `json:"title"`
	Artist        string `json:"artist"`
	Album         string `json:"album"`
	NowPlaying    string `json:"nowPlaying"`
	IsPlaying     bool   `json:"isPlaying"`
	Pos           int64  `json:"pos"`
	Length        int64  `json:"length"`
	CanPause      bool   `json:"canPause"`
	CanPlay       bool   `json:"canPlay"`
	CanGoNext     bool   `json:"canGoNext"`
	CanGoPrevious bool   `json:"canGoPrevious"`
	CanSeek       bool   `json:"canSeek"`
	Volume        int    `json:"volume"`
	LoopStatus    string `json:"loopStatus,omitempty"`
	Shuffle       bool   `json:"shuffle"`
}

// Plugin is one device's media bridge.
type Plugin struct {
	device       plugins.Device
	backend      Backend
	pollInterval time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	players []string
	states  map[string]PlayerState

	// D-Bus calls made for requests run here, off the dispatch goroutine.
	worker *plugins.Worker

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFactory registers the MPRIS plugin. pollInterval <= 0 uses the default.
func NewFactory(backend Backend, pollInterval time.Duration, logger zerolog.Logger) plugins.Factory {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	logger = logger.With().Str("plugin", Name).Logger()
	return plugins.Factory{
		Name:     Name,
		Incoming: []string{TypeRequest},
		Outgoing: []string{TypeState},
		New: func() plugins.Plugin {
			return &Plugin{
				backend:      backend,
				pollInterval: pollInterval,
				logger:       logger,
				worker:       plugins.NewWorker(Name, 0, logger),
				states:       make(map[string]PlayerState),
			}
		},
	}
}

func (p *Plugin) Name() string                   { return Name }
func (p *Plugin) IncomingCapabilities() []string { return []string{TypeRequest} }
func (p *Plugin) OutgoingCapabilities() []string { return []string{TypeState} }

func (p *Plugin) Init(device plugins.Device) error {
	if p.backend == nil {
		return fmt.Errorf("%s: no media backend", Name)
	}
	p.device = device
	return nil
}

// Start begins polling players and pushing changes to the device.
func (p *Plugin) Start(ctx context.Context) error {
	p.worker.Start(ctx)
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.pollLoop(pollCtx)
	return nil
}

func (p *Plugin) Stop() error {
	p.worker.Stop()
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	return nil
}

func (p *Plugin) HandlePacket(_ context.Context, pkt protocol.Packet) error {
	req, err := decodeRequest(pkt)
	if err != nil {
		return err
	}
	return p.worker.Submit(func(ctx context.Context) error {
		return p.handle(ctx, req)
	})
}

func decodeRequest(pkt protocol.Packet) (Request, error) {
	var req Request
	if err := pkt.DecodeBody(&req); err != nil {
		return Request{}, err
	}
	if req.Action != "" && !validActions[req.Action] {
		return Request{}, fmt.Errorf("unsupported action %q", req.Action)
	}
	return req, nil
}

func (p *Plugin) handle(ctx context.Context, req Request) error {
	if req.RequestPlayerList {
		players, err := p.backend.Players(ctx)
		if err != nil {
			return err
		}
		if err := p.sendPlayerList(players); err != nil {
			return err
		}
	}
	if req.Player == "" {
		return nil
	}

	changed, err := p.apply(ctx, req)
	if err != nil {
		return err
	}
	if changed || req.RequestNowPlaying || req.RequestVolume {
		return p.sendStatus(ctx, req.Player)
	}
	return nil
}

func (p *Plugin) apply(ctx context.Context, req Request) (bool, error) {
	changed := false
	if req.Action != "" {
		if err := p.backend.Action(ctx, req.Player, req.Action); err != nil {
			return false, err
		}
		changed = true
	}
	if req.Seek != nil {
		if err := p.backend.Seek(ctx, req.Player, *req.Seek); err != nil {
			return false, err
		}
		changed = true
	}
	if req.SetPosition != nil {
		if err := p.backend.SetPosition(ctx, req.Player, *req.SetPosition); err != nil {
			return false, err
		}
		changed = true
	}
	if req.SetVolume != nil {
		if err := p.backend.SetVolume(ctx, req.Player, *req.SetVolume); err != nil {
			return false, err
		}
		changed = true
	}
	if req.SetLoopStatus != "" {
		if err := p.backend.SetLoopStatus(ctx, req.Player, req.SetLoopStatus); err != nil {
			return false, err
		}
		changed = true
	}
	if req.SetShuffle != nil {
		if err := p.backend.SetShuffle(ctx, req.Player, *req.SetShuffle); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

func (p *Plugin) pollLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// poll pushes the player list and any player whose state changed.
func (p *Plugin) poll(ctx context.Context) {
	players, err := p.backend.Players(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("list players failed")
		return
	}
	sort.Strings(players)

	p.mu.Lock()
	listChanged := !reflect.DeepEqual(players, p.players)
	p.players = players
	p.mu.Unlock()

	if listChanged {
		if err := p.sendPlayerList(players); err != nil {
			p.logger.Debug().Err(err).Msg("send player list failed")
		}
	}

	seen := make(map[string]bool, len(players))
	for _, player := range players {
		seen[player] = true
		state, err := p.backend.State(ctx, player)
		if err != nil {
			continue
		}
		p.mu.Lock()
		old, known := p.states[player]
		p.states[player] = state
		p.mu.Unlock()
		if known && old == state {
			continue
		}
		if err := p.device.Send(protocol.MustPacket(TypeState, toStatus(player, state))); err != nil {
			p.logger.Debug().Err(err).Str("player", player).Msg("send player state failed")
		}
	}

	p.mu.Lock()
	for player := range p.states {
		if !seen[player] {
			delete(p.states, player)
		}
	}
	p.mu.Unlock()
}

func (p *Plugin) sendPlayerList(players []string) error {
	if players == nil {
		players = []string{}
	}
	return p.device.Send(protocol.MustPacket(TypeState, PlayerList{PlayerList: players}))
}

func (p *Plugin) sendStatus(ctx context.Context, player string) error {
	state, err := p.backend.State(ctx, player)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.states[player] = state
	p.mu.Unlock()
	return p.device.Send(protocol.MustPacket(TypeState, toStatus(player, state)))
}

func toStatus(player string, state PlayerState) Status {
	nowPlaying := state.Title
	if state.Artist != "" && state.Title != "" {
		nowPlaying = state.Artist + " - " + state.Title
	}
	return Status{
		Player:        player,
		Title:         state.Title,
		Artist:        state.Artist,
		Album:         state.Album,
		NowPlaying:    nowPlaying,
		IsPlaying:     state.IsPlaying,
		Pos:           state.Position,
		Length:        state.Length,
		CanPause:      state.CanPause,
		CanPlay:       state.CanPlay,
		CanGoNext:     state.CanGoNext,
		CanGoPrevious: state.CanGoPrevious,
		CanSeek:       state.CanSeek,
		Volume:        state.Volume,
		LoopStatus:    state.LoopStatus,
		Shuffle:       state.Shuffle,
	}
}
