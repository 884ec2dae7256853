// Package remoteinput lets a device drive the local pointer and keyboard.
package remoteinput

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"connectd/plugins"
	"connectd/protocol"
)

const (
	Name = "remoteinput"

	TypeRequest       = "kdeconnect.mousepad.request"
	TypeEcho          = "kdeconnect.mousepad.echo"
	TypeKeyboardState = "kdeconnect.mousepad.keyboardstate"
)

// SpecialKey is a non-printable key code.
type SpecialKey int

const (
	KeyBackspace SpecialKey = 1
	KeyTab       SpecialKey = 2
	KeyEnter     SpecialKey = 12
	KeyLeft      SpecialKey = 21
	KeyUp        SpecialKey = 22
	KeyRight     SpecialKey = 23
	KeyDown      SpecialKey = 24
	KeyPageUp    SpecialKey = 25
	KeyPageDown  SpecialKey = 26
	KeyEscape    SpecialKey = 27
	KeyHome      SpecialKey = 28
	KeyEnd       SpecialKey = 29
	KeyDelete    SpecialKey = 30
	KeyF1        SpecialKey = 31
	KeyF12       SpecialKey = 42
)

var specialKeyNames = map[SpecialKey]string{
	KeyBackspace: "Backspace",
	KeyTab:       "Tab",
	KeyEnter:     "Enter",
	KeyLeft:      "Left",
	KeyUp:        "Up",
	KeyRight:     "Right",
	KeyDown:      "Down",
	KeyPageUp:    "PageUp",
	KeyPageDown:  "PageDown",
	KeyEscape:    "Escape",
	KeyHome:      "Home",
	KeyEnd:       "End",
	KeyDelete:    "Delete",
}

// String returns the key name, or "" for unknown codes.
func (k SpecialKey) String() string {
	if k >= KeyF1 && k <= KeyF12 {
		return fmt.Sprintf("F%d", int(k-KeyF1)+1)
	}
	return specialKeyNames[k]
}

// Button is a pointer button action.
type Button string

const (
	ButtonClick       Button = "click"
	ButtonDoubleClick Button = "doubleclick"
	ButtonMiddleClick Button = "middleclick"
	ButtonRightClick  Button = "rightclick"
	ButtonHold        Button = "hold"
	ButtonRelease     Button = "release"
)

// Modifiers are the keyboard modifiers held with a key.
type Modifiers struct {
	Alt   bool
	Ctrl  bool
	Shift bool
	Super bool
}

// Request is the body of a mousepad request.
type Request struct {
	Key           string     `json:"key,omitempty"`
	SpecialKey    SpecialKey `json:"specialKey,omitempty"`
	Alt           bool       `json:"alt,omitempty"`
	Ctrl          bool       `json:"ctrl,omitempty"`
	Shift         bool       `json:"shift,omitempty"`
	Super         bool       `json:"super,omitempty"`
	SingleClick   bool       `json:"singleclick,omitempty"`
	DoubleClick   bool       `json:"doubleclick,omitempty"`
	MiddleClick   bool       `json:"middleclick,omitempty"`
	RightClick    bool       `json:"rightclick,omitempty"`
	SingleHold    bool       `json:"singlehold,omitempty"`
	SingleRelease bool       `json:"singlerelease,omitempty"`
	Dx            *float64   `json:"dx,omitempty"`
	Dy            *float64   `json:"dy,omitempty"`
	Scroll        bool       `json:"scroll,omitempty"`
	SendAck       bool       `json:"sendAck,omitempty"`
}

// Backend injects input events into the host session.
type Backend interface {
	Move(dx, dy float64) error
	Scroll(dx, dy float64) error
	Button(button Button) error
	Key(key string, mods Modifiers) error
	Special(key SpecialKey, mods Modifiers) error
}

// Plugin is one device's remote input endpoint.
type Plugin struct {
	device  plugins.Device
	backend Backend
	logger  zerolog.Logger
}

// NewFactory registers the remote input plugin. A nil backend logs events.
func NewFactory(backend Backend, logger zerolog.Logger) plugins.Factory {
	logger = logger.With().Str("plugin", Name).Logger()
	if backend == nil {
		backend = LogBackend{Logger: logger}
	}
	return plugins.Factory{
		Name:     Name,
		Incoming: []string{TypeRequest},
		Outgoing: []string{TypeEcho, TypeKeyboardState},
		New: func() plugins.Plugin {
			return &Plugin{backend: backend, logger: logger}
		},
	}
}

func (p *Plugin) Name() string                   { return Name }
func (p *Plugin) IncomingCapabilities() []string { return []string{TypeRequest} }
func (p *Plugin) OutgoingCapabilities() []string { return []string{TypeEcho, TypeKeyboardState} }

func (p *Plugin) Init(device plugins.Device) error {
	p.device = device
	return nil
}

// Start tells the device a keyboard is available.
func (p *Plugin) Start(context.Context) error {
	return p.device.Send(protocol.MustPacket(TypeKeyboardState, map[string]bool{"state": true}))
}

func (p *Plugin) Stop() error { return nil }

func (p *Plugin) HandlePacket(_ context.Context, pkt protocol.Packet) error {
	var req Request
	if err := pkt.DecodeBody(&req); err != nil {
		return err
	}
	if err := p.apply(req); err != nil {
		return err
	}
	if req.SendAck {
		return p.echo(pkt)
	}
	return nil
}

func (p *Plugin) apply(req Request) error {
	if req.Dx != nil || req.Dy != nil {
		dx, dy := deref(req.Dx), deref(req.Dy)
		var err error
		if req.Scroll {
			err = p.backend.Scroll(dx, dy)
		} else {
			err = p.backend.Move(dx, dy)
		}
		if err != nil {
			return err
		}
	}

	buttons := []struct {
		button Button
		set    bool
	}{
		{ButtonClick, req.SingleClick},
		{ButtonDoubleClick, req.DoubleClick},
		{ButtonMiddleClick, req.MiddleClick},
		{ButtonRightClick, req.RightClick},
		{ButtonHold, req.SingleHold},
		{ButtonRelease, req.SingleRelease},
	}
	for _, b := range buttons {
		if !b.set {
			continue
		}
		if err := p.backend.Button(b.button); err != nil {
			return err
		}
	}

	mods := Modifiers{Alt: req.Alt, Ctrl: req.Ctrl, Shift: req.Shift, Super: req.Super}
	if req.Key != "" {
		if err := p.backend.Key(req.Key, mods); err != nil {
			return err
		}
	}
	if req.SpecialKey != 0 {
		if req.SpecialKey.String() == "" {
			return fmt.Errorf("unknown special key %d", req.SpecialKey)
		}
		if err := p.backend.Special(req.SpecialKey, mods); err != nil {
			return err
		}
	}
	return nil
}

// echo returns the request body with isAck set.
func (p *Plugin) echo(pkt protocol.Packet) error {
	body := make(map[string]json.RawMessage)
	if err := json.Unmarshal(pkt.Body, &body); err != nil {
		return err
	}
	delete(body, "sendAck")
	body["isAck"] = json.RawMessage("true")

	echo, err := protocol.NewPacket(TypeEcho, body)
	if err != nil {
		return err
	}
	return p.device.Send(echo)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// LogBackend records input events without injecting them.
type LogBackend struct {
	Logger zerolog.Logger
}

func (b LogBackend) Move(dx, dy float64) error {
	b.Logger.Debug().Float64("dx", dx).Float64("dy", dy).Msg("pointer move")
	return nil
}

func (b LogBackend) Scroll(dx, dy float64) error {
	b.Logger.Debug().Float64("dx", dx).Float64("dy", dy).Msg("scroll")
	return nil
}

func (b LogBackend) Button(button Button) error {
	b.Logger.Debug().Str("button", string(button)).Msg("pointer button")
	return nil
}

func (b LogBackend) Key(key string, mods Modifiers) error {
	b.Logger.Debug().Str("key", key).Interface("modifiers", mods).Msg("key")
	return nil
}

func (b LogBackend) Special(key SpecialKey, mods Modifiers) error {
	b.Logger.Debug().Str("key", key.String()).Interface("modifiers", mods).Msg("special key")
	return nil
}
