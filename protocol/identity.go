package protocol

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DiscoveryPort is the UDP port used for identity broadcasts.
	DiscoveryPort = 1716
	// MinTCPPort and MaxTCPPort bound the link listener.
	MinTCPPort = 1716
	MaxTCPPort = 1764
	// MinPayloadPort and MaxPayloadPort bound payload listeners.
	MinPayloadPort = 1739
	MaxPayloadPort = 1764
)

const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

// DeviceType is the announced form factor of a device.
type DeviceType string

const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeUnknown DeviceType = "unknown"
)

// ParseDeviceType maps announced values onto the known set.
func ParseDeviceType(value string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(value))) {
	case DeviceTypeDesktop:
		return DeviceTypeDesktop
	case DeviceTypeLaptop:
		return DeviceTypeLaptop
	case DeviceTypePhone, "smartphone":
		return DeviceTypePhone
	case DeviceTypeTablet:
		return DeviceTypeTablet
	default:
		return DeviceTypeUnknown
	}
}

// UnmarshalText lets DeviceType decode leniently from JSON and TOML.
func (d *DeviceType) UnmarshalText(text []byte) error {
	*d = ParseDeviceType(string(text))
	return nil
}

// Identity is the body of a kdeconnect.identity packet.
type Identity struct {
	DeviceID             string     `json:"deviceId"`
	DeviceName           string     `json:"deviceName"`
	DeviceType           DeviceType `json:"deviceType"`
	ProtocolVersion      int        `json:"protocolVersion"`
	TCPPort              int        `json:"tcpPort,omitempty"`
	IncomingCapabilities []string   `json:"incomingCapabilities"`
	OutgoingCapabilities []string   `json:"outgoingCapabilities"`
}

// Validate checks the fields every identity must carry.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.DeviceID) == "" {
		return fmt.Errorf("%w: identity without deviceId", ErrMalformedPacket)
	}
	if id.TCPPort < 0 || id.TCPPort > 65535 {
		return fmt.Errorf("%w: identity tcpPort %d out of range", ErrMalformedPacket, id.TCPPort)
	}
	return nil
}

// NewIdentityPacket wraps id in a kdeconnect.identity packet.
func NewIdentityPacket(id Identity) (Packet, error) {
	if id.ProtocolVersion == 0 {
		id.ProtocolVersion = ProtocolVersion
	}
	if id.DeviceType == "" {
		id.DeviceType = DeviceTypeUnknown
	}
	if id.IncomingCapabilities == nil {
		id.IncomingCapabilities = []string{}
	}
	if id.OutgoingCapabilities == nil {
		id.OutgoingCapabilities = []string{}
	}
	return NewPacket(TypeIdentity, id)
}

// ParseIdentity extracts and validates an identity body.
func ParseIdentity(p Packet) (Identity, error) {
	if !p.IsType(TypeIdentity) {
		return Identity{}, fmt.Errorf("%w: expected %s, got %q", ErrMalformedPacket, TypeIdentity, p.Type)
	}

	var id Identity
	if err := p.DecodeBody(&id); err != nil {
		return Identity{}, err
	}
	if id.DeviceType == "" {
		id.DeviceType = DeviceTypeUnknown
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// PairBody is the body of a kdeconnect.pair packet.
type PairBody struct {
	Pair      bool  `json:"pair"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewPairPacket builds a pair request/accept (pair=true) or reject/unpair.
func NewPairPacket(pair bool, now time.Time) Packet {
	body := PairBody{Pair: pair}
	if pair {
		body.Timestamp = now.Unix()
	}
	return MustPacket(TypePair, body)
}

// ParsePair extracts a pair body.
func ParsePair(p Packet) (PairBody, error) {
	if !p.IsType(TypePair) {
		return PairBody{}, fmt.Errorf("%w: expected %s, got %q", ErrMalformedPacket, TypePair, p.Type)
	}
	var body PairBody
	if err := p.DecodeBody(&body); err != nil {
		return PairBody{}, err
	}
	return body, nil
}
