package models

import "time"

// DeviceIdentity represents the announced facts about a remote device.
type DeviceIdentity struct {
	DeviceID             string    `json:"device_id"`
	DeviceName           string    `json:"device_name"`
	DeviceType           string    `json:"device_type"`
	ProtocolVersion      int       `json:"protocol_version"`
	IncomingCapabilities []string  `json:"incoming_capabilities"`
	OutgoingCapabilities []string  `json:"outgoing_capabilities"`
	Address              string    `json:"address"`
	Port                 int       `json:"port"`
	LastSeen             time.Time `json:"last_seen"`
	Reachable            bool      `json:"reachable"`
}

// ConnectionState is the lifecycle state of one device.
type ConnectionState string

const (
	StateDisconnected      ConnectionState = "disconnected"
	StateConnecting        ConnectionState = "connecting"
	StateConnectedUnpaired ConnectionState = "connected"
	StatePairing           ConnectionState = "pairing"
	StatePaired            ConnectionState = "paired"
)

// Device is a point-in-time snapshot of one device managed by the daemon.
type Device struct {
	DeviceIdentity
	State                  ConnectionState `json:"state"`
	Paired                 bool            `json:"paired"`
	CertificateFingerprint string          `json:"certificate_fingerprint,omitempty"`
	Capabilities           []string        `json:"capabilities"`
	Plugins                []string        `json:"plugins"`
}

// Connected reports whether a link is currently open.
func (d Device) Connected() bool {
	switch d.State {
	case StateConnectedUnpaired, StatePairing, StatePaired:
		return true
	default:
		return false
	}
}
