package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"connectd/metrics"
	"connectd/models"
	"connectd/protocol"
)

const (
	// EventDeviceDiscovered is emitted on first sight or when a lost device returns.
	EventDeviceDiscovered EventType = "device_discovered"
	// EventDeviceUpdated is emitted when an announced field changes.
	EventDeviceUpdated EventType = "device_updated"
	// EventDeviceLost is emitted when a device misses the liveness window.
	EventDeviceLost EventType = "device_lost"
)

// EventType identifies device discovery updates.
type EventType string

// Event carries discovery updates for network consumers.
type Event struct {
	Type   EventType
	Device models.DeviceIdentity
}

// Table is the set of identities learned from announcements.
//
// Entries are never deleted; a device that misses the liveness window is
// marked unreachable and reported once as lost.
type Table struct {
	selfDeviceID string
	liveness     time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	devices map[string]models.DeviceIdentity

	events chan Event
}

func newTable(selfDeviceID string, liveness time.Duration, logger zerolog.Logger) *Table {
	return &Table{
		selfDeviceID: selfDeviceID,
		liveness:     liveness,
		logger:       logger,
		now:          time.Now,
		devices:      make(map[string]models.DeviceIdentity),
		events:       make(chan Event, 128),
	}
}

// Observe records one announcement received from address.
//
// It returns false for the local device and for identities without an id.
func (t *Table) Observe(id protocol.Identity, address string) bool {
	if id.DeviceID == "" || id.DeviceID == t.selfDeviceID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old, exists := t.devices[id.DeviceID]
	next := models.DeviceIdentity{
		DeviceID:             id.DeviceID,
		DeviceName:           id.DeviceName,
		DeviceType:           string(id.DeviceType),
		ProtocolVersion:      id.ProtocolVersion,
		IncomingCapabilities: cloneStrings(id.IncomingCapabilities),
		OutgoingCapabilities: cloneStrings(id.OutgoingCapabilities),
		Address:              address,
		Port:                 id.TCPPort,
		LastSeen:             t.now(),
		Reachable:            true,
	}
	if next.DeviceName == "" {
		next.DeviceName = id.DeviceID
	}
	if exists {
		// id and type are stable once learned.
		next.DeviceType = old.DeviceType
		if next.Port == 0 {
			next.Port = old.Port
		}
		if next.Address == "" {
			next.Address = old.Address
		}
		// mDNS records carry no capability lists.
		if id.IncomingCapabilities == nil {
			next.IncomingCapabilities = old.IncomingCapabilities
		}
		if id.OutgoingCapabilities == nil {
			next.OutgoingCapabilities = old.OutgoingCapabilities
		}
		if next.ProtocolVersion == 0 {
			next.ProtocolVersion = old.ProtocolVersion
		}
	}
	t.devices[id.DeviceID] = next

	switch {
	case !exists || !old.Reachable:
		t.emitEvent(Event{Type: EventDeviceDiscovered, Device: next})
	case !identitiesEqual(old, next):
		t.emitEvent(Event{Type: EventDeviceUpdated, Device: next})
	}
	t.updateGauge()
	return true
}

// Expire marks devices not seen within the liveness window as lost.
func (t *Table) Expire() {
	cutoff := t.now().Add(-t.liveness)

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, device := range t.devices {
		if !device.Reachable || device.LastSeen.After(cutoff) {
			continue
		}
		device.Reachable = false
		t.devices[id] = device
		t.emitEvent(Event{Type: EventDeviceLost, Device: device})
	}
	t.updateGauge()
}

// Lookup returns one known identity.
func (t *Table) Lookup(deviceID string) (models.DeviceIdentity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	device, ok := t.devices[deviceID]
	return device, ok
}

// List returns the current identities sorted by name.
func (t *Table) List() []models.DeviceIdentity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.DeviceIdentity, 0, len(t.devices))
	for _, device := range t.devices {
		out = append(out, device)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Events provides asynchronous discovery updates.
func (t *Table) Events() <-chan Event {
	return t.events
}

func (t *Table) emitEvent(event Event) {
	select {
	case t.events <- event:
	default:
		t.logger.Warn().Str("event", string(event.Type)).Str("device_id", event.Device.DeviceID).Msg("discovery event dropped, consumer too slow")
	}
}

func (t *Table) updateGauge() {
	reachable := 0
	for _, device := range t.devices {
		if device.Reachable {
			reachable++
		}
	}
	metrics.SetReachableDevices(reachable)
}

func identitiesEqual(a, b models.DeviceIdentity) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.DeviceType != b.DeviceType ||
		a.ProtocolVersion != b.ProtocolVersion ||
		a.Address != b.Address ||
		a.Port != b.Port {
		return false
	}
	return stringsEqual(a.IncomingCapabilities, b.IncomingCapabilities) &&
		stringsEqual(a.OutgoingCapabilities, b.OutgoingCapabilities)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}
