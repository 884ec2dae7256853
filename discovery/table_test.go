package discovery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"connectd/protocol"
)

func TestTableEmitsDiscoveredUpdatedAndLost(t *testing.T) {
	table := newTable("self", 30*time.Second, zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	table.now = func() time.Time { return now }

	if table.Observe(testIdentity("self", "Self"), "10.0.0.1") {
		t.Fatalf("expected own identity to be ignored")
	}

	if !table.Observe(testIdentity("dev-a", "Phone"), "10.0.0.2") {
		t.Fatalf("expected remote identity to be recorded")
	}
	expectEvent(t, table, EventDeviceDiscovered, "dev-a")

	// Identical announcements are idempotent.
	table.Observe(testIdentity("dev-a", "Phone"), "10.0.0.2")
	expectNoEvent(t, table)

	renamed := testIdentity("dev-a", "Renamed")
	renamed.DeviceType = protocol.DeviceTypeTablet
	table.Observe(renamed, "10.0.0.2")
	event := expectEvent(t, table, EventDeviceUpdated, "dev-a")
	if event.Device.DeviceName != "Renamed" {
		t.Fatalf("expected last-write-wins name, got %q", event.Device.DeviceName)
	}
	if event.Device.DeviceType != string(protocol.DeviceTypePhone) {
		t.Fatalf("expected device type to stay stable, got %q", event.Device.DeviceType)
	}

	now = now.Add(31 * time.Second)
	table.Expire()
	lost := expectEvent(t, table, EventDeviceLost, "dev-a")
	if lost.Device.Reachable {
		t.Fatalf("expected lost device to be unreachable")
	}
	device, ok := table.Lookup("dev-a")
	if !ok || device.Reachable {
		t.Fatalf("expected lost device to be kept as unreachable, got %+v ok=%v", device, ok)
	}

	table.Expire()
	expectNoEvent(t, table)

	table.Observe(testIdentity("dev-a", "Renamed"), "10.0.0.9")
	back := expectEvent(t, table, EventDeviceDiscovered, "dev-a")
	if back.Device.Address != "10.0.0.9" || !back.Device.Reachable {
		t.Fatalf("unexpected rediscovered device %+v", back.Device)
	}
}

func TestTableKeepsCapabilitiesForPartialIdentity(t *testing.T) {
	table := newTable("self", time.Minute, zerolog.Nop())
	table.Observe(testIdentity("dev-a", "Phone"), "10.0.0.2")
	expectEvent(t, table, EventDeviceDiscovered, "dev-a")

	table.Observe(protocol.Identity{DeviceID: "dev-a", DeviceName: "Phone", DeviceType: protocol.DeviceTypePhone}, "10.0.0.2")
	expectNoEvent(t, table)

	device, _ := table.Lookup("dev-a")
	if len(device.IncomingCapabilities) != 1 || device.Port != 1716 || device.ProtocolVersion != protocol.ProtocolVersion {
		t.Fatalf("expected announced fields to survive partial update, got %+v", device)
	}
}

func TestTableListIsSorted(t *testing.T) {
	table := newTable("self", time.Minute, zerolog.Nop())
	table.Observe(testIdentity("dev-b", "Bravo"), "10.0.0.3")
	table.Observe(testIdentity("dev-a", "Alpha"), "10.0.0.2")

	list := table.List()
	if len(list) != 2 || list[0].DeviceID != "dev-a" || list[1].DeviceID != "dev-b" {
		t.Fatalf("unexpected list order %+v", list)
	}
}

func testIdentity(deviceID, name string) protocol.Identity {
	return protocol.Identity{
		DeviceID:             deviceID,
		DeviceName:           name,
		DeviceType:           protocol.DeviceTypePhone,
		ProtocolVersion:      protocol.ProtocolVersion,
		TCPPort:              1716,
		IncomingCapabilities: []string{"kdeconnect.ping"},
		OutgoingCapabilities: []string{"kdeconnect.ping"},
	}
}

func expectEvent(t *testing.T, table *Table, eventType EventType, deviceID string) Event {
	t.Helper()
	select {
	case event := <-table.Events():
		if event.Type != eventType || event.Device.DeviceID != deviceID {
			t.Fatalf("expected %s for %s, got %s for %s", eventType, deviceID, event.Type, event.Device.DeviceID)
		}
		return event
	default:
		t.Fatalf("expected %s event for %s", eventType, deviceID)
	}
	return Event{}
}

func expectNoEvent(t *testing.T, table *Table) {
	t.Helper()
	select {
	case event := <-table.Events():
		t.Fatalf("unexpected event %s for %s", event.Type, event.Device.DeviceID)
	default:
	}
}
