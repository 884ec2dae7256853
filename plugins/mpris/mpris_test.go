package mpris

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"connectd/plugins/plugintest"
	"connectd/protocol"
)

type fakeBackend struct {
	mu      sync.Mutex
	players []string
	states  map[string]PlayerState
	calls   []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		players: []string{"spotify"},
		states: map[string]PlayerState{
			"spotify": {Title: "Song", Artist: "Band", Length: 180000, CanPause: true, CanPlay: true, Volume: 50},
		},
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Players(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.players...), nil
}

func (f *fakeBackend) State(_ context.Context, player string) (PlayerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[player], nil
}

func (f *fakeBackend) Action(_ context.Context, player, action string) error {
	f.record(player + ":" + action)
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.states[player]
	state.IsPlaying = action == "Play" || (action == "PlayPause" && !state.IsPlaying)
	f.states[player] = state
	return nil
}

func (f *fakeBackend) Seek(_ context.Context, player string, offset int64) error {
	f.record(player + ":seek")
	return nil
}

func (f *fakeBackend) SetPosition(_ context.Context, player string, position int64) error {
	f.record(player + ":position")
	return nil
}

func (f *fakeBackend) SetVolume(_ context.Context, player string, volume int) error {
	f.record(player + ":volume")
	return nil
}

func (f *fakeBackend) SetLoopStatus(_ context.Context, player, status string) error {
	f.record(player + ":loop:" + status)
	return nil
}

func (f *fakeBackend) SetShuffle(_ context.Context, player string, shuffle bool) error {
	f.record(player + ":shuffle")
	return nil
}

func (f *fakeBackend) setTitle(player, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.states[player]
	state.Title = title
	f.states[player] = state
}

func newTestPlugin(t *testing.T, backend Backend, interval time.Duration) (*Plugin, *plugintest.Device) {
	t.Helper()
	device := plugintest.NewDevice("dev-a")
	plugin := NewFactory(backend, interval, zerolog.Nop()).New().(*Plugin)
	if err := plugin.Init(device); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return plugin, device
}

// handleNow runs a request inline instead of through the plugin's queue.
func handleNow(p *Plugin, pkt protocol.Packet) error {
	req, err := decodeRequest(pkt)
	if err != nil {
		return err
	}
	return p.handle(context.Background(), req)
}

func TestPlayerListAndNowPlaying(t *testing.T) {
	plugin, device := newTestPlugin(t, newFakeBackend(), time.Hour)

	pkt := protocol.Packet{Type: TypeRequest, Body: json.RawMessage(`{"requestPlayerList":true}`)}
	if err := handleNow(plugin, pkt); err != nil {
		t.Fatalf("HandlePacket failed: %v", err)
	}
	reply, _ := device.LastSent(TypeState)
	var list PlayerList
	if err := reply.DecodeBody(&list); err != nil || !reflect.DeepEqual(list.PlayerList, []string{"spotify"}) {
		t.Fatalf("unexpected player list %s (%v)", reply.Body, err)
	}

	pkt = protocol.Packet{Type: TypeRequest, Body: json.RawMessage(`{"player":"spotify","requestNowPlaying":true}`)}
	if err := handleNow(plugin, pkt); err != nil {
		t.Fatalf("HandlePacket failed: %v", err)
	}
	reply, _ = device.LastSent(TypeState)
	var status Status
	if err := reply.DecodeBody(&status); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if status.Player != "spotify" || status.NowPlaying != "Band - Song" || status.Length != 180000 || status.Volume != 50 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestActionsReachBackend(t *testing.T) {
	backend := newFakeBackend()
	plugin, device := newTestPlugin(t, backend, time.Hour)

	body := `{"player":"spotify","action":"PlayPause","Seek":5000000,"SetPosition":1000,"setVolume":70,"setLoopStatus":"Track","setShuffle":true}`
	if err := handleNow(plugin, protocol.Packet{Type: TypeRequest, Body: json.RawMessage(body)}); err != nil {
		t.Fatalf("HandlePacket failed: %v", err)
	}

	want := []string{"spotify:PlayPause", "spotify:seek", "spotify:position", "spotify:volume", "spotify:loop:Track", "spotify:shuffle"}
	if !reflect.DeepEqual(backend.calls, want) {
		t.Fatalf("unexpected backend calls %v", backend.calls)
	}

	reply, _ := device.LastSent(TypeState)
	var status Status
	if err := reply.DecodeBody(&status); err != nil || !status.IsPlaying {
		t.Fatalf("expected refreshed playing status, got %s (%v)", reply.Body, err)
	}

	bad := protocol.Packet{Type: TypeRequest, Body: json.RawMessage(`{"player":"spotify","action":"Explode"}`)}
	if err := plugin.HandlePacket(context.Background(), bad); err == nil {
		t.Fatalf("expected unknown action to fail")
	}
}

func TestPollingPushesChanges(t *testing.T) {
	backend := newFakeBackend()
	plugin, device := newTestPlugin(t, backend, 20*time.Millisecond)

	if err := plugin.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer plugin.Stop()

	waitForCondition(t, 2*time.Second, func() bool { return countType(device, TypeState) >= 2 })
	initial := countType(device, TypeState)

	time.Sleep(80 * time.Millisecond)
	if got := countType(device, TypeState); got != initial {
		t.Fatalf("expected no pushes without changes, got %d new", got-initial)
	}

	backend.setTitle("spotify", "Other Song")
	waitForCondition(t, 2*time.Second, func() bool {
		pkt, ok := device.LastSent(TypeState)
		if !ok {
			return false
		}
		var status Status
		return pkt.DecodeBody(&status) == nil && status.Title == "Other Song"
	})
}

type stuckBackend struct {
	*fakeBackend
	entered chan struct{}
}

func (s *stuckBackend) Action(ctx context.Context, player, action string) error {
	close(s.entered)
	<-ctx.Done()
	return ctx.Err()
}

func TestHandlePacketDoesNotWaitForPlayer(t *testing.T) {
	backend := &stuckBackend{fakeBackend: newFakeBackend(), entered: make(chan struct{})}
	plugin, _ := newTestPlugin(t, backend, time.Hour)
	if err := plugin.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pkt := protocol.Packet{Type: TypeRequest, Body: json.RawMessage(`{"player":"spotify","action":"Play"}`)}
	returned := make(chan error, 1)
	go func() { returned <- plugin.HandlePacket(context.Background(), pkt) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("HandlePacket failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("HandlePacket blocked on the player")
	}

	select {
	case <-backend.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("queued action never reached the player")
	}

	stopped := make(chan struct{})
	go func() {
		_ = plugin.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not cancel the stuck action")
	}

	bad := protocol.Packet{Type: TypeRequest, Body: json.RawMessage(`{"player":"spotify","action":"Explode"}`)}
	if err := plugin.HandlePacket(context.Background(), bad); err == nil {
		t.Fatalf("expected unknown action to be rejected before queueing")
	}
}

func TestStateFromProperties(t *testing.T) {
	props := map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant("Playing"),
		"Position":       dbus.MakeVariant(int64(42_000_000)),
		"Volume":         dbus.MakeVariant(0.25),
		"CanSeek":        dbus.MakeVariant(true),
		"LoopStatus":     dbus.MakeVariant("Playlist"),
		"Metadata": dbus.MakeVariant(map[string]dbus.Variant{
			"xesam:title":  dbus.MakeVariant("Title"),
			"xesam:artist": dbus.MakeVariant([]string{"A", "B"}),
			"mpris:length": dbus.MakeVariant(uint64(300_000_000)),
		}),
	}

	state := stateFromProperties(props)
	want := PlayerState{
		Title:      "Title",
		Artist:     "A, B",
		Length:     300_000,
		Position:   42_000,
		IsPlaying:  true,
		CanSeek:    true,
		Volume:     25,
		LoopStatus: "Playlist",
	}
	if state != want {
		t.Fatalf("unexpected state %+v", state)
	}
}

func countType(device *plugintest.Device, packetType string) int {
	n := 0
	for _, pkt := range device.Sent() {
		if pkt.Type == packetType {
			n++
		}
	}
	return n
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
