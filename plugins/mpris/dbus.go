package mpris

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busPrefix       = "org.mpris.MediaPlayer2."
	objectPath      = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerInterface = "org.mpris.MediaPlayer2.Player"
	propertiesGet   = "org.freedesktop.DBus.Properties.GetAll"
	propertiesSet   = "org.freedesktop.DBus.Properties.Set"
)

// DBusBackend talks to MPRIS players on the session bus.
type DBusBackend struct {
	conn *dbus.Conn
}

// NewDBusBackend connects to the session bus.
func NewDBusBackend() (*DBusBackend, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBusBackend{conn: conn}, nil
}

// Close releases the bus connection.
func (b *DBusBackend) Close() error {
	return b.conn.Close()
}

func (b *DBusBackend) Players(ctx context.Context) ([]string, error) {
	var names []string
	if err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	var players []string
	for _, name := range names {
		if strings.HasPrefix(name, busPrefix) {
			players = append(players, strings.TrimPrefix(name, busPrefix))
		}
	}
	return players, nil
}

func (b *DBusBackend) State(ctx context.Context, player string) (PlayerState, error) {
	props, err := b.properties(ctx, player)
	if err != nil {
		return PlayerState{}, err
	}
	return stateFromProperties(props), nil
}

func (b *DBusBackend) Action(ctx context.Context, player, action string) error {
	return b.call(ctx, player, action)
}

func (b *DBusBackend) Seek(ctx context.Context, player string, offsetMicros int64) error {
	return b.call(ctx, player, "Seek", offsetMicros)
}

func (b *DBusBackend) SetPosition(ctx context.Context, player string, positionMillis int64) error {
	props, err := b.properties(ctx, player)
	if err != nil {
		return err
	}
	trackID, ok := metadata(props)["mpris:trackid"]
	if !ok {
		return fmt.Errorf("player %s has no current track", player)
	}
	path, ok := trackID.Value().(dbus.ObjectPath)
	if !ok {
		path = dbus.ObjectPath(fmt.Sprint(trackID.Value()))
	}
	return b.call(ctx, player, "SetPosition", path, positionMillis*1000)
}

func (b *DBusBackend) SetVolume(ctx context.Context, player string, volume int) error {
	return b.set(ctx, player, "Volume", float64(volume)/100)
}

func (b *DBusBackend) SetLoopStatus(ctx context.Context, player, status string) error {
	return b.set(ctx, player, "LoopStatus", status)
}

func (b *DBusBackend) SetShuffle(ctx context.Context, player string, shuffle bool) error {
	return b.set(ctx, player, "Shuffle", shuffle)
}

func (b *DBusBackend) object(player string) dbus.BusObject {
	return b.conn.Object(busPrefix+player, objectPath)
}

func (b *DBusBackend) call(ctx context.Context, player, method string, args ...any) error {
	if err := b.object(player).CallWithContext(ctx, playerInterface+"."+method, 0, args...).Err; err != nil {
		return fmt.Errorf("%s.%s: %w", player, method, err)
	}
	return nil
}

func (b *DBusBackend) set(ctx context.Context, player, property string, value any) error {
	call := b.object(player).CallWithContext(ctx, propertiesSet, 0, playerInterface, property, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("set %s.%s: %w", player, property, call.Err)
	}
	return nil
}

func (b *DBusBackend) properties(ctx context.Context, player string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	if err := b.object(player).CallWithContext(ctx, propertiesGet, 0, playerInterface).Store(&props); err != nil {
		return nil, fmt.Errorf("read %s properties: %w", player, err)
	}
	return props, nil
}

func stateFromProperties(props map[string]dbus.Variant) PlayerState {
	meta := metadata(props)
	state := PlayerState{
		Title:         variantString(meta["xesam:title"]),
		Album:         variantString(meta["xesam:album"]),
		Length:        variantInt64(meta["mpris:length"]) / 1000,
		Position:      variantInt64(props["Position"]) / 1000,
		IsPlaying:     variantString(props["PlaybackStatus"]) == "Playing",
		CanPause:      variantBool(props["CanPause"]),
		CanPlay:       variantBool(props["CanPlay"]),
		CanGoNext:     variantBool(props["CanGoNext"]),
		CanGoPrevious: variantBool(props["CanGoPrevious"]),
		CanSeek:       variantBool(props["CanSeek"]),
		LoopStatus:    variantString(props["LoopStatus"]),
		Shuffle:       variantBool(props["Shuffle"]),
	}
	if artists, ok := meta["xesam:artist"].Value().([]string); ok {
		state.Artist = strings.Join(artists, ", ")
	}
	if volume, ok := props["Volume"].Value().(float64); ok {
		state.Volume = int(math.Round(volume * 100))
	}
	return state
}

func metadata(props map[string]dbus.Variant) map[string]dbus.Variant {
	meta, _ := props["Metadata"].Value().(map[string]dbus.Variant)
	return meta
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func variantInt64(v dbus.Variant) int64 {
	switch n := v.Value().(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}
