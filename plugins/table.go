package plugins

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"connectd/metrics"
	"connectd/protocol"
)

// Table is the per-device dispatch table: packet type to the ordered plugin
// instances that consume it. It is built once when a device becomes paired
// and is read-only afterwards.
type Table struct {
	deviceID     string
	plugins      []Plugin
	routes       map[string][]Plugin
	capabilities []string
	logger       zerolog.Logger
}

// Instantiate creates, initializes and starts one instance of every factory
// for device. A plugin that fails to initialize or start is skipped and
// logged; the rest stay usable.
func Instantiate(ctx context.Context, device Device, factories []Factory, capabilities []string, logger zerolog.Logger) *Table {
	t := &Table{
		deviceID:     device.ID(),
		capabilities: append([]string(nil), capabilities...),
		logger:       logger,
	}

	var initialized []Plugin
	for _, factory := range factories {
		plugin := factory.New()
		if err := safeCall(func() error { return plugin.Init(device) }); err != nil {
			logger.Warn().Err(err).Str("plugin", factory.Name).Msg("plugin init failed")
			metrics.RecordPluginError(factory.Name)
			continue
		}
		initialized = append(initialized, plugin)
	}

	// Routes are complete before any plugin can emit or receive, so they are
	// built for every initialized plugin and pruned of those that fail to start.
	t.plugins = initialized
	t.buildRoutes()
	var started []Plugin
	for _, plugin := range initialized {
		if err := safeCall(func() error { return plugin.Start(ctx) }); err != nil {
			logger.Warn().Err(err).Str("plugin", plugin.Name()).Msg("plugin start failed")
			metrics.RecordPluginError(plugin.Name())
			_ = safeCall(plugin.Stop)
			continue
		}
		started = append(started, plugin)
	}
	if len(started) != len(initialized) {
		t.plugins = started
		t.buildRoutes()
	}
	return t
}

func (t *Table) buildRoutes() {
	routes := make(map[string][]Plugin)
	for _, plugin := range t.plugins {
		for _, packetType := range plugin.IncomingCapabilities() {
			routes[packetType] = append(routes[packetType], plugin)
		}
	}
	t.routes = routes
}

// Dispatch delivers pkt to every plugin consuming its type, in registration
// order. Failures are isolated: each one is returned as a *PluginError and
// delivery continues. It reports whether any plugin claimed the type.
func (t *Table) Dispatch(ctx context.Context, pkt protocol.Packet) (bool, []error) {
	if t == nil {
		return false, nil
	}

	targets := t.routes[pkt.Type]
	if len(targets) == 0 {
		t.logger.Debug().Str("type", pkt.Type).Msg("no plugin claims packet type")
		metrics.RecordPacketDropped("unclaimed")
		return false, nil
	}

	var errs []error
	for _, plugin := range targets {
		if err := safeCall(func() error { return plugin.HandlePacket(ctx, pkt) }); err != nil {
			pluginErr := &PluginError{Plugin: plugin.Name(), PacketType: pkt.Type, Err: err}
			t.logger.Warn().Err(err).Str("plugin", plugin.Name()).Str("type", pkt.Type).Msg("plugin failed to handle packet")
			metrics.RecordPluginError(plugin.Name())
			errs = append(errs, pluginErr)
		}
	}
	return true, errs
}

// Stop stops every plugin in reverse start order.
func (t *Table) Stop() {
	if t == nil {
		return
	}
	for i := len(t.plugins) - 1; i >= 0; i-- {
		plugin := t.plugins[i]
		if err := safeCall(plugin.Stop); err != nil {
			t.logger.Debug().Err(err).Str("plugin", plugin.Name()).Msg("plugin stop failed")
		}
	}
}

// Plugin returns the instance named name.
func (t *Table) Plugin(name string) (Plugin, bool) {
	if t == nil {
		return nil, false
	}
	for _, plugin := range t.plugins {
		if plugin.Name() == name {
			return plugin, true
		}
	}
	return nil, false
}

// Names lists the active plugin names.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.plugins))
	for _, plugin := range t.plugins {
		out = append(out, plugin.Name())
	}
	return out
}

// Capabilities returns the negotiated capability set.
func (t *Table) Capabilities() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.capabilities...)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrPluginPanic, recovered)
		}
	}()
	return fn()
}
