package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"connectd/protocol"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_kdeconnect._udp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSRefreshInterval is the background browse interval.
	DefaultMDNSRefreshInterval = 15 * time.Second
	// DefaultMDNSScanTimeout bounds each browse.
	DefaultMDNSScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the zeroconf advertiser and browser.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultMDNSRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

type mdnsAdvertiser struct {
	server *zeroconf.Server
}

func startMDNSAdvertiser(cfg MDNSConfig, id protocol.Identity, port int) (*mdnsAdvertiser, error) {
	if strings.TrimSpace(id.DeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	server, err := cfg.registerFn(id.DeviceID, cfg.Service, cfg.Domain, port, identityTXT(id), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &mdnsAdvertiser{server: server}, nil
}

func (a *mdnsAdvertiser) stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func identityTXT(id protocol.Identity) []string {
	version := id.ProtocolVersion
	if version == 0 {
		version = protocol.ProtocolVersion
	}
	return []string{
		"id=" + id.DeviceID,
		"name=" + id.DeviceName,
		"type=" + string(id.DeviceType),
		"protocol=" + strconv.Itoa(version),
	}
}

// mdnsBrowser feeds browse results into the identity table and answers each
// newly seen host with a unicast identity so it connects back.
type mdnsBrowser struct {
	cfg          MDNSConfig
	selfDeviceID string
	table        *Table
	announceTo   func(host string) error
	logger       zerolog.Logger
	browse       browseFunc
}

func newMDNSBrowser(cfg MDNSConfig, selfDeviceID string, table *Table, announceTo func(string) error, logger zerolog.Logger) (*mdnsBrowser, error) {
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &mdnsBrowser{
		cfg:          cfg,
		selfDeviceID: selfDeviceID,
		table:        table,
		announceTo:   announceTo,
		logger:       logger,
		browse:       browse,
	}, nil
}

func (b *mdnsBrowser) run(ctx context.Context) error {
	b.scan(ctx)

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.scan(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *mdnsBrowser) scan(parent context.Context) {
	scanCtx, cancel := context.WithTimeout(parent, b.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				b.handleEntry(entry)
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		b.logger.Debug().Err(err).Msg("mDNS browse failed")
		cancel()
	}
	<-scanCtx.Done()
	wg.Wait()
}

func (b *mdnsBrowser) handleEntry(entry *zeroconf.ServiceEntry) {
	id, address, ok := parseEntry(entry, b.selfDeviceID)
	if !ok {
		return
	}

	_, known := b.table.Lookup(id.DeviceID)
	if !b.table.Observe(id, address) || known || address == "" || b.announceTo == nil {
		return
	}
	if err := b.announceTo(address); err != nil {
		b.logger.Debug().Err(err).Str("device_id", id.DeviceID).Msg("unicast announce failed")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (protocol.Identity, string, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["id"])
	if deviceID == "" {
		deviceID = strings.TrimSpace(entry.Instance)
	}
	if deviceID == "" || deviceID == selfDeviceID {
		return protocol.Identity{}, "", false
	}

	version := 0
	if txt["protocol"] != "" {
		if parsed, err := strconv.Atoi(txt["protocol"]); err == nil {
			version = parsed
		}
	}

	name := strings.TrimSpace(txt["name"])
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	address := ""
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			address = ip.String()
			break
		}
	}

	return protocol.Identity{
		DeviceID:        deviceID,
		DeviceName:      name,
		DeviceType:      protocol.ParseDeviceType(txt["type"]),
		ProtocolVersion: version,
	}, address, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
