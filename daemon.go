package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"connectd/config"
	"connectd/controlapi"
	"connectd/crypto"
	"connectd/discovery"
	"connectd/logging"
	"connectd/network"
	"connectd/plugins"
	"connectd/plugins/mpris"
	"connectd/plugins/ping"
	"connectd/plugins/remoteinput"
	"connectd/plugins/share"
	"connectd/plugins/systemvolume"
	"connectd/protocol"
	"connectd/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// runDaemon starts discovery, the link manager and the control API, and
// blocks until ctx is cancelled or one of them fails.
func runDaemon(ctx context.Context, dataDir string) error {
	cfg, cfgPath, err := loadConfig(dataDir)
	if err != nil {
		return err
	}
	dataDir = filepath.Dir(cfgPath)

	logger := logging.Init("connectd", cfg.LogLevel)

	cert, err := crypto.EnsureCertificate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("prepare certificate: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("database close failed")
		}
	}()

	registry, closeBackends, err := buildRegistry(cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeBackends()

	var manager *network.Manager
	disco, err := discovery.NewService(discovery.Config{
		SelfDeviceID:     cfg.DeviceID,
		Port:             cfg.Discovery.Port,
		BroadcastAddress: cfg.Discovery.BroadcastAddress,
		Targets:          cfg.Discovery.StaticTargets,
		Interval:         cfg.Discovery.BroadcastInterval.Duration,
		LivenessTimeout:  cfg.Discovery.LivenessTimeout.Duration,
		Identity:         func() protocol.Identity { return manager.Identity() },
		EnableMDNS:       cfg.Discovery.EnableMDNS,
		Logger:           logging.Component(logger, "discovery"),
	})
	if err != nil {
		return fmt.Errorf("configure discovery: %w", err)
	}

	manager, err = network.NewManager(network.ManagerOptions{
		Identity: protocol.Identity{
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			DeviceType: protocol.DeviceType(cfg.DeviceType),
		},
		Certificate:    cert,
		ListenAddress:  listenAddress(cfg),
		Store:          store,
		Registry:       registry,
		Discovery:      disco,
		PairingTimeout: cfg.Pairing.Timeout.Duration,
		Logger:         logging.Component(logger, "network"),
	})
	if err != nil {
		return fmt.Errorf("configure device manager: %w", err)
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start device manager: %w", err)
	}
	defer manager.Stop()

	if err := disco.Start(ctx); err != nil {
		// Static targets and explicit connects still work without UDP discovery.
		logger.Error().Err(err).Msg("discovery unavailable")
	} else {
		defer disco.Stop()
	}

	logger.Info().
		Str("device_id", cfg.DeviceID).
		Str("device_name", cfg.DeviceName).
		Str("fingerprint", crypto.FormatFingerprint(crypto.CertificateFingerprint(cert))).
		Str("listen", manager.Addr().String()).
		Str("config", cfgPath).
		Str("database", dbPath).
		Msg("connectd running")

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.Control.Enabled {
		api, err := controlapi.New(controlapi.Options{
			Address: cfg.Control.Address,
			Daemon:  manager,
			History: store,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("configure control api: %w", err)
		}
		group.Go(func() error { return api.Run(groupCtx) })
	}
	group.Go(func() error {
		logEvents(groupCtx, manager, logger)
		return nil
	})

	err = group.Wait()
	logger.Info().Msg("connectd shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildRegistry registers every enabled plugin whose backend is usable on
// this host. The returned func releases backend resources.
func buildRegistry(cfg *config.DeviceConfig, store *storage.Store, logger zerolog.Logger) (*plugins.Registry, func(), error) {
	pluginLogger := logging.Component(logger, "plugins")
	var (
		factories []plugins.Factory
		closers   []func()
	)

	if cfg.PluginEnabled(ping.Name) {
		factories = append(factories, ping.NewFactory(func(deviceID, message string) {
			pluginLogger.Info().Str("device_id", deviceID).Str("message", message).Msg("ping received")
		}, pluginLogger))
	}
	if cfg.PluginEnabled(share.Name) {
		factories = append(factories, share.NewFactory(share.Options{
			DownloadDir: cfg.DownloadDir,
			Recorder:    store,
			OnShare: func(deviceID string, kind share.Kind, value string) {
				pluginLogger.Info().Str("device_id", deviceID).Str("kind", string(kind)).Str("value", value).Msg("share received")
			},
			Logger: pluginLogger,
		}))
	}
	if cfg.PluginEnabled(remoteinput.Name) {
		factories = append(factories, remoteinput.NewFactory(nil, pluginLogger))
	}
	if cfg.PluginEnabled(systemvolume.Name) {
		if systemvolume.Available() {
			factories = append(factories, systemvolume.NewFactory(systemvolume.NewWpctlBackend(), pluginLogger))
		} else {
			pluginLogger.Warn().Msg("wpctl not found, systemvolume disabled")
		}
	}
	if cfg.PluginEnabled(mpris.Name) {
		backend, err := mpris.NewDBusBackend()
		if err != nil {
			pluginLogger.Warn().Err(err).Msg("session bus unavailable, mpris disabled")
		} else {
			factories = append(factories, mpris.NewFactory(backend, mpris.DefaultPollInterval, pluginLogger))
			closers = append(closers, func() { _ = backend.Close() })
		}
	}

	registry, err := plugins.NewRegistry(factories...)
	if err != nil {
		return nil, nil, fmt.Errorf("register plugins: %w", err)
	}
	return registry, func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}, nil
}

func listenAddress(cfg *config.DeviceConfig) string {
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		return net.JoinHostPort("", strconv.Itoa(cfg.ListeningPort))
	}
	return ":0"
}

// logEvents writes manager events to the log until ctx ends.
func logEvents(ctx context.Context, manager *network.Manager, logger zerolog.Logger) {
	events, unsubscribe := manager.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			entry := logger.Info()
			if event.Err != nil {
				entry = logger.Warn().Err(event.Err)
			}
			entry.Str("event", string(event.Type)).Str("device_id", event.DeviceID).Msg("device event")
		}
	}
}
