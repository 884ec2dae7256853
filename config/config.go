package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "connectd"
	// EnvDataDir overrides the resolved data directory.
	EnvDataDir = "CONNECTD_DATA_DIR"
	// DefaultListeningPort is the first port of the link listener range.
	DefaultListeningPort = 1716
	// PortModeAutomatic picks the first free port of the protocol range at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultControlAddress binds the local control API to loopback.
	DefaultControlAddress = "127.0.0.1:1780"
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
)

// Duration is a time.Duration that reads and writes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID        string   `toml:"device_id"`
	DeviceName      string   `toml:"device_name"`
	DeviceType      string   `toml:"device_type"`
	PortMode        string   `toml:"port_mode"`
	ListeningPort   int      `toml:"listening_port"`
	CertificatePath string   `toml:"certificate_path"`
	PrivateKeyPath  string   `toml:"private_key_path"`
	DownloadDir     string   `toml:"download_dir"`
	LogLevel        string   `toml:"log_level"`
	DisabledPlugins []string `toml:"disabled_plugins"`

	Discovery DiscoveryConfig `toml:"discovery"`
	Pairing   PairingConfig   `toml:"pairing"`
	Control   ControlConfig   `toml:"control"`
}

// DiscoveryConfig tunes the UDP announcer and mDNS browser.
type DiscoveryConfig struct {
	Port              int      `toml:"port"`
	BroadcastAddress  string   `toml:"broadcast_address"`
	StaticTargets     []string `toml:"static_targets"`
	BroadcastInterval Duration `toml:"broadcast_interval"`
	LivenessTimeout   Duration `toml:"liveness_timeout"`
	EnableMDNS        bool     `toml:"enable_mdns"`
}

// PairingConfig tunes the pairing handshake.
type PairingConfig struct {
	Timeout Duration `toml:"timeout"`
}

// ControlConfig configures the local HTTP control API.
type ControlConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CONNECTD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and decodes config.toml from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save encodes and writes config.toml to disk.
func Save(path string, cfg *DeviceConfig) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate rooted at an explicit data directory.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// NewDeviceID returns a fresh device id in the form accepted by other
// implementations: 32 hex characters with no separators.
func NewDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "connectd"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if field.Duration <= 0 {
			field.Duration = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, NewDeviceID())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.DeviceType, "desktop")
	setString(&cfg.CertificatePath, filepath.Join(keysDir, "certificate.pem"))
	setString(&cfg.PrivateKeyPath, filepath.Join(keysDir, "private_key.pem"))
	setString(&cfg.DownloadDir, filepath.Join(dataDir, "downloads"))
	setString(&cfg.LogLevel, "info")

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort != 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Discovery.Port <= 0 {
		cfg.Discovery.Port = 1716
		cfg.Discovery.EnableMDNS = true
		updated = true
	}
	setString(&cfg.Discovery.BroadcastAddress, "255.255.255.255")
	setDuration(&cfg.Discovery.BroadcastInterval, 5*time.Second)
	setDuration(&cfg.Discovery.LivenessTimeout, 30*time.Second)
	setDuration(&cfg.Pairing.Timeout, 30*time.Second)

	if cfg.Control.Address == "" {
		cfg.Control.Address = DefaultControlAddress
		cfg.Control.Enabled = true
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

// PluginEnabled reports whether name is absent from the disabled list.
func (cfg *DeviceConfig) PluginEnabled(name string) bool {
	for _, disabled := range cfg.DisabledPlugins {
		if strings.EqualFold(strings.TrimSpace(disabled), name) {
			return false
		}
	}
	return true
}
