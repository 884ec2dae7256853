package main

import (
	"fmt"
	"path/filepath"
	"time"

	"connectd/config"
	"connectd/crypto"
	"connectd/storage"

	"github.com/spf13/cobra"
)

var dataDirFlag string

var rootCmd = &cobra.Command{
	Use:   "connectd",
	Short: "connectd - KDE Connect compatible device daemon",
	Long: `connectd discovers nearby KDE Connect devices, pairs with them over TLS
and runs the ping, share, remote input, volume and media plugins.

Run without a subcommand to start the daemon. The data directory defaults to
the platform config location and can be overridden with CONNECTD_DATA_DIR.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), dataDirFlag)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default: $CONNECTD_DATA_DIR or the platform config dir)")

	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(devicesCmd)
}

// fingerprintCmd prints the local identity, creating it on first use.
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Show the local device identity and certificate fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(dataDirFlag)
		if err != nil {
			return err
		}
		cert, err := crypto.EnsureCertificate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID)
		if err != nil {
			return fmt.Errorf("prepare certificate: %w", err)
		}

		fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
		fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
		fmt.Printf("Device Type:     %s\n", cfg.DeviceType)
		fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.CertificateFingerprint(cert)))
		fmt.Printf("Config File:     %s\n", cfgPath)
		return nil
	},
}

// devicesCmd lists the trust store.
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List trusted (paired) devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfgPath, err := loadConfig(dataDirFlag)
		if err != nil {
			return err
		}
		store, _, err := storage.Open(filepath.Dir(cfgPath))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		devices, err := store.ListTrustedDevices()
		if err != nil {
			return fmt.Errorf("list trusted devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No trusted devices.")
			return nil
		}

		for _, device := range devices {
			fmt.Printf("%s  %s (%s)\n", device.DeviceID, device.DeviceName, device.DeviceType)
			fmt.Printf("  Fingerprint: %s\n", crypto.FormatFingerprint(device.CertificateFingerprint))
			fmt.Printf("  Paired:      %s\n", time.UnixMilli(device.PairedTimestamp).Format(time.RFC3339))
			if device.LastKnownIP != nil && device.LastKnownPort != nil {
				fmt.Printf("  Last seen:   %s:%d\n", *device.LastKnownIP, *device.LastKnownPort)
			}
		}
		return nil
	},
}

func loadConfig(dataDir string) (*config.DeviceConfig, string, error) {
	var (
		cfg     *config.DeviceConfig
		cfgPath string
		err     error
	)
	if dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}
