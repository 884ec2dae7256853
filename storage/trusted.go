package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const trustedDeviceColumns = `
			device_id,
			device_name,
			device_type,
			certificate_fingerprint,
			certificate_pem,
			paired_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port`

// SaveTrustedDevice records a device as paired, replacing any previous entry.
//
// A re-pair with a new certificate overwrites the stored fingerprint.
func (s *Store) SaveTrustedDevice(device TrustedDevice) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.CertificateFingerprint == "" {
		return errors.New("certificate_fingerprint is required")
	}
	if device.DeviceName == "" {
		device.DeviceName = device.DeviceID
	}
	if device.DeviceType == "" {
		device.DeviceType = "unknown"
	}
	if device.PairedTimestamp == 0 {
		device.PairedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO trusted_devices (`+trustedDeviceColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			certificate_fingerprint = excluded.certificate_fingerprint,
			certificate_pem = excluded.certificate_pem,
			paired_timestamp = excluded.paired_timestamp,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, trusted_devices.last_seen_timestamp),
			last_known_ip = COALESCE(excluded.last_known_ip, trusted_devices.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, trusted_devices.last_known_port)`,
		device.DeviceID,
		device.DeviceName,
		device.DeviceType,
		device.CertificateFingerprint,
		device.CertificatePEM,
		device.PairedTimestamp,
		nullInt64(device.LastSeenTimestamp),
		nullString(device.LastKnownIP),
		nullInt64FromInt(device.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("save trusted device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetTrustedDevice fetches a trusted device by id.
func (s *Store) GetTrustedDevice(deviceID string) (*TrustedDevice, error) {
	row := s.db.QueryRow(
		`SELECT`+trustedDeviceColumns+`
		FROM trusted_devices
		WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanTrustedDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListTrustedDevices returns all trusted devices sorted by name.
func (s *Store) ListTrustedDevices() ([]TrustedDevice, error) {
	rows, err := s.db.Query(
		`SELECT` + trustedDeviceColumns + `
		FROM trusted_devices
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]TrustedDevice, 0)
	for rows.Next() {
		device, err := scanTrustedDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted device rows: %w", err)
	}

	return devices, nil
}

// RemoveTrustedDevice deletes a trusted device by id.
func (s *Store) RemoveTrustedDevice(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove trusted device %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove trusted device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateTrustedDeviceEndpoint updates last known endpoint fields and last seen timestamp (when > 0).
func (s *Store) UpdateTrustedDeviceEndpoint(deviceID, ip string, port int, lastSeenTimestamp int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(ip) == "" {
		return errors.New("ip is required")
	}
	if port <= 0 {
		return errors.New("port must be > 0")
	}

	res, err := s.db.Exec(
		`UPDATE trusted_devices
		SET last_known_ip = ?,
		    last_known_port = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE device_id = ?`,
		ip,
		port,
		lastSeenTimestamp,
		lastSeenTimestamp,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update trusted device endpoint %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for endpoint update %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanTrustedDevice(row scanner) (*TrustedDevice, error) {
	var (
		device   TrustedDevice
		lastSeen sql.NullInt64
		lastIP   sql.NullString
		lastPort sql.NullInt64
	)
	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.DeviceType,
		&device.CertificateFingerprint,
		&device.CertificatePEM,
		&device.PairedTimestamp,
		&lastSeen,
		&lastIP,
		&lastPort,
	); err != nil {
		return nil, err
	}

	device.LastSeenTimestamp = int64Ptr(lastSeen)
	device.LastKnownIP = stringPtr(lastIP)
	device.LastKnownPort = intPtrFromNullInt64(lastPort)
	return &device, nil
}
