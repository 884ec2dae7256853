package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Security event types written by the pairing service and the link layer.
const (
	SecurityEventPairingRequested  = "pairing_requested"
	SecurityEventPairingAccepted   = "pairing_accepted"
	SecurityEventPairingRejected   = "pairing_rejected"
	SecurityEventPairingTimedOut   = "pairing_timed_out"
	SecurityEventUnpaired          = "unpaired"
	SecurityEventCertificateChange = "certificate_mismatch"
	SecurityEventIdentityMismatch  = "identity_mismatch"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// SetSecurityEventRetention changes how long security events are kept.
// A non-positive value restores the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent stores one event and drops rows older than the retention
// window in the same transaction.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if err := event.normalize(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin security event insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO security_events (event_type, device_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.DeviceID), event.Details, event.Severity, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := tx.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}
	return tx.Commit()
}

// LogDeviceEvent is LogSecurityEvent for one device with details marshaled from a value.
func (s *Store) LogDeviceEvent(eventType, deviceID, severity string, details any) error {
	raw := []byte("{}")
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal security event details: %w", err)
		}
		raw = encoded
	}

	event := SecurityEvent{EventType: eventType, Details: string(raw), Severity: severity}
	if deviceID != "" {
		event.DeviceID = &deviceID
	}
	return s.LogSecurityEvent(event)
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := filter.clauses()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, event_type, device_id, details, severity, timestamp FROM security_events`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), max(filter.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents removes security events older than cutoffTimestamp.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func (e *SecurityEvent) normalize() error {
	if strings.TrimSpace(e.EventType) == "" {
		return errors.New("event_type is required")
	}
	if e.Severity == "" {
		e.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(e.Severity); err != nil {
		return err
	}
	if e.Details == "" {
		e.Details = "{}"
	}
	if !json.Valid([]byte(e.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowUnixMilli()
	}
	if e.DeviceID != nil {
		trimmed := strings.TrimSpace(*e.DeviceID)
		if trimmed == "" {
			e.DeviceID = nil
		} else {
			e.DeviceID = &trimmed
		}
	}
	return nil
}

func (f SecurityEventFilter) clauses() (string, []any, error) {
	if f.Severity != "" {
		if err := validateSecuritySeverity(f.Severity); err != nil {
			return "", nil, err
		}
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.DeviceID != "" {
		add("device_id = ?", f.DeviceID)
	}
	if f.Severity != "" {
		add("severity = ?", f.Severity)
	}
	if f.FromTimestamp != nil {
		add("timestamp >= ?", *f.FromTimestamp)
	}
	if f.ToTimestamp != nil {
		add("timestamp <= ?", *f.ToTimestamp)
	}
	return strings.Join(conds, " AND "), args, nil
}

func (f SecurityEventFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultSecurityEventLimit
	case f.Limit > maxSecurityEventLimit:
		return maxSecurityEventLimit
	default:
		return f.Limit
	}
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event    SecurityEvent
		deviceID sql.NullString
	)
	if err := row.Scan(&event.ID, &event.EventType, &deviceID, &event.Details, &event.Severity, &event.Timestamp); err != nil {
		return nil, err
	}
	event.DeviceID = stringPtr(deviceID)
	return &event, nil
}
