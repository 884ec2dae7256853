package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	TransferDirectionSend    = "send"
	TransferDirectionReceive = "receive"
)

const (
	TransferStatusPending   = "pending"
	TransferStatusActive    = "active"
	TransferStatusComplete  = "complete"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
)

// TrustedDevice is the SQLite representation of a paired remote device.
type TrustedDevice struct {
	DeviceID               string
	DeviceName             string
	DeviceType             string
	CertificateFingerprint string
	CertificatePEM         string
	PairedTimestamp        int64
	LastSeenTimestamp      *int64
	LastKnownIP            *string
	LastKnownPort          *int
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID        int64
	EventType string
	DeviceID  *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	DeviceID      string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// Transfer records one payload transfer in either direction.
type Transfer struct {
	TransferID       string
	DeviceID         string
	Direction        string
	Filename         string
	Filesize         int64
	BytesTransferred int64
	StoredPath       string
	Status           string
	ErrorMessage     string
	CreatedTimestamp int64
	UpdatedTimestamp int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusActive, TransferStatusComplete, TransferStatusFailed, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
