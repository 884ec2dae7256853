package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const transferColumns = `
			transfer_id,
			device_id,
			direction,
			filename,
			filesize,
			bytes_transferred,
			stored_path,
			transfer_status,
			error_message,
			created_timestamp,
			updated_timestamp`

// CreateTransfer inserts a transfer row, assigning an id when empty, and returns the id.
func (s *Store) CreateTransfer(transfer Transfer) (string, error) {
	if transfer.DeviceID == "" {
		return "", errors.New("device_id is required")
	}
	if transfer.Filename == "" {
		return "", errors.New("filename is required")
	}
	if transfer.Filesize < 0 {
		return "", errors.New("filesize must be >= 0")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return "", err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return "", err
	}
	if transfer.TransferID == "" {
		transfer.TransferID = uuid.NewString()
	}
	now := nowUnixMilli()
	if transfer.CreatedTimestamp == 0 {
		transfer.CreatedTimestamp = now
	}
	transfer.UpdatedTimestamp = now

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.DeviceID,
		transfer.Direction,
		transfer.Filename,
		transfer.Filesize,
		transfer.BytesTransferred,
		transfer.StoredPath,
		transfer.Status,
		transfer.ErrorMessage,
		transfer.CreatedTimestamp,
		transfer.UpdatedTimestamp,
	)
	if err != nil {
		return "", fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return transfer.TransferID, nil
}

// UpdateTransferProgress records the byte count and status of a transfer.
func (s *Store) UpdateTransferProgress(transferID string, bytesTransferred int64, status, errorMessage string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET bytes_transferred = ?,
		    transfer_status = ?,
		    error_message = ?,
		    updated_timestamp = ?
		WHERE transfer_id = ?`,
		bytesTransferred,
		status,
		errorMessage,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer update %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches a transfer by id.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns the newest transfers for a device, or for all devices when deviceID is empty.
func (s *Store) ListTransfers(deviceID string, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT` + transferColumns + `
		FROM transfers`
	args := make([]any, 0, 2)
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_timestamp DESC, transfer_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var transfer Transfer
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.DeviceID,
		&transfer.Direction,
		&transfer.Filename,
		&transfer.Filesize,
		&transfer.BytesTransferred,
		&transfer.StoredPath,
		&transfer.Status,
		&transfer.ErrorMessage,
		&transfer.CreatedTimestamp,
		&transfer.UpdatedTimestamp,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}
