package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"peerlink/models"
)

// SaveTransfer inserts or replaces the record of a file transfer.
func (s *Store) SaveTransfer(transfer models.FileTransfer) error {
	if transfer.FileID == "" {
		return errors.New("file_id is required")
	}
	if transfer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = models.TransferPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = s.nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO file_transfers (
			file_id,
			peer_id,
			direction,
			name,
			size,
			mime,
			total_chunks,
			chunk_size,
			status,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		transfer.FileID,
		transfer.PeerID,
		string(transfer.Direction),
		transfer.Name,
		transfer.Size,
		transfer.MIME,
		transfer.TotalChunks,
		transfer.ChunkSize,
		string(transfer.Status),
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save file transfer %q: %w", transfer.FileID, err)
	}
	return nil
}

// UpdateTransferStatus updates the status of a transfer record.
func (s *Store) UpdateTransferStatus(fileID string, status models.TransferStatus) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE file_transfers
		SET status = ?, updated_at = ?
		WHERE file_id = ?`,
		string(status),
		s.nowUnixMilli(),
		fileID,
	)
	if err != nil {
		return fmt.Errorf("update file transfer status %q: %w", fileID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for file transfer status %q: %w", fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one transfer record.
func (s *Store) GetTransfer(fileID string) (*models.FileTransfer, error) {
	row := s.db.QueryRow(
		`SELECT
			file_id,
			peer_id,
			direction,
			name,
			size,
			mime,
			total_chunks,
			chunk_size,
			status,
			updated_at
		FROM file_transfers
		WHERE file_id = ?`,
		fileID,
	)

	var (
		transfer  models.FileTransfer
		direction string
		status    string
	)
	err := row.Scan(
		&transfer.FileID,
		&transfer.PeerID,
		&direction,
		&transfer.Name,
		&transfer.Size,
		&transfer.MIME,
		&transfer.TotalChunks,
		&transfer.ChunkSize,
		&status,
		&transfer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file transfer %q: %w", fileID, err)
	}
	transfer.Direction = models.Direction(direction)
	transfer.Status = models.TransferStatus(status)
	return &transfer, nil
}
