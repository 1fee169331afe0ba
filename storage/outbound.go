package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"peerlink/models"
)

// Enqueue persists an outbound entry. Re-enqueueing an id already queued is a no-op.
func (s *Store) Enqueue(entry models.OutboundEntry) error {
	if entry.ID == "" {
		return errors.New("entry id is required")
	}
	if entry.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if len(entry.Payload) == 0 {
		return errors.New("payload is required")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = s.nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO outbound_queue (id, peer_id, payload, ttl_ms, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		entry.ID,
		entry.PeerID,
		entry.Payload,
		entry.TTLMs,
		entry.RetryCount,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbound %q: %w", entry.ID, err)
	}
	return nil
}

// PendingFor returns the queued entries for one peer, oldest first.
func (s *Store) PendingFor(peerID string) ([]models.OutboundEntry, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}

	rows, err := s.db.Query(
		`SELECT id, peer_id, payload, ttl_ms, retry_count, created_at
		FROM outbound_queue
		WHERE peer_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("get outbound queue for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	entries := make([]models.OutboundEntry, 0)
	for rows.Next() {
		var entry models.OutboundEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.PeerID,
			&entry.Payload,
			&entry.TTLMs,
			&entry.RetryCount,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbound row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound rows: %w", err)
	}
	return entries, nil
}

// RemoveOutbound deletes one entry after it was handed to a transport.
func (s *Store) RemoveOutbound(id string) error {
	if id == "" {
		return errors.New("entry id is required")
	}

	res, err := s.db.Exec(`DELETE FROM outbound_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove outbound %q: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove outbound %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter of an entry and returns the new value.
func (s *Store) IncrementRetry(id string) (int, error) {
	if id == "" {
		return 0, errors.New("entry id is required")
	}

	var count int
	err := s.db.QueryRow(
		`UPDATE outbound_queue SET retry_count = retry_count + 1 WHERE id = ? RETURNING retry_count`,
		id,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment retry for %q: %w", id, err)
	}
	return count, nil
}

// OutboundDepth returns the number of queued entries across all peers.
func (s *Store) OutboundDepth() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM outbound_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outbound queue: %w", err)
	}
	return count, nil
}
