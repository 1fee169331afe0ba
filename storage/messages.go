package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"peerlink/models"
)

const messageColumns = `
	message_id,
	peer_id,
	sender_id,
	recipient_id,
	direction,
	body,
	status,
	created_at,
	ttl_ms,
	expires_at`

// SaveMessage inserts a message row. Saving an id that already exists is a no-op.
func (s *Store) SaveMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if message.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.Status == "" {
		message.Status = models.StatusPending
	}
	if err := validateMessageStatus(message.Status); err != nil {
		return err
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = s.nowUnixMilli()
	}
	if message.ExpiresAt == 0 {
		message.ExpiresAt = models.ExpiryFor(message.CreatedAt, message.TTLMs)
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		message.ID,
		message.PeerID,
		message.SenderID,
		message.RecipientID,
		string(message.Direction),
		message.Body,
		string(message.Status),
		message.CreatedAt,
		message.TTLMs,
		nullableTimestamp(message.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}
	return nil
}

// GetMessage fetches one unexpired message.
func (s *Store) GetMessage(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message id is required")
	}

	row := s.db.QueryRow(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE message_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		messageID,
		s.nowUnixMilli(),
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// ListMessages returns the unexpired conversation with one peer ordered by creation time.
func (s *Store) ListMessages(peerID string, limit int) ([]models.Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE peer_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`,
		peerID,
		s.nowUnixMilli(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// UnackedOutbound returns the unexpired outbound messages to peerID that the
// peer has not acknowledged yet (pending or sent), oldest first.
func (s *Store) UnackedOutbound(peerID string) ([]models.Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE peer_id = ? AND direction = ? AND status IN (?, ?)
			AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, rowid ASC`,
		peerID,
		string(models.DirectionOutbound),
		string(models.StatusPending),
		string(models.StatusSent),
		s.nowUnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list unacked messages for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// UpdateMessageStatus moves a message to status only when that is forward
// progress from its current status. It reports whether a row changed.
func (s *Store) UpdateMessageStatus(messageID string, status models.MessageStatus) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	if err := validateMessageStatus(status); err != nil {
		return false, err
	}

	from := status.Predecessors()
	if len(from) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(from)+2)
	args = append(args, string(status), messageID)
	for _, prev := range from {
		args = append(args, string(prev))
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET status = ?
		WHERE message_id = ? AND status IN (?`+strings.Repeat(", ?", len(from)-1)+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message status %q: %w", messageID, err)
	}
	return rowsAffected > 0, nil
}

// PurgeExpired deletes every message and queued entry whose expiry is at or
// before nowMs and returns the purged message ids.
func (s *Store) PurgeExpired(nowMs int64) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin purge transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.Query(`SELECT message_id FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("select expired messages: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired message id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired messages: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs); err != nil {
		return nil, fmt.Errorf("delete expired messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM outbound_queue WHERE ttl_ms > 0 AND created_at + ttl_ms <= ?`, nowMs); err != nil {
		return nil, fmt.Errorf("delete expired queue entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge transaction: %w", err)
	}
	return ids, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message   models.Message
		direction string
		status    string
		expiresAt sql.NullInt64
	)

	if err := row.Scan(
		&message.ID,
		&message.PeerID,
		&message.SenderID,
		&message.RecipientID,
		&direction,
		&message.Body,
		&status,
		&message.CreatedAt,
		&message.TTLMs,
		&expiresAt,
	); err != nil {
		return nil, err
	}

	message.Direction = models.Direction(direction)
	message.Status = models.MessageStatus(status)
	if expiresAt.Valid {
		message.ExpiresAt = expiresAt.Int64
	}
	return &message, nil
}
