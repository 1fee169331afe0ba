package storage

import (
	"errors"
	"fmt"
)

// MarkSeen records a received message id. It reports true when the id was
// not seen before, so callers can drop duplicate deliveries.
func (s *Store) MarkSeen(messageID string, receivedAt int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	if receivedAt == 0 {
		receivedAt = s.nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert seen message ID %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen ID %q: %w", messageID, err)
	}
	return rowsAffected == 1, nil
}

// PruneSeen removes seen_message_ids rows older than cutoff timestamp.
func (s *Store) PruneSeen(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
