package storage

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"peerlink/models"
)

// Memory is an in-process record store with the same behavior as Store.
// Nothing survives a restart.
type Memory struct {
	clock
	mu        sync.Mutex
	seq       int64
	messages  map[string]memoryMessage
	queue     map[string]memoryEntry
	seen      map[string]int64
	transfers map[string]models.FileTransfer
}

type memoryMessage struct {
	models.Message
	seq int64
}

type memoryEntry struct {
	models.OutboundEntry
	seq int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[string]memoryMessage),
		queue:     make(map[string]memoryEntry),
		seen:      make(map[string]int64),
		transfers: make(map[string]models.FileTransfer),
	}
}

// SaveMessage stores a message. Saving an id that already exists is a no-op.
func (m *Memory) SaveMessage(message models.Message) error {
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
		message.CreatedAt = m.nowUnixMilli()
	}
	if message.ExpiresAt == 0 {
		message.ExpiresAt = models.ExpiryFor(message.CreatedAt, message.TTLMs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[message.ID]; exists {
		return nil
	}
	m.seq++
	m.messages[message.ID] = memoryMessage{Message: message, seq: m.seq}
	return nil
}

// GetMessage fetches one unexpired message.
func (m *Memory) GetMessage(messageID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.messages[messageID]
	if !ok || stored.Expired(m.nowUnixMilli()) {
		return nil, ErrNotFound
	}
	out := stored.Message
	return &out, nil
}

// ListMessages returns the unexpired conversation with one peer ordered by creation time.
func (m *Memory) ListMessages(peerID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	now := m.nowUnixMilli()

	m.mu.Lock()
	matches := make([]memoryMessage, 0)
	for _, stored := range m.messages {
		if stored.PeerID == peerID && !stored.Expired(now) {
			matches = append(matches, stored)
		}
	}
	m.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt == matches[j].CreatedAt {
			return matches[i].seq < matches[j].seq
		}
		return matches[i].CreatedAt < matches[j].CreatedAt
	})

	out := make([]models.Message, 0, min(limit, len(matches)))
	for _, stored := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, stored.Message)
	}
	return out, nil
}

// UnackedOutbound returns unexpired outbound messages still pending or sent.
func (m *Memory) UnackedOutbound(peerID string) ([]models.Message, error) {
	now := m.nowUnixMilli()

	m.mu.Lock()
	matches := make([]memoryMessage, 0)
	for _, stored := range m.messages {
		if stored.PeerID != peerID || stored.Direction != models.DirectionOutbound || stored.Expired(now) {
			continue
		}
		if stored.Status == models.StatusPending || stored.Status == models.StatusSent {
			matches = append(matches, stored)
		}
	}
	m.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt == matches[j].CreatedAt {
			return matches[i].seq < matches[j].seq
		}
		return matches[i].CreatedAt < matches[j].CreatedAt
	})

	out := make([]models.Message, 0, len(matches))
	for _, stored := range matches {
		out = append(out, stored.Message)
	}
	return out, nil
}

// UpdateMessageStatus applies status only when it is forward progress.
func (m *Memory) UpdateMessageStatus(messageID string, status models.MessageStatus) (bool, error) {
	if err := validateMessageStatus(status); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.messages[messageID]
	if !ok || !slices.Contains(status.Predecessors(), stored.Status) {
		return false, nil
	}
	stored.Status = status
	m.messages[messageID] = stored
	return true, nil
}

// PurgeExpired deletes expired messages and queue entries.
func (m *Memory) PurgeExpired(nowMs int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0)
	for id, stored := range m.messages {
		if stored.Expired(nowMs) {
			ids = append(ids, id)
			delete(m.messages, id)
		}
	}
	for id, entry := range m.queue {
		if entry.Expired(nowMs) {
			delete(m.queue, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkSeen records a received message id and reports whether it was new.
func (m *Memory) MarkSeen(messageID string, receivedAt int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	if receivedAt == 0 {
		receivedAt = m.nowUnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seen[messageID]; exists {
		return false, nil
	}
	m.seen[messageID] = receivedAt
	return true, nil
}

// PruneSeen forgets seen ids older than cutoffTimestamp.
func (m *Memory) PruneSeen(cutoffTimestamp int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, at := range m.seen {
		if at < cutoffTimestamp {
			delete(m.seen, id)
			pruned++
		}
	}
	return pruned, nil
}

// Enqueue stores an outbound entry. Re-enqueueing an id already queued is a no-op.
func (m *Memory) Enqueue(entry models.OutboundEntry) error {
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
		entry.CreatedAt = m.nowUnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queue[entry.ID]; exists {
		return nil
	}
	m.seq++
	entry.Payload = append([]byte(nil), entry.Payload...)
	m.queue[entry.ID] = memoryEntry{OutboundEntry: entry, seq: m.seq}
	return nil
}

// PendingFor returns the queued entries for one peer, oldest first.
func (m *Memory) PendingFor(peerID string) ([]models.OutboundEntry, error) {
	m.mu.Lock()
	matches := make([]memoryEntry, 0)
	for _, entry := range m.queue {
		if entry.PeerID == peerID {
			matches = append(matches, entry)
		}
	}
	m.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt == matches[j].CreatedAt {
			return matches[i].seq < matches[j].seq
		}
		return matches[i].CreatedAt < matches[j].CreatedAt
	})

	out := make([]models.OutboundEntry, 0, len(matches))
	for _, entry := range matches {
		out = append(out, entry.OutboundEntry)
	}
	return out, nil
}

// RemoveOutbound deletes one entry.
func (m *Memory) RemoveOutbound(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queue[id]; !exists {
		return ErrNotFound
	}
	delete(m.queue, id)
	return nil
}

// IncrementRetry bumps the retry counter of an entry.
func (m *Memory) IncrementRetry(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, exists := m.queue[id]
	if !exists {
		return 0, ErrNotFound
	}
	entry.RetryCount++
	m.queue[id] = entry
	return entry.RetryCount, nil
}

// OutboundDepth returns the number of queued entries.
func (m *Memory) OutboundDepth() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

// SaveTransfer inserts or updates a transfer record.
func (m *Memory) SaveTransfer(transfer models.FileTransfer) error {
	if transfer.FileID == "" {
		return errors.New("file_id is required")
	}
	if transfer.Status == "" {
		transfer.Status = models.TransferPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = m.nowUnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.transfers[transfer.FileID]; ok {
		existing.Status = transfer.Status
		existing.UpdatedAt = transfer.UpdatedAt
		m.transfers[transfer.FileID] = existing
		return nil
	}
	m.transfers[transfer.FileID] = transfer
	return nil
}

// UpdateTransferStatus updates the status of a transfer record.
func (m *Memory) UpdateTransferStatus(fileID string, status models.TransferStatus) error {
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[fileID]
	if !ok {
		return ErrNotFound
	}
	transfer.Status = status
	transfer.UpdatedAt = m.nowUnixMilli()
	m.transfers[fileID] = transfer
	return nil
}

// GetTransfer fetches one transfer record.
func (m *Memory) GetTransfer(fileID string) (*models.FileTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return &transfer, nil
}
