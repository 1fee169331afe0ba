package network

import (
	"time"

	"peerlink/models"
)

// MessageStore persists message records and the seen-id set used to
// detect redelivered ciphers.
type MessageStore interface {
	SaveMessage(message models.Message) error
	GetMessage(messageID string) (*models.Message, error)
	ListMessages(peerID string, limit int) ([]models.Message, error)
	// UnackedOutbound lists outbound messages to peerID still pending or sent.
	UnackedOutbound(peerID string) ([]models.Message, error)
	// UpdateMessageStatus applies status only if it advances the current one
	// and reports whether it did.
	UpdateMessageStatus(messageID string, status models.MessageStatus) (bool, error)
	// PurgeExpired deletes messages and queue entries expired at nowMs and
	// returns the purged message ids.
	PurgeExpired(nowMs int64) ([]string, error)
	// MarkSeen records an inbound id and reports whether it was new.
	MarkSeen(messageID string, receivedAt int64) (bool, error)
	PruneSeen(cutoffTimestamp int64) (int64, error)
}

// OutboundQueue is the pending outbound queue keyed by destination peer.
type OutboundQueue interface {
	Enqueue(entry models.OutboundEntry) error
	PendingFor(peerID string) ([]models.OutboundEntry, error)
	RemoveOutbound(id string) error
	IncrementRetry(id string) (int, error)
	OutboundDepth() (int, error)
}

// TransferLog records file transfer status.
type TransferLog interface {
	SaveTransfer(transfer models.FileTransfer) error
	UpdateTransferStatus(fileID string, status models.TransferStatus) error
	GetTransfer(fileID string) (*models.FileTransfer, error)
}

// RecordStore is everything the session layer and outbox persist.
type RecordStore interface {
	MessageStore
	OutboundQueue
	TransferLog
}

// Clocked is implemented by stores whose expiry filtering can follow an
// injected clock.
type Clocked interface {
	SetClock(now func() time.Time)
}
