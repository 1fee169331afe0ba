package storage

import (
	"testing"
	"time"

	"peerlink/models"
)

type recordStore interface {
	SaveMessage(models.Message) error
	GetMessage(string) (*models.Message, error)
	ListMessages(string, int) ([]models.Message, error)
	UnackedOutbound(string) ([]models.Message, error)
	UpdateMessageStatus(string, models.MessageStatus) (bool, error)
	PurgeExpired(int64) ([]string, error)
	MarkSeen(string, int64) (bool, error)
	PruneSeen(int64) (int64, error)
	Enqueue(models.OutboundEntry) error
	PendingFor(string) ([]models.OutboundEntry, error)
	RemoveOutbound(string) error
	IncrementRetry(string) (int, error)
	OutboundDepth() (int, error)
	SaveTransfer(models.FileTransfer) error
	UpdateTransferStatus(string, models.TransferStatus) error
	GetTransfer(string) (*models.FileTransfer, error)
	SetClock(func() time.Time)
}

var (
	_ recordStore = (*Store)(nil)
	_ recordStore = (*Memory)(nil)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

// forEachStore runs fn against the SQLite store and the in-memory store.
func forEachStore(t *testing.T, fn func(t *testing.T, store recordStore)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newTestStore(t))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

func outboundMessage(id, peer string, createdAt, ttlMs int64) models.Message {
	return models.Message{
		ID:          id,
		PeerID:      peer,
		SenderID:    "self",
		RecipientID: peer,
		Direction:   models.DirectionOutbound,
		Body:        "body-" + id,
		Status:      models.StatusSent,
		CreatedAt:   createdAt,
		TTLMs:       ttlMs,
	}
}
