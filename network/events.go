package network

import (
	"sync"
	"sync/atomic"

	"peerlink/models"
)

// EventType discriminates session layer events.
type EventType string

const (
	EventSessionReady         EventType = "session_ready"
	EventHandshakeFailed      EventType = "handshake_failed"
	EventPeerDisconnected     EventType = "peer_disconnected"
	EventMessageReceived      EventType = "message_received"
	EventMessageStatusChanged EventType = "message_status_changed"
	EventMessageExpired       EventType = "message_expired"
	EventFileReceived         EventType = "file_received"
	EventFileProgress         EventType = "file_progress"
	EventFileFailed           EventType = "file_failed"
)

// Event is published on the Bus. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	PeerID    string
	MessageID string
	Status    models.MessageStatus
	Message   *models.Message
	File      *ReceivedFile
	Progress  *FileProgress
	Err       error
}

// ReceivedFile is a fully reassembled inbound file.
type ReceivedFile struct {
	FileID string
	Name   string
	MIME   string
	Data   []byte
}

// FileProgress captures transfer progress for one file.
type FileProgress struct {
	FileID           string
	PeerID           string
	Direction        models.Direction
	ChunksDone       int
	TotalChunks      int
	BytesTransferred int64
	TotalBytes       int64
}

// Handler receives published events. Handlers run on the publishing
// goroutine, which is usually a session loop, and must not block.
type Handler func(Event)

type subscription struct {
	handler Handler
	active  atomic.Bool
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.Mutex
	subs []*subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns a function that detaches it. The
// returned function is idempotent and may be called from inside the handler.
func (b *Bus) Subscribe(handler Handler) func() {
	sub := &subscription{handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		if !sub.active.Swap(false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to every handler subscribed before the call.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		sub.handler(event)
	}
}
