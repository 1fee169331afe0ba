package models

// MessageStatus is the delivery state of one message.
type MessageStatus string

const (
	// StatusPending marks a message queued locally and not yet handed to a transport.
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	// StatusDelivered is set by the sender on ack and by the receiver on decrypt.
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	// StatusFailed is terminal.
	StatusFailed MessageStatus = "failed"
)

// Direction tells whether a message was written locally or received.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next is forward progress.
// Statuses only move up pending < sent < delivered < read. Failed can be
// reached from pending or sent and never left.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == StatusFailed || !next.Valid() {
		return false
	}
	if next == StatusFailed {
		return s == StatusPending || s == StatusSent
	}
	return statusRank[next] > statusRank[s]
}

// Predecessors lists every status that may advance to s.
func (s MessageStatus) Predecessors() []MessageStatus {
	out := make([]MessageStatus, 0, 4)
	for _, from := range []MessageStatus{StatusPending, StatusSent, StatusDelivered, StatusRead} {
		if from.CanAdvanceTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// Message is one application message. Body is plaintext and never leaves the device.
type Message struct {
	ID          string        `json:"id"`
	PeerID      string        `json:"peer_id"`
	SenderID    string        `json:"sender_id"`
	RecipientID string        `json:"recipient_id"`
	Direction   Direction     `json:"direction"`
	Body        string        `json:"body"`
	Status      MessageStatus `json:"status"`
	CreatedAt   int64         `json:"created_at"`
	TTLMs       int64         `json:"ttl_ms,omitempty"`
	// ExpiresAt is zero for messages without a TTL.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Expired reports whether the message has passed its expiry at nowMs.
func (m Message) Expired(nowMs int64) bool {
	return m.ExpiresAt > 0 && nowMs >= m.ExpiresAt
}

// ExpiryFor returns the expiry timestamp for a TTL starting at createdAt, or zero.
func ExpiryFor(createdAt, ttlMs int64) int64 {
	if ttlMs <= 0 {
		return 0
	}
	return createdAt + ttlMs
}
