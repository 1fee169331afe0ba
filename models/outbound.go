package models

// OutboundEntry is a message waiting for its peer's session to become ready.
// Payload is sealed under the local queue key; it is never session ciphertext.
type OutboundEntry struct {
	ID         string `json:"id"`
	PeerID     string `json:"peer_id"`
	Payload    []byte `json:"payload"`
	TTLMs      int64  `json:"ttl_ms,omitempty"`
	RetryCount int    `json:"retry_count"`
	CreatedAt  int64  `json:"created_at"`
}

// Expired reports whether a queued entry outlived its TTL at nowMs.
func (e OutboundEntry) Expired(nowMs int64) bool {
	expiresAt := ExpiryFor(e.CreatedAt, e.TTLMs)
	return expiresAt > 0 && nowMs >= expiresAt
}
