package models

// Peer is a room member as announced by the signaling relay.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	// PublicKey is the base58 Ed25519 identity key the peer registered with.
	PublicKey string `json:"publicKey,omitempty"`
}
