package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SessionKeySize is the length of each derived directional key.
const SessionKeySize = 32

var x25519Curve = ecdh.X25519()

var (
	// ErrInvalidRole is returned when a role is neither initiator nor responder.
	ErrInvalidRole = errors.New("crypto: invalid role")
	// ErrInvalidPublicKey is returned for malformed remote public keys.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// Role decides which half of the key exchange output a peer uses for each direction.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// SelectRole returns the local role for a session between localID and remoteID.
// The lexicographically lower identifier is always the initiator, so both
// peers agree without negotiating.
func SelectRole(localID, remoteID string) Role {
	if localID < remoteID {
		return RoleInitiator
	}
	return RoleResponder
}

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  []byte
}

// GenerateKeyPair creates a fresh X25519 key pair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 key pair: %w", err)
	}
	return &KeyPair{
		Private: privateKey,
		Public:  privateKey.PublicKey().Bytes(),
	}, nil
}

// ParsePublicKey validates a raw 32-byte X25519 public key.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(raw))
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return publicKey, nil
}

// SessionKeys holds the two directional keys of one session.
type SessionKeys struct {
	RX []byte
	TX []byte
}

// DeriveSessionKeys computes the directional keys for a session. The output
// is BLAKE2b-512(q || client_pk || server_pk); the initiator (client) reads
// with the first half and writes with the second, the responder the reverse.
// The initiator's TX therefore equals the responder's RX.
func DeriveSessionKeys(local *KeyPair, remotePublic []byte, role Role) (SessionKeys, error) {
	if !role.Valid() {
		return SessionKeys{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if local == nil || local.Private == nil {
		return SessionKeys{}, errors.New("crypto: local key pair is required")
	}

	peerKey, err := ParsePublicKey(remotePublic)
	if err != nil {
		return SessionKeys{}, err
	}
	if bytes.Equal(peerKey.Bytes(), local.Public) {
		return SessionKeys{}, fmt.Errorf("%w: remote key equals local key", ErrInvalidPublicKey)
	}

	shared, err := local.Private.ECDH(peerKey)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	defer Wipe(shared)

	clientPub, serverPub := local.Public, peerKey.Bytes()
	if role == RoleResponder {
		clientPub, serverPub = serverPub, clientPub
	}

	h, err := blake2b.New512(nil)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("create BLAKE2b: %w", err)
	}
	h.Write(shared)
	h.Write(clientPub)
	h.Write(serverPub)
	sum := h.Sum(nil)
	defer Wipe(sum)

	first := append([]byte(nil), sum[:SessionKeySize]...)
	second := append([]byte(nil), sum[SessionKeySize:]...)
	if role == RoleInitiator {
		return SessionKeys{RX: first, TX: second}, nil
	}
	return SessionKeys{RX: second, TX: first}, nil
}

// Combined collapses the directional keys into one key used for both
// directions. The hash input is ordered as the initiator sees it so both
// peers compute the same value. This gives up direction separation and
// exists for peers running in combined key mode.
func (k SessionKeys) Combined(role Role) ([]byte, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	clientRX, clientTX := k.RX, k.TX
	if role == RoleResponder {
		clientRX, clientTX = k.TX, k.RX
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("create BLAKE2b: %w", err)
	}
	h.Write(clientRX)
	h.Write(clientTX)
	return h.Sum(nil), nil
}

// Wipe zeroes both keys.
func (k SessionKeys) Wipe() {
	Wipe(k.RX)
	Wipe(k.TX)
}
