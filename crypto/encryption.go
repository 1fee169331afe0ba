package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length accepted by Encrypt and Decrypt.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the per-message nonce length.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrAuthFailed is returned when a ciphertext does not authenticate under the key.
var ErrAuthFailed = errors.New("crypto: authentication failed")

// Encrypt seals plaintext with XChaCha20-Poly1305 under a fresh random nonce.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens an XChaCha20-Poly1305 ciphertext. Any tag, key or nonce
// mismatch yields ErrAuthFailed.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length %d", ErrAuthFailed, len(nonce))
	}
	if len(ciphertext) < chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthFailed)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
