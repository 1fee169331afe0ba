package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

const keyExchangeContext = "peerlink-kx"

// Sign signs data using an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// SignKeyExchange binds an ephemeral X25519 public key to the identity key.
func SignKeyExchange(privateKey ed25519.PrivateKey, ephemeralPublic []byte) ([]byte, error) {
	return Sign(privateKey, keyExchangePayload(ephemeralPublic))
}

// VerifyKeyExchange checks a signature produced by SignKeyExchange.
func VerifyKeyExchange(publicKey ed25519.PublicKey, ephemeralPublic, signature []byte) bool {
	if len(ephemeralPublic) == 0 {
		return false
	}
	return Verify(publicKey, keyExchangePayload(ephemeralPublic), signature)
}

func keyExchangePayload(ephemeralPublic []byte) []byte {
	out := make([]byte, 0, len(keyExchangeContext)+len(ephemeralPublic))
	out = append(out, keyExchangeContext...)
	return append(out, ephemeralPublic...)
}
