package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestSignatureValidity(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}

	data := []byte("signed payload")
	signature, err := Sign(privateKey, data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(publicKey, data, signature) {
		t.Fatalf("expected signature verification to succeed")
	}
	if Verify(publicKey, []byte("signed payload!"), signature) {
		t.Fatalf("expected signature verification to fail for tampered data")
	}
}

func TestKeyExchangeSignatureBindsEphemeralKey(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	signature, err := SignKeyExchange(identity.PrivateKey, ephemeral.Public)
	if err != nil {
		t.Fatalf("SignKeyExchange failed: %v", err)
	}
	if !VerifyKeyExchange(identity.PublicKey, ephemeral.Public, signature) {
		t.Fatalf("expected key exchange signature to verify")
	}
	if VerifyKeyExchange(identity.PublicKey, other.Public, signature) {
		t.Fatalf("signature must not verify for a different ephemeral key")
	}
	// A plain signature over the raw key is not a key exchange signature.
	raw, err := Sign(identity.PrivateKey, ephemeral.Public)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if VerifyKeyExchange(identity.PublicKey, ephemeral.Public, raw) {
		t.Fatalf("signature without context must not verify")
	}
}
