package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

const (
	identityPrivatePEMType = "PEERLINK IDENTITY KEY"
	identityPublicPEMType  = "ED25519 PUBLIC KEY"

	headerKDF   = "KDF"
	headerSalt  = "Salt"
	headerNonce = "Nonce"
)

// ErrWrongPassphrase is returned when an identity file does not open under the given passphrase.
var ErrWrongPassphrase = errors.New("crypto: wrong passphrase or corrupted identity")

// Identity is the long-lived Ed25519 key pair of the local user.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateIdentity creates a new random identity.
func GenerateIdentity() (*Identity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return &Identity{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// Fingerprint returns the base58 fingerprint of the identity public key.
func (id *Identity) Fingerprint() string {
	return KeyFingerprint(id.PublicKey)
}

// EncodedPublicKey returns the base58 text form of the public key.
func (id *Identity) EncodedPublicKey() string {
	return EncodePublicKey(id.PublicKey)
}

// Wipe zeroes the private key.
func (id *Identity) Wipe() {
	Wipe(id.PrivateKey)
}

// EnsureIdentity loads the identity at privatePath, generating and saving a
// new one on first run. The private key is encrypted under a key derived
// from passphrase.
func EnsureIdentity(privatePath, publicPath string, passphrase []byte) (*Identity, error) {
	identity, err := LoadIdentity(privatePath, passphrase)
	if err == nil {
		storedPublic, pubErr := LoadPublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, identity.PublicKey) {
			if err := SavePublicKey(publicPath, identity.PublicKey); err != nil {
				return nil, err
			}
		}
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(privatePath, identity, passphrase); err != nil {
		return nil, err
	}
	if err := SavePublicKey(publicPath, identity.PublicKey); err != nil {
		return nil, err
	}
	return identity, nil
}

// SaveIdentity writes the identity seed encrypted with XChaCha20-Poly1305
// under an argon2id key. The salt and nonce travel as PEM headers.
func SaveIdentity(path string, identity *Identity, passphrase []byte) error {
	if identity == nil || len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("save identity: invalid private key")
	}

	key, salt, err := DeriveMasterKey(passphrase, nil)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	defer Wipe(key)

	ciphertext, nonce, err := Encrypt(key, identity.PrivateKey.Seed())
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	block := &pem.Block{
		Type: identityPrivatePEMType,
		Headers: map[string]string{
			headerKDF:   "argon2id",
			headerSalt:  base64.StdEncoding.EncodeToString(salt),
			headerNonce: base64.StdEncoding.EncodeToString(nonce),
		},
		Bytes: ciphertext,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// LoadIdentity reads and decrypts an identity written by SaveIdentity.
func LoadIdentity(path string, passphrase []byte) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode identity PEM: no PEM block")
	}
	if block.Type != identityPrivatePEMType {
		return nil, fmt.Errorf("decode identity PEM: unexpected type %q", block.Type)
	}
	if block.Headers[headerKDF] != "argon2id" {
		return nil, fmt.Errorf("decode identity PEM: unsupported KDF %q", block.Headers[headerKDF])
	}
	salt, err := base64.StdEncoding.DecodeString(block.Headers[headerSalt])
	if err != nil {
		return nil, fmt.Errorf("decode identity salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(block.Headers[headerNonce])
	if err != nil {
		return nil, fmt.Errorf("decode identity nonce: %w", err)
	}

	key, _, err := DeriveMasterKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	defer Wipe(key)

	seed, err := Decrypt(key, nonce, block.Bytes)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer Wipe(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("decode identity: invalid seed size %d", len(seed))
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// LoadPublicKey loads an Ed25519 public key from a PEM file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read Ed25519 public key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode Ed25519 public PEM: no PEM block")
	}
	if block.Type != identityPublicPEMType {
		return nil, fmt.Errorf("decode Ed25519 public PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode Ed25519 public PEM: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// SavePublicKey writes an Ed25519 public key PEM file.
func SavePublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save Ed25519 public key: invalid key size %d", len(key))
	}

	block := &pem.Block{Type: identityPublicPEMType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write Ed25519 public key: %w", err)
	}
	return nil
}

// Mnemonic encodes the identity seed as a 24-word BIP-39 phrase.
func (id *Identity) Mnemonic() (string, error) {
	seed := id.PrivateKey.Seed()
	defer Wipe(seed)

	phrase, err := bip39.NewMnemonic(seed)
	if err != nil {
		return "", fmt.Errorf("encode recovery phrase: %w", err)
	}
	return phrase, nil
}

// IdentityFromMnemonic restores an identity from a phrase produced by Mnemonic.
func IdentityFromMnemonic(phrase string) (*Identity, error) {
	seed, err := bip39.EntropyFromMnemonic(strings.Join(strings.Fields(phrase), " "))
	if err != nil {
		return nil, fmt.Errorf("decode recovery phrase: %w", err)
	}
	defer Wipe(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("decode recovery phrase: expected %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// EncodePublicKey renders an Ed25519 public key as base58.
func EncodePublicKey(key ed25519.PublicKey) string {
	return base58.Encode(key)
}

// DecodePublicKey parses a base58 Ed25519 public key.
func DecodePublicKey(text string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: invalid key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// KeyFingerprint returns the base58 encoding of the truncated SHA-256 of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return base58.Encode(sum[:16])
}

// FormatFingerprint groups fingerprint text in chunks of 4 characters.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ReplaceAll(fingerprint, " ", "")
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}
	return b.String()
}
