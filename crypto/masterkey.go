package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the argon2id salt length.
	SaltSize = 16

	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
)

// DeriveMasterKey stretches password with argon2id. When salt is nil a new
// random salt is generated; callers must persist the returned salt to derive
// the same key again.
func DeriveMasterKey(password []byte, salt []byte) (key, usedSalt []byte, err error) {
	if len(password) == 0 {
		return nil, nil, errors.New("crypto: password is required")
	}
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	if len(salt) != SaltSize {
		return nil, nil, fmt.Errorf("invalid salt length: got %d want %d", len(salt), SaltSize)
	}

	key = argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, KeySize)
	return key, salt, nil
}

// DeriveSubKey expands a master key into an independent key for one purpose.
func DeriveSubKey(master []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("crypto: master key is required")
	}

	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("expand sub key: %w", err)
	}
	return out, nil
}
