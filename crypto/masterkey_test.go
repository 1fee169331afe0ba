package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveMasterKeyGeneratesAndReusesSalt(t *testing.T) {
	key, salt, err := DeriveMasterKey([]byte("password"), nil)
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}
	if len(key) != KeySize || len(salt) != SaltSize {
		t.Fatalf("unexpected sizes: key=%d salt=%d", len(key), len(salt))
	}

	again, sameSalt, err := DeriveMasterKey([]byte("password"), salt)
	if err != nil {
		t.Fatalf("DeriveMasterKey (reuse) failed: %v", err)
	}
	if !bytes.Equal(key, again) || !bytes.Equal(salt, sameSalt) {
		t.Fatalf("same password and salt must derive the same key")
	}

	other, _, err := DeriveMasterKey([]byte("password2"), salt)
	if err != nil {
		t.Fatalf("DeriveMasterKey (other) failed: %v", err)
	}
	if bytes.Equal(key, other) {
		t.Fatalf("different passwords must derive different keys")
	}

	if _, _, err := DeriveMasterKey(nil, nil); err == nil {
		t.Fatalf("expected empty password to fail")
	}
	if _, _, err := DeriveMasterKey([]byte("p"), []byte("short")); err == nil {
		t.Fatalf("expected short salt to fail")
	}
}

func TestDeriveSubKeySeparatesPurposes(t *testing.T) {
	master := bytes.Repeat([]byte{7}, KeySize)

	queue, err := DeriveSubKey(master, "outbound-queue")
	if err != nil {
		t.Fatalf("DeriveSubKey failed: %v", err)
	}
	other, err := DeriveSubKey(master, "something-else")
	if err != nil {
		t.Fatalf("DeriveSubKey failed: %v", err)
	}
	if bytes.Equal(queue, other) {
		t.Fatalf("sub keys for different purposes must differ")
	}
	again, _ := DeriveSubKey(master, "outbound-queue")
	if !bytes.Equal(queue, again) {
		t.Fatalf("sub key derivation must be deterministic")
	}
}
