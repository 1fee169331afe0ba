package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSelectRoleIsComplementary(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"a", "aa"},
		{"Zed", "alpha"},
		{"7f3c", "7f3d"},
	}
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		roleA := SelectRole(a, b)
		roleB := SelectRole(b, a)
		if roleA == roleB {
			t.Fatalf("SelectRole(%q,%q)=%s and SelectRole(%q,%q)=%s are not complementary", a, b, roleA, b, a, roleB)
		}
		if SelectRole(a, b) != roleA {
			t.Fatalf("SelectRole is not deterministic for %q,%q", a, b)
		}
	}
	if SelectRole("alice", "bob") != RoleInitiator {
		t.Fatalf("expected alice to be initiator against bob")
	}
}

func TestDeriveSessionKeysAgree(t *testing.T) {
	for i := 0; i < 16; i++ {
		alice, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair failed: %v", err)
		}
		bob, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair failed: %v", err)
		}

		aliceKeys, err := DeriveSessionKeys(alice, bob.Public, RoleInitiator)
		if err != nil {
			t.Fatalf("DeriveSessionKeys(alice) failed: %v", err)
		}
		bobKeys, err := DeriveSessionKeys(bob, alice.Public, RoleResponder)
		if err != nil {
			t.Fatalf("DeriveSessionKeys(bob) failed: %v", err)
		}

		if !bytes.Equal(aliceKeys.TX, bobKeys.RX) {
			t.Fatalf("initiator TX does not match responder RX")
		}
		if !bytes.Equal(aliceKeys.RX, bobKeys.TX) {
			t.Fatalf("initiator RX does not match responder TX")
		}
		if bytes.Equal(aliceKeys.RX, aliceKeys.TX) {
			t.Fatalf("directional keys must differ")
		}
		if len(aliceKeys.TX) != SessionKeySize || len(aliceKeys.RX) != SessionKeySize {
			t.Fatalf("unexpected key sizes: rx=%d tx=%d", len(aliceKeys.RX), len(aliceKeys.TX))
		}
	}
}

func TestDeriveSessionKeysSameRoleDisagrees(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	aliceKeys, err := DeriveSessionKeys(alice, bob.Public, RoleInitiator)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	bobKeys, err := DeriveSessionKeys(bob, alice.Public, RoleInitiator)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	if bytes.Equal(aliceKeys.TX, bobKeys.RX) {
		t.Fatalf("keys must not agree when both sides claim initiator")
	}
}

func TestDeriveSessionKeysRejectsBadInput(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	if _, err := DeriveSessionKeys(alice, bob.Public, Role("client-ish")); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := DeriveSessionKeys(alice, bob.Public[:31], RoleInitiator); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for short key, got %v", err)
	}
	if _, err := DeriveSessionKeys(alice, make([]byte, 32), RoleInitiator); err == nil {
		t.Fatalf("expected low-order public key to be rejected")
	}
	if _, err := DeriveSessionKeys(alice, alice.Public, RoleInitiator); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected reflected key to be rejected, got %v", err)
	}
}

func TestCombinedKeyMatchesAcrossRoles(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	aliceKeys, err := DeriveSessionKeys(alice, bob.Public, RoleInitiator)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	bobKeys, err := DeriveSessionKeys(bob, alice.Public, RoleResponder)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}

	aliceCombined, err := aliceKeys.Combined(RoleInitiator)
	if err != nil {
		t.Fatalf("Combined failed: %v", err)
	}
	bobCombined, err := bobKeys.Combined(RoleResponder)
	if err != nil {
		t.Fatalf("Combined failed: %v", err)
	}
	if !bytes.Equal(aliceCombined, bobCombined) {
		t.Fatalf("combined keys differ between peers")
	}
	if bytes.Equal(aliceCombined, aliceKeys.TX) || bytes.Equal(aliceCombined, aliceKeys.RX) {
		t.Fatalf("combined key must not equal a directional key")
	}

	ciphertext, nonce, err := Encrypt(aliceCombined, []byte("legacy"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt(bobCombined, nonce, ciphertext); err != nil {
		t.Fatalf("Decrypt with peer combined key failed: %v", err)
	}
}

func TestSessionKeysWipe(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	keys, err := DeriveSessionKeys(alice, bob.Public, RoleInitiator)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}

	keys.Wipe()
	if !bytes.Equal(keys.RX, make([]byte, SessionKeySize)) || !bytes.Equal(keys.TX, make([]byte, SessionKeySize)) {
		t.Fatalf("expected keys to be zeroed")
	}
}
