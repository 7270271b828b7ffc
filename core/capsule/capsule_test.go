package capsule

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateYieldsDistinctCapsules(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 16; i++ {
		c, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		addr := c.Address().String()
		if _, dup := seen[addr]; dup {
			t.Fatalf("capsule address reused: %s", addr)
		}
		seen[addr] = struct{}{}
	}
}

func TestFromSecretRestoresAddress(t *testing.T) {
	c, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := FromSecretHex(c.SecretHex())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Address() != c.Address() {
		t.Fatalf("restored capsule address mismatch")
	}
	if _, err := FromSecret([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestClaimHashIsKeyedAndBound(t *testing.T) {
	pepper := bytes.Repeat([]byte{7}, PepperLength)
	h, err := NewHasher(pepper)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	secret := bytes.Repeat([]byte{1}, SecretLength)

	first := h.Sum(secret, 42)
	if first != h.Sum(secret, 42) {
		t.Fatalf("claim hash must be deterministic")
	}
	if first == h.Sum(secret, 43) {
		t.Fatalf("claim hash must bind the contract id")
	}
	otherPepper, err := NewHasher(bytes.Repeat([]byte{8}, PepperLength))
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	if first == otherPepper.Sum(secret, 42) {
		t.Fatalf("claim hash must depend on the pepper")
	}
	parsed, err := ParseClaimHash(first.String())
	if err != nil || parsed != first {
		t.Fatalf("parse claim hash: %v", err)
	}
	if _, err := ParseClaimHash("ab" + first.String()); !errors.Is(err, ErrInvalidClaimHash) {
		t.Fatalf("expected ErrInvalidClaimHash, got %v", err)
	}
	if _, err := NewHasher([]byte("short")); err == nil {
		t.Fatalf("expected short pepper to be rejected")
	}
}

func TestClaimTokenRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{9}, SecretLength)
	token := EncodeClaimToken(1234, secret)
	appID, decoded, err := DecodeClaimToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if appID != 1234 || !bytes.Equal(decoded, secret) {
		t.Fatalf("unexpected token contents")
	}
	if _, _, err := DecodeClaimToken("!!"); !errors.Is(err, ErrInvalidClaimToken) {
		t.Fatalf("expected ErrInvalidClaimToken, got %v", err)
	}
	if _, _, err := DecodeClaimToken(EncodeClaimToken(0, secret)); !errors.Is(err, ErrInvalidClaimToken) {
		t.Fatalf("expected zero contract id to be rejected, got %v", err)
	}
}
