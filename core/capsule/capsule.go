// Package capsule mints the single-use authorization keypairs that gate
// withdrawal from an escrow instance.
package capsule

import (
	"encoding/hex"
	"errors"
	"fmt"

	"escrowlink/crypto"
)

// SecretLength is the size of a capsule secret in bytes.
const SecretLength = 32

var ErrInvalidSecret = errors.New("capsule: invalid secret")

// Capsule is a freshly generated keypair whose address is compiled into
// exactly one escrow program.
type Capsule struct {
	key *crypto.PrivateKey
}

// Generate mints a new capsule. Every call yields an independent keypair.
func Generate() (*Capsule, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("capsule: generate key: %w", err)
	}
	return &Capsule{key: key}, nil
}

// FromSecret restores a capsule from the secret handed to its holder.
func FromSecret(secret []byte) (*Capsule, error) {
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecret, SecretLength, len(secret))
	}
	key, err := crypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return &Capsule{key: key}, nil
}

// FromSecretHex restores a capsule from its hex-encoded secret.
func FromSecretHex(secret string) (*Capsule, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return FromSecret(raw)
}

// Address is the authorized-claimer address embedded in the escrow program.
func (c *Capsule) Address() crypto.Address { return c.key.Address() }

// Secret returns the raw secret. Callers must not persist it.
func (c *Capsule) Secret() []byte { return c.key.Bytes() }

func (c *Capsule) SecretHex() string { return hex.EncodeToString(c.Secret()) }

// Key exposes the capsule key to the group builder's signing helpers.
func (c *Capsule) Key() *crypto.PrivateKey { return c.key }
