package capsule

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// PepperLength is the required size of the claim-hash key.
const PepperLength = 32

var ErrInvalidClaimHash = errors.New("capsule: invalid claim hash")

// ClaimHash is the keyed digest of (capsule secret, contract id) used to index
// escrow records without storing the secret.
type ClaimHash [32]byte

func (h ClaimHash) String() string { return hex.EncodeToString(h[:]) }

func ParseClaimHash(s string) (ClaimHash, error) {
	var h ClaimHash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, fmt.Errorf("%w: %q", ErrInvalidClaimHash, s)
	}
	copy(h[:], raw)
	return h, nil
}

// Hasher derives claim hashes under a service-held pepper.
type Hasher struct {
	pepper []byte
}

func NewHasher(pepper []byte) (*Hasher, error) {
	if len(pepper) != PepperLength {
		return nil, fmt.Errorf("capsule: claim-hash pepper must be %d bytes, got %d", PepperLength, len(pepper))
	}
	return &Hasher{pepper: append([]byte(nil), pepper...)}, nil
}

// Sum computes the claim hash for secret bound to appID.
func (h *Hasher) Sum(secret []byte, appID uint64) ClaimHash {
	mac := blake3.New(32, h.pepper)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], appID)
	mac.Write([]byte("escrow-claim-v1"))
	mac.Write(id[:])
	mac.Write(secret)
	var out ClaimHash
	copy(out[:], mac.Sum(nil))
	return out
}
