package capsule

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidClaimToken = errors.New("capsule: invalid claim token")

// EncodeClaimToken packs the contract id and capsule secret into the opaque
// link payload handed to the recipient out of band.
func EncodeClaimToken(appID uint64, secret []byte) string {
	buf := make([]byte, 8+len(secret))
	binary.BigEndian.PutUint64(buf[:8], appID)
	copy(buf[8:], secret)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeClaimToken reverses EncodeClaimToken.
func DecodeClaimToken(token string) (uint64, []byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidClaimToken, err)
	}
	if len(raw) != 8+SecretLength {
		return 0, nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidClaimToken, len(raw))
	}
	appID := binary.BigEndian.Uint64(raw[:8])
	if appID == 0 {
		return 0, nil, fmt.Errorf("%w: missing contract id", ErrInvalidClaimToken)
	}
	return appID, raw[8:], nil
}
