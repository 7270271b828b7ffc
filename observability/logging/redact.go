package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// secretKeys are attribute names that never reach a log sink in clear text.
// Capsule secrets and the claim tokens that embed them are bearer credentials.
var secretKeys = map[string]struct{}{
	"secret":        {},
	"capsulesecret": {},
	"claimtoken":    {},
	"token":         {},
	"privatekey":    {},
	"pepper":        {},
	"password":      {},
	"dsn":           {},
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "").Replace(key)
}

func isSecretKey(key string) bool {
	_, ok := secretKeys[normalizeKey(key)]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr whose value is redacted when non-empty. The
// original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
