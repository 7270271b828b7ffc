package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxDecimals bounds asset precision so that one whole unit fits in uint64.
const MaxDecimals = 19

var (
	ErrInvalidAmount  = errors.New("types: invalid amount")
	ErrAmountOverflow = errors.New("types: amount overflows uint64")
)

// ParseAmount converts a decimal string such as "25.00" into smallest units
// for an asset with the given number of decimals.
func ParseAmount(value string, decimals uint8) (uint64, error) {
	if decimals > MaxDecimals {
		return 0, fmt.Errorf("%w: %d decimals exceeds %d", ErrInvalidAmount, decimals, MaxDecimals)
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	whole, frac, hasPoint := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if hasPoint && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, value, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	wholeUnits, err := uint256.FromDecimal(stripZeros(whole))
	if err != nil {
		return 0, ErrAmountOverflow
	}
	total, overflow := new(uint256.Int).MulOverflow(wholeUnits, scale)
	if overflow {
		return 0, ErrAmountOverflow
	}
	if frac != "" {
		fracUnits, err := uint256.FromDecimal(stripZeros(frac))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		if _, overflow = total.AddOverflow(total, fracUnits); overflow {
			return 0, ErrAmountOverflow
		}
	}
	if !total.IsUint64() {
		return 0, ErrAmountOverflow
	}
	return total.Uint64(), nil
}

// FormatAmount renders smallest units as a decimal string with exactly
// decimals fractional digits.
func FormatAmount(units uint64, decimals uint8) string {
	digits := uint256.NewInt(units).Dec()
	if decimals == 0 {
		return digits
	}
	if pad := int(decimals) + 1 - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	split := len(digits) - int(decimals)
	return digits[:split] + "." + digits[split:]
}

func stripZeros(s string) string {
	if trimmed := strings.TrimLeft(s, "0"); trimmed != "" {
		return trimmed
	}
	return "0"
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
