package types

import (
	"errors"
	"testing"
)

func TestParseAmountScalesToSmallestUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     uint64
	}{
		{"25.00", 6, 25_000_000},
		{"25", 6, 25_000_000},
		{"0.000001", 6, 1},
		{".5", 2, 50},
		{"007.10", 2, 710},
		{"42", 0, 42},
		{"18446744073709551615", 0, 18446744073709551615},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("ParseAmount(%q, %d): %v", tc.in, tc.decimals, err)
		}
		if got != tc.want {
			t.Fatalf("ParseAmount(%q, %d) = %d, want %d", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestParseAmountRejectsMalformedInput(t *testing.T) {
	for _, in := range []string{"", "abc", "1.", "-1", "1.2.3", "1e6", "1.0000001"} {
		if _, err := ParseAmount(in, 6); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseAmount(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestParseAmountOverflow(t *testing.T) {
	if _, err := ParseAmount("18446744073709551616", 0); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := ParseAmount("18446744073710", 6); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected overflow after scaling, got %v", err)
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(25_000_000, 6); got != "25.000000" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatAmount(5, 3); got != "0.005" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatAmount(12, 0); got != "12" {
		t.Fatalf("unexpected format %q", got)
	}
}
