package lending

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestMulDivRounding(t *testing.T) {
	x, y, d := uint256.NewInt(10), uint256.NewInt(10), uint256.NewInt(3)
	down, err := mulDiv(x, y, d)
	if err != nil {
		t.Fatalf("mulDiv: %v", err)
	}
	up, err := mulDivUp(x, y, d)
	if err != nil {
		t.Fatalf("mulDivUp: %v", err)
	}
	if down.Uint64() != 33 || up.Uint64() != 34 {
		t.Fatalf("expected 33/34, got %s/%s", down.Dec(), up.Dec())
	}
	exact, err := mulDivUp(uint256.NewInt(9), uint256.NewInt(10), d)
	if err != nil || exact.Uint64() != 30 {
		t.Fatalf("expected exact 30, got %s (%v)", exact.Dec(), err)
	}
	if _, err := mulDiv(x, y, new(uint256.Int)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
	maxInt := new(uint256.Int).SetAllOne()
	if _, err := mulDiv(maxInt, maxInt, uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, err := checkedSub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if _, err := checkedAdd(new(uint256.Int).SetAllOne(), uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestParseAndFormatDecimal(t *testing.T) {
	cases := []struct {
		input    string
		decimals uint8
		raw      string
		rendered string
	}{
		{input: "150.25", decimals: 18, raw: "150250000000000000000", rendered: "150.25"},
		{input: "1", decimals: 6, raw: "1000000", rendered: "1"},
		{input: ".5", decimals: 2, raw: "50", rendered: "0.5"},
		{input: "0", decimals: 9, raw: "0", rendered: "0"},
		{input: "0.000001", decimals: 6, raw: "1", rendered: "0.000001"},
	}
	for _, tc := range cases {
		got, err := ParseDecimal(tc.input, tc.decimals)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.input, err)
		}
		if got.Dec() != tc.raw {
			t.Fatalf("parse %q: expected %s, got %s", tc.input, tc.raw, got.Dec())
		}
		if rendered := FormatDecimal(got, tc.decimals); rendered != tc.rendered {
			t.Fatalf("format %s: expected %s, got %s", tc.raw, tc.rendered, rendered)
		}
	}

	for _, bad := range []string{"", "1.", "abc", "1.2345", "-1"} {
		if _, err := ParseDecimal(bad, 3); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected %q to be rejected, got %v", bad, err)
		}
	}
}
