package lending

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// BasisPoints is the denominator for every ratio expressed in bps.
const BasisPoints = 10_000

// WADDecimals is the number of decimals carried by WAD fixed-point values.
const WADDecimals = 18

var (
	wad            = uint256.NewInt(1_000_000_000_000_000_000)
	bpsDenominator = uint256.NewInt(BasisPoints)
)

// WAD returns 1e18.
func WAD() uint256.Int {
	return *wad
}

// mulDiv returns floor(x*y/d) with a 512-bit intermediate product.
func mulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if d.IsZero() {
		return z, ErrDivisionByZero
	}
	if _, overflow := z.MulDivOverflow(x, y, d); overflow {
		return uint256.Int{}, ErrArithmeticOverflow
	}
	return z, nil
}

// mulDivUp returns ceil(x*y/d).
func mulDivUp(x, y, d *uint256.Int) (uint256.Int, error) {
	z, err := mulDiv(x, y, d)
	if err != nil {
		return z, err
	}
	var rem uint256.Int
	rem.MulMod(x, y, d)
	if rem.IsZero() {
		return z, nil
	}
	return checkedAdd(&z, uint256.NewInt(1))
}

func checkedAdd(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(x, y); overflow {
		return uint256.Int{}, ErrArithmeticOverflow
	}
	return z, nil
}

func checkedSub(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if x.Lt(y) {
		return z, fmt.Errorf("%w: %s - %s underflows", ErrArithmeticOverflow, x.Dec(), y.Dec())
	}
	z.Sub(x, y)
	return z, nil
}

func applyBps(value *uint256.Int, bps uint64) (uint256.Int, error) {
	return mulDiv(value, uint256.NewInt(bps), bpsDenominator)
}

func pow10(decimals uint8) uint256.Int {
	var z uint256.Int
	z.Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return z
}

// ParseDecimal converts a decimal string such as "150.25" into an integer
// scaled by 10^decimals. Extra fractional digits are rejected.
func ParseDecimal(value string, decimals uint8) (uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uint256.Int{}, fmt.Errorf("%w: empty decimal", ErrInvalidAmount)
	}
	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return uint256.Int{}, fmt.Errorf("%w: malformed decimal %q", ErrInvalidAmount, value)
	}
	if len(frac) > int(decimals) {
		return uint256.Int{}, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, value, decimals)
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return uint256.Int{}, fmt.Errorf("%w: malformed decimal %q", ErrInvalidAmount, value)
		}
	}
	parsed, err := uint256.FromDecimal(strings.TrimLeft(digits, "0"))
	if err != nil {
		if strings.Trim(digits, "0") == "" {
			return uint256.Int{}, nil
		}
		return uint256.Int{}, fmt.Errorf("%w: %q: %v", ErrArithmeticOverflow, value, err)
	}
	return *parsed, nil
}

// ParseWAD parses a decimal string into WAD fixed point.
func ParseWAD(value string) (uint256.Int, error) {
	return ParseDecimal(value, WADDecimals)
}

// FormatDecimal renders a value scaled by 10^decimals as a decimal string
// without trailing fractional zeros.
func FormatDecimal(value uint256.Int, decimals uint8) string {
	digits := value.Dec()
	if decimals == 0 {
		return digits
	}
	if pad := int(decimals) + 1 - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	split := len(digits) - int(decimals)
	whole, frac := digits[:split], strings.TrimRight(digits[split:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// FormatWAD renders a WAD value as a decimal string.
func FormatWAD(value uint256.Int) string {
	return FormatDecimal(value, WADDecimals)
}
