package lending

import (
	"time"

	"github.com/holiman/uint256"
)

// SecondsPerYear is the 365 day year used to convert annual rates.
const SecondsPerYear = 31_536_000

const maxTaylorTerms = 64

var (
	// eWad is Euler's number in WAD.
	eWad = uint256.MustFromDecimal("2718281828459045235")
	// maxExpInput bounds exp(x) so the growth factor stays far inside 256 bits.
	maxExpInput = new(uint256.Int).Mul(uint256.NewInt(135), wad)
	// maxRate is 100% per second.
	maxRate = new(uint256.Int).Set(wad)
)

// RateFromAnnualBps converts an annual continuous rate in basis points into
// the per-second WAD rate stored on pools.
func RateFromAnnualBps(bps uint64) uint256.Int {
	var rate uint256.Int
	rate.Mul(uint256.NewInt(bps), wad)
	rate.Div(&rate, bpsDenominator)
	rate.Div(&rate, uint256.NewInt(SecondsPerYear))
	return rate
}

// Accrue compounds principal continuously at the per-second WAD rate for
// elapsed, counted in whole seconds: principal * exp(rate * seconds).
func Accrue(principal, rate uint256.Int, elapsed time.Duration) (uint256.Int, error) {
	if elapsed < 0 {
		return uint256.Int{}, ErrInvalidTimeRange
	}
	seconds := uint64(elapsed / time.Second)
	if principal.IsZero() || rate.IsZero() || seconds == 0 {
		return principal, nil
	}
	var exponent uint256.Int
	if _, overflow := exponent.MulOverflow(&rate, uint256.NewInt(seconds)); overflow {
		return uint256.Int{}, ErrAccrualOverflow
	}
	growth, err := expWad(&exponent)
	if err != nil {
		return uint256.Int{}, err
	}
	var accrued uint256.Int
	if _, overflow := accrued.MulDivOverflow(&principal, &growth, wad); overflow {
		return uint256.Int{}, ErrAccrualOverflow
	}
	return accrued, nil
}

// expWad returns e^x for a WAD exponent. The integer part is raised by
// squaring and the fractional part is summed as a Taylor series, so the
// result is identical on every platform.
func expWad(x *uint256.Int) (uint256.Int, error) {
	if x.Gt(maxExpInput) {
		return uint256.Int{}, ErrAccrualOverflow
	}
	var whole, frac uint256.Int
	whole.Div(x, wad)
	frac.Mod(x, wad)

	sum := *wad
	term := *wad
	for i := uint64(1); i <= maxTaylorTerms && !frac.IsZero(); i++ {
		var denom, next uint256.Int
		denom.Mul(wad, uint256.NewInt(i))
		next.MulDivOverflow(&term, &frac, &denom)
		if next.IsZero() {
			break
		}
		term = next
		sum.Add(&sum, &term)
	}

	result := sum
	base := *eWad
	for n := whole.Uint64(); n > 0; {
		if n&1 == 1 {
			var next uint256.Int
			if _, overflow := next.MulDivOverflow(&result, &base, wad); overflow {
				return uint256.Int{}, ErrAccrualOverflow
			}
			result = next
		}
		n >>= 1
		if n == 0 {
			break
		}
		var squared uint256.Int
		if _, overflow := squared.MulDivOverflow(&base, &base, wad); overflow {
			return uint256.Int{}, ErrAccrualOverflow
		}
		base = squared
	}
	return result, nil
}

// accruePool brings both aggregates of pool forward to now. Share counts are
// unchanged so every holder's claim grows proportionally.
func accruePool(pool *Pool, now time.Time) error {
	if pool.LastUpdated.IsZero() {
		pool.LastUpdated = now
		return nil
	}
	elapsed := now.Sub(pool.LastUpdated)
	if elapsed < 0 {
		return ErrInvalidTimeRange
	}
	deposited, err := Accrue(pool.TotalDeposited, pool.InterestRate, elapsed)
	if err != nil {
		return err
	}
	borrowed, err := Accrue(pool.TotalBorrowed, pool.InterestRate, elapsed)
	if err != nil {
		return err
	}
	pool.TotalDeposited = deposited
	pool.TotalBorrowed = borrowed
	pool.LastUpdated = now
	return nil
}
