package lending

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func withinTolerance(t *testing.T, got uint256.Int, want string, tolerance uint64) {
	t.Helper()
	expected := uint256.MustFromDecimal(want)
	var diff uint256.Int
	if got.Gt(expected) {
		diff.Sub(&got, expected)
	} else {
		diff.Sub(expected, &got)
	}
	if diff.Gt(uint256.NewInt(tolerance)) {
		t.Fatalf("expected %s within %d, got %s", want, tolerance, got.Dec())
	}
}

func TestAccrueIdentity(t *testing.T) {
	principal := u(123_456_789)
	rate := RateFromAnnualBps(500)
	cases := []struct {
		name      string
		principal uint256.Int
		rate      uint256.Int
		elapsed   time.Duration
	}{
		{name: "zero elapsed", principal: principal, rate: rate, elapsed: 0},
		{name: "sub-second elapsed", principal: principal, rate: rate, elapsed: 999 * time.Millisecond},
		{name: "zero rate", principal: principal, rate: uint256.Int{}, elapsed: time.Hour},
		{name: "zero principal", principal: uint256.Int{}, rate: rate, elapsed: time.Hour},
	}
	for _, tc := range cases {
		got, err := Accrue(tc.principal, tc.rate, tc.elapsed)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !got.Eq(&tc.principal) {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.principal.Dec(), got.Dec())
		}
	}
}

func TestAccrueRejectsNegativeElapsed(t *testing.T) {
	if _, err := Accrue(u(1), RateFromAnnualBps(500), -time.Second); !errors.Is(err, ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestAccrueMatchesExponential(t *testing.T) {
	one := WAD()
	tenth := *new(uint256.Int).Div(wad, uint256.NewInt(10))
	half := *new(uint256.Int).Div(wad, uint256.NewInt(2))

	// e^1 from ten seconds at 0.1/s.
	got, err := Accrue(one, tenth, 10*time.Second)
	if err != nil {
		t.Fatalf("accrue e^1: %v", err)
	}
	withinTolerance(t, got, "2718281828459045235", 100)

	// e^0.5 exercises the fractional series alone.
	got, err = Accrue(one, half, time.Second)
	if err != nil {
		t.Fatalf("accrue e^0.5: %v", err)
	}
	withinTolerance(t, got, "1648721270700128146", 100)

	// e^2.5 combines both parts.
	got, err = Accrue(one, half, 5*time.Second)
	if err != nil {
		t.Fatalf("accrue e^2.5: %v", err)
	}
	withinTolerance(t, got, "12182493960703473438", 10_000)
}

func TestAccrueAnnualRate(t *testing.T) {
	got, err := Accrue(u(1_000_000_000), RateFromAnnualBps(500), SecondsPerYear*time.Second)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	// e^0.05 = 1.0512710963760241
	if got.Uint64() != 1_051_271_096 {
		t.Fatalf("expected 1051271096, got %s", got.Dec())
	}
}

func TestAccrueOverflow(t *testing.T) {
	maxInt := *new(uint256.Int).SetAllOne()
	if _, err := Accrue(u(1), maxInt, 2*time.Second); !errors.Is(err, ErrAccrualOverflow) {
		t.Fatalf("expected exponent overflow, got %v", err)
	}
	huge := *new(uint256.Int).Mul(uint256.NewInt(200), wad)
	if _, err := Accrue(u(1), huge, time.Second); !errors.Is(err, ErrAccrualOverflow) {
		t.Fatalf("expected exp input overflow, got %v", err)
	}
	half := *new(uint256.Int).Rsh(&maxInt, 1)
	if _, err := Accrue(half, WAD(), time.Second); !errors.Is(err, ErrAccrualOverflow) {
		t.Fatalf("expected product overflow, got %v", err)
	}
}

func TestRateFromAnnualBps(t *testing.T) {
	rate := RateFromAnnualBps(DefaultAnnualRateBps)
	if rate.Uint64() != 1_585_489_599 {
		t.Fatalf("expected 1585489599, got %s", rate.Dec())
	}
	if zero := RateFromAnnualBps(0); !zero.IsZero() {
		t.Fatalf("expected zero rate")
	}
}

func TestAccruePoolRejectsClockRegression(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := &Pool{Asset: assetSOL, TotalDeposited: u(100), TotalDepositedShares: u(100), InterestRate: RateFromAnnualBps(500), LastUpdated: now}
	if err := accruePool(pool, now.Add(-time.Second)); !errors.Is(err, ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}
