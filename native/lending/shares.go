package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// DepositSharesFor returns the deposit shares minted for amount against the
// pool's pre-deposit totals. The first deposit bootstraps the pool 1:1;
// afterwards the result is rounded down.
func DepositSharesFor(pool *Pool, amount uint256.Int) (uint256.Int, error) {
	return sharesFor(pool, SideDeposit, &amount, false)
}

// BorrowSharesFor returns the borrow shares minted for amount. Rounding is
// upward so a borrower is never credited less debt than borrowed.
func BorrowSharesFor(pool *Pool, amount uint256.Int) (uint256.Int, error) {
	return sharesFor(pool, SideBorrow, &amount, true)
}

func sharesFor(pool *Pool, side Side, amount *uint256.Int, roundUp bool) (uint256.Int, error) {
	total, totalShares := pool.aggregates(side)
	if totalShares.IsZero() {
		return *amount, nil
	}
	if total.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: %s pool %s has %s shares against a zero total", ErrDivisionByZero, side, pool.Asset, totalShares.Dec())
	}
	if roundUp {
		return mulDivUp(amount, totalShares, total)
	}
	return mulDiv(amount, totalShares, total)
}

// ValueOfShares converts shares of side into an amount of the pool asset,
// rounded down.
func ValueOfShares(pool *Pool, shares uint256.Int, side Side) (uint256.Int, error) {
	total, totalShares := pool.aggregates(side)
	if totalShares.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: %s pool %s has no shares outstanding", ErrDivisionByZero, side, pool.Asset)
	}
	return mulDiv(&shares, total, totalShares)
}

// debtOfShares values borrow shares rounded up so outstanding debt is never
// understated.
func debtOfShares(pool *Pool, shares uint256.Int) (uint256.Int, error) {
	if shares.IsZero() {
		return uint256.Int{}, nil
	}
	if pool.TotalBorrowedShares.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: borrow pool %s has no shares outstanding", ErrDivisionByZero, pool.Asset)
	}
	return mulDivUp(&shares, &pool.TotalBorrowed, &pool.TotalBorrowedShares)
}

// depositValueOf values deposit shares rounded down, treating zero shares as
// a zero claim.
func depositValueOf(pool *Pool, shares uint256.Int) (uint256.Int, error) {
	if shares.IsZero() {
		return uint256.Int{}, nil
	}
	return ValueOfShares(pool, shares, SideDeposit)
}

// sharesToBurn returns the shares retired for amount: rounded up on
// withdrawal so the pool never pays out more than the shares are worth,
// rounded down on repayment.
func sharesToBurn(pool *Pool, side Side, amount uint256.Int) (uint256.Int, error) {
	total, totalShares := pool.aggregates(side)
	if total.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: %s pool %s total is zero", ErrDivisionByZero, side, pool.Asset)
	}
	if side == SideDeposit {
		return mulDivUp(&amount, totalShares, total)
	}
	return mulDiv(&amount, totalShares, total)
}

// mint adds amount and shares to side.
func mint(pool *Pool, side Side, amount, shares uint256.Int) error {
	total, totalShares := pool.aggregates(side)
	nextTotal, err := checkedAdd(total, &amount)
	if err != nil {
		return err
	}
	nextShares, err := checkedAdd(totalShares, &shares)
	if err != nil {
		return err
	}
	*total, *totalShares = nextTotal, nextShares
	return nil
}

// burn removes amount and shares from side. When the last share is retired
// any rounding residue left in the total is forfeited with it.
func burn(pool *Pool, side Side, amount, shares uint256.Int) error {
	total, totalShares := pool.aggregates(side)
	nextTotal, err := checkedSub(total, &amount)
	if err != nil {
		return err
	}
	nextShares, err := checkedSub(totalShares, &shares)
	if err != nil {
		return err
	}
	if nextShares.IsZero() {
		nextTotal.Clear()
	}
	*total, *totalShares = nextTotal, nextShares
	return nil
}

// checkPoolInvariants verifies that each side carries shares exactly when it
// carries a balance.
func checkPoolInvariants(pool *Pool) error {
	for _, side := range []Side{SideDeposit, SideBorrow} {
		total, totalShares := pool.aggregates(side)
		if total.IsZero() != totalShares.IsZero() {
			return fmt.Errorf("%w: %s pool %s total %s with %s shares", ErrInvariantViolation, side, pool.Asset, total.Dec(), totalShares.Dec())
		}
	}
	return nil
}
