package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// CollateralValue converts amount base units into a USD value in WAD using a
// per-whole-unit price: amount * price / 10^decimals, rounded down.
func CollateralValue(amount uint256.Int, price Price, decimals uint8) (uint256.Int, error) {
	if decimals > MaxDecimals {
		return uint256.Int{}, fmt.Errorf("%w: decimals %d above %d", ErrInvalidParams, decimals, MaxDecimals)
	}
	if amount.IsZero() {
		return uint256.Int{}, nil
	}
	if price.Value.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: zero price", ErrPriceUnavailable)
	}
	scale := pow10(decimals)
	return mulDiv(&amount, &price.Value, &scale)
}

// Borrowable applies the liquidation threshold to a collateral value.
func Borrowable(value uint256.Int, thresholdBps uint64) (uint256.Int, error) {
	if thresholdBps > BasisPoints {
		return uint256.Int{}, fmt.Errorf("%w: threshold %d bps above %d", ErrInvalidParams, thresholdBps, BasisPoints)
	}
	return applyBps(&value, thresholdBps)
}

// healthFactor returns borrowable / debt in WAD, or zero without debt.
func healthFactor(borrowable, debt uint256.Int) (uint256.Int, error) {
	if debt.IsZero() {
		return uint256.Int{}, nil
	}
	return mulDiv(&borrowable, wad, &debt)
}
