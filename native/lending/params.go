package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// DefaultAnnualRateBps is the annual continuous rate operators get when
	// they list a pool without naming one.
	DefaultAnnualRateBps = 500
	// MaxDecimals bounds the token precision so that 10^decimals fits the
	// fixed-point range used by valuation.
	MaxDecimals = 36
)

// PoolParams groups the governance controlled settings supplied when a pool
// is listed. Basis point fields are bounded by 10_000.
type PoolParams struct {
	MaxLTVBps                 uint64
	LiquidationThresholdBps   uint64
	LiquidationBonusBps       uint64
	LiquidationCloseFactorBps uint64
	// InterestRate is a per-second WAD rate. Zero lists a pool that never
	// accrues.
	InterestRate    uint256.Int
	Decimals        uint8
	CollateralAsset AssetID
}

// Validate enforces the structural bounds on the parameters.
func (p PoolParams) Validate() error {
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > BasisPoints {
		return fmt.Errorf("%w: liquidation threshold %d bps outside (0, %d]", ErrInvalidParams, p.LiquidationThresholdBps, BasisPoints)
	}
	if p.MaxLTVBps > p.LiquidationThresholdBps {
		return fmt.Errorf("%w: max ltv %d bps above liquidation threshold %d bps", ErrInvalidParams, p.MaxLTVBps, p.LiquidationThresholdBps)
	}
	if p.LiquidationBonusBps > BasisPoints {
		return fmt.Errorf("%w: liquidation bonus %d bps above %d", ErrInvalidParams, p.LiquidationBonusBps, BasisPoints)
	}
	if p.LiquidationCloseFactorBps > BasisPoints {
		return fmt.Errorf("%w: close factor %d bps above %d", ErrInvalidParams, p.LiquidationCloseFactorBps, BasisPoints)
	}
	if p.Decimals > MaxDecimals {
		return fmt.Errorf("%w: decimals %d above %d", ErrInvalidParams, p.Decimals, MaxDecimals)
	}
	if p.InterestRate.Gt(maxRate) {
		return fmt.Errorf("%w: interest rate %s above %s", ErrInvalidParams, p.InterestRate.Dec(), maxRate.Dec())
	}
	return nil
}

// newPool materialises an empty pool for asset from params.
func newPool(asset AssetID, params PoolParams) *Pool {
	return &Pool{
		Asset:                     asset,
		InterestRate:              params.InterestRate,
		MaxLTVBps:                 params.MaxLTVBps,
		LiquidationThresholdBps:   params.LiquidationThresholdBps,
		LiquidationBonusBps:       params.LiquidationBonusBps,
		LiquidationCloseFactorBps: params.LiquidationCloseFactorBps,
		Decimals:                  params.Decimals,
		CollateralAsset:           params.CollateralAsset.Normalize(),
	}
}
