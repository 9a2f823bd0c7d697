package engine

import (
	"context"
	"time"
)

// Engine describes the operations exposed by the lending API. Amounts are
// decimal strings in whole units of the pool asset; values are USD decimals.
type Engine interface {
	InitPool(ctx context.Context, req PoolRequest) (Pool, error)
	OpenPosition(ctx context.Context, owner string) (Position, error)
	Deposit(ctx context.Context, owner, asset, amount string) (Receipt, error)
	Borrow(ctx context.Context, owner, asset, amount string) (Receipt, error)
	Repay(ctx context.Context, owner, asset, amount string) (Receipt, error)
	Withdraw(ctx context.Context, owner, asset, amount string) (Receipt, error)
	GetPool(ctx context.Context, asset string) (Pool, error)
	ListPools(ctx context.Context) ([]Pool, error)
	GetPosition(ctx context.Context, owner string) (Position, error)
	GetHealth(ctx context.Context, owner string) (Health, error)
}

// PoolRequest lists a new asset.
type PoolRequest struct {
	Asset                     string `json:"asset"`
	MaxLTVBps                 uint64 `json:"maxLtvBps"`
	LiquidationThresholdBps   uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps       uint64 `json:"liquidationBonusBps"`
	LiquidationCloseFactorBps uint64 `json:"liquidationCloseFactorBps"`
	// AnnualRateBps is converted to a per-second rate. Nil selects the
	// default rate; zero lists a pool that never accrues.
	AnnualRateBps   *uint64 `json:"annualRateBps,omitempty"`
	Decimals        uint8   `json:"decimals"`
	CollateralAsset string  `json:"collateralAsset,omitempty"`
}

// Pool is the JSON view of a pool accrued to the time of the call.
type Pool struct {
	Asset                     string    `json:"asset"`
	Decimals                  uint8     `json:"decimals"`
	TotalDeposited            string    `json:"totalDeposited"`
	TotalDepositedShares      string    `json:"totalDepositedShares"`
	TotalBorrowed             string    `json:"totalBorrowed"`
	TotalBorrowedShares       string    `json:"totalBorrowedShares"`
	AvailableLiquidity        string    `json:"availableLiquidity"`
	InterestRate              string    `json:"interestRatePerSecond"`
	MaxLTVBps                 uint64    `json:"maxLtvBps"`
	LiquidationThresholdBps   uint64    `json:"liquidationThresholdBps"`
	LiquidationBonusBps       uint64    `json:"liquidationBonusBps"`
	LiquidationCloseFactorBps uint64    `json:"liquidationCloseFactorBps"`
	CollateralAsset           string    `json:"collateralAsset,omitempty"`
	LastUpdated               time.Time `json:"lastUpdated"`
}

// AssetPosition is the JSON view of one asset entry of a position.
type AssetPosition struct {
	Asset              string     `json:"asset"`
	Deposited          string     `json:"deposited"`
	DepositedShares    string     `json:"depositedShares"`
	Borrowed           string     `json:"borrowed"`
	BorrowedShares     string     `json:"borrowedShares"`
	LastUpdatedDeposit *time.Time `json:"lastUpdatedDeposit,omitempty"`
	LastUpdatedBorrow  *time.Time `json:"lastUpdatedBorrow,omitempty"`
}

// Position is the JSON view of a user position.
type Position struct {
	Owner     string          `json:"owner"`
	CreatedAt time.Time       `json:"createdAt"`
	Assets    []AssetPosition `json:"assets"`
}

// Receipt reports a committed operation.
type Receipt struct {
	Operation string        `json:"operation"`
	Owner     string        `json:"owner"`
	Asset     string        `json:"asset"`
	Amount    string        `json:"amount"`
	Shares    string        `json:"shares"`
	Position  AssetPosition `json:"position"`
	Pool      Pool          `json:"pool"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthLine reports the coverage of one debt.
type HealthLine struct {
	DebtAsset       string `json:"debtAsset"`
	CollateralAsset string `json:"collateralAsset"`
	Debt            string `json:"debt"`
	Collateral      string `json:"collateral"`
	DebtValue       string `json:"debtValueUsd"`
	CollateralValue string `json:"collateralValueUsd"`
	BorrowableValue string `json:"borrowableValueUsd"`
	// HealthFactor is empty when there is no debt.
	HealthFactor string `json:"healthFactor,omitempty"`
	Healthy      bool   `json:"healthy"`
}

// Health aggregates every health line of a user.
type Health struct {
	Owner   string       `json:"owner"`
	Healthy bool         `json:"healthy"`
	Lines   []HealthLine `json:"lines"`
}
