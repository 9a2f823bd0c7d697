package lending

import (
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// AssetID names a listed asset, e.g. "SOL" or "USDC". Identifiers are
// compared after Normalize.
type AssetID string

// Normalize trims and upper-cases the identifier.
func (a AssetID) Normalize() AssetID {
	return AssetID(strings.ToUpper(strings.TrimSpace(string(a))))
}

// Account identifies a participant or treasury inside the custody layer.
type Account string

// TreasuryAccount returns the custody account holding the pooled liquidity of
// asset.
func TreasuryAccount(asset AssetID) Account {
	return Account("treasury/" + string(asset.Normalize()))
}

// Side selects the deposit or borrow aggregates of a pool.
type Side uint8

const (
	SideDeposit Side = iota
	SideBorrow
)

func (s Side) String() string {
	switch s {
	case SideDeposit:
		return "deposit"
	case SideBorrow:
		return "borrow"
	default:
		return "unknown"
	}
}

// Pool captures the aggregate accounting state for a single asset. Amounts
// are denominated in the asset's base units and shares are dimensionless
// claims on the matching total.
type Pool struct {
	Asset AssetID

	TotalDeposited       uint256.Int
	TotalDepositedShares uint256.Int
	TotalBorrowed        uint256.Int
	TotalBorrowedShares  uint256.Int

	// InterestRate is the continuous per-second rate in WAD applied to both
	// aggregates on accrual.
	InterestRate uint256.Int

	// MaxLTVBps, LiquidationThresholdBps, LiquidationBonusBps and
	// LiquidationCloseFactorBps are expressed in basis points.
	MaxLTVBps                 uint64
	LiquidationThresholdBps   uint64
	LiquidationBonusBps       uint64
	LiquidationCloseFactorBps uint64

	// Decimals is the number of base units per whole token as a power of ten.
	Decimals uint8

	// CollateralAsset names the pool whose deposits secure borrows from this
	// pool. Empty means the single other listed pool.
	CollateralAsset AssetID

	LastUpdated time.Time
}

// Clone returns an independent copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// aggregates returns pointers to the total and share counters of side.
func (p *Pool) aggregates(side Side) (*uint256.Int, *uint256.Int) {
	if side == SideBorrow {
		return &p.TotalBorrowed, &p.TotalBorrowedShares
	}
	return &p.TotalDeposited, &p.TotalDepositedShares
}

// AvailableLiquidity returns the deposited amount not currently lent out.
func (p *Pool) AvailableLiquidity() uint256.Int {
	var cash uint256.Int
	if p == nil || p.TotalBorrowed.Gt(&p.TotalDeposited) {
		return cash
	}
	cash.Sub(&p.TotalDeposited, &p.TotalBorrowed)
	return cash
}

// AssetPosition holds one user's claim on one pool.
type AssetPosition struct {
	Deposited       uint256.Int
	DepositedShares uint256.Int
	Borrowed        uint256.Int
	BorrowedShares  uint256.Int

	LastUpdatedDeposit time.Time
	LastUpdatedBorrow  time.Time
}

// IsEmpty reports whether the position holds neither deposit nor borrow
// shares.
func (a *AssetPosition) IsEmpty() bool {
	return a == nil || (a.DepositedShares.IsZero() && a.BorrowedShares.IsZero())
}

// UserPosition is the per-user record across all pools.
type UserPosition struct {
	Owner     Account
	Assets    map[AssetID]*AssetPosition
	CreatedAt time.Time
}

// NewUserPosition returns an empty position for owner.
func NewUserPosition(owner Account, createdAt time.Time) *UserPosition {
	return &UserPosition{
		Owner:     owner,
		Assets:    make(map[AssetID]*AssetPosition),
		CreatedAt: createdAt,
	}
}

// Clone returns a deep copy of the position.
func (u *UserPosition) Clone() *UserPosition {
	if u == nil {
		return nil
	}
	clone := &UserPosition{
		Owner:     u.Owner,
		Assets:    make(map[AssetID]*AssetPosition, len(u.Assets)),
		CreatedAt: u.CreatedAt,
	}
	for asset, position := range u.Assets {
		if position == nil {
			continue
		}
		copied := *position
		clone.Assets[asset] = &copied
	}
	return clone
}

// Asset returns the mutable entry for asset, creating it when absent.
func (u *UserPosition) Asset(asset AssetID) *AssetPosition {
	if u.Assets == nil {
		u.Assets = make(map[AssetID]*AssetPosition)
	}
	position, ok := u.Assets[asset]
	if !ok || position == nil {
		position = &AssetPosition{}
		u.Assets[asset] = position
	}
	return position
}

// Lookup returns a copy of the entry for asset or the zero position.
func (u *UserPosition) Lookup(asset AssetID) AssetPosition {
	if u == nil {
		return AssetPosition{}
	}
	if position, ok := u.Assets[asset]; ok && position != nil {
		return *position
	}
	return AssetPosition{}
}

// SortedAssets lists the assets the position references in lexical order.
func (u *UserPosition) SortedAssets() []AssetID {
	if u == nil {
		return nil
	}
	assets := make([]AssetID, 0, len(u.Assets))
	for asset := range u.Assets {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	return assets
}

// Price is an oracle quote for one whole unit of an asset, in USD WAD.
type Price struct {
	Value       uint256.Int
	PublishedAt time.Time
}

// Operation names a mutating ledger action.
type Operation string

const (
	OpDeposit  Operation = "deposit"
	OpBorrow   Operation = "borrow"
	OpRepay    Operation = "repay"
	OpWithdraw Operation = "withdraw"
)

// Receipt describes a committed operation.
type Receipt struct {
	Operation Operation
	Owner     Account
	Asset     AssetID
	Amount    uint256.Int
	// Shares is the number of shares minted (deposit, borrow) or burned
	// (repay, withdraw).
	Shares    uint256.Int
	Pool      Pool
	Position  AssetPosition
	Timestamp time.Time
}

// HealthLine reports the collateral coverage of the debt held in one pool.
type HealthLine struct {
	DebtAsset       AssetID
	CollateralAsset AssetID
	Debt            uint256.Int
	Collateral      uint256.Int
	DebtValue       uint256.Int
	CollateralValue uint256.Int
	BorrowableValue uint256.Int
	// HealthFactor is BorrowableValue / DebtValue in WAD. Zero when there is
	// no debt.
	HealthFactor uint256.Int
}

// Healthy reports whether the collateral still covers the debt.
func (h HealthLine) Healthy() bool {
	return !h.DebtValue.Gt(&h.BorrowableValue)
}

// Health aggregates the health lines of a user.
type Health struct {
	Owner Account
	Lines []HealthLine
}

// Healthy reports whether every line is covered.
func (h Health) Healthy() bool {
	for _, line := range h.Lines {
		if !line.Healthy() {
			return false
		}
	}
	return true
}
