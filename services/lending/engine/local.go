package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"lendingcore/native/lending"
)

type local struct {
	engine *lending.Engine
}

// NewLocal exposes an in-process ledger engine through the Engine interface.
func NewLocal(engine *lending.Engine) Engine {
	return &local{engine: engine}
}

func (l *local) InitPool(ctx context.Context, req PoolRequest) (Pool, error) {
	if err := ctx.Err(); err != nil {
		return Pool{}, translate(err)
	}
	asset := lending.AssetID(req.Asset).Normalize()
	if asset == "" {
		return Pool{}, fmt.Errorf("%w: asset required", ErrInvalidArgument)
	}
	params := lending.PoolParams{
		MaxLTVBps:                 req.MaxLTVBps,
		LiquidationThresholdBps:   req.LiquidationThresholdBps,
		LiquidationBonusBps:       req.LiquidationBonusBps,
		LiquidationCloseFactorBps: req.LiquidationCloseFactorBps,
		Decimals:                  req.Decimals,
		CollateralAsset:           lending.AssetID(req.CollateralAsset),
	}
	if req.AnnualRateBps != nil {
		params.InterestRate = lending.RateFromAnnualBps(*req.AnnualRateBps)
	} else {
		params.InterestRate = lending.RateFromAnnualBps(lending.DefaultAnnualRateBps)
	}
	pool, err := l.engine.InitPool(ctx, asset, params)
	if err != nil {
		return Pool{}, translate(err)
	}
	return poolView(pool), nil
}

func (l *local) OpenPosition(ctx context.Context, owner string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, translate(err)
	}
	account, err := parseOwner(owner)
	if err != nil {
		return Position{}, err
	}
	position, err := l.engine.InitPosition(ctx, account)
	if err != nil {
		return Position{}, translate(err)
	}
	return l.positionView(position)
}

type operationFunc func(ctx context.Context, owner lending.Account, asset lending.AssetID, amount uint256.Int) (lending.Receipt, error)

func (l *local) Deposit(ctx context.Context, owner, asset, amount string) (Receipt, error) {
	return l.operate(ctx, owner, asset, amount, l.engine.Deposit)
}

func (l *local) Borrow(ctx context.Context, owner, asset, amount string) (Receipt, error) {
	return l.operate(ctx, owner, asset, amount, l.engine.Borrow)
}

func (l *local) Repay(ctx context.Context, owner, asset, amount string) (Receipt, error) {
	return l.operate(ctx, owner, asset, amount, l.engine.Repay)
}

func (l *local) Withdraw(ctx context.Context, owner, asset, amount string) (Receipt, error) {
	return l.operate(ctx, owner, asset, amount, l.engine.Withdraw)
}

func (l *local) operate(ctx context.Context, owner, asset, amount string, op operationFunc) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, translate(err)
	}
	account, err := parseOwner(owner)
	if err != nil {
		return Receipt{}, err
	}
	pool, err := l.engine.Pool(lending.AssetID(asset))
	if err != nil {
		return Receipt{}, translate(err)
	}
	value, err := lending.ParseDecimal(amount, pool.Decimals)
	if err != nil {
		return Receipt{}, translate(err)
	}
	receipt, err := op(ctx, account, pool.Asset, value)
	if err != nil {
		return Receipt{}, translate(err)
	}
	return Receipt{
		Operation: string(receipt.Operation),
		Owner:     string(receipt.Owner),
		Asset:     string(receipt.Asset),
		Amount:    lending.FormatDecimal(receipt.Amount, pool.Decimals),
		Shares:    receipt.Shares.Dec(),
		Position:  assetPositionView(receipt.Asset, receipt.Position, pool.Decimals),
		Pool:      poolView(&receipt.Pool),
		Timestamp: receipt.Timestamp,
	}, nil
}

func (l *local) GetPool(ctx context.Context, asset string) (Pool, error) {
	if err := ctx.Err(); err != nil {
		return Pool{}, translate(err)
	}
	pool, err := l.engine.Pool(lending.AssetID(asset))
	if err != nil {
		return Pool{}, translate(err)
	}
	return poolView(pool), nil
}

func (l *local) ListPools(ctx context.Context) ([]Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, translate(err)
	}
	pools, err := l.engine.Pools()
	if err != nil {
		return nil, translate(err)
	}
	views := make([]Pool, 0, len(pools))
	for _, pool := range pools {
		views = append(views, poolView(pool))
	}
	return views, nil
}

func (l *local) GetPosition(ctx context.Context, owner string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, translate(err)
	}
	account, err := parseOwner(owner)
	if err != nil {
		return Position{}, err
	}
	position, err := l.engine.Position(account)
	if err != nil {
		return Position{}, translate(err)
	}
	return l.positionView(position)
}

func (l *local) GetHealth(ctx context.Context, owner string) (Health, error) {
	account, err := parseOwner(owner)
	if err != nil {
		return Health{}, err
	}
	health, err := l.engine.Health(ctx, account)
	if err != nil {
		return Health{}, translate(err)
	}
	decimals, err := l.decimals()
	if err != nil {
		return Health{}, err
	}
	view := Health{Owner: string(health.Owner), Healthy: health.Healthy(), Lines: make([]HealthLine, 0, len(health.Lines))}
	for _, line := range health.Lines {
		entry := HealthLine{
			DebtAsset:       string(line.DebtAsset),
			CollateralAsset: string(line.CollateralAsset),
			Debt:            lending.FormatDecimal(line.Debt, decimals[line.DebtAsset]),
			Collateral:      lending.FormatDecimal(line.Collateral, decimals[line.CollateralAsset]),
			DebtValue:       lending.FormatWAD(line.DebtValue),
			CollateralValue: lending.FormatWAD(line.CollateralValue),
			BorrowableValue: lending.FormatWAD(line.BorrowableValue),
			Healthy:         line.Healthy(),
		}
		if !line.DebtValue.IsZero() {
			entry.HealthFactor = lending.FormatWAD(line.HealthFactor)
		}
		view.Lines = append(view.Lines, entry)
	}
	return view, nil
}

func (l *local) positionView(position *lending.UserPosition) (Position, error) {
	decimals, err := l.decimals()
	if err != nil {
		return Position{}, err
	}
	view := Position{
		Owner:     string(position.Owner),
		CreatedAt: position.CreatedAt,
		Assets:    make([]AssetPosition, 0, len(position.Assets)),
	}
	for _, asset := range position.SortedAssets() {
		view.Assets = append(view.Assets, assetPositionView(asset, position.Lookup(asset), decimals[asset]))
	}
	return view, nil
}

func (l *local) decimals() (map[lending.AssetID]uint8, error) {
	pools, err := l.engine.Pools()
	if err != nil {
		return nil, translate(err)
	}
	out := make(map[lending.AssetID]uint8, len(pools))
	for _, pool := range pools {
		out[pool.Asset] = pool.Decimals
	}
	return out, nil
}

func parseOwner(owner string) (lending.Account, error) {
	trimmed := strings.TrimSpace(owner)
	if trimmed == "" {
		return "", fmt.Errorf("%w: owner required", ErrInvalidArgument)
	}
	if strings.HasPrefix(trimmed, "treasury/") {
		return "", fmt.Errorf("%w: %s is reserved", ErrInvalidArgument, trimmed)
	}
	return lending.Account(trimmed), nil
}

func poolView(pool *lending.Pool) Pool {
	liquidity := pool.AvailableLiquidity()
	return Pool{
		Asset:                     string(pool.Asset),
		Decimals:                  pool.Decimals,
		TotalDeposited:            lending.FormatDecimal(pool.TotalDeposited, pool.Decimals),
		TotalDepositedShares:      pool.TotalDepositedShares.Dec(),
		TotalBorrowed:             lending.FormatDecimal(pool.TotalBorrowed, pool.Decimals),
		TotalBorrowedShares:       pool.TotalBorrowedShares.Dec(),
		AvailableLiquidity:        lending.FormatDecimal(liquidity, pool.Decimals),
		InterestRate:              lending.FormatWAD(pool.InterestRate),
		MaxLTVBps:                 pool.MaxLTVBps,
		LiquidationThresholdBps:   pool.LiquidationThresholdBps,
		LiquidationBonusBps:       pool.LiquidationBonusBps,
		LiquidationCloseFactorBps: pool.LiquidationCloseFactorBps,
		CollateralAsset:           string(pool.CollateralAsset),
		LastUpdated:               pool.LastUpdated,
	}
}

func assetPositionView(asset lending.AssetID, entry lending.AssetPosition, decimals uint8) AssetPosition {
	return AssetPosition{
		Asset:              string(asset),
		Deposited:          lending.FormatDecimal(entry.Deposited, decimals),
		DepositedShares:    entry.DepositedShares.Dec(),
		Borrowed:           lending.FormatDecimal(entry.Borrowed, decimals),
		BorrowedShares:     entry.BorrowedShares.Dec(),
		LastUpdatedDeposit: optionalTime(entry.LastUpdatedDeposit),
		LastUpdatedBorrow:  optionalTime(entry.LastUpdatedBorrow),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
