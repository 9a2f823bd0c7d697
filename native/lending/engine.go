package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nativecommon "lendingcore/native/common"
)

const moduleName = "lending"

// DefaultMaxPriceAge is the oldest oracle quote accepted when none is
// configured.
const DefaultMaxPriceAge = 2 * time.Minute

// Engine applies deposits, borrows, repayments and withdrawals to share
// accounted pools. All arithmetic runs on copies of the stored records; the
// custody transfer happens next and the pool and position are committed
// together only once it succeeds.
type Engine struct {
	state       State
	custody     Custody
	oracle      PriceOracle
	clock       Clock
	pauses      nativecommon.PauseView
	recorder    Recorder
	logger      *slog.Logger
	tracer      trace.Tracer
	maxPriceAge time.Duration

	// listing serialises InitPool so the collateral pairing check sees every
	// listed pool.
	listing       sync.Mutex
	poolLocks     keyedMutex
	positionLocks keyedMutex
}

// NewEngine wires an engine to its collaborators.
func NewEngine(state State, custody Custody, oracle PriceOracle) *Engine {
	return &Engine{
		state:       state,
		custody:     custody,
		oracle:      oracle,
		clock:       SystemClock{},
		logger:      slog.Default(),
		tracer:      otel.Tracer("lendingcore/native/lending"),
		maxPriceAge: DefaultMaxPriceAge,
	}
}

func (e *Engine) SetState(state State) { e.state = state }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetClock(clock Clock) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

func (e *Engine) SetRecorder(recorder Recorder) {
	if e == nil {
		return
	}
	e.recorder = recorder
}

// SetMaxPriceAge bounds the age of oracle quotes used for valuation.
func (e *Engine) SetMaxPriceAge(age time.Duration) {
	if e == nil || age <= 0 {
		return
	}
	e.maxPriceAge = age
}

// InitPool lists asset with the supplied parameters.
func (e *Engine) InitPool(ctx context.Context, asset AssetID, params PoolParams) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	asset = asset.Normalize()
	if asset == "" {
		return nil, fmt.Errorf("%w: empty asset", ErrInvalidParams)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.CollateralAsset.Normalize() == asset {
		return nil, fmt.Errorf("%w: pool %s cannot collateralize itself", ErrInvalidParams, asset)
	}
	e.listing.Lock()
	defer e.listing.Unlock()
	unlock := e.poolLocks.lock(string(asset))
	defer unlock()

	existing, err := e.state.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, asset)
	}
	pool := newPool(asset, params)
	pool.LastUpdated = e.now()
	listed, err := e.state.ListPools()
	if err != nil {
		return nil, err
	}
	if err := checkCollateralPairing(pool, listed); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	e.log(ctx).Info("lending pool listed",
		slog.String("asset", string(asset)),
		slog.Uint64("liquidation_threshold_bps", pool.LiquidationThresholdBps),
		slog.Uint64("max_ltv_bps", pool.MaxLTVBps),
		slog.String("interest_rate", FormatWAD(pool.InterestRate)))
	e.observePool(pool)
	return pool.Clone(), nil
}

// InitPosition creates the empty position record for owner.
func (e *Engine) InitPosition(ctx context.Context, owner Account) (*UserPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: empty owner", ErrInvalidParams)
	}
	unlock := e.positionLocks.lock(string(owner))
	defer unlock()

	existing, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, owner)
	}
	position := NewUserPosition(owner, e.now())
	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	e.log(ctx).Info("lending position opened", slog.String("owner", string(owner)))
	return position.Clone(), nil
}

// Pool returns the committed state of asset, accrued to now.
func (e *Engine) Pool(asset AssetID) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.projectedPool(asset.Normalize(), e.now())
}

// Pools lists every pool accrued to now, ordered by asset.
func (e *Engine) Pools() ([]*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	stored, err := e.state.ListPools()
	if err != nil {
		return nil, err
	}
	now := e.now()
	pools := make([]*Pool, 0, len(stored))
	for _, pool := range stored {
		projected := pool.Clone()
		if err := accruePool(projected, now); err != nil {
			return nil, err
		}
		pools = append(pools, projected)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Asset < pools[j].Asset })
	return pools, nil
}

// Position returns the committed position of owner. Amounts reflect the pool
// ratios at the time each entry was last touched.
func (e *Engine) Position(owner Account) (*UserPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	position, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, owner)
	}
	return position, nil
}

// Health values every debt of owner against its collateral pool at current
// prices.
func (e *Engine) Health(ctx context.Context, owner Account) (Health, error) {
	if e == nil || e.state == nil {
		return Health{}, ErrNilState
	}
	position, err := e.Position(owner)
	if err != nil {
		return Health{}, err
	}
	pools, err := e.Pools()
	if err != nil {
		return Health{}, err
	}
	byAsset := make(map[AssetID]*Pool, len(pools))
	for _, pool := range pools {
		byAsset[pool.Asset] = pool
	}
	health := Health{Owner: owner}
	for _, debtPool := range pools {
		collateralAsset, err := collateralOf(debtPool, pools)
		if err != nil {
			continue
		}
		collateralPool, ok := byAsset[collateralAsset]
		if !ok {
			continue
		}
		debtEntry := position.Lookup(debtPool.Asset)
		collateralEntry := position.Lookup(collateralAsset)
		if debtEntry.BorrowedShares.IsZero() && collateralEntry.DepositedShares.IsZero() {
			continue
		}
		line, err := e.healthLine(ctx, debtPool, collateralPool, debtEntry.BorrowedShares, collateralEntry.DepositedShares)
		if err != nil {
			return Health{}, err
		}
		health.Lines = append(health.Lines, line)
	}
	return health, nil
}

func (e *Engine) healthLine(ctx context.Context, debtPool, collateralPool *Pool, borrowShares, depositShares uint256.Int) (HealthLine, error) {
	line := HealthLine{DebtAsset: debtPool.Asset, CollateralAsset: collateralPool.Asset}
	var err error
	if line.Debt, err = debtOfShares(debtPool, borrowShares); err != nil {
		return HealthLine{}, err
	}
	if line.Collateral, err = depositValueOf(collateralPool, depositShares); err != nil {
		return HealthLine{}, err
	}
	if line.DebtValue, err = e.value(ctx, debtPool, line.Debt); err != nil {
		return HealthLine{}, err
	}
	if line.CollateralValue, err = e.value(ctx, collateralPool, line.Collateral); err != nil {
		return HealthLine{}, err
	}
	if line.BorrowableValue, err = Borrowable(line.CollateralValue, debtPool.LiquidationThresholdBps); err != nil {
		return HealthLine{}, err
	}
	if line.HealthFactor, err = healthFactor(line.BorrowableValue, line.DebtValue); err != nil {
		return HealthLine{}, err
	}
	return line, nil
}

// Deposit moves amount from owner into the pool treasury and mints deposit
// shares.
func (e *Engine) Deposit(ctx context.Context, owner Account, asset AssetID, amount uint256.Int) (Receipt, error) {
	return e.run(ctx, OpDeposit, owner, asset, amount, e.applyDeposit)
}

// Borrow lends amount to owner against the deposits held in the collateral
// pool.
func (e *Engine) Borrow(ctx context.Context, owner Account, asset AssetID, amount uint256.Int) (Receipt, error) {
	return e.run(ctx, OpBorrow, owner, asset, amount, e.applyBorrow)
}

// Repay returns amount of outstanding debt and burns the matching borrow
// shares.
func (e *Engine) Repay(ctx context.Context, owner Account, asset AssetID, amount uint256.Int) (Receipt, error) {
	return e.run(ctx, OpRepay, owner, asset, amount, e.applyRepay)
}

// Withdraw pays amount of the owner's deposit back out of the pool.
func (e *Engine) Withdraw(ctx context.Context, owner Account, asset AssetID, amount uint256.Int) (Receipt, error) {
	return e.run(ctx, OpWithdraw, owner, asset, amount, e.applyWithdraw)
}

// operation carries the working copies of a single mutating call.
type operation struct {
	kind     Operation
	owner    Account
	asset    AssetID
	amount   uint256.Int
	now      time.Time
	pool     *Pool
	position *UserPosition
	shares   uint256.Int
	// from and to describe the custody leg.
	from Account
	to   Account
}

type applyFunc func(ctx context.Context, op *operation) error

func (e *Engine) run(ctx context.Context, kind Operation, owner Account, asset AssetID, amount uint256.Int, apply applyFunc) (Receipt, error) {
	if e == nil || e.state == nil {
		return Receipt{}, ErrNilState
	}
	asset = asset.Normalize()
	start := time.Now()
	ctx, span := e.startSpan(ctx, kind, owner, asset, amount)
	defer span.End()

	receipt, err := e.execute(ctx, kind, owner, asset, amount, apply)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Classify(err)))
	}
	e.observe(ctx, kind, owner, asset, amount, time.Since(start), err)
	if err == nil {
		e.observePool(&receipt.Pool)
	}
	return receipt, err
}

func (e *Engine) execute(ctx context.Context, kind Operation, owner Account, asset AssetID, amount uint256.Int, apply applyFunc) (Receipt, error) {
	if err := nativecommon.Guard(e.pauses, moduleName, string(kind)); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	unlockPool := e.poolLocks.lock(string(asset))
	defer unlockPool()
	unlockPosition := e.positionLocks.lock(string(owner))
	defer unlockPosition()

	stored, err := e.state.GetPool(asset)
	if err != nil {
		return Receipt{}, err
	}
	if stored == nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrPoolNotFound, asset)
	}
	position, err := e.state.GetPosition(owner)
	if err != nil {
		return Receipt{}, err
	}
	if position == nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrPositionNotFound, owner)
	}

	op := &operation{
		kind:     kind,
		owner:    owner,
		asset:    asset,
		amount:   amount,
		now:      e.now(),
		pool:     stored.Clone(),
		position: position.Clone(),
	}
	if err := accruePool(op.pool, op.now); err != nil {
		return Receipt{}, err
	}
	if err := apply(ctx, op); err != nil {
		return Receipt{}, err
	}
	if err := checkInvariants(op.pool, op.position); err != nil {
		return Receipt{}, err
	}
	if err := e.transfer(ctx, op.from, op.to, asset, amount); err != nil {
		return Receipt{}, err
	}
	if err := e.state.Commit(op.pool, op.position); err != nil {
		rollbackErr := e.transfer(context.WithoutCancel(ctx), op.to, op.from, asset, amount)
		if e.recorder != nil {
			e.recorder.ObserveCompensation(string(asset), rollbackErr == nil)
		}
		if rollbackErr != nil {
			e.log(ctx).Error("lending compensating transfer failed",
				slog.String("operation", string(kind)),
				slog.String("owner", string(owner)),
				slog.String("asset", string(asset)),
				slog.String("amount", amount.Dec()),
				slog.Any("error", rollbackErr))
		}
		return Receipt{}, fmt.Errorf("lending: commit %s: %w", kind, err)
	}
	return Receipt{
		Operation: kind,
		Owner:     owner,
		Asset:     asset,
		Amount:    amount,
		Shares:    op.shares,
		Pool:      *op.pool,
		Position:  op.position.Lookup(asset),
		Timestamp: op.now,
	}, nil
}

func (e *Engine) applyDeposit(_ context.Context, op *operation) error {
	if op.amount.IsZero() {
		return ErrInvalidAmount
	}
	shares, err := DepositSharesFor(op.pool, op.amount)
	if err != nil {
		return err
	}
	if shares.IsZero() {
		return fmt.Errorf("%w: %s %s mints no shares", ErrInvalidAmount, op.amount.Dec(), op.asset)
	}
	if err := mint(op.pool, SideDeposit, op.amount, shares); err != nil {
		return err
	}
	entry := op.position.Asset(op.asset)
	if entry.DepositedShares, err = checkedAdd(&entry.DepositedShares, &shares); err != nil {
		return err
	}
	if entry.Deposited, err = depositValueOf(op.pool, entry.DepositedShares); err != nil {
		return err
	}
	entry.LastUpdatedDeposit = op.now
	op.shares = shares
	op.from, op.to = op.owner, TreasuryAccount(op.asset)
	return nil
}

func (e *Engine) applyBorrow(ctx context.Context, op *operation) error {
	if op.amount.IsZero() {
		return ErrInvalidAmount
	}
	collateralPool, err := e.collateralPoolFor(op.pool, op.now)
	if err != nil {
		return err
	}
	entry := op.position.Asset(op.asset)
	collateralShares := op.position.Lookup(collateralPool.Asset).DepositedShares
	if collateralShares.IsZero() {
		return fmt.Errorf("%w: no %s collateral deposited", ErrOverTheBorrowableAmount, collateralPool.Asset)
	}
	collateral, err := depositValueOf(collateralPool, collateralShares)
	if err != nil {
		return err
	}
	collateralValue, err := e.value(ctx, collateralPool, collateral)
	if err != nil {
		return err
	}
	borrowable, err := Borrowable(collateralValue, op.pool.LiquidationThresholdBps)
	if err != nil {
		return err
	}
	debt, err := debtOfShares(op.pool, entry.BorrowedShares)
	if err != nil {
		return err
	}
	requested, err := checkedAdd(&debt, &op.amount)
	if err != nil {
		return err
	}
	requestedValue, err := e.value(ctx, op.pool, requested)
	if err != nil {
		return err
	}
	if requestedValue.Gt(&borrowable) {
		return fmt.Errorf("%w: debt value %s exceeds borrowable %s", ErrOverTheBorrowableAmount, FormatWAD(requestedValue), FormatWAD(borrowable))
	}
	if cash := op.pool.AvailableLiquidity(); op.amount.Gt(&cash) {
		return fmt.Errorf("%w: %s requested, %s available", ErrInsufficientLiquidity, op.amount.Dec(), cash.Dec())
	}

	shares, err := BorrowSharesFor(op.pool, op.amount)
	if err != nil {
		return err
	}
	if err := mint(op.pool, SideBorrow, op.amount, shares); err != nil {
		return err
	}
	if entry.BorrowedShares, err = checkedAdd(&entry.BorrowedShares, &shares); err != nil {
		return err
	}
	if entry.Borrowed, err = debtOfShares(op.pool, entry.BorrowedShares); err != nil {
		return err
	}
	entry.LastUpdatedBorrow = op.now
	op.shares = shares
	op.from, op.to = TreasuryAccount(op.asset), op.owner
	return nil
}

func (e *Engine) applyRepay(_ context.Context, op *operation) error {
	entry := op.position.Lookup(op.asset)
	debt, err := debtOfShares(op.pool, entry.BorrowedShares)
	if err != nil {
		return err
	}
	if op.amount.IsZero() || op.amount.Gt(&debt) {
		return fmt.Errorf("%w: repay %s against debt %s", ErrInsufficientRepayAmount, op.amount.Dec(), debt.Dec())
	}
	var burned uint256.Int
	if op.amount.Eq(&debt) {
		burned = entry.BorrowedShares
	} else if burned, err = sharesToBurn(op.pool, SideBorrow, op.amount); err != nil {
		return err
	}
	if err := burn(op.pool, SideBorrow, op.amount, burned); err != nil {
		return err
	}
	live := op.position.Asset(op.asset)
	if live.BorrowedShares, err = checkedSub(&live.BorrowedShares, &burned); err != nil {
		return err
	}
	if live.Borrowed, err = debtOfShares(op.pool, live.BorrowedShares); err != nil {
		return err
	}
	live.LastUpdatedBorrow = op.now
	op.shares = burned
	op.from, op.to = op.owner, TreasuryAccount(op.asset)
	return nil
}

func (e *Engine) applyWithdraw(ctx context.Context, op *operation) error {
	if op.amount.IsZero() {
		return ErrInvalidAmount
	}
	entry := op.position.Lookup(op.asset)
	if entry.DepositedShares.IsZero() {
		return fmt.Errorf("%w: no %s deposited", ErrInsufficientFunds, op.asset)
	}
	balance, err := depositValueOf(op.pool, entry.DepositedShares)
	if err != nil {
		return err
	}
	if op.amount.Gt(&balance) {
		return fmt.Errorf("%w: withdraw %s against balance %s", ErrInsufficientFunds, op.amount.Dec(), balance.Dec())
	}
	if cash := op.pool.AvailableLiquidity(); op.amount.Gt(&cash) {
		return fmt.Errorf("%w: %s requested, %s available", ErrInsufficientLiquidity, op.amount.Dec(), cash.Dec())
	}
	burned, err := sharesToBurn(op.pool, SideDeposit, op.amount)
	if err != nil {
		return err
	}
	if burned.Gt(&entry.DepositedShares) {
		burned = entry.DepositedShares
	}
	if err := burn(op.pool, SideDeposit, op.amount, burned); err != nil {
		return err
	}
	live := op.position.Asset(op.asset)
	if live.DepositedShares, err = checkedSub(&live.DepositedShares, &burned); err != nil {
		return err
	}
	if live.Deposited, err = depositValueOf(op.pool, live.DepositedShares); err != nil {
		return err
	}
	live.LastUpdatedDeposit = op.now
	if err := e.checkCollateralCoverage(ctx, op); err != nil {
		return err
	}
	op.shares = burned
	op.from, op.to = TreasuryAccount(op.asset), op.owner
	return nil
}

// checkCollateralCoverage verifies that every debt secured by the withdrawn
// asset is still covered by what remains deposited.
func (e *Engine) checkCollateralCoverage(ctx context.Context, op *operation) error {
	pools, err := e.state.ListPools()
	if err != nil {
		return err
	}
	remaining := op.position.Lookup(op.asset)
	for _, stored := range pools {
		if stored.Asset == op.asset {
			continue
		}
		borrowShares := op.position.Lookup(stored.Asset).BorrowedShares
		if borrowShares.IsZero() {
			continue
		}
		collateralAsset, err := collateralOf(stored, pools)
		if err != nil || collateralAsset != op.asset {
			continue
		}
		debtPool := stored.Clone()
		if err := accruePool(debtPool, op.now); err != nil {
			return err
		}
		line, err := e.healthLine(ctx, debtPool, op.pool, borrowShares, remaining.DepositedShares)
		if err != nil {
			return err
		}
		if !line.Healthy() {
			return fmt.Errorf("%w: %s debt value %s would exceed borrowable %s", ErrOverTheBorrowableAmount, debtPool.Asset, FormatWAD(line.DebtValue), FormatWAD(line.BorrowableValue))
		}
	}
	return nil
}

// collateralPoolFor loads the pool securing borrows from pool, accrued to now
// on a private copy.
func (e *Engine) collateralPoolFor(pool *Pool, now time.Time) (*Pool, error) {
	pools, err := e.state.ListPools()
	if err != nil {
		return nil, err
	}
	asset, err := collateralOf(pool, pools)
	if err != nil {
		return nil, err
	}
	return e.projectedPool(asset, now)
}

// collateralOf resolves the collateral asset of pool: the configured one, or
// the only other listed pool.
func collateralOf(pool *Pool, pools []*Pool) (AssetID, error) {
	if pool.CollateralAsset != "" {
		return pool.CollateralAsset, nil
	}
	var counterpart AssetID
	for _, candidate := range pools {
		if candidate.Asset == pool.Asset {
			continue
		}
		if counterpart != "" {
			return "", fmt.Errorf("%w: pool %s has no collateral asset configured", ErrInvalidParams, pool.Asset)
		}
		counterpart = candidate.Asset
	}
	if counterpart == "" {
		return "", fmt.Errorf("%w: no collateral pool for %s", ErrPoolNotFound, pool.Asset)
	}
	return counterpart, nil
}

// checkCollateralPairing rejects a listing that would let two debt pools draw
// on the same collateral pool, or leave a listed pool without a single
// counterpart. Borrow, withdraw and Health value each debt against its own
// collateral pool only, so a collateral pool may back at most one debt pool.
func checkCollateralPairing(candidate *Pool, listed []*Pool) error {
	all := make([]*Pool, 0, len(listed)+1)
	all = append(all, listed...)
	all = append(all, candidate)
	backing := make(map[AssetID]AssetID, len(all))
	for _, pool := range all {
		collateral, err := collateralOf(pool, all)
		if err != nil {
			// The first pool of a pair is listed before its counterpart.
			if pool == candidate && errors.Is(err, ErrPoolNotFound) {
				continue
			}
			if pool != candidate {
				return fmt.Errorf("%w: listing %s leaves %s without a single collateral pool", ErrInvalidParams, candidate.Asset, pool.Asset)
			}
			return err
		}
		if debt, taken := backing[collateral]; taken {
			return fmt.Errorf("%w: %s already secures %s", ErrInvalidParams, collateral, debt)
		}
		backing[collateral] = pool.Asset
	}
	return nil
}

func (e *Engine) projectedPool(asset AssetID, now time.Time) (*Pool, error) {
	stored, err := e.state.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, asset)
	}
	projected := stored.Clone()
	if err := accruePool(projected, now); err != nil {
		return nil, err
	}
	return projected, nil
}

// value prices amount of the pool asset in USD WAD. Zero amounts skip the
// oracle.
func (e *Engine) value(ctx context.Context, pool *Pool, amount uint256.Int) (uint256.Int, error) {
	if amount.IsZero() {
		return uint256.Int{}, nil
	}
	if e.oracle == nil {
		return uint256.Int{}, fmt.Errorf("%w: no oracle configured", ErrPriceUnavailable)
	}
	price, err := e.oracle.Price(ctx, pool.Asset, e.maxPriceAge)
	if err != nil {
		if Classify(err) != OutcomeUnavailable {
			err = fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, pool.Asset, err)
		}
		return uint256.Int{}, err
	}
	if age := e.now().Sub(price.PublishedAt); age > e.maxPriceAge {
		return uint256.Int{}, fmt.Errorf("%w: %s quote is %s old", ErrStalePrice, pool.Asset, age)
	}
	return CollateralValue(amount, price, pool.Decimals)
}

func (e *Engine) transfer(ctx context.Context, from, to Account, asset AssetID, amount uint256.Int) error {
	if e.custody == nil {
		return fmt.Errorf("%w: no custody configured", ErrTransferFailed)
	}
	if err := e.custody.Transfer(ctx, from, to, asset, amount); err != nil {
		return fmt.Errorf("%w: %s -> %s: %w", ErrTransferFailed, from, to, err)
	}
	return nil
}

// checkInvariants validates the working copies before they are committed.
func checkInvariants(pool *Pool, position *UserPosition) error {
	if err := checkPoolInvariants(pool); err != nil {
		return err
	}
	entry := position.Lookup(pool.Asset)
	if entry.DepositedShares.Gt(&pool.TotalDepositedShares) {
		return fmt.Errorf("%w: %s holds %s of %s deposit shares", ErrInvariantViolation, position.Owner, entry.DepositedShares.Dec(), pool.TotalDepositedShares.Dec())
	}
	if entry.BorrowedShares.Gt(&pool.TotalBorrowedShares) {
		return fmt.Errorf("%w: %s holds %s of %s borrow shares", ErrInvariantViolation, position.Owner, entry.BorrowedShares.Dec(), pool.TotalBorrowedShares.Dec())
	}
	return nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Second)
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}
	if span := trace.SpanContextFromContext(ctx); span.HasTraceID() {
		logger = logger.With(slog.String("trace_id", span.TraceID().String()))
	}
	return logger
}

func (e *Engine) startSpan(ctx context.Context, kind Operation, owner Account, asset AssetID, amount uint256.Int) (context.Context, trace.Span) {
	tracer := e.tracer
	if tracer == nil {
		tracer = otel.Tracer("lendingcore/native/lending")
	}
	return tracer.Start(ctx, "lending."+string(kind), trace.WithAttributes(
		attribute.String("lending.owner", string(owner)),
		attribute.String("lending.asset", string(asset)),
		attribute.String("lending.amount", amount.Dec()),
	))
}

func (e *Engine) observe(ctx context.Context, kind Operation, owner Account, asset AssetID, amount uint256.Int, elapsed time.Duration, err error) {
	outcome := Classify(err)
	attrs := []any{
		slog.String("operation", string(kind)),
		slog.String("owner", string(owner)),
		slog.String("asset", string(asset)),
		slog.String("amount", amount.Dec()),
		slog.String("outcome", string(outcome)),
	}
	logger := e.log(ctx)
	switch outcome {
	case OutcomeOK:
		logger.Debug("lending operation committed", attrs...)
	case OutcomeRejected:
		logger.Info("lending operation rejected", append(attrs, slog.String("reason", err.Error()))...)
	case OutcomeUnavailable:
		logger.Warn("lending operation unavailable", append(attrs, slog.Any("error", err))...)
	default:
		logger.Error("lending operation failed", append(attrs, slog.Any("error", err))...)
	}
	if e.recorder != nil {
		e.recorder.ObserveOperation(string(kind), string(outcome), elapsed)
	}
}

func (e *Engine) observePool(pool *Pool) {
	if e.recorder == nil || pool == nil {
		return
	}
	e.recorder.ObservePool(string(pool.Asset), &pool.TotalDeposited, &pool.TotalBorrowed)
}
