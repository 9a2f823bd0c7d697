package lending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func TestDepositBootstrapsAndMintsAtRatio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 1_000})
	h.open(t, "bob", map[AssetID]uint64{assetSOL: 500})

	receipt, err := h.engine.Deposit(ctx, "alice", assetSOL, u(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.Shares.Uint64() != 1_000 {
		t.Fatalf("expected 1000 bootstrap shares, got %s", receipt.Shares.Dec())
	}

	// Interest credited to depositors moves the ratio to 1100/1000.
	pool := h.state.pool(assetSOL)
	pool.TotalDeposited = u(1_100)
	if err := h.state.PutPool(pool); err != nil {
		t.Fatalf("put pool: %v", err)
	}

	receipt, err = h.engine.Deposit(ctx, "bob", assetSOL, u(500))
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if receipt.Shares.Uint64() != 454 {
		t.Fatalf("expected 454 shares, got %s", receipt.Shares.Dec())
	}
	pool = h.state.pool(assetSOL)
	if pool.TotalDeposited.Uint64() != 1_600 || pool.TotalDepositedShares.Uint64() != 1_454 {
		t.Fatalf("unexpected pool totals %s/%s", pool.TotalDeposited.Dec(), pool.TotalDepositedShares.Dec())
	}
	if got := h.custody.balance(TreasuryAccount(assetSOL), assetSOL); got != 1_500 {
		t.Fatalf("expected treasury to hold 1500, got %d", got)
	}
	h.assertPoolInvariants(t)
}

func TestDepositRejectsZeroAndUnmintable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 1_000})

	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	pool := h.state.pool(assetSOL)
	pool.TotalDeposited = u(1_000)
	pool.TotalDepositedShares = u(1)
	if err := h.state.PutPool(pool); err != nil {
		t.Fatalf("put pool: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(999)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected deposit minting zero shares to fail, got %v", err)
	}
	if got := h.custody.balance("alice", assetSOL); got != 1_000 {
		t.Fatalf("rejected deposit must not move funds, balance %d", got)
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", map[AssetID]uint64{assetUSDC: 5_000})

	if _, err := h.engine.Deposit(ctx, "alice", assetUSDC, u(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	receipt, err := h.engine.Withdraw(ctx, "alice", assetUSDC, u(5_000))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if receipt.Shares.Uint64() != 5_000 {
		t.Fatalf("expected to burn 5000 shares, got %s", receipt.Shares.Dec())
	}
	if got := h.custody.balance("alice", assetUSDC); got != 5_000 {
		t.Fatalf("expected funds returned, balance %d", got)
	}
	entry := h.state.entry("alice", assetUSDC)
	if !entry.DepositedShares.IsZero() || !entry.Deposited.IsZero() {
		t.Fatalf("expected empty deposit entry, got %s/%s", entry.Deposited.Dec(), entry.DepositedShares.Dec())
	}
	pool := h.state.pool(assetUSDC)
	if !pool.TotalDeposited.IsZero() || !pool.TotalDepositedShares.IsZero() {
		t.Fatalf("expected drained pool, got %s/%s", pool.TotalDeposited.Dec(), pool.TotalDepositedShares.Dec())
	}
	h.assertPoolInvariants(t)
}

func TestWithdrawBeyondBalanceFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", map[AssetID]uint64{assetUSDC: 100})
	h.open(t, "bob", nil)

	if _, err := h.engine.Deposit(ctx, "alice", assetUSDC, u(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.Withdraw(ctx, "alice", assetUSDC, u(101)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := h.engine.Withdraw(ctx, "bob", assetUSDC, u(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for empty position, got %v", err)
	}
	if _, err := h.engine.Withdraw(ctx, "alice", assetUSDC, u(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBorrowAuthorizationBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "lender", map[AssetID]uint64{assetUSDC: 100_000})
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 10_000})

	if _, err := h.engine.Deposit(ctx, "lender", assetUSDC, u(100_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(10_000)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}

	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(8_001)); !errors.Is(err, ErrOverTheBorrowableAmount) {
		t.Fatalf("expected 8001 to exceed borrowable, got %v", err)
	}
	if h.custody.balance("alice", assetUSDC) != 0 {
		t.Fatalf("rejected borrow must not pay out")
	}

	receipt, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(8_000))
	if err != nil {
		t.Fatalf("borrow at limit: %v", err)
	}
	if receipt.Position.Borrowed.Uint64() != 8_000 || receipt.Position.BorrowedShares.Uint64() != 8_000 {
		t.Fatalf("unexpected debt %s/%s", receipt.Position.Borrowed.Dec(), receipt.Position.BorrowedShares.Dec())
	}
	if got := h.custody.balance("alice", assetUSDC); got != 8_000 {
		t.Fatalf("expected 8000 paid out, got %d", got)
	}
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(1)); !errors.Is(err, ErrOverTheBorrowableAmount) {
		t.Fatalf("expected outstanding debt to count against the limit, got %v", err)
	}
	h.assertPoolInvariants(t)
}

func TestBorrowWithoutCollateralOrLiquidity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 10_000})

	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(10)); !errors.Is(err, ErrOverTheBorrowableAmount) {
		t.Fatalf("expected borrow without collateral to fail, got %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(10)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity from an empty pool, got %v", err)
	}
}

func TestBorrowUsesPrices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.oracle.set(assetSOL, "150", h.clock.Now())
	h.open(t, "lender", map[AssetID]uint64{assetUSDC: 1_000})
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 5})

	if _, err := h.engine.Deposit(ctx, "lender", assetUSDC, u(1_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(5)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}
	// 5 SOL at $150 with an 80% threshold covers $600.
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(601)); !errors.Is(err, ErrOverTheBorrowableAmount) {
		t.Fatalf("expected 601 to fail, got %v", err)
	}
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(600)); err != nil {
		t.Fatalf("borrow 600: %v", err)
	}
}

func TestBorrowRejectsStaleOrMissingPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "lender", map[AssetID]uint64{assetUSDC: 1_000})
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 1_000})
	if _, err := h.engine.Deposit(ctx, "lender", assetUSDC, u(1_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(1_000)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}

	h.oracle.set(assetSOL, "1", h.clock.Now().Add(-time.Hour))
	_, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(10))
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if Classify(err) != OutcomeUnavailable {
		t.Fatalf("expected stale price to classify as unavailable, got %s", Classify(err))
	}

	h.oracle.err = errors.New("feed offline")
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(10)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestRepayRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "lender", map[AssetID]uint64{assetUSDC: 10_000})
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 10_000})
	if _, err := h.engine.Deposit(ctx, "lender", assetUSDC, u(10_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(10_000)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := h.engine.Repay(ctx, "alice", assetUSDC, u(0)); !errors.Is(err, ErrInsufficientRepayAmount) {
		t.Fatalf("expected zero repay to fail, got %v", err)
	}
	if _, err := h.engine.Repay(ctx, "alice", assetUSDC, u(1_001)); !errors.Is(err, ErrInsufficientRepayAmount) {
		t.Fatalf("expected repay above debt to fail, got %v", err)
	}

	receipt, err := h.engine.Repay(ctx, "alice", assetUSDC, u(400))
	if err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if receipt.Shares.Uint64() != 400 || receipt.Position.Borrowed.Uint64() != 600 {
		t.Fatalf("unexpected partial repay result: burned %s, debt %s", receipt.Shares.Dec(), receipt.Position.Borrowed.Dec())
	}

	receipt, err = h.engine.Repay(ctx, "alice", assetUSDC, u(600))
	if err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if !receipt.Position.Borrowed.IsZero() || !receipt.Position.BorrowedShares.IsZero() {
		t.Fatalf("expected debt cleared, got %s/%s", receipt.Position.Borrowed.Dec(), receipt.Position.BorrowedShares.Dec())
	}
	pool := h.state.pool(assetUSDC)
	if !pool.TotalBorrowed.IsZero() || !pool.TotalBorrowedShares.IsZero() {
		t.Fatalf("expected empty borrow side, got %s/%s", pool.TotalBorrowed.Dec(), pool.TotalBorrowedShares.Dec())
	}
	if got := h.custody.balance(TreasuryAccount(assetUSDC), assetUSDC); got != 10_000 {
		t.Fatalf("expected treasury restored to 10000, got %d", got)
	}
	h.assertPoolInvariants(t)
}

func TestRepayAfterAccrualClearsDebt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "lender", map[AssetID]uint64{assetUSDC: 1_000_000_000})
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 1_000_000_000, assetUSDC: 10_000_000})
	if _, err := h.engine.Deposit(ctx, "lender", assetUSDC, u(1_000_000_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(1_000_000_000)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(100_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	h.clock.advance(365 * 24 * time.Hour)
	h.oracle.set(assetSOL, "1", h.clock.Now())
	h.oracle.set(assetUSDC, "1", h.clock.Now())

	health, err := h.engine.Health(ctx, "alice")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var debt uint256.Int
	for _, line := range health.Lines {
		if line.DebtAsset == assetUSDC {
			debt = line.Debt
		}
	}
	// A year at 5% continuous grows 100,000,000 to roughly 105,127,109.
	if debt.Uint64() < 105_127_000 || debt.Uint64() > 105_127_200 {
		t.Fatalf("unexpected accrued debt %s", debt.Dec())
	}

	if _, err := h.engine.Repay(ctx, "alice", assetUSDC, debt); err != nil {
		t.Fatalf("repay accrued debt: %v", err)
	}
	entry := h.state.entry("alice", assetUSDC)
	if !entry.BorrowedShares.IsZero() || !entry.Borrowed.IsZero() {
		t.Fatalf("expected cleared debt, got %s/%s", entry.Borrowed.Dec(), entry.BorrowedShares.Dec())
	}
	h.assertPoolInvariants(t)
}

func TestWithdrawKeepsDebtCovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "lender", map[AssetID]uint64{assetUSDC: 10_000})
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 10_000})
	if _, err := h.engine.Deposit(ctx, "lender", assetUSDC, u(10_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(10_000)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(4_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// 4000 of debt at 80% needs 5000 of collateral.
	if _, err := h.engine.Withdraw(ctx, "alice", assetSOL, u(5_001)); !errors.Is(err, ErrOverTheBorrowableAmount) {
		t.Fatalf("expected uncovered withdrawal to fail, got %v", err)
	}
	if _, err := h.engine.Withdraw(ctx, "alice", assetSOL, u(5_000)); err != nil {
		t.Fatalf("covered withdrawal: %v", err)
	}
	health, err := h.engine.Health(ctx, "alice")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Healthy() {
		t.Fatalf("expected healthy position after covered withdrawal")
	}
}

func TestTransferFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 100})

	before := h.state.pool(assetSOL)
	h.custody.failNext = errors.New("custody offline")
	_, err := h.engine.Deposit(ctx, "alice", assetSOL, u(100))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	after := h.state.pool(assetSOL)
	if !after.TotalDeposited.Eq(&before.TotalDeposited) || !after.TotalDepositedShares.Eq(&before.TotalDepositedShares) {
		t.Fatalf("pool changed despite failed transfer")
	}
	if entry := h.state.entry("alice", assetSOL); !entry.IsEmpty() {
		t.Fatalf("position changed despite failed transfer")
	}

	_, err = h.engine.Deposit(ctx, "alice", assetSOL, u(101))
	if !errors.Is(err, errInsufficientBalance) || !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected custody error to be wrapped, got %v", err)
	}
	if Classify(err) != OutcomeUnavailable {
		t.Fatalf("expected custody shortfall to classify as unavailable, got %s", Classify(err))
	}
}

func TestCommitFailureCompensatesTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 100})

	h.state.commitErr = errors.New("disk full")
	_, err := h.engine.Deposit(ctx, "alice", assetSOL, u(100))
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	if Classify(err) != OutcomeInternal {
		t.Fatalf("expected internal outcome, got %s", Classify(err))
	}
	if got := h.custody.balance("alice", assetSOL); got != 100 {
		t.Fatalf("expected compensating transfer to restore balance, got %d", got)
	}
	if got := h.custody.balance(TreasuryAccount(assetSOL), assetSOL); got != 0 {
		t.Fatalf("expected treasury to be empty, got %d", got)
	}
	if len(h.recorder.compensations) != 1 || !h.recorder.compensations[0] {
		t.Fatalf("expected one successful compensation, got %v", h.recorder.compensations)
	}
	if h.recorder.outcomes["deposit/internal"] != 1 {
		t.Fatalf("expected internal outcome to be recorded, got %v", h.recorder.outcomes)
	}
}

func TestOperationsRequireRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, "ghost", assetSOL, u(1)); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
	h.open(t, "alice", nil)
	if _, err := h.engine.Deposit(ctx, "alice", "BTC", u(1)); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}
	if _, err := h.engine.InitPosition(ctx, "alice"); !errors.Is(err, ErrPositionExists) {
		t.Fatalf("expected ErrPositionExists, got %v", err)
	}
	if _, err := h.engine.InitPool(ctx, "sol", PoolParams{LiquidationThresholdBps: 8_000}); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}
	if _, err := h.engine.InitPool(ctx, "BTC", PoolParams{LiquidationThresholdBps: 12_000}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestAccrualMovesBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "lender", map[AssetID]uint64{assetUSDC: 1_000_000})
	h.open(t, "alice", map[AssetID]uint64{assetSOL: 1_000_000})
	if _, err := h.engine.Deposit(ctx, "lender", assetUSDC, u(1_000_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "alice", assetSOL, u(1_000_000)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}
	if _, err := h.engine.Borrow(ctx, "alice", assetUSDC, u(500_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	h.clock.advance(30 * 24 * time.Hour)
	pool, err := h.engine.Pool(assetUSDC)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !pool.TotalDeposited.Gt(uint256.NewInt(1_000_000)) || !pool.TotalBorrowed.Gt(uint256.NewInt(500_000)) {
		t.Fatalf("expected both aggregates to grow, got %s/%s", pool.TotalDeposited.Dec(), pool.TotalBorrowed.Dec())
	}
	if pool.TotalDepositedShares.Uint64() != 1_000_000 || pool.TotalBorrowedShares.Uint64() != 500_000 {
		t.Fatalf("accrual must not change share counts")
	}
	stored := h.state.pool(assetUSDC)
	if stored.TotalDeposited.Uint64() != 1_000_000 {
		t.Fatalf("read-only projection must not persist")
	}
}

func TestInitPoolRejectsSharedCollateral(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	state := newMockEngineState()
	custody := newMockCustody()
	oracle := newMockOracle()
	engine := NewEngine(state, custody, oracle)
	engine.SetClock(clock)

	params := func(collateral AssetID) PoolParams {
		return PoolParams{LiquidationThresholdBps: 8_000, CollateralAsset: collateral}
	}
	if _, err := engine.InitPool(ctx, "SOL", params("")); err != nil {
		t.Fatalf("list SOL: %v", err)
	}
	if _, err := engine.InitPool(ctx, "AAA", params("SOL")); err != nil {
		t.Fatalf("list AAA: %v", err)
	}
	if _, err := engine.InitPool(ctx, "BBB", params("SOL")); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected second pool secured by SOL to be rejected, got %v", err)
	}
	if pool, _ := state.GetPool("BBB"); pool != nil {
		t.Fatalf("rejected listing must not persist")
	}

	for _, asset := range []AssetID{"SOL", "AAA"} {
		oracle.set(asset, "1", clock.Now())
	}
	custody.credit("lender", "AAA", 20_000)
	custody.credit("alice", "SOL", 10_000)
	for _, owner := range []Account{"lender", "alice"} {
		if _, err := engine.InitPosition(ctx, owner); err != nil {
			t.Fatalf("open %s: %v", owner, err)
		}
	}
	if _, err := engine.Deposit(ctx, "lender", "AAA", u(20_000)); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := engine.Deposit(ctx, "alice", "SOL", u(10_000)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}
	if _, err := engine.Borrow(ctx, "alice", "AAA", u(8_000)); err != nil {
		t.Fatalf("borrow at limit: %v", err)
	}
	if _, err := engine.Borrow(ctx, "alice", "BBB", u(8_000)); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected no second draw on the same collateral, got %v", err)
	}
	health, err := engine.Health(ctx, "alice")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var debt uint256.Int
	for _, line := range health.Lines {
		debt.Add(&debt, &line.Debt)
	}
	if debt.Uint64() != 8_000 {
		t.Fatalf("expected total debt 8000 against SOL, got %s", debt.Dec())
	}
}

func TestInitPoolKeepsInferredPairsUnambiguous(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.InitPool(ctx, "ETH", PoolParams{LiquidationThresholdBps: 8_000, CollateralAsset: "BTC"})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected listing that breaks the SOL/USDC pairing to fail, got %v", err)
	}
	if _, err := h.engine.InitPool(ctx, "ETH", PoolParams{LiquidationThresholdBps: 8_000, CollateralAsset: "USDC"}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected a third pool to be rejected while SOL and USDC infer each other, got %v", err)
	}
}

func TestZeroRatePoolDoesNotAccrue(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	custody := newMockCustody()
	engine := NewEngine(newMockEngineState(), custody, newMockOracle())
	engine.SetClock(clock)

	pool, err := engine.InitPool(ctx, "ZERO", PoolParams{LiquidationThresholdBps: 8_000, CollateralAsset: "SOL"})
	if err != nil {
		t.Fatalf("list ZERO: %v", err)
	}
	if !pool.InterestRate.IsZero() {
		t.Fatalf("expected zero rate to be stored as given, got %s", pool.InterestRate.Dec())
	}
	custody.credit("alice", "ZERO", 1_000)
	if _, err := engine.InitPosition(ctx, "alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := engine.Deposit(ctx, "alice", "ZERO", u(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	clock.advance(365 * 24 * time.Hour)
	receipt, err := engine.Withdraw(ctx, "alice", "ZERO", u(1_000))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if receipt.Shares.Uint64() != 1_000 {
		t.Fatalf("expected 1000 shares burned, got %s", receipt.Shares.Dec())
	}
	projected, err := engine.Pool("ZERO")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !projected.TotalDeposited.IsZero() || !projected.TotalDepositedShares.IsZero() {
		t.Fatalf("expected drained pool, got %s/%s", projected.TotalDeposited.Dec(), projected.TotalDepositedShares.Dec())
	}
}
