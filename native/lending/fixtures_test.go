package lending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

type mockEngineState struct {
	mu        sync.Mutex
	pools     map[AssetID]*Pool
	positions map[Account]*UserPosition
	commitErr error
	commits   int
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		pools:     make(map[AssetID]*Pool),
		positions: make(map[Account]*UserPosition),
	}
}

func (m *mockEngineState) GetPool(asset AssetID) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[asset].Clone(), nil
}

func (m *mockEngineState) ListPools() ([]*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool.Clone())
	}
	return pools, nil
}

func (m *mockEngineState) PutPool(pool *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[pool.Asset] = pool.Clone()
	return nil
}

func (m *mockEngineState) GetPosition(owner Account) (*UserPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[owner].Clone(), nil
}

func (m *mockEngineState) PutPosition(position *UserPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[position.Owner] = position.Clone()
	return nil
}

func (m *mockEngineState) Commit(pool *Pool, position *UserPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.pools[pool.Asset] = pool.Clone()
	m.positions[position.Owner] = position.Clone()
	m.commits++
	return nil
}

func (m *mockEngineState) pool(asset AssetID) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[asset].Clone()
}

func (m *mockEngineState) entry(owner Account, asset AssetID) AssetPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[owner].Lookup(asset)
}

var errInsufficientBalance = errors.New("custody: insufficient balance")

type mockCustody struct {
	mu        sync.Mutex
	balances  map[string]uint256.Int
	failNext  error
	transfers int
}

func newMockCustody() *mockCustody {
	return &mockCustody{balances: make(map[string]uint256.Int)}
}

func (c *mockCustody) key(account Account, asset AssetID) string {
	return string(asset) + "/" + string(account)
}

func (c *mockCustody) credit(account Account, asset AssetID, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	balance := c.balances[c.key(account, asset)]
	balance.Add(&balance, uint256.NewInt(amount))
	c.balances[c.key(account, asset)] = balance
}

func (c *mockCustody) balance(account Account, asset AssetID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	balance := c.balances[c.key(account, asset)]
	return balance.Uint64()
}

func (c *mockCustody) Transfer(_ context.Context, from, to Account, asset AssetID, amount uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	source := c.balances[c.key(from, asset)]
	if source.Lt(&amount) {
		return fmt.Errorf("%w: %s holds %s %s", errInsufficientBalance, from, source.Dec(), asset)
	}
	target := c.balances[c.key(to, asset)]
	source.Sub(&source, &amount)
	target.Add(&target, &amount)
	c.balances[c.key(from, asset)] = source
	c.balances[c.key(to, asset)] = target
	c.transfers++
	return nil
}

type mockOracle struct {
	mu     sync.Mutex
	prices map[AssetID]Price
	err    error
}

func newMockOracle() *mockOracle {
	return &mockOracle{prices: make(map[AssetID]Price)}
}

func (o *mockOracle) set(asset AssetID, usd string, at time.Time) {
	value, err := ParseWAD(usd)
	if err != nil {
		panic(err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = Price{Value: value, PublishedAt: at}
}

func (o *mockOracle) Price(_ context.Context, asset AssetID, _ time.Duration) (Price, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return Price{}, o.err
	}
	price, ok := o.prices[asset]
	if !ok {
		return Price{}, ErrPriceUnavailable
	}
	return price, nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturingRecorder struct {
	mu            sync.Mutex
	outcomes      map[string]int
	pools         map[string][2]uint64
	compensations []bool
}

func (r *capturingRecorder) ObserveOperation(operation, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[operation+"/"+outcome]++
}

func (r *capturingRecorder) ObservePool(asset string, deposited, borrowed *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[asset] = [2]uint64{deposited.Uint64(), borrowed.Uint64()}
}

func (r *capturingRecorder) ObserveCompensation(_ string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensations = append(r.compensations, ok)
}

type harness struct {
	engine   *Engine
	state    *mockEngineState
	custody  *mockCustody
	oracle   *mockOracle
	clock    *fixedClock
	recorder *capturingRecorder
}

const (
	assetSOL  AssetID = "SOL"
	assetUSDC AssetID = "USDC"
)

// newHarness lists SOL and USDC with zero decimals, a $1 price, an 80%
// liquidation threshold and a 5% annual rate.
func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := &harness{
		state:    newMockEngineState(),
		custody:  newMockCustody(),
		oracle:   newMockOracle(),
		clock:    clock,
		recorder: &capturingRecorder{
			outcomes: make(map[string]int),
			pools:    make(map[string][2]uint64),
		},
	}
	h.engine = NewEngine(h.state, h.custody, h.oracle)
	h.engine.SetClock(clock)
	h.engine.SetRecorder(h.recorder)
	for _, asset := range []AssetID{assetSOL, assetUSDC} {
		if _, err := h.engine.InitPool(context.Background(), asset, PoolParams{
			MaxLTVBps:               7_500,
			LiquidationThresholdBps: 8_000,
			LiquidationBonusBps:     500,
			InterestRate:            RateFromAnnualBps(DefaultAnnualRateBps),
		}); err != nil {
			t.Fatalf("init pool %s: %v", asset, err)
		}
		h.oracle.set(asset, "1", clock.Now())
	}
	return h
}

func (h *harness) open(t *testing.T, owner Account, funds map[AssetID]uint64) {
	t.Helper()
	if _, err := h.engine.InitPosition(context.Background(), owner); err != nil {
		t.Fatalf("init position %s: %v", owner, err)
	}
	for asset, amount := range funds {
		h.custody.credit(owner, asset, amount)
	}
}

func (h *harness) assertPoolInvariants(t *testing.T) {
	t.Helper()
	for _, asset := range []AssetID{assetSOL, assetUSDC} {
		if err := checkPoolInvariants(h.state.pool(asset)); err != nil {
			t.Fatalf("pool %s: %v", asset, err)
		}
	}
}

func u(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}
