package server

import (
	"context"
	"sync"
	"time"

	"lendingcore/services/lending/engine"
)

type call struct {
	op     string
	owner  string
	asset  string
	amount string
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []call
	err   error
	panic bool
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) record(op, owner, asset, amount string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("boom")
	}
	f.calls = append(f.calls, call{op: op, owner: owner, asset: asset, amount: amount})
	return f.err
}

func (f *fakeEngine) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) lastCall() (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}, false
	}
	return f.calls[len(f.calls)-1], true
}

func (f *fakeEngine) InitPool(_ context.Context, req engine.PoolRequest) (engine.Pool, error) {
	if err := f.record("init_pool", "", req.Asset, ""); err != nil {
		return engine.Pool{}, err
	}
	return engine.Pool{Asset: req.Asset, Decimals: req.Decimals, MaxLTVBps: req.MaxLTVBps}, nil
}

func (f *fakeEngine) OpenPosition(_ context.Context, owner string) (engine.Position, error) {
	if err := f.record("open_position", owner, "", ""); err != nil {
		return engine.Position{}, err
	}
	return engine.Position{Owner: owner, CreatedAt: time.Unix(1_700_000_000, 0).UTC()}, nil
}

func (f *fakeEngine) receipt(op, owner, asset, amount string) (engine.Receipt, error) {
	if err := f.record(op, owner, asset, amount); err != nil {
		return engine.Receipt{}, err
	}
	return engine.Receipt{Operation: op, Owner: owner, Asset: asset, Amount: amount, Shares: amount}, nil
}

func (f *fakeEngine) Deposit(_ context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return f.receipt("deposit", owner, asset, amount)
}

func (f *fakeEngine) Borrow(_ context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return f.receipt("borrow", owner, asset, amount)
}

func (f *fakeEngine) Repay(_ context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return f.receipt("repay", owner, asset, amount)
}

func (f *fakeEngine) Withdraw(_ context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return f.receipt("withdraw", owner, asset, amount)
}

func (f *fakeEngine) GetPool(_ context.Context, asset string) (engine.Pool, error) {
	if err := f.record("get_pool", "", asset, ""); err != nil {
		return engine.Pool{}, err
	}
	return engine.Pool{Asset: asset, TotalDeposited: "0"}, nil
}

func (f *fakeEngine) ListPools(context.Context) ([]engine.Pool, error) {
	if err := f.record("list_pools", "", "", ""); err != nil {
		return nil, err
	}
	return []engine.Pool{{Asset: "SOL"}, {Asset: "USDC"}}, nil
}

func (f *fakeEngine) GetPosition(_ context.Context, owner string) (engine.Position, error) {
	if err := f.record("get_position", owner, "", ""); err != nil {
		return engine.Position{}, err
	}
	return engine.Position{Owner: owner}, nil
}

func (f *fakeEngine) GetHealth(_ context.Context, owner string) (engine.Health, error) {
	if err := f.record("get_health", owner, "", ""); err != nil {
		return engine.Health{}, err
	}
	return engine.Health{Owner: owner, Healthy: true}, nil
}
