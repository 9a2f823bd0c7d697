package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendingcore/native/lending"
	"lendingcore/observability"
	"lendingcore/storage"
)

var (
	// ErrInsufficientBalance reports a custody overdraft. The engine surfaces
	// it wrapped in lending.ErrTransferFailed.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAccount      = errors.New("bank: invalid account")
)

var (
	balancePrefix = []byte("bank/balance/")
	genesisMarker = []byte("bank/genesis")
)

// Allocation credits an initial balance at genesis.
type Allocation struct {
	Account lending.Account
	Asset   lending.AssetID
	Amount  uint256.Int
}

// Ledger is a key-value backed custody book. It implements lending.Custody
// with per-asset treasury accounts.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

var _ lending.Custody = (*Ledger)(nil)

func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func balanceKey(account lending.Account, asset lending.AssetID) []byte {
	key := append([]byte(nil), balancePrefix...)
	key = append(key, asset.Normalize()...)
	key = append(key, '/')
	return append(key, account...)
}

// Balance returns the holdings of account in asset.
func (l *Ledger) Balance(account lending.Account, asset lending.AssetID) (uint256.Int, error) {
	if l == nil || l.db == nil {
		return uint256.Int{}, fmt.Errorf("bank: ledger unavailable")
	}
	return l.load(balanceKey(account, asset))
}

// Credit mints amount into account.
func (l *Ledger) Credit(account lending.Account, asset lending.AssetID, amount uint256.Int) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("bank: ledger unavailable")
	}
	if account == "" {
		return ErrInvalidAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey(account, asset)
	balance, err := l.load(key)
	if err != nil {
		return err
	}
	var next uint256.Int
	if _, overflow := next.AddOverflow(&balance, &amount); overflow {
		return fmt.Errorf("bank: credit %s %s overflows", account, asset)
	}
	encoded, err := encodeBalance(next)
	if err != nil {
		return err
	}
	return l.db.Put(key, encoded)
}

// Transfer debits from and credits to in one batch.
func (l *Ledger) Transfer(ctx context.Context, from, to lending.Account, asset lending.AssetID, amount uint256.Int) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("bank: ledger unavailable")
	}
	if from == "" || to == "" {
		return ErrInvalidAccount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.IsZero() || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fromKey, toKey := balanceKey(from, asset), balanceKey(to, asset)
	source, err := l.load(fromKey)
	if err != nil {
		return err
	}
	if source.Lt(&amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, source.Dec(), asset, amount.Dec())
	}
	target, err := l.load(toKey)
	if err != nil {
		return err
	}
	source.Sub(&source, &amount)
	if _, overflow := target.AddOverflow(&target, &amount); overflow {
		return fmt.Errorf("bank: credit %s %s overflows", to, asset)
	}
	encodedSource, err := encodeBalance(source)
	if err != nil {
		return err
	}
	encodedTarget, err := encodeBalance(target)
	if err != nil {
		return err
	}
	batch := l.db.NewBatch()
	batch.Put(fromKey, encodedSource)
	batch.Put(toKey, encodedTarget)
	if err := batch.Write(); err != nil {
		return err
	}
	observability.Events().RecordTransfer(string(asset))
	return nil
}

// Seed applies the genesis allocations once. It reports whether they were
// applied by this call. Balances and the genesis marker land in one batch, so
// a failed seed leaves nothing behind and can be retried.
func (l *Ledger) Seed(allocations []Allocation) (bool, error) {
	if l == nil || l.db == nil {
		return false, fmt.Errorf("bank: ledger unavailable")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seeded, err := l.db.Has(genesisMarker)
	if err != nil {
		return false, err
	}
	if seeded {
		return false, nil
	}
	balances := make(map[string]uint256.Int, len(allocations))
	order := make([]string, 0, len(allocations))
	for _, allocation := range allocations {
		if allocation.Account == "" {
			return false, fmt.Errorf("bank: genesis %s: %w", allocation.Asset, ErrInvalidAccount)
		}
		key := string(balanceKey(allocation.Account, allocation.Asset))
		balance, pending := balances[key]
		if !pending {
			if balance, err = l.load([]byte(key)); err != nil {
				return false, err
			}
			order = append(order, key)
		}
		if _, overflow := balance.AddOverflow(&balance, &allocation.Amount); overflow {
			return false, fmt.Errorf("bank: genesis %s/%s overflows", allocation.Account, allocation.Asset)
		}
		balances[key] = balance
	}
	batch := l.db.NewBatch()
	for _, key := range order {
		encoded, err := encodeBalance(balances[key])
		if err != nil {
			return false, err
		}
		batch.Put([]byte(key), encoded)
	}
	batch.Put(genesisMarker, []byte{1})
	if err := batch.Write(); err != nil {
		return false, fmt.Errorf("bank: write genesis: %w", err)
	}
	return true, nil
}

func (l *Ledger) load(key []byte) (uint256.Int, error) {
	data, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return uint256.Int{}, nil
	}
	if err != nil {
		return uint256.Int{}, fmt.Errorf("bank: load %s: %w", key, err)
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return uint256.Int{}, fmt.Errorf("bank: decode %s: %w", key, err)
	}
	var balance uint256.Int
	if overflow := balance.SetFromBig(value); overflow {
		return uint256.Int{}, fmt.Errorf("bank: balance %s exceeds 256 bits", key)
	}
	return balance, nil
}

func encodeBalance(balance uint256.Int) ([]byte, error) {
	return rlp.EncodeToBytes(balance.ToBig())
}
