package lending

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// Custody moves funds between accounts. It is the only way the engine
// touches balances outside the ledger.
type Custody interface {
	Transfer(ctx context.Context, from, to Account, asset AssetID, amount uint256.Int) error
}

// PriceOracle quotes USD prices. Quotes older than maxStaleness must be
// refused with ErrStalePrice.
type PriceOracle interface {
	Price(ctx context.Context, asset AssetID, maxStaleness time.Duration) (Price, error)
}

type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Recorder receives operation outcomes and pool totals.
type Recorder interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
	ObservePool(asset string, deposited, borrowed *uint256.Int)
	// ObserveCompensation reports a transfer reversed after a failed commit.
	ObserveCompensation(asset string, ok bool)
}

// State persists pools and positions. Getters return (nil, nil) for missing
// records and hand back copies the caller may mutate. Commit writes a pool
// and a position as one atomic batch.
type State interface {
	GetPool(asset AssetID) (*Pool, error)
	ListPools() ([]*Pool, error)
	PutPool(pool *Pool) error
	GetPosition(owner Account) (*UserPosition, error)
	PutPosition(position *UserPosition) error
	Commit(pool *Pool, position *UserPosition) error
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
