package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendingcore/native/lending"
	"lendingcore/storage"
)

var (
	poolPrefix     = []byte("lending/pool/")
	positionPrefix = []byte("lending/position/")
)

// Store persists lending pools and positions as RLP records in a key-value
// database. It implements lending.State.
type Store struct {
	db storage.Database
}

var _ lending.State = (*Store)(nil)

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedPool struct {
	Asset                     string
	TotalDeposited            *big.Int
	TotalDepositedShares      *big.Int
	TotalBorrowed             *big.Int
	TotalBorrowedShares       *big.Int
	InterestRate              *big.Int
	MaxLTVBps                 uint64
	LiquidationThresholdBps   uint64
	LiquidationBonusBps       uint64
	LiquidationCloseFactorBps uint64
	Decimals                  uint8
	CollateralAsset           string
	LastUpdated               uint64
}

type storedAssetPosition struct {
	Asset              string
	Deposited          *big.Int
	DepositedShares    *big.Int
	Borrowed           *big.Int
	BorrowedShares     *big.Int
	LastUpdatedDeposit uint64
	LastUpdatedBorrow  uint64
}

type storedPosition struct {
	Owner     string
	Assets    []storedAssetPosition
	CreatedAt uint64
}

func poolKey(asset lending.AssetID) []byte {
	return append(append([]byte(nil), poolPrefix...), asset...)
}

func positionKey(owner lending.Account) []byte {
	return append(append([]byte(nil), positionPrefix...), owner...)
}

func (s *Store) GetPool(asset lending.AssetID) (*lending.Pool, error) {
	if s == nil || s.db == nil {
		return nil, lending.ErrNilState
	}
	data, err := s.db.Get(poolKey(asset))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load pool %s: %w", asset, err)
	}
	return decodePool(data)
}

func (s *Store) ListPools() ([]*lending.Pool, error) {
	if s == nil || s.db == nil {
		return nil, lending.ErrNilState
	}
	keys, err := s.db.Keys(poolPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list pools: %w", err)
	}
	pools := make([]*lending.Pool, 0, len(keys))
	for _, key := range keys {
		data, err := s.db.Get(key)
		if err != nil {
			return nil, fmt.Errorf("ledger: load %s: %w", key, err)
		}
		pool, err := decodePool(data)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func (s *Store) PutPool(pool *lending.Pool) error {
	if s == nil || s.db == nil {
		return lending.ErrNilState
	}
	encoded, err := encodePool(pool)
	if err != nil {
		return err
	}
	return s.db.Put(poolKey(pool.Asset), encoded)
}

func (s *Store) GetPosition(owner lending.Account) (*lending.UserPosition, error) {
	if s == nil || s.db == nil {
		return nil, lending.ErrNilState
	}
	data, err := s.db.Get(positionKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load position %s: %w", owner, err)
	}
	return decodePosition(data)
}

func (s *Store) PutPosition(position *lending.UserPosition) error {
	if s == nil || s.db == nil {
		return lending.ErrNilState
	}
	encoded, err := encodePosition(position)
	if err != nil {
		return err
	}
	return s.db.Put(positionKey(position.Owner), encoded)
}

// Commit writes pool and position in a single batch.
func (s *Store) Commit(pool *lending.Pool, position *lending.UserPosition) error {
	if s == nil || s.db == nil {
		return lending.ErrNilState
	}
	encodedPool, err := encodePool(pool)
	if err != nil {
		return err
	}
	encodedPosition, err := encodePosition(position)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Put(poolKey(pool.Asset), encodedPool)
	batch.Put(positionKey(position.Owner), encodedPosition)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("ledger: commit %s/%s: %w", pool.Asset, position.Owner, err)
	}
	return nil
}

func encodePool(pool *lending.Pool) ([]byte, error) {
	if pool == nil {
		return nil, fmt.Errorf("ledger: nil pool")
	}
	encoded, err := rlp.EncodeToBytes(&storedPool{
		Asset:                     string(pool.Asset),
		TotalDeposited:            pool.TotalDeposited.ToBig(),
		TotalDepositedShares:      pool.TotalDepositedShares.ToBig(),
		TotalBorrowed:             pool.TotalBorrowed.ToBig(),
		TotalBorrowedShares:       pool.TotalBorrowedShares.ToBig(),
		InterestRate:              pool.InterestRate.ToBig(),
		MaxLTVBps:                 pool.MaxLTVBps,
		LiquidationThresholdBps:   pool.LiquidationThresholdBps,
		LiquidationBonusBps:       pool.LiquidationBonusBps,
		LiquidationCloseFactorBps: pool.LiquidationCloseFactorBps,
		Decimals:                  pool.Decimals,
		CollateralAsset:           string(pool.CollateralAsset),
		LastUpdated:               toUnix(pool.LastUpdated),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: encode pool %s: %w", pool.Asset, err)
	}
	return encoded, nil
}

func decodePool(data []byte) (*lending.Pool, error) {
	stored := new(storedPool)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("ledger: decode pool: %w", err)
	}
	pool := &lending.Pool{
		Asset:                     lending.AssetID(stored.Asset),
		MaxLTVBps:                 stored.MaxLTVBps,
		LiquidationThresholdBps:   stored.LiquidationThresholdBps,
		LiquidationBonusBps:       stored.LiquidationBonusBps,
		LiquidationCloseFactorBps: stored.LiquidationCloseFactorBps,
		Decimals:                  stored.Decimals,
		CollateralAsset:           lending.AssetID(stored.CollateralAsset),
		LastUpdated:               fromUnix(stored.LastUpdated),
	}
	fields := []struct {
		dst *uint256.Int
		src *big.Int
	}{
		{&pool.TotalDeposited, stored.TotalDeposited},
		{&pool.TotalDepositedShares, stored.TotalDepositedShares},
		{&pool.TotalBorrowed, stored.TotalBorrowed},
		{&pool.TotalBorrowedShares, stored.TotalBorrowedShares},
		{&pool.InterestRate, stored.InterestRate},
	}
	for _, field := range fields {
		if err := fromBig(field.dst, field.src); err != nil {
			return nil, fmt.Errorf("ledger: decode pool %s: %w", stored.Asset, err)
		}
	}
	return pool, nil
}

func encodePosition(position *lending.UserPosition) ([]byte, error) {
	if position == nil {
		return nil, fmt.Errorf("ledger: nil position")
	}
	stored := &storedPosition{
		Owner:     string(position.Owner),
		CreatedAt: toUnix(position.CreatedAt),
	}
	for _, asset := range position.SortedAssets() {
		entry := position.Assets[asset]
		if entry == nil {
			continue
		}
		stored.Assets = append(stored.Assets, storedAssetPosition{
			Asset:              string(asset),
			Deposited:          entry.Deposited.ToBig(),
			DepositedShares:    entry.DepositedShares.ToBig(),
			Borrowed:           entry.Borrowed.ToBig(),
			BorrowedShares:     entry.BorrowedShares.ToBig(),
			LastUpdatedDeposit: toUnix(entry.LastUpdatedDeposit),
			LastUpdatedBorrow:  toUnix(entry.LastUpdatedBorrow),
		})
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode position %s: %w", position.Owner, err)
	}
	return encoded, nil
}

func decodePosition(data []byte) (*lending.UserPosition, error) {
	stored := new(storedPosition)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("ledger: decode position: %w", err)
	}
	position := lending.NewUserPosition(lending.Account(stored.Owner), fromUnix(stored.CreatedAt))
	for _, record := range stored.Assets {
		entry := &lending.AssetPosition{
			LastUpdatedDeposit: fromUnix(record.LastUpdatedDeposit),
			LastUpdatedBorrow:  fromUnix(record.LastUpdatedBorrow),
		}
		fields := []struct {
			dst *uint256.Int
			src *big.Int
		}{
			{&entry.Deposited, record.Deposited},
			{&entry.DepositedShares, record.DepositedShares},
			{&entry.Borrowed, record.Borrowed},
			{&entry.BorrowedShares, record.BorrowedShares},
		}
		for _, field := range fields {
			if err := fromBig(field.dst, field.src); err != nil {
				return nil, fmt.Errorf("ledger: decode position %s/%s: %w", stored.Owner, record.Asset, err)
			}
		}
		position.Assets[lending.AssetID(record.Asset)] = entry
	}
	return position, nil
}

func fromBig(dst *uint256.Int, src *big.Int) error {
	if src == nil {
		dst.Clear()
		return nil
	}
	if overflow := dst.SetFromBig(src); overflow {
		return fmt.Errorf("value %s exceeds 256 bits", src)
	}
	return nil
}

func toUnix(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func fromUnix(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0).UTC()
}
