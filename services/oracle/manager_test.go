package oracle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"lendingcore/native/lending"
	"lendingcore/services/oracle/storage"
)

type fakeSource struct {
	name  string
	quote Quote
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	_ = ctx
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quote, nil
}

type capturingPublisher struct {
	updates []Update
}

func (c *capturingPublisher) PublishOracleUpdate(ctx context.Context, update Update) error {
	_ = ctx
	c.updates = append(c.updates, update)
	return nil
}

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "oracle.db"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustWAD(value string) uint256.Int {
	parsed, err := lending.ParseWAD(value)
	if err != nil {
		panic(err)
	}
	return parsed
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	srcA := &fakeSource{name: "alpha", quote: Quote{Price: mustWAD("1.0"), Timestamp: now}}
	srcB := &fakeSource{name: "beta", quote: Quote{Price: mustWAD("1.2"), Timestamp: now.Add(-time.Second)}}
	srcC := &fakeSource{name: "gamma", quote: Quote{Price: mustWAD("1.4"), Timestamp: now}}

	publisher := &capturingPublisher{}
	mgr, err := New(store, []Source{srcA, srcB, srcC}, []string{"usdc"}, time.Second, time.Minute, 2,
		WithPublisher(publisher), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	snap, err := store.LatestSnapshot(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if got := lending.FormatWAD(snap.Median); got != "1.2" {
		t.Fatalf("unexpected median: %s", got)
	}
	if len(snap.Feeders) != 3 || snap.ProofID == "" || !snap.ObservedAt.Equal(now) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(publisher.updates) != 1 || publisher.updates[0].Asset != "USDC" {
		t.Fatalf("expected publisher to receive one USDC update, got %+v", publisher.updates)
	}
}

func TestManagerSkipsBadQuotes(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	sources := []Source{
		&fakeSource{name: "down", err: errors.New("timeout")},
		&fakeSource{name: "zero", quote: Quote{Timestamp: now}},
		&fakeSource{name: "future", quote: Quote{Price: mustWAD("9"), Timestamp: now.Add(time.Minute)}},
		&fakeSource{name: "expired", quote: Quote{Price: mustWAD("9"), Timestamp: now.Add(-time.Hour)}},
		&fakeSource{name: "good", quote: Quote{Price: mustWAD("150"), Timestamp: now}},
	}
	mgr, err := New(store, sources, []string{"SOL"}, time.Second, time.Minute, 2, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err == nil {
		t.Fatalf("expected insufficient feeds error")
	}
	if _, err := store.LatestSnapshot(context.Background(), "SOL"); !errors.Is(err, storage.ErrSnapshotNotFound) {
		t.Fatalf("expected no snapshot, got %v", err)
	}

	relaxed, err := New(store, sources, []string{"SOL"}, time.Second, time.Minute, 1, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := relaxed.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	obs, err := store.Latest(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if lending.FormatWAD(obs.Price) != "150" || obs.Feeders != 1 {
		t.Fatalf("unexpected observation %+v", obs)
	}
}

func TestComputeMedianEvenSet(t *testing.T) {
	median := computeMedian([]uint256.Int{*uint256.NewInt(3), *uint256.NewInt(1), *uint256.NewInt(5), *uint256.NewInt(7)})
	if median.Uint64() != 4 {
		t.Fatalf("expected 4, got %s", median.Dec())
	}
	median = computeMedian([]uint256.Int{*uint256.NewInt(2), *uint256.NewInt(5)})
	if median.Uint64() != 3 {
		t.Fatalf("expected floor average 3, got %s", median.Dec())
	}
	if got := computeMedian(nil); !got.IsZero() {
		t.Fatalf("expected zero median for empty set")
	}
}

func TestNewValidatesArguments(t *testing.T) {
	store := openStore(t)
	src := &fakeSource{name: "a"}
	if _, err := New(nil, []Source{src}, []string{"SOL"}, time.Second, 0, 0); err == nil {
		t.Fatalf("expected storage error")
	}
	if _, err := New(store, nil, []string{"SOL"}, time.Second, 0, 0); err == nil {
		t.Fatalf("expected sources error")
	}
	if _, err := New(store, []Source{src}, nil, time.Second, 0, 0); err == nil {
		t.Fatalf("expected assets error")
	}
	if _, err := New(store, []Source{src}, []string{"SOL"}, 0, 0, 0); err == nil {
		t.Fatalf("expected interval error")
	}
}

func TestManagerArchivesBeforePruning(t *testing.T) {
	store := openStore(t)
	archiveDir := filepath.Join(t.TempDir(), "archive")
	start := time.Unix(1_700_000_000, 0).UTC()
	now := start
	src := &fakeSource{name: "alpha", quote: Quote{Price: mustWAD("150"), Timestamp: start}}

	mgr, err := New(store, []Source{src}, []string{"SOL"}, time.Second, time.Minute, 1,
		WithClock(func() time.Time { return now }),
		WithRetention(time.Hour),
		WithArchiveDir(archiveDir))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	now = start.Add(2 * time.Hour)
	// The quote is now stale, so this tick fails but still prunes.
	_ = mgr.Tick(context.Background())

	remaining, err := store.SamplesBefore(context.Background(), now)
	if err != nil {
		t.Fatalf("samples before: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected archived samples pruned, %d left", len(remaining))
	}
	path := filepath.Join(archiveDir, fmt.Sprintf("samples-%d.parquet", now.Add(-time.Hour).Unix()))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected archive %s: %v", path, err)
	}
	if info.Size() == 0 {
		t.Fatalf("archive %s is empty", path)
	}
}

func TestProofIDIsOrderIndependent(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	a := proofID("sol", []string{"beta", "alpha"}, ts)
	b := proofID("SOL", []string{"alpha", "beta"}, ts)
	if a != b || len(a) != 64 {
		t.Fatalf("expected stable 32-byte proof id, got %s and %s", a, b)
	}
	if a == proofID("SOL", []string{"alpha"}, ts) {
		t.Fatalf("proof id must depend on feeders")
	}
}
