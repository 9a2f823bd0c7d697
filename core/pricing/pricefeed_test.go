package pricing

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"lendingcore/native/lending"
)

type fakeSource struct {
	observation Observation
	err         error
}

func (f *fakeSource) Latest(ctx context.Context, asset string) (Observation, error) {
	if f.err != nil {
		return Observation{}, f.err
	}
	obs := f.observation
	obs.Asset = asset
	return obs, nil
}

func fixedNow(now time.Time) Option {
	return WithClock(func() time.Time { return now })
}

func TestFeedPriceOK(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	source := &fakeSource{observation: Observation{
		Price:      *uint256.NewInt(150),
		ObservedAt: now.Add(-30 * time.Second),
		Feeders:    3,
	}}
	feed, err := NewFeed(source, fixedNow(now), WithMinFeeders(2))
	if err != nil {
		t.Fatalf("construct feed: %v", err)
	}
	quote, err := feed.Quote(context.Background(), "SOL", time.Minute)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Status != PriceStatusOK || quote.AgeSeconds != 30 {
		t.Fatalf("unexpected quote %+v", quote)
	}
	price, err := feed.Price(context.Background(), "SOL", time.Minute)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Value.Uint64() != 150 || !price.PublishedAt.Equal(now.Add(-30*time.Second)) {
		t.Fatalf("unexpected price %+v", price)
	}
}

func TestFeedPriceStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	source := &fakeSource{observation: Observation{
		Price:      *uint256.NewInt(1),
		ObservedAt: now.Add(-2 * time.Minute),
		Feeders:    1,
	}}
	feed, err := NewFeed(source, fixedNow(now))
	if err != nil {
		t.Fatalf("construct feed: %v", err)
	}
	quote, err := feed.Quote(context.Background(), "USDC", time.Minute)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Status != PriceStatusStale {
		t.Fatalf("expected stale status, got %s", quote.Status)
	}
	if _, err := feed.Price(context.Background(), "USDC", time.Minute); !errors.Is(err, lending.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	// A zero window disables the freshness guard.
	if _, err := feed.Price(context.Background(), "USDC", 0); err != nil {
		t.Fatalf("expected unguarded price, got %v", err)
	}
}

func TestFeedPriceThin(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	source := &fakeSource{observation: Observation{
		Price:      *uint256.NewInt(1),
		ObservedAt: now,
		Feeders:    1,
	}}
	feed, err := NewFeed(source, fixedNow(now), WithMinFeeders(2))
	if err != nil {
		t.Fatalf("construct feed: %v", err)
	}
	if _, err := feed.Price(context.Background(), "USDC", time.Minute); !errors.Is(err, lending.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestFeedPriceUnavailable(t *testing.T) {
	feed, err := NewFeed(&fakeSource{err: ErrNoObservation})
	if err != nil {
		t.Fatalf("construct feed: %v", err)
	}
	_, err = feed.Price(context.Background(), "SOL", time.Minute)
	if !errors.Is(err, lending.ErrPriceUnavailable) || !errors.Is(err, ErrNoObservation) {
		t.Fatalf("expected wrapped ErrNoObservation, got %v", err)
	}

	zero, err := NewFeed(&fakeSource{observation: Observation{ObservedAt: time.Now()}})
	if err != nil {
		t.Fatalf("construct feed: %v", err)
	}
	if _, err := zero.Price(context.Background(), "SOL", time.Minute); !errors.Is(err, lending.ErrPriceUnavailable) {
		t.Fatalf("expected zero price to be unavailable, got %v", err)
	}
	if _, err := NewFeed(nil); err == nil {
		t.Fatalf("expected nil source to be rejected")
	}
}

func TestComputeAgeSeconds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if got := computeAgeSeconds(now.Add(time.Second), now); got != 0 {
		t.Fatalf("future observation should be age 0, got %d", got)
	}
	if got := computeAgeSeconds(time.Time{}, now); got != math.MaxUint32 {
		t.Fatalf("zero observation should saturate, got %d", got)
	}
	if got := computeAgeSeconds(now.Add(-90*time.Second), now); got != 90 {
		t.Fatalf("expected 90, got %d", got)
	}
}
