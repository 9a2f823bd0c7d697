package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"

	"lendingcore/native/lending"
)

// ErrNoObservation is returned by sources that have never seen the asset.
var ErrNoObservation = errors.New("pricing: no observation")

// PriceStatus captures the health classification assigned to an oracle quote.
type PriceStatus string

const (
	// PriceStatusOK indicates the quote passed all configured guardrails.
	PriceStatusOK PriceStatus = "ok"
	// PriceStatusStale signals the quote exceeded the configured freshness window.
	PriceStatusStale PriceStatus = "stale"
	// PriceStatusThin signals fewer feeders than required contributed to the quote.
	PriceStatusThin PriceStatus = "thin"
)

// Observation is an aggregated USD price for one whole unit of an asset.
type Observation struct {
	Asset      string
	Price      uint256.Int
	ObservedAt time.Time
	Feeders    int
}

// ObservationSource resolves the latest aggregated observation for an asset.
type ObservationSource interface {
	Latest(ctx context.Context, asset string) (Observation, error)
}

// Quote summarises a guarded observation.
type Quote struct {
	Price      uint256.Int
	ObservedAt time.Time
	// AgeSeconds reports how old the observation is relative to the feed clock.
	AgeSeconds uint32
	Status     PriceStatus
}

// Feed applies freshness and feeder guards to an observation source. It
// implements lending.PriceOracle.
type Feed struct {
	source     ObservationSource
	now        func() time.Time
	minFeeders int
}

var _ lending.PriceOracle = (*Feed)(nil)

// Option configures a Feed.
type Option func(*Feed)

// WithClock overrides the wall clock used to age observations.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// WithMinFeeders marks observations backed by fewer feeders as thin.
func WithMinFeeders(n int) Option {
	return func(f *Feed) {
		f.minFeeders = n
	}
}

// NewFeed constructs a guarded feed over source.
func NewFeed(source ObservationSource, opts ...Option) (*Feed, error) {
	if source == nil {
		return nil, fmt.Errorf("pricing: source required")
	}
	feed := &Feed{source: source, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(feed)
		}
	}
	return feed, nil
}

// Quote resolves the guarded quote for asset.
func (f *Feed) Quote(ctx context.Context, asset string, maxAge time.Duration) (Quote, error) {
	if f == nil || f.source == nil {
		return Quote{}, fmt.Errorf("pricing: feed not initialised")
	}
	observation, err := f.source.Latest(ctx, asset)
	if err != nil {
		return Quote{}, err
	}
	if observation.Price.IsZero() {
		return Quote{}, fmt.Errorf("pricing: invalid oracle price for %s", asset)
	}
	observedAt := observation.ObservedAt.UTC()
	quote := Quote{
		Price:      observation.Price,
		ObservedAt: observedAt,
		AgeSeconds: computeAgeSeconds(observedAt, f.now()),
		Status:     PriceStatusOK,
	}
	if maxAge > 0 && (observedAt.IsZero() || time.Duration(quote.AgeSeconds)*time.Second > maxAge) {
		quote.Status = PriceStatusStale
	} else if f.minFeeders > 0 && observation.Feeders < f.minFeeders {
		quote.Status = PriceStatusThin
	}
	return quote, nil
}

// Price returns the USD price of asset for the lending engine. Stale and thin
// quotes are refused.
func (f *Feed) Price(ctx context.Context, asset lending.AssetID, maxStaleness time.Duration) (lending.Price, error) {
	quote, err := f.Quote(ctx, string(asset), maxStaleness)
	if err != nil {
		return lending.Price{}, fmt.Errorf("%w: %w", lending.ErrPriceUnavailable, err)
	}
	switch quote.Status {
	case PriceStatusStale:
		return lending.Price{}, fmt.Errorf("%w: %s observed %ds ago", lending.ErrStalePrice, asset, quote.AgeSeconds)
	case PriceStatusThin:
		return lending.Price{}, fmt.Errorf("%w: %s has too few feeders", lending.ErrPriceUnavailable, asset)
	}
	return lending.Price{Value: quote.Price, PublishedAt: quote.ObservedAt}, nil
}

func computeAgeSeconds(observed, now time.Time) uint32 {
	if observed.IsZero() || now.IsZero() {
		return math.MaxUint32
	}
	observed = observed.UTC()
	now = now.UTC()
	if observed.After(now) {
		return 0
	}
	seconds := now.Sub(observed) / time.Second
	if seconds > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(seconds)
}
