package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"lendingcore/observability"
	"lendingcore/services/oracle/storage"
)

// futureSkew bounds how far ahead of the local clock a quote may be stamped.
const futureSkew = 5 * time.Second

// Quote is a USD price in WAD returned by one upstream source.
type Quote struct {
	Price     uint256.Int
	Timestamp time.Time
}

// Source resolves a USD price quote for an asset.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Quote, error)
}

// Publisher receives every aggregated update after it has been stored.
type Publisher interface {
	PublishOracleUpdate(ctx context.Context, update Update) error
}

// Update models one aggregated median.
type Update struct {
	Asset   string
	Median  uint256.Int
	Feeders []string
	ProofID string
	Time    time.Time
}

// Manager orchestrates periodic aggregation across configured sources.
type Manager struct {
	logger    *slog.Logger
	storage   *storage.Storage
	sources   []Source
	assets    []string
	minFeeds  int
	maxAge    time.Duration
	interval  time.Duration
	retention time.Duration
	archive   string
	now       func() time.Time
	publisher Publisher
	once      sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithPublisher overrides the default publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithClock overrides the clock used to stamp and age quotes.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRetention prunes raw samples older than d after each tick.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		m.retention = d
	}
}

// WithArchiveDir writes samples to a parquet file in dir before they are
// pruned. Samples are kept when archiving fails.
func WithArchiveDir(dir string) Option {
	return func(m *Manager) {
		m.archive = strings.TrimSpace(dir)
	}
}

// New constructs a manager instance.
func New(store *storage.Storage, sources []Source, assets []string, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one asset required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		storage:  store,
		sources:  append([]Source{}, sources...),
		assets:   append([]string{}, assets...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.publisher == nil {
		mgr.publisher = PublisherFunc(func(context.Context, Update) error { return nil })
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	if mgr.now == nil {
		mgr.now = time.Now
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "assets", len(m.assets))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured assets. Every
// asset is attempted; the first failure is returned.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var firstErr error
	for _, asset := range m.assets {
		if err := m.processAsset(ctx, asset); err != nil {
			observability.Oracle().RecordError(asset)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if m.retention > 0 {
		m.prune(ctx, m.now().Add(-m.retention))
	}
	return firstErr
}

func (m *Manager) prune(ctx context.Context, cutoff time.Time) {
	if m.archive != "" {
		samples, err := m.storage.SamplesBefore(ctx, cutoff)
		if err != nil {
			m.logger.Warn("load oracle samples for archive", "error", err)
			return
		}
		if len(samples) > 0 {
			path, err := WriteArchive(m.archive, cutoff, samples)
			if err != nil {
				m.logger.Warn("archive oracle samples", "error", err)
				return
			}
			m.logger.Info("archived oracle samples", "path", path, "rows", len(samples))
		}
	}
	if _, err := m.storage.PruneSamples(ctx, cutoff); err != nil {
		m.logger.Warn("prune oracle samples", "error", err)
	}
}

func (m *Manager) processAsset(ctx context.Context, asset string) error {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return fmt.Errorf("invalid asset configuration")
	}
	now := m.now()
	prices := make([]uint256.Int, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	var newest time.Time
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		logger := m.logger.With("source", src.Name(), "asset", asset)
		quote, err := src.Fetch(ctx, asset)
		if err != nil {
			logger.Warn("oracle source failed", "error", err)
			continue
		}
		if quote.Price.IsZero() {
			logger.Warn("oracle source returned zero price")
			continue
		}
		if quote.Timestamp.After(now.Add(futureSkew)) {
			logger.Warn("oracle source produced future timestamp", "timestamp", quote.Timestamp)
			continue
		}
		if quote.Timestamp.Before(now.Add(-m.maxAge)) {
			logger.Warn("oracle source quote expired", "timestamp", quote.Timestamp)
			continue
		}
		feeders = append(feeders, src.Name())
		prices = append(prices, quote.Price)
		if quote.Timestamp.After(newest) {
			newest = quote.Timestamp
		}
		if err := m.storage.RecordSample(ctx, asset, src.Name(), quote.Price, quote.Timestamp, now); err != nil {
			logger.Warn("record oracle sample", "error", err)
		}
	}
	if len(prices) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s: %d of %d", asset, len(prices), m.minFeeds)
	}
	median := computeMedian(prices)
	if median.IsZero() {
		return fmt.Errorf("median computation failed for %s", asset)
	}
	proof := proofID(asset, feeders, now)
	snapshot := storage.Snapshot{
		Asset:      asset,
		Median:     median,
		Feeders:    feeders,
		ProofID:    proof,
		ObservedAt: newest,
		RecordedAt: now,
	}
	if err := m.storage.RecordSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	observability.Oracle().RecordPrice(asset, median.ToBig())
	observability.Oracle().RecordFreshness(asset, now.Sub(newest))
	update := Update{Asset: asset, Median: median, Feeders: feeders, ProofID: proof, Time: newest}
	if err := m.publisher.PublishOracleUpdate(ctx, update); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// computeMedian returns the middle price, averaging (rounded down) the two
// middle prices of an even set.
func computeMedian(prices []uint256.Int) uint256.Int {
	var median uint256.Int
	if len(prices) == 0 {
		return median
	}
	sorted := append([]uint256.Int{}, prices...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Lt(&sorted[j])
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	// Halve before adding so the sum cannot overflow.
	lo := new(uint256.Int).Rsh(&sorted[mid-1], 1)
	hi := new(uint256.Int).Rsh(&sorted[mid], 1)
	median.Add(lo, hi)
	if sorted[mid-1].Uint64()&1 == 1 && sorted[mid].Uint64()&1 == 1 {
		median.AddUint64(&median, 1)
	}
	return median
}

func proofID(asset string, feeders []string, ts time.Time) string {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(strings.TrimSpace(asset)))
	buf.WriteString("/USD")
	buf.WriteString(ts.UTC().Format(time.RFC3339Nano))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		buf.WriteString(strings.ToLower(strings.TrimSpace(f)))
	}
	digest := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(digest[:])
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, update Update) error

// PublishOracleUpdate implements Publisher.
func (f PublisherFunc) PublishOracleUpdate(ctx context.Context, update Update) error {
	if f == nil {
		return nil
	}
	return f(ctx, update)
}
