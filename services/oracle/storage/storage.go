package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/holiman/uint256"

	"lendingcore/core/pricing"
)

// Storage persists raw oracle samples and aggregated snapshots in SQLite.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("oracle storage path must be configured")
	// ErrSnapshotNotFound is returned when an asset has never been aggregated.
	ErrSnapshotNotFound = errors.New("oracle snapshot not found")
)

var _ pricing.ObservationSource = (*Storage)(nil)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSample persists a raw quote returned by one source.
func (s *Storage) RecordSample(ctx context.Context, asset, source string, price uint256.Int, observed, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(asset, source, price_wad, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, assetKey(asset), strings.ToLower(source), price.Dec(), observed.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecordSnapshot stores the aggregated median for asset.
func (s *Storage) RecordSnapshot(ctx context.Context, snapshot Snapshot) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	recorded := snapshot.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(asset, median_wad, feeders, proof_id, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, assetKey(snapshot.Asset), snapshot.Median.Dec(), strings.Join(snapshot.Feeders, ","), snapshot.ProofID, snapshot.ObservedAt.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent aggregated median for asset.
func (s *Storage) LatestSnapshot(ctx context.Context, asset string) (Snapshot, error) {
	result := Snapshot{Asset: assetKey(asset)}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT median_wad, feeders, proof_id, observed_at, recorded_at
        FROM oracle_snapshots
        WHERE asset = ?
        ORDER BY id DESC
        LIMIT 1
    `, result.Asset)
	var (
		median   string
		feeders  string
		observed int64
	)
	if err := row.Scan(&median, &feeders, &result.ProofID, &observed, &result.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, fmt.Errorf("%w: %s", ErrSnapshotNotFound, result.Asset)
		}
		return result, fmt.Errorf("query snapshot: %w", err)
	}
	parsed, err := uint256.FromDecimal(median)
	if err != nil {
		return result, fmt.Errorf("decode median %q: %w", median, err)
	}
	result.Median = *parsed
	result.ObservedAt = time.Unix(observed, 0).UTC()
	if feeders != "" {
		result.Feeders = strings.Split(feeders, ",")
	}
	return result, nil
}

// Latest adapts LatestSnapshot to the pricing feed.
func (s *Storage) Latest(ctx context.Context, asset string) (pricing.Observation, error) {
	snapshot, err := s.LatestSnapshot(ctx, asset)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return pricing.Observation{}, fmt.Errorf("%w: %w", pricing.ErrNoObservation, err)
		}
		return pricing.Observation{}, err
	}
	return pricing.Observation{
		Asset:      snapshot.Asset,
		Price:      snapshot.Median,
		ObservedAt: snapshot.ObservedAt,
		Feeders:    len(snapshot.Feeders),
	}, nil
}

// PruneSamples removes raw samples recorded before cutoff.
func (s *Storage) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        DELETE FROM oracle_samples
        WHERE recorded_at < ?
    `, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return result.RowsAffected()
}

// Sample is one raw quote as recorded.
type Sample struct {
	Asset      string
	Source     string
	Price      uint256.Int
	ObservedAt time.Time
	RecordedAt time.Time
}

// SamplesBefore returns raw samples recorded before cutoff, oldest first.
func (s *Storage) SamplesBefore(ctx context.Context, cutoff time.Time) ([]Sample, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT asset, source, price_wad, observed_at, recorded_at
        FROM oracle_samples
        WHERE recorded_at < ?
        ORDER BY id ASC
    `, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	var samples []Sample
	for rows.Next() {
		var (
			sample   Sample
			price    string
			observed int64
		)
		if err := rows.Scan(&sample.Asset, &sample.Source, &price, &observed, &sample.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		parsed, err := uint256.FromDecimal(price)
		if err != nil {
			return nil, fmt.Errorf("decode sample price %q: %w", price, err)
		}
		sample.Price = *parsed
		sample.ObservedAt = time.Unix(observed, 0).UTC()
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// Snapshot captures the latest oracle aggregate for an asset in USD WAD.
type Snapshot struct {
	Asset      string
	Median     uint256.Int
	Feeders    []string
	ProofID    string
	ObservedAt time.Time
	RecordedAt time.Time
}

func assetKey(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    source TEXT NOT NULL,
    price_wad TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_asset_ts ON oracle_samples(asset, observed_at);

CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    median_wad TEXT NOT NULL,
    feeders TEXT NOT NULL,
    proof_id TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_snapshots_asset_ts ON oracle_snapshots(asset, observed_at);
`
