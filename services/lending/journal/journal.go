package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Outcomes recorded against each entry.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// DefaultHistoryLimit caps History when callers pass no limit.
const DefaultHistoryLimit = 50

const maxHistoryLimit = 500

// Entry is one attempted balance-changing operation.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID string    `gorm:"size:64;index" json:"requestId,omitempty"`
	Operation string    `gorm:"size:16;index" json:"operation"`
	Owner     string    `gorm:"size:128;index:idx_journal_owner_created" json:"owner"`
	Asset     string    `gorm:"size:32;index" json:"asset"`
	Amount    string    `gorm:"size:96" json:"amount"`
	Shares    string    `gorm:"size:96" json:"shares,omitempty"`
	Outcome   string    `gorm:"size:16;index" json:"outcome"`
	Error     string    `gorm:"size:512" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_journal_owner_created" json:"createdAt"`
}

// TableName pins the table name independent of the struct name.
func (Entry) TableName() string { return "lending_journal" }

// Journal stores operation history in a SQL database.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to driver ("postgres" or "sqlite") and migrates the schema.
func Open(driver, dsn string) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("journal dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(trimmed)
	case "sqlite", "":
		dialector = sqlite.Open(trimmed)
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: nil database")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends entry, assigning its id, request id and timestamp when unset.
func (j *Journal) Record(ctx context.Context, entry Entry) (Entry, error) {
	if j == nil || j.db == nil {
		return entry, errors.New("journal not configured")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetReqID(ctx)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = j.now().UTC()
	}
	if len(entry.Error) > 512 {
		entry.Error = entry.Error[:512]
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return entry, fmt.Errorf("journal: record %s: %w", entry.Operation, err)
	}
	return entry, nil
}

// History returns the newest entries for owner, most recent first.
func (j *Journal) History(ctx context.Context, owner string, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("journal not configured")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("owner = ?", strings.TrimSpace(owner)).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: history %s: %w", owner, err)
	}
	return entries, nil
}
