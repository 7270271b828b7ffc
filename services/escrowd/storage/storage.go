// Package storage persists escrow records for the orchestration service. A
// record is indexed by the keyed claim hash; the capsule secret itself is
// never stored.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowlink/core/capsule"
	"escrowlink/native/escrow"
)

var (
	ErrNotFound  = errors.New("storage: escrow record not found")
	ErrDuplicate = errors.New("storage: escrow record already exists")
	// ErrCheckpoint is returned when a checkpoint is written out of order.
	ErrCheckpoint = errors.New("storage: checkpoint out of order")
)

// EscrowRecord is the off-ledger view of one escrow instance. Timestamps are
// the checkpoints written after each confirmed phase.
type EscrowRecord struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClaimHash          string    `gorm:"size:64;uniqueIndex;not null"`
	AppID              uint64    `gorm:"uniqueIndex;not null"`
	Creator            string    `gorm:"size:64;index;not null"`
	AuthorizedClaimer  string    `gorm:"size:64;uniqueIndex;not null"`
	AssetID            uint64    `gorm:"index;not null"`
	Amount             uint64    `gorm:"not null"`
	CoverRecipientFees bool
	Referrer           string            `gorm:"size:64"`
	Recipient          string            `gorm:"size:64"`
	Resolution         escrow.Resolution `gorm:"size:16"`
	DeployTxID         string            `gorm:"size:64"`
	FundTxID           string            `gorm:"size:64"`
	ResolveTxID        string            `gorm:"size:64"`
	CleanupTxID        string            `gorm:"size:64"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	FundedAt           *time.Time
	ResolvedAt         *time.Time
	CleanedUpAt        *time.Time
}

func (EscrowRecord) TableName() string { return "escrow_records" }

// BeforeCreate assigns the primary key.
func (r *EscrowRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r *EscrowRecord) Funded() bool    { return r.FundedAt != nil }
func (r *EscrowRecord) Resolved() bool  { return r.ResolvedAt != nil }
func (r *EscrowRecord) CleanedUp() bool { return r.CleanedUpAt != nil }

// Claimed and Reclaimed expose the resolution as the booleans the record
// schema has always carried.
func (r *EscrowRecord) Claimed() bool   { return r.Resolution == escrow.ResolutionClaimed }
func (r *EscrowRecord) Reclaimed() bool { return r.Resolution == escrow.ResolutionReclaimed }

// Store wraps the gorm handle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: nil database")
	}
	if err := db.AutoMigrate(&EscrowRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts the post-deployment checkpoint. A second record for the same
// contract, claim hash or authorized claimer fails with ErrDuplicate.
func (s *Store) Create(ctx context.Context, rec *EscrowRecord) error {
	if rec == nil || rec.AppID == 0 || rec.ClaimHash == "" || rec.AuthorizedClaimer == "" {
		return fmt.Errorf("storage: incomplete escrow record")
	}
	if _, err := capsule.ParseClaimHash(rec.ClaimHash); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: contract %d", ErrDuplicate, rec.AppID)
		}
		return fmt.Errorf("insert escrow record: %w", err)
	}
	return nil
}

// ByClaimHash returns the record indexed by hash.
func (s *Store) ByClaimHash(ctx context.Context, hash string) (*EscrowRecord, error) {
	return s.first(ctx, "claim_hash = ?", strings.ToLower(strings.TrimSpace(hash)))
}

// ByAppID returns the record of contract appID.
func (s *Store) ByAppID(ctx context.Context, appID uint64) (*EscrowRecord, error) {
	return s.first(ctx, "app_id = ?", appID)
}

func (s *Store) first(ctx context.Context, query string, arg any) (*EscrowRecord, error) {
	var rec EscrowRecord
	err := s.db.WithContext(ctx).Where(query, arg).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("query escrow record: %w", err)
	}
	return &rec, nil
}

// MarkFunded writes the post-funding checkpoint. Repeating it is a no-op.
func (s *Store) MarkFunded(ctx context.Context, appID uint64, txID string) error {
	return s.checkpoint(ctx, appID, func(rec *EscrowRecord) (map[string]any, error) {
		if rec.Funded() {
			return nil, nil
		}
		if rec.Resolved() || rec.CleanedUp() {
			return nil, fmt.Errorf("%w: contract %d is past funding", ErrCheckpoint, appID)
		}
		return map[string]any{"funded_at": s.now().UTC(), "fund_tx_id": txID}, nil
	})
}

// MarkResolved writes the post-resolution checkpoint.
func (s *Store) MarkResolved(ctx context.Context, appID uint64, resolution escrow.Resolution, recipient, txID string) error {
	if resolution == escrow.ResolutionNone || !resolution.Valid() {
		return fmt.Errorf("storage: invalid resolution %q", resolution)
	}
	return s.checkpoint(ctx, appID, func(rec *EscrowRecord) (map[string]any, error) {
		if rec.Resolved() {
			if rec.Resolution != resolution {
				return nil, fmt.Errorf("%w: contract %d already %s", ErrCheckpoint, appID, rec.Resolution)
			}
			return nil, nil
		}
		return map[string]any{
			"resolution":    resolution,
			"recipient":     recipient,
			"resolved_at":   s.now().UTC(),
			"resolve_tx_id": txID,
		}, nil
	})
}

// MarkCleanedUp writes the post-cleanup checkpoint.
func (s *Store) MarkCleanedUp(ctx context.Context, appID uint64, txID string) error {
	return s.checkpoint(ctx, appID, func(rec *EscrowRecord) (map[string]any, error) {
		if rec.CleanedUp() {
			return nil, nil
		}
		return map[string]any{"cleaned_up_at": s.now().UTC(), "cleanup_tx_id": txID}, nil
	})
}

func (s *Store) checkpoint(ctx context.Context, appID uint64, update func(*EscrowRecord) (map[string]any, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec EscrowRecord
		if err := tx.Where("app_id = ?", appID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load escrow record: %w", err)
		}
		fields, err := update(&rec)
		if err != nil || len(fields) == 0 {
			return err
		}
		if err := tx.Model(&rec).Updates(fields).Error; err != nil {
			return fmt.Errorf("update escrow record: %w", err)
		}
		return nil
	})
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
