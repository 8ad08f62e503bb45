package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type credentialRow struct {
	UserID     string `gorm:"primaryKey;size:128"`
	ProviderID string `gorm:"primaryKey;size:64"`
	CipherText []byte
}

func (credentialRow) TableName() string { return "credentials" }

type usageCurrentRow struct {
	UserID        string `gorm:"primaryKey;size:128"`
	ProviderID    string `gorm:"primaryKey;size:64"`
	DeviceID      string `gorm:"primaryKey;size:128"`
	AccumulatedMs int64
	LastOnAt      *time.Time
	Day           string `gorm:"size:10"`
}

func (usageCurrentRow) TableName() string { return "usage_current" }

type usageHistoryRow struct {
	UserID        string `gorm:"primaryKey;size:128;index:idx_usage_history_user_day,priority:1"`
	ProviderID    string `gorm:"primaryKey;size:64"`
	DeviceID      string `gorm:"primaryKey;size:128"`
	Day           string `gorm:"primaryKey;size:10;index:idx_usage_history_user_day,priority:2"`
	AccumulatedMs int64
	LastOnAt      *time.Time
}

func (usageHistoryRow) TableName() string { return "usage_history" }

var (
	currentKey = []clause.Column{{Name: "user_id"}, {Name: "provider_id"}, {Name: "device_id"}}
	historyKey = []clause.Column{{Name: "user_id"}, {Name: "provider_id"}, {Name: "device_id"}, {Name: "day"}}
)

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// SQLProvider implements Database on top of gorm with either the postgres or
// sqlite driver.
type SQLProvider struct {
	db     *gorm.DB
	driver string
	dsn    string
}

// configuredSQL sets up the SQL provider.
// It registers flags for configuration.
func configuredSQL() *SQLProvider {
	dsn := lflag.String("sql-dsn", "", "DSN for the postgres or sqlite storage provider")

	s := &SQLProvider{}

	lflag.Do(func() {
		s.dsn = *dsn
	})

	return s
}

// NewSQL wraps an already opened gorm connection and migrates the schema.
func NewSQL(db *gorm.DB) (*SQLProvider, error) {
	s := &SQLProvider{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLProvider) Validate() error {
	if s.dsn == "" {
		return errors.New("sql-dsn is required")
	}
	return nil
}

// Init opens the connection and migrates the schema.
func (s *SQLProvider) Init(ctx context.Context) error {
	var dialector gorm.Dialector
	switch s.driver {
	case "postgres":
		dialector = postgres.Open(s.dsn)
	case "sqlite":
		dialector = sqlite.Open(s.dsn)
	default:
		return fmt.Errorf("unknown sql driver: %s", s.driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.driver, err)
	}
	s.db = db
	if err := s.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		return fmt.Errorf("failed to ping %s: %w", s.driver, err)
	}
	return s.migrate()
}

func (s *SQLProvider) migrate() error {
	if err := s.db.AutoMigrate(&credentialRow{}, &usageCurrentRow{}, &usageHistoryRow{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLProvider) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetCredential retrieves the encrypted credential for a provider.
func (s *SQLProvider) GetCredential(ctx context.Context, userID, providerID string) (types.CredentialRecord, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider_id = ?", userID, providerID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.CredentialRecord{}, ErrCredentialNotFound
	}
	if err != nil {
		return types.CredentialRecord{}, fmt.Errorf("failed to fetch credential: %w", err)
	}
	return types.CredentialRecord{
		UserID:     row.UserID,
		ProviderID: row.ProviderID,
		CipherText: row.CipherText,
	}, nil
}

// SetCredential creates or replaces the credential for a provider.
func (s *SQLProvider) SetCredential(ctx context.Context, rec types.CredentialRecord) error {
	if rec.UserID == "" || rec.ProviderID == "" {
		return fmt.Errorf("userID and providerID cannot be empty")
	}
	row := credentialRow{
		UserID:     rec.UserID,
		ProviderID: rec.ProviderID,
		CipherText: rec.CipherText,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cipher_text"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the credential for a provider.
func (s *SQLProvider) DeleteCredential(ctx context.Context, userID, providerID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider_id = ?", userID, providerID).
		Delete(&credentialRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func upsertCurrent(tx *gorm.DB, recs []types.UsageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]usageCurrentRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, usageCurrentRow{
			UserID:        rec.UserID,
			ProviderID:    rec.ProviderID,
			DeviceID:      rec.DeviceID,
			AccumulatedMs: rec.AccumulatedMs,
			LastOnAt:      utcPtr(rec.LastOnAt),
			Day:           rec.Day,
		})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   currentKey,
		DoUpdates: clause.AssignmentColumns([]string{"accumulated_ms", "last_on_at", "day"}),
	}).Create(&rows).Error
}

func upsertHistory(tx *gorm.DB, recs []types.UsageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]usageHistoryRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, usageHistoryRow{
			UserID:        rec.UserID,
			ProviderID:    rec.ProviderID,
			DeviceID:      rec.DeviceID,
			Day:           rec.Day,
			AccumulatedMs: rec.AccumulatedMs,
			LastOnAt:      utcPtr(rec.LastOnAt),
		})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   historyKey,
		DoUpdates: clause.AssignmentColumns([]string{"accumulated_ms", "last_on_at"}),
	}).Create(&rows).Error
}

// UpsertCurrentUsage replaces the current row for a device.
func (s *SQLProvider) UpsertCurrentUsage(ctx context.Context, rec types.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := upsertCurrent(s.db.WithContext(ctx), []types.UsageRecord{rec}); err != nil {
		return fmt.Errorf("failed to upsert current usage: %w", err)
	}
	return nil
}

// UpsertUsageHistory replaces the history row for each device and day.
func (s *SQLProvider) UpsertUsageHistory(ctx context.Context, recs []types.UsageRecord) error {
	if err := validateRecords(recs); err != nil {
		return err
	}
	if err := upsertHistory(s.db.WithContext(ctx), recs); err != nil {
		return fmt.Errorf("failed to upsert usage history: %w", err)
	}
	return nil
}

// UpsertUsage writes the current rows, the history rows for them and then the
// closed history rows in a single transaction.
func (s *SQLProvider) UpsertUsage(ctx context.Context, current, closed []types.UsageRecord) error {
	if len(current) == 0 && len(closed) == 0 {
		return nil
	}
	if err := validateRecords(current); err != nil {
		return err
	}
	if err := validateRecords(closed); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertCurrent(tx, current); err != nil {
			return err
		}
		if err := upsertHistory(tx, current); err != nil {
			return err
		}
		// separate statement: a closed row may share a key with a current row
		return upsertHistory(tx, closed)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert usage batch: %w", err)
	}
	return nil
}

// GetCurrentUsage returns every current row for the user.
func (s *SQLProvider) GetCurrentUsage(ctx context.Context, userID string) ([]types.UsageRecord, error) {
	var rows []usageCurrentRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch current usage: %w", err)
	}
	recs := make([]types.UsageRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, types.UsageRecord{
			UserID:        row.UserID,
			ProviderID:    row.ProviderID,
			DeviceID:      row.DeviceID,
			Day:           row.Day,
			AccumulatedMs: row.AccumulatedMs,
			LastOnAt:      utcPtr(row.LastOnAt),
		})
	}
	return recs, nil
}

// GetUsageHistory returns history rows with a day on or after sinceDay.
func (s *SQLProvider) GetUsageHistory(ctx context.Context, userID, sinceDay string) ([]types.UsageRecord, error) {
	var rows []usageHistoryRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND day >= ?", userID, sinceDay).
		Order("day").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch usage history: %w", err)
	}
	recs := make([]types.UsageRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, types.UsageRecord{
			UserID:        row.UserID,
			ProviderID:    row.ProviderID,
			DeviceID:      row.DeviceID,
			Day:           row.Day,
			AccumulatedMs: row.AccumulatedMs,
			LastOnAt:      utcPtr(row.LastOnAt),
		})
	}
	return recs, nil
}
