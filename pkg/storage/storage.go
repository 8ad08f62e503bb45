package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/types"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
)

// Database defines the interface for persisting credentials and usage.
type Database interface {
	// Credentials
	GetCredential(ctx context.Context, userID, providerID string) (types.CredentialRecord, error)
	SetCredential(ctx context.Context, rec types.CredentialRecord) error
	DeleteCredential(ctx context.Context, userID, providerID string) error

	// Usage
	// UpsertCurrentUsage replaces the single current row for the record's
	// user, provider and device.
	UpsertCurrentUsage(ctx context.Context, rec types.UsageRecord) error
	// UpsertUsageHistory replaces the history row for each record's user,
	// provider, device and day.
	UpsertUsageHistory(ctx context.Context, recs []types.UsageRecord) error
	// UpsertUsage writes every current record to the current table, then
	// every current record and every closed record to the history table, in
	// a single transaction. Either all rows are written or none are. Closed
	// records are written after current records.
	UpsertUsage(ctx context.Context, current, closed []types.UsageRecord) error
	GetCurrentUsage(ctx context.Context, userID string) ([]types.UsageRecord, error)
	// GetUsageHistory returns every history row for the user with a day on or
	// after sinceDay. Order is not guaranteed.
	GetUsageHistory(ctx context.Context, userID, sinceDay string) ([]types.UsageRecord, error)

	// Lifecycle
	Close() error
}

func validateRecords(recs []types.UsageRecord) error {
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, postgres, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sql := configuredSQL()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "postgres", "sqlite":
			sql.driver = *provider
			if err := sql.Validate(); err != nil {
				panic(fmt.Sprintf("sql validation failed: %v", err))
			}
			p.Database = sql
			if err := sql.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sql init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
