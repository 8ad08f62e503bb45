package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/storage"
	"github.com/plugwatch/plugwatch/pkg/types"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	userID := lflag.String("seed-user", "local", "User to seed usage history for")
	providerID := lflag.String("seed-provider", "smartthings", "Provider the seeded devices belong to")
	days := lflag.Int("seed-days", 14, "Number of days of history to seed, ending today")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock usage", slog.String("userID", *userID), slog.Int("days", *days))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// typical hours per day each plug is on
	devices := map[string]float64{
		"space-heater": 4,
		"tv":           5,
		"aquarium":     24,
		"dehumidifier": 8,
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	var recs []types.UsageRecord
	for d := *days - 1; d >= 0; d-- {
		day := today.AddDate(0, 0, -d)
		for deviceID, hours := range devices {
			// jitter +/- 25%
			h := hours * (0.75 + rng.Float64()*0.5)
			ms := int64(h * float64(time.Hour/time.Millisecond))
			if limit := int64(24 * time.Hour / time.Millisecond); ms > limit {
				ms = limit
			}
			recs = append(recs, types.UsageRecord{
				UserID:        *userID,
				ProviderID:    *providerID,
				DeviceID:      deviceID,
				Day:           day.Format(types.DayFormat),
				AccumulatedMs: ms,
			})
		}
	}

	if err := s.UpsertUsageHistory(ctx, recs); err != nil {
		panic(fmt.Errorf("failed to seed usage history: %w", err))
	}

	// today's totals double as the current rows so the tracker restores them
	var current int
	for _, rec := range recs {
		if rec.Day != today.Format(types.DayFormat) {
			continue
		}
		if err := s.UpsertCurrentUsage(ctx, rec); err != nil {
			panic(fmt.Errorf("failed to seed current usage: %w", err))
		}
		current++
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock usage", slog.Int("history", len(recs)), slog.Int("current", current))
}
