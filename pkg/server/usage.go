package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
	"github.com/plugwatch/plugwatch/pkg/usage"
)

type liveUsageResponse struct {
	Day   string                `json:"day"`
	Usage []types.UsageSnapshot `json:"usage"`
}

func (s *Server) liveUsage(userID string) liveUsageResponse {
	snaps := s.tracker.Snapshot(userID)
	if snaps == nil {
		snaps = []types.UsageSnapshot{}
	}
	return liveUsageResponse{Day: s.tracker.Today(), Usage: snaps}
}

// handleLiveUsage starts polling for the user if needed and returns the
// in-memory usage.
func (s *Server) handleLiveUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)
	if err := s.poller.Watch(ctx, userID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to start watching user", slog.Any("error", err))
	}
	writeJSON(w, s.liveUsage(userID))
}

// handleSyncUsage merges usage reported by a client that tracked devices
// while offline.
func (s *Server) handleSyncUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, ok := s.providerID(w, r)
	if !ok {
		return
	}
	userID := s.getUserID(r)

	var req struct {
		Usage []types.UsageRecord `json:"usage"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	// restore first so the merge compares against the persisted total
	if err := s.poller.Watch(ctx, userID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore usage before sync", slog.Any("error", err))
		writeJSONError(w, "usage temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := s.tracker.Merge(ctx, userID, providerID, req.Usage); err != nil {
		if errors.Is(err, types.ErrPersistenceUnavailable) {
			log.Ctx(ctx).WarnContext(ctx, "failed to read stored usage for sync", slog.Any("error", err))
			writeJSONError(w, "usage temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		log.Ctx(ctx).WarnContext(ctx, "rejected usage sync", slog.Any("error", err))
		msg := "invalid usage"
		if errors.Is(err, usage.ErrFutureDay) {
			msg = "usage reported for a future day"
		}
		writeJSONError(w, msg, http.StatusBadRequest)
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "merged usage", slog.String("providerID", providerID), slog.Int("records", len(req.Usage)))
	writeJSON(w, s.liveUsage(userID))
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	today, err := time.Parse(types.DayFormat, s.tracker.Today())
	if err != nil {
		panic(err)
	}
	since := today.AddDate(0, 0, -(s.historyDays - 1)).Format(types.DayFormat)
	if v := r.URL.Query().Get("since"); v != "" {
		if _, err := time.Parse(types.DayFormat, v); err != nil {
			writeJSONError(w, "since must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		since = v
	}

	recs, err := s.storage.GetUsageHistory(ctx, userID, since)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get usage history", slog.Any("error", err))
		writeJSONError(w, "usage history unavailable", http.StatusServiceUnavailable)
		return
	}
	if recs == nil {
		recs = []types.UsageRecord{}
	}
	writeJSON(w, struct {
		Since   string              `json:"since"`
		History []types.UsageRecord `json:"history"`
	}{since, recs})
}
