package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plugwatch/plugwatch/pkg/clock"
	"github.com/plugwatch/plugwatch/pkg/storage/storagemock"
	"github.com/plugwatch/plugwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a types.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type batches struct {
	mu      sync.Mutex
	current [][]types.UsageRecord
	history [][]types.UsageRecord
}

func (b *batches) lastCurrent(deviceID string) (types.UsageRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.current) - 1; i >= 0; i-- {
		for _, rec := range b.current[i] {
			if rec.DeviceID == deviceID {
				return rec, true
			}
		}
	}
	return types.UsageRecord{}, false
}

func (b *batches) allHistory() []types.UsageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.UsageRecord
	for _, h := range b.history {
		out = append(out, h...)
	}
	return out
}

// recordingDB records every batch and serves the closed rows back as stored
// history.
func recordingDB(b *batches) *storagemock.MockDatabase {
	db := &storagemock.MockDatabase{}
	db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		b.mu.Lock()
		b.current = append(b.current, args.Get(1).([]types.UsageRecord))
		b.history = append(b.history, args.Get(2).([]types.UsageRecord))
		b.mu.Unlock()
	}).Return(nil)
	db.On("GetUsageHistory", mock.Anything, mock.Anything, mock.Anything).Return(
		func(_ context.Context, userID, sinceDay string) ([]types.UsageRecord, error) {
			var out []types.UsageRecord
			for _, h := range b.allHistory() {
				if h.UserID == userID && h.Day >= sinceDay {
					out = append(out, h)
				}
			}
			return out, nil
		},
		nil,
	)
	return db
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func plug(id string) Key {
	return Key{UserID: "u1", ProviderID: "smartthings", DeviceID: id}
}

func TestTrackerScenario(t *testing.T) {
	b := &batches{}
	clk := clock.NewMock(t0)
	tr := New(recordingDB(b), nil, clk, Options{})
	ctx := t.Context()

	tr.Observe(ctx, plug("p1"), ptr(false))
	clk.Advance(10 * time.Second)
	tr.Observe(ctx, plug("p1"), ptr(true))
	clk.Advance(120 * time.Second)

	rec, ok := b.lastCurrent("p1")
	require.True(t, ok)
	require.NotNil(t, rec.LastOnAt, "open period is persisted")
	assert.Equal(t, t0.Add(10*time.Second), *rec.LastOnAt)

	snap := tr.Observe(ctx, plug("p1"), ptr(false))
	assert.Equal(t, int64(120000), snap.AccumulatedMs)
	assert.False(t, snap.IsOn)
	assert.Nil(t, snap.LastOnAt)

	clk.Advance(2 * time.Second)
	rec, ok = b.lastCurrent("p1")
	require.True(t, ok)
	assert.Equal(t, int64(120000), rec.AccumulatedMs)
	assert.Nil(t, rec.LastOnAt)
	assert.Equal(t, "2025-03-01", rec.Day)
	assert.Equal(t, "u1", rec.UserID)
}

func TestTrackerDebounce(t *testing.T) {
	b := &batches{}
	db := recordingDB(b)
	clk := clock.NewMock(t0)
	tr := New(db, nil, clk, Options{Debounce: 1500 * time.Millisecond})
	ctx := t.Context()

	for i := 0; i < 6; i++ {
		tr.Observe(ctx, plug("p1"), ptr(i%2 == 0))
		tr.Observe(ctx, plug("p2"), ptr(true))
		clk.Advance(time.Second)
	}
	db.AssertNumberOfCalls(t, "UpsertUsage", 0)

	clk.Advance(500 * time.Millisecond)
	db.AssertNumberOfCalls(t, "UpsertUsage", 1)
	require.Len(t, b.current, 1)
	assert.Len(t, b.current[0], 2, "one row per dirty device")

	t.Run("No Change No Write", func(t *testing.T) {
		tr.Observe(ctx, plug("p2"), ptr(true))
		clk.Advance(time.Minute)
		db.AssertNumberOfCalls(t, "UpsertUsage", 1)
	})
}

func TestTrackerFlushFailure(t *testing.T) {
	db := &storagemock.MockDatabase{}
	var saved []types.UsageRecord
	db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("unavailable")).Once()
	db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).([]types.UsageRecord)
	}).Return(nil)

	clk := clock.NewMock(t0)
	tr := New(db, nil, clk, Options{RetryDelay: 30 * time.Second})
	ctx := t.Context()

	tr.Observe(ctx, plug("p1"), ptr(true))
	clk.Advance(2 * time.Second)
	db.AssertNumberOfCalls(t, "UpsertUsage", 1)

	// accumulation continues in memory while the store is down
	tr.Observe(ctx, plug("p1"), ptr(false))
	snap := tr.Snapshot("u1")
	require.Len(t, snap, 1)
	assert.Equal(t, int64(2000), snap[0].AccumulatedMs)

	clk.Advance(2 * time.Second)
	db.AssertNumberOfCalls(t, "UpsertUsage", 2)
	require.Len(t, saved, 1)
	assert.Equal(t, int64(2000), saved[0].AccumulatedMs)

	t.Run("Manual Flush Error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("unavailable"))
		tr := New(db, nil, clock.NewMock(t0), Options{})
		tr.Observe(ctx, plug("p1"), ptr(true))

		err := tr.Flush(ctx)
		assert.ErrorIs(t, err, types.ErrPersistenceUnavailable)
		assert.ErrorContains(t, err, "unavailable")

		err = tr.Flush(ctx)
		assert.ErrorIs(t, err, types.ErrPersistenceUnavailable, "the batch is retried wholesale")
	})
}

func TestTrackerDayRollover(t *testing.T) {
	b := &batches{}
	start := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	tr := New(recordingDB(b), nil, clk, Options{})
	ctx := t.Context()

	tr.Observe(ctx, plug("p1"), ptr(true))
	clk.Advance(30 * time.Minute)
	tr.Observe(ctx, plug("p1"), ptr(false))
	tr.Observe(ctx, plug("p1"), ptr(true))
	clk.Advance(time.Hour)

	for i := 0; i < 5; i++ {
		snap := tr.Observe(ctx, plug("p1"), ptr(true))
		assert.Equal(t, "2025-03-02", snap.Day)
		assert.Equal(t, int64(0), snap.AccumulatedMs)
		clk.Advance(time.Second)
	}

	snaps := tr.Snapshot("u1")
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(0), snaps[0].AccumulatedMs, "reset happens once")
	assert.Equal(t, int64(5000), snaps[0].LiveMs)

	clk.Advance(2 * time.Second)
	var closed []types.UsageRecord
	for _, h := range b.allHistory() {
		if h.Day == "2025-03-01" {
			closed = append(closed, h)
		}
	}
	require.Len(t, closed, 1, "previous day gets exactly one final history row")
	assert.Equal(t, int64(30*60*1000), closed[0].AccumulatedMs)

	rec, ok := b.lastCurrent("p1")
	require.True(t, ok)
	assert.Equal(t, "2025-03-02", rec.Day)
	assert.Equal(t, int64(0), rec.AccumulatedMs)
}

func TestTrackerAlerts(t *testing.T) {
	n := &recordingNotifier{}
	clk := clock.NewMock(t0)
	tr := New(recordingDB(&batches{}), n, clk, Options{Threshold: 2 * time.Hour})
	ctx := t.Context()

	tr.Observe(ctx, plug("p1"), ptr(true))
	for i := 0; i < 10; i++ {
		clk.Advance(30 * time.Minute)
		tr.Observe(ctx, plug("p1"), ptr(true))
	}
	require.Equal(t, 1, n.count())
	a := n.alerts[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "p1", a.DeviceID)
	assert.Equal(t, int64(2*time.Hour/time.Millisecond), a.ThresholdMs)
	assert.GreaterOrEqual(t, a.LiveMs, a.ThresholdMs)

	tr.Observe(ctx, plug("p1"), ptr(false))
	clk.Advance(time.Minute)
	tr.Observe(ctx, plug("p1"), ptr(true))
	assert.Equal(t, 2, n.count(), "new on-period alerts again")

	t.Run("Disabled", func(t *testing.T) {
		n := &recordingNotifier{}
		clk := clock.NewMock(t0)
		tr := New(recordingDB(&batches{}), n, clk, Options{Threshold: -1})
		tr.Observe(ctx, plug("p1"), ptr(true))
		clk.Advance(10 * time.Hour)
		tr.Observe(ctx, plug("p1"), ptr(true))
		assert.Equal(t, 0, n.count())
	})
}

func TestTrackerRestore(t *testing.T) {
	on := t0.Add(-10 * time.Minute)
	db := recordingDB(&batches{})
	db.On("GetCurrentUsage", mock.Anything, "u1").Return([]types.UsageRecord{
		{UserID: "u1", ProviderID: "smartthings", DeviceID: "p1", Day: "2025-03-01", AccumulatedMs: 60000, LastOnAt: &on},
		{UserID: "u1", ProviderID: "smartthings", DeviceID: "p2", Day: "2025-03-01", AccumulatedMs: 5000},
		{UserID: "u1", ProviderID: "smartthings", DeviceID: "p3", Day: "2025-02-28", AccumulatedMs: 99999},
	}, nil)

	clk := clock.NewMock(t0)
	tr := New(db, nil, clk, Options{})
	ctx := t.Context()

	tr.Observe(ctx, plug("p2"), ptr(true))

	n, err := tr.Restore(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale days and devices already in memory are skipped")

	snaps := tr.Snapshot("u1")
	require.Len(t, snaps, 2)
	assert.Equal(t, "p1", snaps[0].DeviceID)
	assert.True(t, snaps[0].IsOn)
	assert.Equal(t, int64(60000+600000), snaps[0].LiveMs)
	assert.Equal(t, int64(0), snaps[1].AccumulatedMs, "memory wins over the store")

	// the restored open period closes with the time since the persisted lastOnAt
	clk.Advance(time.Minute)
	snap := tr.Observe(ctx, plug("p1"), ptr(false))
	assert.Equal(t, int64(60000+660000), snap.AccumulatedMs)

	t.Run("Store Down", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetCurrentUsage", mock.Anything, "u1").Return(nil, errors.New("unavailable"))
		_, err := New(db, nil, clk, Options{}).Restore(ctx, "u1")
		assert.ErrorIs(t, err, types.ErrPersistenceUnavailable)
	})
}

func TestTrackerMerge(t *testing.T) {
	b := &batches{}
	clk := clock.NewMock(t0)
	tr := New(recordingDB(b), nil, clk, Options{})
	ctx := t.Context()

	tr.Observe(ctx, plug("p1"), ptr(true))
	clk.Advance(time.Minute)
	tr.Observe(ctx, plug("p1"), ptr(false))

	reportedOn := t0.Add(-time.Hour)
	err := tr.Merge(ctx, "u1", "smartthings", []types.UsageRecord{
		{DeviceID: "p1", Day: "2025-03-01", AccumulatedMs: 1000},
		{DeviceID: "p2", Day: "2025-03-01", AccumulatedMs: 300000, LastOnAt: &reportedOn},
		{DeviceID: "p1", Day: "2025-02-27", AccumulatedMs: 42},
	})
	require.NoError(t, err)

	snaps := tr.Snapshot("u1")
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(60000), snaps[0].AccumulatedMs, "lower reported total is ignored")
	assert.Equal(t, int64(300000), snaps[1].AccumulatedMs)
	assert.True(t, snaps[1].IsOn)
	assert.Equal(t, int64(300000+3660000), snaps[1].LiveMs)

	clk.Advance(2 * time.Second)
	var found bool
	for _, h := range b.allHistory() {
		if h.Day == "2025-02-27" && h.DeviceID == "p1" {
			found = true
			assert.Equal(t, int64(42), h.AccumulatedMs)
			assert.Equal(t, "u1", h.UserID)
		}
	}
	assert.True(t, found, "past days are written to history")

	t.Run("Future Day", func(t *testing.T) {
		err := tr.Merge(ctx, "u1", "smartthings", []types.UsageRecord{
			{DeviceID: "p3", Day: "2025-03-01", AccumulatedMs: 1},
			{DeviceID: "p3", Day: "2025-03-02", AccumulatedMs: 1},
		})
		assert.ErrorIs(t, err, ErrFutureDay)
		assert.Len(t, tr.Snapshot("u1"), 2, "nothing applied")
	})

	t.Run("Invalid", func(t *testing.T) {
		err := tr.Merge(ctx, "u1", "smartthings", []types.UsageRecord{{DeviceID: "p3", Day: "2025-03-01", AccumulatedMs: -5}})
		assert.ErrorContains(t, err, "negative")
	})
}

func TestTrackerMergeClosedDay(t *testing.T) {
	b := &batches{}
	start := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	tr := New(recordingDB(b), nil, clk, Options{})
	ctx := t.Context()

	closedRows := func() []types.UsageRecord {
		var out []types.UsageRecord
		for _, h := range b.allHistory() {
			if h.Day == "2025-03-01" && h.DeviceID == "p1" {
				out = append(out, h)
			}
		}
		return out
	}

	tr.Observe(ctx, plug("p1"), ptr(true))
	clk.Advance(30 * time.Minute)
	tr.Observe(ctx, plug("p1"), ptr(false))
	clk.Advance(40 * time.Minute)
	// rolls the day over and queues 2025-03-01 for history
	tr.Observe(ctx, plug("p1"), ptr(false))

	err := tr.Merge(ctx, "u1", "smartthings", []types.UsageRecord{{DeviceID: "p1", Day: "2025-03-01", AccumulatedMs: 1}})
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	rows := closedRows()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(30*60*1000), rows[0].AccumulatedMs, "a smaller report never replaces the queued day")

	t.Run("Already Stored", func(t *testing.T) {
		err := tr.Merge(ctx, "u1", "smartthings", []types.UsageRecord{{DeviceID: "p1", Day: "2025-03-01", AccumulatedMs: 1}})
		require.NoError(t, err)
		clk.Advance(2 * time.Second)
		assert.Len(t, closedRows(), 1, "nothing is written for a smaller report")
	})

	t.Run("Larger Report Raises The Day", func(t *testing.T) {
		err := tr.Merge(ctx, "u1", "smartthings", []types.UsageRecord{{DeviceID: "p1", Day: "2025-03-01", AccumulatedMs: 40 * 60 * 1000}})
		require.NoError(t, err)
		clk.Advance(2 * time.Second)
		rows := closedRows()
		require.Len(t, rows, 2)
		assert.Equal(t, int64(40*60*1000), rows[1].AccumulatedMs)
	})

	t.Run("Store Down", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetUsageHistory", mock.Anything, "u1", "2025-03-01").Return(nil, errors.New("unavailable"))
		tr := New(db, nil, clock.NewMock(start.Add(2*time.Hour)), Options{})
		err := tr.Merge(ctx, "u1", "smartthings", []types.UsageRecord{{DeviceID: "p1", Day: "2025-03-01", AccumulatedMs: 5}})
		assert.ErrorIs(t, err, types.ErrPersistenceUnavailable)
		db.AssertNotCalled(t, "UpsertUsage", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestTrackerFlushBatch(t *testing.T) {
	start := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	ctx := t.Context()

	t.Run("Current And Closed Together", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("store down")).Once()
		var current, closed []types.UsageRecord
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			current = args.Get(1).([]types.UsageRecord)
			closed = args.Get(2).([]types.UsageRecord)
		}).Return(nil).Once()

		clk := clock.NewMock(start)
		// no timer fires while the test drives the flushes
		tr := New(db, nil, clk, Options{Debounce: 24 * time.Hour})
		tr.Observe(ctx, plug("p1"), ptr(true))
		clk.Advance(30 * time.Minute)
		tr.Observe(ctx, plug("p1"), ptr(false))
		clk.Advance(time.Hour)
		tr.Observe(ctx, plug("p1"), ptr(false))

		assert.ErrorIs(t, tr.Flush(ctx), types.ErrPersistenceUnavailable)
		db.AssertNotCalled(t, "UpsertUsageHistory", mock.Anything, mock.Anything)

		require.NoError(t, tr.Flush(ctx))
		require.Len(t, current, 1)
		assert.Equal(t, "2025-03-02", current[0].Day)
		require.Len(t, closed, 1, "the closed day is retried with the batch")
		assert.Equal(t, "2025-03-01", closed[0].Day)
		assert.Equal(t, int64(30*60*1000), closed[0].AccumulatedMs)
		db.AssertExpectations(t)
	})

	t.Run("Per User", func(t *testing.T) {
		forUser := func(userID string) any {
			return mock.MatchedBy(func(recs []types.UsageRecord) bool {
				return len(recs) > 0 && recs[0].UserID == userID
			})
		}
		db := &storagemock.MockDatabase{}
		db.On("UpsertUsage", mock.Anything, forUser("u1"), mock.Anything).Return(nil).Once()
		db.On("UpsertUsage", mock.Anything, forUser("u2"), mock.Anything).Return(errors.New("store down")).Once()
		db.On("UpsertUsage", mock.Anything, forUser("u2"), mock.Anything).Return(nil).Once()

		tr := New(db, nil, clock.NewMock(t0), Options{Debounce: time.Hour})
		tr.Observe(ctx, Key{UserID: "u1", ProviderID: "smartthings", DeviceID: "p1"}, ptr(true))
		tr.Observe(ctx, Key{UserID: "u2", ProviderID: "smartthings", DeviceID: "p1"}, ptr(true))

		err := tr.Flush(ctx)
		assert.ErrorIs(t, err, types.ErrPersistenceUnavailable)
		assert.ErrorContains(t, err, "u2")
		db.AssertNumberOfCalls(t, "UpsertUsage", 2)

		require.NoError(t, tr.Flush(ctx))
		db.AssertNumberOfCalls(t, "UpsertUsage", 3)
		db.AssertExpectations(t)
	})
}

func TestTrackerClose(t *testing.T) {
	b := &batches{}
	db := recordingDB(b)
	clk := clock.NewMock(t0)
	tr := New(db, nil, clk, Options{Debounce: time.Minute})
	ctx := t.Context()

	tr.Observe(ctx, plug("p1"), ptr(true))
	clk.Advance(10 * time.Second)
	tr.Observe(ctx, plug("p1"), ptr(false))

	require.NoError(t, tr.Close(ctx))
	rec, ok := b.lastCurrent("p1")
	require.True(t, ok, "close flushes without waiting for the debounce")
	assert.Equal(t, int64(10000), rec.AccumulatedMs)
	assert.Equal(t, 0, clk.Pending())

	tr.Observe(ctx, plug("p1"), ptr(true))
	assert.Equal(t, 0, clk.Pending(), "no timers after close")
}

func TestTrackerSnapshotStaleDay(t *testing.T) {
	clk := clock.NewMock(t0)
	tr := New(recordingDB(&batches{}), nil, clk, Options{})
	tr.Observe(t.Context(), plug("p1"), ptr(true))
	clk.Advance(24 * time.Hour)

	snaps := tr.Snapshot("u1")
	require.Len(t, snaps, 1)
	assert.Equal(t, "2025-03-02", snaps[0].Day)
	assert.Equal(t, int64(0), snaps[0].LiveMs)
	assert.False(t, snaps[0].IsOn)

	assert.Empty(t, tr.Snapshot("u2"))
}

func TestTrackerDayLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	tr := New(recordingDB(&batches{}), nil, clock.NewMock(t0), Options{Location: loc})
	assert.Equal(t, "2025-03-01", tr.Day(time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2025-03-02", tr.Day(time.Date(2025, 3, 2, 6, 0, 0, 0, time.UTC)))
}

func TestTrackerForget(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("unavailable")).Once()
	db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	tr := New(db, nil, clock.NewMock(t0), Options{})
	ctx := t.Context()

	tr.Observe(ctx, plug("p1"), ptr(true))
	assert.Error(t, tr.Flush(ctx))
	tr.Forget("u1")
	assert.Len(t, tr.Snapshot("u1"), 1, "unflushed devices are kept")

	require.NoError(t, tr.Flush(ctx))
	tr.Forget("u1")
	assert.Empty(t, tr.Snapshot("u1"))
}
