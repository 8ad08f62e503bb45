package usage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/alert"
	"github.com/plugwatch/plugwatch/pkg/clock"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/metrics"
	"github.com/plugwatch/plugwatch/pkg/storage"
	"github.com/plugwatch/plugwatch/pkg/types"
)

// ErrFutureDay is returned by Merge for records dated after today.
var ErrFutureDay = errors.New("usage reported for a future day")

// Key identifies one tracked device.
type Key struct {
	UserID     string
	ProviderID string
	DeviceID   string
}

type dayKey struct {
	Key
	Day string
}

// Options tune a Tracker. Zero values fall back to the defaults.
type Options struct {
	// Threshold is how long a device may stay on in a day before an alert.
	// Negative disables alerts.
	Threshold time.Duration
	// Debounce is the quiet period after the last mutation before a flush.
	Debounce time.Duration
	// RetryDelay is how long to wait after a failed flush.
	RetryDelay time.Duration
	// FlushTimeout bounds flushes started by the timer.
	FlushTimeout time.Duration
	// Location decides where midnight is.
	Location *time.Location
}

const (
	DefaultThreshold    = 2 * time.Hour
	DefaultDebounce     = 1500 * time.Millisecond
	DefaultRetryDelay   = 30 * time.Second
	DefaultFlushTimeout = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Threshold < 0 {
		o.Threshold = 0
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// Tracker owns the in-memory usage state of every watched device. State is
// exact in memory at all times; the store lags by at most one debounce
// window, or longer while the store is failing.
type Tracker struct {
	store    storage.Database
	notifier alert.Notifier
	clock    clock.Clock
	opts     Options

	// mu guards everything below and is never held across I/O
	mu      sync.Mutex
	states  map[Key]*types.UsageState
	dirty   map[Key]struct{}
	pending map[dayKey]types.UsageRecord
	timer   clock.Timer
	closed  bool

	// flushMu serializes flushes so an older snapshot never overwrites a newer
	// one. Merge holds it while comparing against stored history.
	flushMu sync.Mutex
}

// New creates a Tracker.
func New(store storage.Database, notifier alert.Notifier, clk clock.Clock, opts Options) *Tracker {
	return &Tracker{
		store:    store,
		notifier: notifier,
		clock:    clk,
		opts:     opts.withDefaults(),
		states:   map[Key]*types.UsageState{},
		dirty:    map[Key]struct{}{},
		pending:  map[dayKey]types.UsageRecord{},
	}
}

// Configured sets up a Tracker from flags.
func Configured(store storage.Database, notifier alert.Notifier) *Tracker {
	threshold := lflag.Duration("usage-alert-threshold", DefaultThreshold, "Alert when a device stays on this long in a day (0 to disable)")
	debounce := lflag.Duration("usage-flush-debounce", DefaultDebounce, "Quiet period after the last usage change before persisting")
	retry := lflag.Duration("usage-flush-retry", DefaultRetryDelay, "Delay before retrying a failed usage flush")
	location := lflag.String("usage-day-location", "UTC", "Time zone whose midnight rolls over daily usage")

	t := New(store, notifier, clock.Real{}, Options{})

	lflag.Do(func() {
		loc, err := time.LoadLocation(*location)
		if err != nil {
			panic(fmt.Sprintf("invalid usage-day-location %q: %v", *location, err))
		}
		opts := Options{
			Threshold:  *threshold,
			Debounce:   *debounce,
			RetryDelay: *retry,
			Location:   loc,
		}
		if *threshold == 0 {
			opts.Threshold = -1
		}
		t.opts = opts.withDefaults()
	})

	return t
}

// Day returns the usage day containing now.
func (t *Tracker) Day(now time.Time) string {
	return now.In(t.opts.Location).Format(types.DayFormat)
}

// Today returns the current usage day.
func (t *Tracker) Today() string {
	return t.Day(t.clock.Now())
}

func record(key Key, s types.UsageState) types.UsageRecord {
	rec := types.UsageRecord{
		UserID:        key.UserID,
		ProviderID:    key.ProviderID,
		DeviceID:      key.DeviceID,
		Day:           s.Day,
		AccumulatedMs: s.AccumulatedMs,
	}
	if s.LastOnAt != nil {
		on := *s.LastOnAt
		rec.LastOnAt = &on
	}
	return rec
}

func snapshot(key Key, s types.UsageState, now time.Time) types.UsageSnapshot {
	return types.UsageSnapshot{
		ProviderID:    key.ProviderID,
		DeviceID:      key.DeviceID,
		Day:           s.Day,
		AccumulatedMs: s.AccumulatedMs,
		LiveMs:        s.LiveMs(now),
		IsOn:          s.IsOn,
		LastOnAt:      s.LastOnAt,
		Alerted:       s.Alerted,
	}
}

// stateLocked returns the state for key, creating it for today if missing.
// A state from an earlier day is queued for a final history write before the
// caller rolls it over.
func (t *Tracker) stateLocked(key Key, today string) (*types.UsageState, bool) {
	s, ok := t.states[key]
	if !ok {
		s = &types.UsageState{DeviceID: key.DeviceID, Day: today}
		t.states[key] = s
		return s, true
	}
	if s.Day != today {
		t.queueClosedLocked(record(key, *s))
	}
	return s, false
}

// queueClosedLocked queues a history write for a day that has passed. A
// closed day only ever grows, so a smaller record than one already queued is
// dropped.
func (t *Tracker) queueClosedLocked(rec types.UsageRecord) {
	dk := dayKey{Key{rec.UserID, rec.ProviderID, rec.DeviceID}, rec.Day}
	if prev, ok := t.pending[dk]; ok && prev.AccumulatedMs >= rec.AccumulatedMs {
		return
	}
	t.pending[dk] = rec
}

func (t *Tracker) newAlertLocked(key Key, s *types.UsageState, now time.Time) types.Alert {
	return types.Alert{
		ID:          uuid.NewString(),
		UserID:      key.UserID,
		ProviderID:  key.ProviderID,
		DeviceID:    key.DeviceID,
		Day:         s.Day,
		LiveMs:      s.LiveMs(now),
		ThresholdMs: t.opts.Threshold.Milliseconds(),
		At:          now,
	}
}

// Observe feeds one observed switch state into the device's state machine and
// returns the resulting snapshot. A nil observed leaves the device as it was.
func (t *Tracker) Observe(ctx context.Context, key Key, observed *bool) types.UsageSnapshot {
	now := t.clock.Now()
	today := t.Day(now)

	var alerts []types.Alert
	t.mu.Lock()
	s, created := t.stateLocked(key, today)
	changed, crossed := Step(s, observed, now, today, t.opts.Threshold)
	if changed || created {
		t.markDirtyLocked(key)
	}
	if crossed {
		alerts = append(alerts, t.newAlertLocked(key, s, now))
	}
	snap := snapshot(key, *s, now)
	t.mu.Unlock()

	t.dispatch(ctx, alerts)
	return snap
}

func (t *Tracker) dispatch(ctx context.Context, alerts []types.Alert) {
	for _, a := range alerts {
		metrics.ObserveAlert(a.ProviderID)
		if t.notifier == nil {
			continue
		}
		if err := t.notifier.Notify(ctx, a); err != nil {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"failed to deliver usage alert",
				slog.String("alertID", a.ID),
				slog.String("deviceID", a.DeviceID),
				slog.Any("error", err),
			)
		}
	}
}

func (t *Tracker) markDirtyLocked(key Key) {
	t.dirty[key] = struct{}{}
	t.scheduleLocked(t.opts.Debounce)
}

func (t *Tracker) scheduleLocked(d time.Duration) {
	if t.closed {
		return
	}
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(d, t.flushFromTimer)
		return
	}
	t.timer.Reset(d)
}

func (t *Tracker) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.FlushTimeout)
	defer cancel()
	if err := t.Flush(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "usage flush failed, will retry", slog.Any("error", err))
	}
}

// Flush persists every dirty device and every closed day. Each user's
// records are written as one batch. A failed batch is put back and retried
// after the retry delay without holding back the other users.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	type batch struct {
		current []types.UsageRecord
		closed  []types.UsageRecord
	}
	batches := map[string]*batch{}
	batchFor := func(userID string) *batch {
		b, ok := batches[userID]
		if !ok {
			b = &batch{}
			batches[userID] = b
		}
		return b
	}

	t.mu.Lock()
	for key := range t.dirty {
		if s, ok := t.states[key]; ok {
			b := batchFor(key.UserID)
			b.current = append(b.current, record(key, *s))
		}
	}
	for _, rec := range t.pending {
		b := batchFor(rec.UserID)
		b.closed = append(b.closed, rec)
	}
	t.dirty = map[Key]struct{}{}
	t.pending = map[dayKey]types.UsageRecord{}
	t.mu.Unlock()

	if len(batches) == 0 {
		return nil
	}

	var errs []error
	for userID, b := range batches {
		err := t.store.UpsertUsage(ctx, b.current, b.closed)
		if err == nil {
			log.Ctx(ctx).DebugContext(ctx, "flushed usage", slog.String("userID", userID), slog.Int("current", len(b.current)), slog.Int("closed", len(b.closed)))
			continue
		}
		errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		t.requeue(b.current, b.closed)
	}
	if len(errs) == 0 {
		metrics.ObserveFlush(metrics.ResultOK)
		return nil
	}
	metrics.ObserveFlush(metrics.ResultError)

	t.mu.Lock()
	t.scheduleLocked(t.opts.RetryDelay)
	t.mu.Unlock()

	return fmt.Errorf("%w: %w", types.ErrPersistenceUnavailable, errors.Join(errs...))
}

// requeue marks the records of a failed batch dirty again.
func (t *Tracker) requeue(current, closed []types.UsageRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range current {
		key := Key{rec.UserID, rec.ProviderID, rec.DeviceID}
		if _, ok := t.states[key]; !ok {
			t.states[key] = &types.UsageState{
				DeviceID:      rec.DeviceID,
				Day:           rec.Day,
				AccumulatedMs: rec.AccumulatedMs,
				LastOnAt:      rec.LastOnAt,
				IsOn:          rec.LastOnAt != nil,
			}
		}
		t.dirty[key] = struct{}{}
	}
	for _, rec := range closed {
		t.queueClosedLocked(rec)
	}
}

// Close stops the debounce timer and performs a final flush. The tracker
// keeps accumulating in memory afterwards but no longer schedules flushes.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	return t.Flush(ctx)
}

// Snapshot returns the live usage of every device tracked for the user,
// ordered by provider and device. Devices not seen yet today read as zero.
func (t *Tracker) Snapshot(userID string) []types.UsageSnapshot {
	now := t.clock.Now()
	today := t.Day(now)

	t.mu.Lock()
	var out []types.UsageSnapshot
	for key, s := range t.states {
		if key.UserID != userID {
			continue
		}
		if s.Day != today {
			out = append(out, snapshot(key, types.UsageState{DeviceID: key.DeviceID, Day: today}, now))
			continue
		}
		out = append(out, snapshot(key, *s, now))
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b types.UsageSnapshot) int {
		return cmp.Or(cmp.Compare(a.ProviderID, b.ProviderID), cmp.Compare(a.DeviceID, b.DeviceID))
	})
	return out
}

// Restore loads today's persisted state for the user. Devices already in
// memory are left alone since memory is always at least as new as the store.
// It returns the number of devices restored.
func (t *Tracker) Restore(ctx context.Context, userID string) (int, error) {
	recs, err := t.store.GetCurrentUsage(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrPersistenceUnavailable, err)
	}

	now := t.clock.Now()
	today := t.Day(now)

	t.mu.Lock()
	defer t.mu.Unlock()
	var restored int
	for _, rec := range recs {
		if rec.Day != today {
			continue
		}
		key := Key{userID, rec.ProviderID, rec.DeviceID}
		if _, ok := t.states[key]; ok {
			continue
		}
		s := &types.UsageState{
			DeviceID:      rec.DeviceID,
			Day:           rec.Day,
			AccumulatedMs: rec.AccumulatedMs,
			LastOnAt:      rec.LastOnAt,
			IsOn:          rec.LastOnAt != nil,
		}
		// the alert for this on-period was sent before the restart
		if s.IsOn && t.opts.Threshold > 0 && s.LiveMs(now) >= t.opts.Threshold.Milliseconds() {
			s.Alerted = true
		}
		t.states[key] = s
		restored++
	}
	return restored, nil
}

// Merge applies usage reported by a client. Records for today raise the
// in-memory total to the reported value and adopt a reported open period for
// devices that are off. Records for earlier days are written to history only
// when they exceed what the server already knows for that day, so a closed
// day never shrinks. Records for later days are rejected and nothing is
// applied.
func (t *Tracker) Merge(ctx context.Context, userID, providerID string, recs []types.UsageRecord) error {
	now := t.clock.Now()
	today := t.Day(now)

	var oldest string
	for i := range recs {
		recs[i].UserID = userID
		recs[i].ProviderID = providerID
		if err := recs[i].Validate(); err != nil {
			return err
		}
		if recs[i].Day > today {
			return fmt.Errorf("%w: %s", ErrFutureDay, recs[i].Day)
		}
		if recs[i].Day != today && (oldest == "" || recs[i].Day < oldest) {
			oldest = recs[i].Day
		}
	}

	var known map[dayKey]int64
	if oldest != "" {
		// no flush may move pending rows into the store between the read and
		// the comparison below
		t.flushMu.Lock()
		stored, err := t.store.GetUsageHistory(ctx, userID, oldest)
		if err != nil {
			t.flushMu.Unlock()
			return fmt.Errorf("%w: %w", types.ErrPersistenceUnavailable, err)
		}
		known = make(map[dayKey]int64, len(stored))
		for _, rec := range stored {
			if rec.ProviderID != providerID {
				continue
			}
			dk := dayKey{Key{userID, providerID, rec.DeviceID}, rec.Day}
			known[dk] = max(known[dk], rec.AccumulatedMs)
		}
	}

	var alerts []types.Alert
	t.mu.Lock()
	for _, rec := range recs {
		key := Key{userID, providerID, rec.DeviceID}
		if rec.Day != today {
			dk := dayKey{key, rec.Day}
			have := known[dk]
			if p, ok := t.pending[dk]; ok {
				have = max(have, p.AccumulatedMs)
			}
			if s, ok := t.states[key]; ok && s.Day == rec.Day {
				have = max(have, s.AccumulatedMs)
			}
			if rec.AccumulatedMs <= have {
				continue
			}
			t.queueClosedLocked(rec)
			t.scheduleLocked(t.opts.Debounce)
			continue
		}

		s, created := t.stateLocked(key, today)
		changed, _ := Step(s, nil, now, today, 0)
		if rec.AccumulatedMs > s.AccumulatedMs {
			s.AccumulatedMs = rec.AccumulatedMs
			changed = true
		}
		if !s.IsOn && rec.LastOnAt != nil && !rec.LastOnAt.After(now) && t.Day(*rec.LastOnAt) == today {
			on := *rec.LastOnAt
			s.LastOnAt = &on
			s.IsOn = true
			changed = true
		}
		if _, crossed := Step(s, nil, now, today, t.opts.Threshold); crossed {
			alerts = append(alerts, t.newAlertLocked(key, s, now))
		}
		if changed || created {
			t.markDirtyLocked(key)
		}
	}
	t.mu.Unlock()
	if known != nil {
		t.flushMu.Unlock()
	}

	t.dispatch(ctx, alerts)
	return nil
}

// Forget drops the in-memory state of the user's devices that have nothing
// left to persist.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.states {
		if key.UserID != userID {
			continue
		}
		if _, ok := t.dirty[key]; ok {
			continue
		}
		delete(t.states, key)
	}
}
