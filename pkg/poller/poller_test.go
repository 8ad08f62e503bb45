package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plugwatch/plugwatch/pkg/clock"
	"github.com/plugwatch/plugwatch/pkg/integration"
	"github.com/plugwatch/plugwatch/pkg/storage/storagemock"
	"github.com/plugwatch/plugwatch/pkg/types"
	"github.com/plugwatch/plugwatch/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeAdapter reports each device's switch as {"on": bool} in Raw.
type fakeAdapter struct {
	id         string
	configured bool
	mock       bool

	mu      sync.Mutex
	devices map[string]bool
	offline map[string]bool
	fail    map[string]error
	slow    map[string]bool
	calls   int
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{
		id:         id,
		configured: true,
		devices:    map[string]bool{},
		offline:    map[string]bool{},
		fail:       map[string]error{},
		slow:       map[string]bool{},
	}
}

func (f *fakeAdapter) set(deviceID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[deviceID] = on
}

func (f *fakeAdapter) Info() types.ProviderInfo {
	return types.ProviderInfo{ID: f.id, Name: f.id, Vendor: "test"}
}

func (f *fakeAdapter) IsConfigured() bool { return f.configured }

func (f *fakeAdapter) ListDevices(ctx context.Context) types.DeviceList {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := types.DeviceList{Mock: f.mock}
	for id := range f.devices {
		list.Devices = append(list.Devices, types.DeviceSummary{ID: id, Capabilities: []string{types.CapabilitySwitch}})
	}
	return list
}

func (f *fakeAdapter) GetStatus(ctx context.Context, deviceID string) (types.DeviceStatus, error) {
	f.mu.Lock()
	f.calls++
	on := f.devices[deviceID]
	offline := f.offline[deviceID]
	err := f.fail[deviceID]
	slow := f.slow[deviceID]
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return types.DeviceStatus{}, types.NewIntegrationError(types.ErrProviderUnavailable, f.id, "", ctx.Err())
	}
	if err != nil {
		return types.DeviceStatus{}, err
	}
	raw, _ := json.Marshal(map[string]bool{"on": on})
	return types.DeviceStatus{DeviceID: deviceID, Online: !offline, Raw: raw, FetchedAt: time.Now()}, nil
}

func (f *fakeAdapter) ExecuteCommand(ctx context.Context, deviceID string, cmd types.Command) (types.CommandResult, error) {
	return types.CommandResult{OK: true}, nil
}

func (f *fakeAdapter) Project(status types.DeviceStatus) types.Reading {
	var v struct {
		On *bool `json:"on"`
	}
	if err := json.Unmarshal(status.Raw, &v); err != nil {
		return types.Reading{}
	}
	return types.Reading{SwitchOn: v.On}
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPoller(t *testing.T, adapters ...integration.Adapter) (*Poller, *clock.Mock, *storagemock.MockDatabase) {
	t.Helper()
	clk := clock.NewMock(t0)
	db := &storagemock.MockDatabase{}
	tracker := usage.New(db, nil, clk, usage.Options{Threshold: -1})
	reg := integration.NewRegistry(nil)
	for _, a := range adapters {
		reg.Register(a)
	}
	p := New(reg, tracker, nil, Options{Interval: time.Hour, Timeout: 50 * time.Millisecond, Concurrency: 2})
	return p, clk, db
}

func TestPollUser(t *testing.T) {
	ctx := context.Background()

	t.Run("Accumulates", func(t *testing.T) {
		a := newFakeAdapter("fake")
		a.set("plug-1", false)
		p, clk, db := newTestPoller(t, a)
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		assert.Equal(t, 1, p.PollUser(ctx, "u1"))
		clk.Set(t0.Add(10 * time.Second))
		a.set("plug-1", true)
		p.PollUser(ctx, "u1")
		clk.Set(t0.Add(130 * time.Second))
		a.set("plug-1", false)
		p.PollUser(ctx, "u1")

		snaps := p.tracker.Snapshot("u1")
		require.Len(t, snaps, 1)
		assert.Equal(t, int64(120000), snaps[0].AccumulatedMs)
		assert.False(t, snaps[0].IsOn)

		status, ok := p.LastStatus(usage.Key{UserID: "u1", ProviderID: "fake", DeviceID: "plug-1"})
		require.True(t, ok)
		assert.Equal(t, "plug-1", status.DeviceID)
	})

	t.Run("Skips Unconfigured And Mock Adapters", func(t *testing.T) {
		unconfigured := newFakeAdapter("unconfigured")
		unconfigured.configured = false
		unconfigured.set("plug-1", true)
		mocked := newFakeAdapter("mocked")
		mocked.mock = true
		mocked.set("plug-2", true)
		p, _, _ := newTestPoller(t, unconfigured, mocked)

		assert.Equal(t, 0, p.PollUser(ctx, "u1"))
		assert.Equal(t, 0, unconfigured.calls)
		assert.Equal(t, 0, mocked.calls)
		assert.Empty(t, p.tracker.Snapshot("u1"))
	})

	t.Run("Failed Device Keeps State", func(t *testing.T) {
		a := newFakeAdapter("fake")
		a.set("plug-1", true)
		a.set("plug-2", true)
		p, clk, db := newTestPoller(t, a)
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		assert.Equal(t, 2, p.PollUser(ctx, "u1"))
		cached, ok := p.LastStatus(usage.Key{UserID: "u1", ProviderID: "fake", DeviceID: "plug-1"})
		require.True(t, ok)

		a.mu.Lock()
		a.fail["plug-1"] = types.NewIntegrationError(types.ErrProviderUnavailable, "fake", "", errors.New("boom"))
		a.slow["plug-2"] = true
		a.mu.Unlock()
		clk.Set(t0.Add(time.Minute))
		assert.Equal(t, 0, p.PollUser(ctx, "u1"))

		for _, s := range p.tracker.Snapshot("u1") {
			assert.True(t, s.IsOn, s.DeviceID)
			assert.Equal(t, int64(60000), s.LiveMs, s.DeviceID)
		}
		still, ok := p.LastStatus(usage.Key{UserID: "u1", ProviderID: "fake", DeviceID: "plug-1"})
		require.True(t, ok)
		assert.Equal(t, cached, still)
	})

	t.Run("Offline Counts As Off", func(t *testing.T) {
		a := newFakeAdapter("fake")
		a.set("plug-1", true)
		p, clk, db := newTestPoller(t, a)
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		p.PollUser(ctx, "u1")
		a.mu.Lock()
		a.offline["plug-1"] = true
		a.mu.Unlock()
		clk.Set(t0.Add(30 * time.Second))
		p.PollUser(ctx, "u1")

		snaps := p.tracker.Snapshot("u1")
		require.Len(t, snaps, 1)
		assert.False(t, snaps[0].IsOn)
		assert.Equal(t, int64(30000), snaps[0].AccumulatedMs)
	})
}

func TestWatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Restore Then Poll", func(t *testing.T) {
		a := newFakeAdapter("fake")
		a.set("plug-1", false)
		p, _, db := newTestPoller(t, a)
		db.On("GetCurrentUsage", mock.Anything, "u1").Return([]types.UsageRecord{
			{UserID: "u1", ProviderID: "fake", DeviceID: "plug-1", Day: "2025-03-01", AccumulatedMs: 5000},
		}, nil).Once()

		require.NoError(t, p.Watch(ctx, "u1"))
		require.NoError(t, p.Watch(ctx, "u1"), "watching twice is a no-op")
		assert.True(t, p.Watching("u1"))

		require.Eventually(t, func() bool {
			a.mu.Lock()
			defer a.mu.Unlock()
			return a.calls >= 1
		}, time.Second, 5*time.Millisecond)

		snaps := p.tracker.Snapshot("u1")
		require.Len(t, snaps, 1)
		assert.Equal(t, int64(5000), snaps[0].AccumulatedMs)

		require.NoError(t, p.Unwatch(ctx, "u1"))
		assert.False(t, p.Watching("u1"))
		assert.Empty(t, p.tracker.Snapshot("u1"))
		_, ok := p.LastStatus(usage.Key{UserID: "u1", ProviderID: "fake", DeviceID: "plug-1"})
		assert.False(t, ok)
		db.AssertExpectations(t)
	})

	t.Run("Restore Failure", func(t *testing.T) {
		p, _, db := newTestPoller(t, newFakeAdapter("fake"))
		db.On("GetCurrentUsage", mock.Anything, "u1").Return(nil, errors.New("db down")).Once()

		err := p.Watch(ctx, "u1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrPersistenceUnavailable))
		assert.False(t, p.Watching("u1"))
	})

	t.Run("Unwatch Flushes", func(t *testing.T) {
		a := newFakeAdapter("fake")
		a.set("plug-1", true)
		p, _, db := newTestPoller(t, a)
		db.On("GetCurrentUsage", mock.Anything, "u1").Return(nil, nil).Once()

		var flushed []types.UsageRecord
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			flushed = args.Get(1).([]types.UsageRecord)
		}).Return(nil).Once()

		require.NoError(t, p.Watch(ctx, "u1"))
		require.Eventually(t, func() bool {
			return len(p.tracker.Snapshot("u1")) == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, p.Unwatch(ctx, "u1"))
		require.Len(t, flushed, 1)
		assert.Equal(t, "plug-1", flushed[0].DeviceID)
		assert.NotNil(t, flushed[0].LastOnAt)
		db.AssertExpectations(t)
	})

	t.Run("Stop", func(t *testing.T) {
		a := newFakeAdapter("fake")
		a.set("plug-1", true)
		p, _, db := newTestPoller(t, a)
		db.On("GetCurrentUsage", mock.Anything, mock.Anything).Return(nil, nil)
		db.On("UpsertUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

		rootCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		p.Start(rootCtx)
		require.NoError(t, p.Watch(ctx, "u1"))
		require.NoError(t, p.Watch(ctx, "u2"))
		require.Eventually(t, func() bool {
			return len(p.tracker.Snapshot("u1")) == 1 && len(p.tracker.Snapshot("u2")) == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, p.Stop(ctx))
		assert.False(t, p.Watching("u1"))
		assert.False(t, p.Watching("u2"))
		db.AssertExpectations(t)
	})
}
