// Package poller periodically fetches the status of every device of every
// watched user and feeds it into the usage tracker.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/integration"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/metrics"
	"github.com/plugwatch/plugwatch/pkg/telemetry"
	"github.com/plugwatch/plugwatch/pkg/types"
	"github.com/plugwatch/plugwatch/pkg/usage"
	"golang.org/x/sync/errgroup"
)

// Options tune a Poller. Zero values fall back to the defaults.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
}

const (
	DefaultInterval    = 60 * time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 4
)

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller runs one polling loop per watched user.
type Poller struct {
	registry *integration.Registry
	tracker  *usage.Tracker
	recorder telemetry.Recorder
	opts     Options

	mu    sync.Mutex
	root  context.Context
	loops map[string]*loop

	cacheMu sync.RWMutex
	cache   map[usage.Key]types.DeviceStatus
}

// New creates a Poller. recorder may be nil.
func New(registry *integration.Registry, tracker *usage.Tracker, recorder telemetry.Recorder, opts Options) *Poller {
	if recorder == nil {
		recorder = telemetry.Noop{}
	}
	return &Poller{
		registry: registry,
		tracker:  tracker,
		recorder: recorder,
		opts:     opts.withDefaults(),
		root:     context.Background(),
		loops:    map[string]*loop{},
		cache:    map[usage.Key]types.DeviceStatus{},
	}
}

// Configured sets up a Poller from flags.
func Configured(registry *integration.Registry, tracker *usage.Tracker, recorder telemetry.Recorder) *Poller {
	interval := lflag.Duration("poll-interval", DefaultInterval, "How often to poll the devices of each watched user")
	timeout := lflag.Duration("poll-timeout", DefaultTimeout, "Timeout for a single device status fetch")
	concurrency := lflag.Int("poll-concurrency", DefaultConcurrency, "Maximum concurrent status fetches per user")

	p := New(registry, tracker, recorder, Options{})

	lflag.Do(func() {
		p.opts = Options{
			Interval:    *interval,
			Timeout:     *timeout,
			Concurrency: *concurrency,
		}.withDefaults()
	})

	return p
}

// Start sets the context that every polling loop derives from. Loops started
// afterwards end when ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = ctx
}

// Watching reports whether a loop is running for the user.
func (p *Poller) Watching(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[userID]
	return ok
}

// Watch starts polling for the user. Today's persisted usage is restored
// before the first poll. Watching an already watched user does nothing.
func (p *Poller) Watch(ctx context.Context, userID string) error {
	if p.Watching(userID) {
		return nil
	}

	n, err := p.tracker.Restore(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to restore usage: %w", err)
	}

	p.mu.Lock()
	if _, ok := p.loops[userID]; ok {
		p.mu.Unlock()
		return nil
	}
	lctx, cancel := context.WithCancel(log.WithAttrs(p.root, slog.String("userID", userID)))
	l := &loop{cancel: cancel, done: make(chan struct{})}
	p.loops[userID] = l
	metrics.SetWatchedUsers(len(p.loops))
	p.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "watching user", slog.String("userID", userID), slog.Int("restored", n))
	go p.run(lctx, userID, l)
	return nil
}

func (p *Poller) run(ctx context.Context, userID string, l *loop) {
	defer close(l.done)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		p.PollUser(ctx, userID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Unwatch stops the user's loop, flushes pending usage and drops the user's
// in-memory state.
func (p *Poller) Unwatch(ctx context.Context, userID string) error {
	p.mu.Lock()
	l, ok := p.loops[userID]
	delete(p.loops, userID)
	metrics.SetWatchedUsers(len(p.loops))
	p.mu.Unlock()

	if ok {
		l.cancel()
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := p.tracker.Flush(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to flush usage on unwatch", slog.String("userID", userID), slog.Any("error", err))
	}
	p.tracker.Forget(userID)

	p.cacheMu.Lock()
	for key := range p.cache {
		if key.UserID == userID {
			delete(p.cache, key)
		}
	}
	p.cacheMu.Unlock()
	return err
}

// Stop stops every loop and closes the tracker, which flushes one last time.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	loops := p.loops
	p.loops = map[string]*loop{}
	metrics.SetWatchedUsers(0)
	p.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
	for _, l := range loops {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.tracker.Close(ctx)
}

// LastStatus returns the last successfully fetched status of a device.
func (p *Poller) LastStatus(key usage.Key) (types.DeviceStatus, bool) {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	s, ok := p.cache[key]
	return s, ok
}

// RememberStatus stores a status fetched outside the loop so it can be served
// when the vendor is unreachable later.
func (p *Poller) RememberStatus(key usage.Key, status types.DeviceStatus) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache[key] = status
}

// PollUser polls every configured adapter of the user once and returns the
// number of devices whose status was observed. Adapters that are not
// configured for the user or only have mock devices are skipped. A device
// whose fetch fails keeps its previous state.
func (p *Poller) PollUser(ctx context.Context, userID string) int {
	var (
		mu       sync.Mutex
		observed int
	)
	for _, id := range p.registry.IDs() {
		if ctx.Err() != nil {
			break
		}
		adapter, err := p.registry.ResolveConfigured(ctx, id, userID)
		if err != nil {
			if !errors.Is(err, types.ErrNotConfigured) {
				log.Ctx(ctx).WarnContext(ctx, "failed to resolve adapter", slog.String("providerID", id), slog.Any("error", err))
			}
			continue
		}

		list := adapter.ListDevices(ctx)
		if list.Mock {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.opts.Concurrency)
		for _, d := range list.Devices {
			key := usage.Key{UserID: userID, ProviderID: id, DeviceID: d.ID}
			g.Go(func() error {
				if p.pollDevice(log.WithDevice(gctx, id, d.ID), adapter, key) {
					mu.Lock()
					observed++
					mu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
	}
	return observed
}

func (p *Poller) pollDevice(ctx context.Context, adapter integration.Adapter, key usage.Key) bool {
	fctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	status, err := adapter.GetStatus(fctx, key.DeviceID)
	cancel()
	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(fctx.Err(), context.DeadlineExceeded) {
			result = metrics.ResultTimeout
		}
		metrics.ObservePoll(key.ProviderID, result)
		log.Ctx(ctx).WarnContext(ctx, "failed to poll device", slog.String("result", result), slog.Any("error", err))
		return false
	}
	metrics.ObservePoll(key.ProviderID, metrics.ResultOK)
	p.RememberStatus(key, status)

	reading := adapter.Project(status)
	switchOn := reading.SwitchOn
	if !status.Online {
		off := false
		switchOn = &off
	}
	p.tracker.Observe(ctx, key, switchOn)
	p.recorder.Record(ctx, key.UserID, key.ProviderID, key.DeviceID, reading, status.FetchedAt)
	return true
}
