// Package aggregator caches daily aggregates and settings read from the
// backing store. Concurrent misses share one upstream read.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/metrics"
)

const (
	DefaultTTL         = 5 * time.Second
	DefaultSettingsTTL = time.Minute

	// fetchTimeout bounds a shared upstream read, which outlives the caller
	// that started it.
	fetchTimeout = 30 * time.Second
)

// Source is the slow tier being cached.
type Source interface {
	ReadAggregate(ctx context.Context, date string) (internal.DailyAggregate, error)
	ReadSettings(ctx context.Context) (internal.Settings, error)
}

type Options struct {
	TTL         time.Duration
	SettingsTTL time.Duration
	Clock       quartz.Clock
	Logger      internal.Logger
	Metrics     *metrics.Metrics
}

type entry struct {
	agg       internal.DailyAggregate
	fetchedAt time.Time
}

type settingsEntry struct {
	settings  internal.Settings
	fetchedAt time.Time
}

// Aggregator holds one cached DailyAggregate, the one for the most recently
// requested date, plus the settings.
type Aggregator struct {
	src         Source
	clock       quartz.Clock
	ttl         time.Duration
	settingsTTL time.Duration
	logger      internal.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	entry    *entry
	settings *settingsEntry
	// gen changes on every Invalidate or ApplyDelta. A fetch that started
	// under an older gen still answers its callers but is not stored.
	gen uint64

	group singleflight.Group
}

func New(src Source, opts Options) *Aggregator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SettingsTTL <= 0 {
		opts.SettingsTTL = DefaultSettingsTTL
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = internal.NewZapLogger(zap.NewNop().Sugar())
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Aggregator{
		src:         src,
		clock:       opts.Clock,
		ttl:         opts.TTL,
		settingsTTL: opts.SettingsTTL,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// freshLocked returns the cached aggregate for date if it is younger than the TTL.
func (a *Aggregator) freshLocked(date string) (internal.DailyAggregate, bool) {
	if a.entry == nil || a.entry.agg.Date != date {
		return internal.DailyAggregate{}, false
	}
	if a.clock.Since(a.entry.fetchedAt) >= a.ttl {
		return internal.DailyAggregate{}, false
	}
	return a.entry.agg, true
}

// Get returns the aggregate for date, from cache when fresh. Callers that miss
// at the same time wait on a single upstream read. The returned value is the
// caller's to modify.
func (a *Aggregator) Get(ctx context.Context, date string) (internal.DailyAggregate, error) {
	if agg, ok := a.Peek(date); ok {
		a.metrics.AggregatorRequests.WithLabelValues("aggregate", "hit").Inc()
		return agg, nil
	}
	a.metrics.AggregatorRequests.WithLabelValues("aggregate", "miss").Inc()
	return a.fetch(ctx, date, false)
}

// Peek returns the fresh cached aggregate for date without reading upstream.
func (a *Aggregator) Peek(date string) (internal.DailyAggregate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.freshLocked(date)
	if !ok {
		return internal.DailyAggregate{}, false
	}
	return agg.Clone(), true
}

// Refresh reads date upstream regardless of the cached entry's age, joining an
// in-flight read if there is one, and stores the result.
func (a *Aggregator) Refresh(ctx context.Context, date string) (internal.DailyAggregate, error) {
	a.metrics.AggregatorRequests.WithLabelValues("aggregate", "refresh").Inc()
	return a.fetch(ctx, date, true)
}

func (a *Aggregator) fetch(ctx context.Context, date string, force bool) (internal.DailyAggregate, error) {
	ch := a.group.DoChan("aggregate:"+date, func() (interface{}, error) {
		a.mu.Lock()
		if !force {
			if agg, ok := a.freshLocked(date); ok {
				a.mu.Unlock()
				return agg, nil
			}
		}
		gen := a.gen
		a.mu.Unlock()

		a.metrics.UpstreamFetches.WithLabelValues("aggregate").Inc()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		agg, err := a.src.ReadAggregate(fctx, date)
		if err != nil {
			return nil, xerrors.Errorf("read aggregate %s: %w", date, err)
		}

		a.mu.Lock()
		if a.gen == gen {
			a.entry = &entry{agg: agg, fetchedAt: a.clock.Now()}
		}
		a.mu.Unlock()
		return agg, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return internal.DailyAggregate{}, res.Err
		}
		return res.Val.(internal.DailyAggregate).Clone(), nil
	case <-ctx.Done():
		return internal.DailyAggregate{}, ctx.Err()
	}
}

// Invalidate drops the cached aggregate so the next Get reads upstream.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entry = nil
	a.gen++
}

// ApplyDelta patches the cached aggregate for date after a write that went
// straight to the backing store. The entry keeps its fetch time, so it is
// replaced by upstream truth once the TTL runs out.
func (a *Aggregator) ApplyDelta(date, name string, delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if a.entry == nil || a.entry.agg.Date != date {
		return
	}
	agg := a.entry.agg.Clone()
	agg.Total += delta
	agg.UserCounts[name] += delta
	a.entry = &entry{agg: agg, fetchedAt: a.entry.fetchedAt}
}

// Settings returns the cached settings, reading them upstream once per
// settings TTL. On failure it returns the last known settings, or the
// defaults, together with the error.
func (a *Aggregator) Settings(ctx context.Context) (internal.Settings, error) {
	a.mu.Lock()
	cached := a.settings
	a.mu.Unlock()
	if cached != nil && a.clock.Since(cached.fetchedAt) < a.settingsTTL {
		a.metrics.AggregatorRequests.WithLabelValues("settings", "hit").Inc()
		return cached.settings, nil
	}
	a.metrics.AggregatorRequests.WithLabelValues("settings", "miss").Inc()

	fallback := internal.DefaultSettings()
	if cached != nil {
		fallback = cached.settings
	}

	ch := a.group.DoChan("settings", func() (interface{}, error) {
		a.metrics.UpstreamFetches.WithLabelValues("settings").Inc()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		s, err := a.src.ReadSettings(fctx)
		if err != nil {
			return nil, xerrors.Errorf("read settings: %w", err)
		}
		a.mu.Lock()
		a.settings = &settingsEntry{settings: s, fetchedAt: a.clock.Now()}
		a.mu.Unlock()
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			a.logger.Warnf("aggregator: settings read failed, serving fallback: %v", res.Err)
			return fallback, res.Err
		}
		return res.Val.(internal.Settings), nil
	case <-ctx.Done():
		return fallback, ctx.Err()
	}
}
