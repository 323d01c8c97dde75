package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/aggregator"
	"github.com/yourname/dailytally/internal/fastcache"
	"github.com/yourname/dailytally/internal/metrics"
	"github.com/yourname/dailytally/internal/service"
	"github.com/yourname/dailytally/internal/storage"
)

const today = "2026-03-14"

var istanbul, _ = time.LoadLocation("Europe/Istanbul")

// flakyStore injects failures in front of a working store.
type flakyStore struct {
	storage.BackingStore
	mu        sync.Mutex
	readErr   error
	appendErr error
}

func (f *flakyStore) fail(read, write error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr, f.appendErr = read, write
}

func (f *flakyStore) ReadAggregate(ctx context.Context, date string) (internal.DailyAggregate, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return internal.DailyAggregate{}, err
	}
	return f.BackingStore.ReadAggregate(ctx, date)
}

func (f *flakyStore) AppendRow(ctx context.Context, r internal.Reading) error {
	f.mu.Lock()
	err := f.appendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.BackingStore.AppendRow(ctx, r)
}

type harness struct {
	store   *flakyStore
	agg     *aggregator.Aggregator
	clock   *quartz.Mock
	cache   *fastcache.Cache
	mr      *miniredis.Miniredis
	metrics *metrics.Metrics
	coord   *service.Coordinator
	reader  *service.Reader
	logger  internal.Logger
}

func newHarness(t *testing.T, queued bool) *harness {
	t.Helper()
	logger := internal.NewZapLogger(zaptest.NewLogger(t).Sugar())
	fs, err := storage.NewFileStorage("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	h := &harness{
		store:   &flakyStore{BackingStore: fs},
		clock:   quartz.NewMock(t),
		metrics: metrics.New(prometheus.NewRegistry()),
		logger:  logger,
	}
	h.clock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, istanbul))
	h.agg = aggregator.New(h.store, aggregator.Options{Clock: h.clock, Logger: logger, Metrics: h.metrics})

	deps := service.CoordinatorDeps{
		Agg:      h.agg,
		Clock:    h.clock,
		Location: istanbul,
		Logger:   logger,
		Metrics:  h.metrics,
	}
	h.reader = &service.Reader{Agg: h.agg, Clock: h.clock, Location: istanbul, Logger: logger}

	if queued {
		h.mr = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		h.cache = fastcache.New(rdb, "test", logger, h.metrics, fastcache.BreakerSettings{ConsecutiveFailures: 100, OpenTimeout: time.Second})
		deps.Cache = h.cache
		deps.Committer = &service.QueuedCommitter{Cache: h.cache, Store: h.store, Agg: h.agg, Logger: logger}
		h.reader.Cache = h.cache
	} else {
		deps.Committer = &service.DirectCommitter{Store: h.store, Agg: h.agg}
	}
	h.coord = service.NewCoordinator(deps)
	return h
}

func req(name string, count interface{}, confirm bool) service.SubmitRequest {
	b, _ := json.Marshal(count)
	return service.SubmitRequest{Name: name, Count: json.Number(string(b)), ConfirmCorrection: confirm}
}

func (h *harness) submit(t *testing.T, name string, count int64, confirm bool) (service.Result, error) {
	t.Helper()
	return h.coord.Submit(context.Background(), req(name, count, confirm))
}

// storeTotal reads the backing store directly, bypassing every cache.
func (h *harness) storeTotal(t *testing.T) internal.DailyAggregate {
	t.Helper()
	agg, err := h.store.BackingStore.ReadAggregate(context.Background(), today)
	require.NoError(t, err)
	return agg
}

func strategies() map[string]bool {
	return map[string]bool{"direct": false, "queued": true}
}

func TestSubmitRequest_Parse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int64
		wantErr error
	}{
		{"integer", `{"name":"ali","count":33}`, 33, nil},
		{"numeric string", `{"name":" ali ","count":"12"}`, 12, nil},
		{"upper bound", `{"name":"ali","count":10000}`, 10000, nil},
		{"lower bound", `{"name":"ali","count":-10000}`, -10000, nil},
		{"zero", `{"name":"ali","count":0}`, 0, nil},
		{"too large", `{"name":"ali","count":10001}`, 0, internal.ErrAmountTooLarge},
		{"too small", `{"name":"ali","count":-10001}`, 0, internal.ErrAmountTooLarge},
		{"missing name", `{"count":3}`, 0, internal.ErrInvalidInput},
		{"blank name", `{"name":"   ","count":3}`, 0, internal.ErrInvalidInput},
		{"missing count", `{"name":"ali"}`, 0, internal.ErrInvalidInput},
		{"fraction", `{"name":"ali","count":1.5}`, 0, internal.ErrInvalidInput},
		{"word", `{"name":"ali","count":"many"}`, 0, internal.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r service.SubmitRequest
			if err := json.Unmarshal([]byte(tt.body), &r); err != nil {
				// Undecodable bodies are rejected as invalid input by the handler.
				assert.ErrorIs(t, tt.wantErr, internal.ErrInvalidInput, "decode: %v", err)
				return
			}
			name, got, err := r.Parse()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ali", name)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubmit_PositiveIncrementIsVisible(t *testing.T) {
	for name, queued := range strategies() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, queued)
			ctx := context.Background()

			before, err := h.reader.Today(ctx)
			require.NoError(t, err)
			assert.Equal(t, today, before.Date)

			res, err := h.submit(t, "ali", 250, false)
			require.NoError(t, err)
			assert.Equal(t, int64(250), res.Count)
			assert.False(t, res.Adjusted)
			if queued {
				assert.Equal(t, service.PathFast, res.Path)
				require.NotNil(t, res.Totals)
				assert.Equal(t, internal.Totals{Total: 250, UserCount: 250}, *res.Totals)
			} else {
				assert.Equal(t, service.PathDirect, res.Path)
				assert.Nil(t, res.Totals)
			}

			_, err = h.submit(t, "ayse", 50, false)
			require.NoError(t, err)

			snap, err := h.reader.Today(ctx)
			require.NoError(t, err)
			assert.Equal(t, before.Total+300, snap.Total)
			assert.Equal(t, int64(250), snap.UserCounts["ali"])
			assert.Equal(t, int64(50), snap.UserCounts["ayse"])
			assert.Equal(t, internal.DefaultSettings(), snap.Settings)
		})
	}
}

func TestSubmit_CorrectionWithinCredit(t *testing.T) {
	for name, queued := range strategies() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, queued)
			_, err := h.submit(t, "ali", 400, false)
			require.NoError(t, err)

			res, err := h.submit(t, "ali", -150, false)
			require.NoError(t, err)
			assert.Equal(t, int64(-150), res.Count)
			assert.False(t, res.Adjusted)

			snap, err := h.reader.Today(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(250), snap.UserCounts["ali"])
			assert.Equal(t, int64(250), snap.Total)
		})
	}
}

func TestSubmit_ConfirmationFlow(t *testing.T) {
	for name, queued := range strategies() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, queued)
			_, err := h.submit(t, "ali", 400, false)
			require.NoError(t, err)

			_, err = h.submit(t, "ali", -500, false)
			var confirm *internal.ConfirmationRequiredError
			require.ErrorAs(t, err, &confirm)
			assert.Equal(t, int64(400), confirm.MaxSubtractable)
			assert.Equal(t, int64(500), confirm.Requested)

			// Nothing was written.
			if queued {
				n, err := h.cache.QueueLen(context.Background())
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
			} else {
				assert.Equal(t, int64(400), h.storeTotal(t).Total)
			}

			res, err := h.submit(t, "ali", -500, true)
			require.NoError(t, err)
			assert.Equal(t, int64(-400), res.Count)
			assert.True(t, res.Adjusted)
			if queued {
				assert.Equal(t, internal.Totals{Total: 0, UserCount: 0}, *res.Totals)
				items, err := h.mr.List(h.cache.QueueKey())
				require.NoError(t, err)
				require.Len(t, items, 2)
				last, err := fastcache.DecodeReading(items[1])
				require.NoError(t, err)
				assert.Equal(t, int64(-400), last.Count)
			} else {
				assert.Equal(t, int64(0), h.storeTotal(t).UserCounts["ali"])
			}
			assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Corrections.WithLabelValues("clamped")))
		})
	}
}

func TestSubmit_ZeroCreditIsRejected(t *testing.T) {
	for name, queued := range strategies() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, queued)
			_, err := h.submit(t, "ayse", 10, false)
			require.NoError(t, err)

			_, err = h.submit(t, "ali", -1, true)
			assert.ErrorIs(t, err, internal.ErrNoCredit)
			assert.Contains(t, err.Error(), "ali")

			snap, err := h.reader.Today(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(10), snap.Total)
		})
	}
}

func TestSubmit_BoundsCheckedBeforeCredit(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.submit(t, "ali", 10000, false)
	require.NoError(t, err)

	_, err = h.submit(t, "ali", 10001, false)
	assert.ErrorIs(t, err, internal.ErrAmountTooLarge)
	_, err = h.submit(t, "ali", -10001, true)
	assert.ErrorIs(t, err, internal.ErrAmountTooLarge)
	assert.Equal(t, int64(10000), h.storeTotal(t).Total)
}

func TestSubmit_UnreadableCreditFailsSafe(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.submit(t, "ali", 100, false)
	require.NoError(t, err)

	h.store.fail(xerrors.Errorf("sheets: %w", internal.ErrUnavailable), nil)
	_, err = h.submit(t, "ali", -10, false)
	assert.ErrorIs(t, err, internal.ErrNoCredit)
}

func TestSubmit_CreditPrefersFastCache(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.submit(t, "ali", 50, false)
	require.NoError(t, err)

	// The backing store has not seen the queued reading and cannot be read.
	h.store.fail(xerrors.Errorf("sheets: %w", internal.ErrUnavailable), nil)
	res, err := h.submit(t, "ali", -20, false)
	require.NoError(t, err)
	assert.Equal(t, internal.Totals{Total: 30, UserCount: 30}, *res.Totals)
}

func TestSubmit_FallsBackWhenFastCacheIsDown(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	_, err := h.submit(t, "ali", 40, false)
	require.NoError(t, err)

	h.mr.SetError("ERR injected failure")
	res, err := h.submit(t, "ayse", 15, false)
	require.NoError(t, err)
	assert.Equal(t, service.PathFallback, res.Path)
	assert.Nil(t, res.Totals)
	assert.Equal(t, int64(15), h.storeTotal(t).UserCounts["ayse"])
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Writes.WithLabelValues(service.PathFallback)))

	snap, err := h.reader.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, "aggregator", snap.Source)
	assert.Equal(t, int64(15), snap.Total, "the queued reading is not replayed yet")
}

func TestSubmit_FallbackFailureIsReported(t *testing.T) {
	h := newHarness(t, true)
	h.mr.SetError("ERR injected failure")
	h.store.fail(nil, xerrors.Errorf("sheets: %w", internal.ErrUnavailable))

	_, err := h.submit(t, "ali", 5, false)
	assert.ErrorIs(t, err, internal.ErrUnavailable)
}

func TestSubmit_ResetHourRollsDate(t *testing.T) {
	h := newHarness(t, false)
	h.clock.Set(time.Date(2026, 3, 14, 21, 59, 0, 0, istanbul))
	res, err := h.submit(t, "ali", 1, false)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", res.Date)

	h.clock.Set(time.Date(2026, 3, 14, 22, 0, 0, 0, istanbul))
	res, err = h.submit(t, "ali", 1, false)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", res.Date)
}

func TestReader_DegradesToZeroedSnapshot(t *testing.T) {
	h := newHarness(t, false)
	h.store.fail(xerrors.Errorf("sheets: %w", internal.ErrUnauthenticated), nil)

	snap, err := h.reader.Today(context.Background())
	assert.ErrorIs(t, err, internal.ErrUnauthenticated)
	assert.Equal(t, today, snap.Date)
	assert.Zero(t, snap.Total)
	assert.NotNil(t, snap.UserCounts)
}

// barrierCache reports the same credit to every caller, and only once all
// expected callers have asked, reproducing two corrections that race.
type barrierCache struct {
	mu      sync.Mutex
	credit  int64
	waiting sync.WaitGroup
	applied int64
}

func (b *barrierCache) UserCount(ctx context.Context, date, name string) (int64, bool, error) {
	b.mu.Lock()
	credit := b.credit
	b.mu.Unlock()
	b.waiting.Done()
	b.waiting.Wait()
	return credit, true, nil
}

func (b *barrierCache) Increment(ctx context.Context, r internal.Reading) (internal.Totals, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit += r.Count
	b.applied += r.Count
	return internal.Totals{Total: b.credit, UserCount: b.credit}, nil
}

func (b *barrierCache) Aggregate(ctx context.Context, date string) (internal.DailyAggregate, bool, error) {
	return internal.DailyAggregate{}, false, nil
}

func TestSubmit_ConcurrentCorrectionsCanOverdraw(t *testing.T) {
	h := newHarness(t, false)
	cache := &barrierCache{credit: 100}
	cache.waiting.Add(2)
	coord := service.NewCoordinator(service.CoordinatorDeps{
		Committer: &service.QueuedCommitter{Cache: cache, Store: h.store, Agg: h.agg, Logger: h.logger},
		Cache:     cache,
		Agg:       h.agg,
		Clock:     h.clock,
		Location:  istanbul,
		Logger:    h.logger,
		Metrics:   h.metrics,
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Submit(context.Background(), req("ali", -100, false))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	// Both corrections passed against the same credit of 100.
	assert.Equal(t, int64(-200), cache.applied)
	assert.Equal(t, int64(-100), cache.credit)
}

func TestSeeder(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.store.AppendRow(ctx, internal.Reading{Name: "ali", Count: 70, Date: today, Timestamp: h.clock.Now()}))
	require.NoError(t, h.store.AppendRow(ctx, internal.Reading{Name: "veli", Count: 30, Date: today, Timestamp: h.clock.Now()}))
	_, err := h.submit(t, "stale", 5, false) // queued, not in the store
	require.NoError(t, err)

	seeder := &service.Seeder{Store: h.store, Target: h.cache, Agg: h.agg, Clock: h.clock, Location: istanbul, Logger: h.logger}
	res, err := seeder.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.SeedResult{Date: today, Total: 100, UserCount: 2, PendingQueue: 1}, res)

	snap, err := h.reader.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fast", snap.Source)
	assert.Equal(t, map[string]int64{"ali": 70, "veli": 30}, snap.UserCounts)
}

func TestCalculateGoalProgress(t *testing.T) {
	settings := internal.Settings{DhikrName: "Salavat", Target: 1000, ResetHour: 22}
	tests := []struct {
		total     int64
		percent   int64
		bar       float64
		met       bool
		remaining int64
	}{
		{0, 0, 0, false, 1000},
		{125, 13, 12.5, false, 875},
		{1000, 100, 100, true, 0},
		{1530, 153, 100, true, 0},
		{-20, -2, -2, false, 1020},
	}
	for _, tt := range tests {
		p := service.CalculateGoalProgress(internal.DailyAggregate{Date: today, Total: tt.total}, settings)
		assert.Equal(t, tt.percent, p.Percent, "total %d", tt.total)
		assert.InDelta(t, tt.bar, p.BarPercent, 1e-9, "total %d", tt.total)
		assert.Equal(t, tt.met, p.Met, "total %d", tt.total)
		assert.Equal(t, tt.remaining, p.Remaining, "total %d", tt.total)
		assert.Equal(t, "Salavat", p.Name)
	}
}

func TestReader_Progress(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.submit(t, "ali", 5000, false)
	require.NoError(t, err)

	p, err := h.reader.Progress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Percent)
	assert.Equal(t, int64(internal.DefaultTarget-5000), p.Remaining)
	assert.Equal(t, today, p.Date)
}
