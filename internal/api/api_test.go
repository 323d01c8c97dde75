package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/aggregator"
	"github.com/yourname/dailytally/internal/api"
	"github.com/yourname/dailytally/internal/fastcache"
	"github.com/yourname/dailytally/internal/metrics"
	"github.com/yourname/dailytally/internal/replay"
	"github.com/yourname/dailytally/internal/service"
	"github.com/yourname/dailytally/internal/storage"
)

const secret = "cron-secret"

type testApp struct {
	logger    internal.Logger
	submitter api.Submitter
	reader    api.TodayReader
	replayer  api.Replayer
	seeder    api.CacheSeeder
	reg       *prometheus.Registry
	cache     *fastcache.Cache
}

func (a *testApp) Logger() internal.Logger       { return a.logger }
func (a *testApp) Submitter() api.Submitter      { return a.submitter }
func (a *testApp) Reader() api.TodayReader       { return a.reader }
func (a *testApp) Replayer() api.Replayer        { return a.replayer }
func (a *testApp) Seeder() api.CacheSeeder       { return a.seeder }
func (a *testApp) Gatherer() prometheus.Gatherer { return a.reg }
func (a *testApp) CronSecret() string            { return secret }
func (a *testApp) Ping(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Ping(ctx)
}

// newQueuedApp wires the real service over an in-memory store and miniredis.
func newQueuedApp(t *testing.T) (*testApp, *storage.FileStorage, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := internal.NewZapLogger(zaptest.NewLogger(t).Sugar())
	loc, err := time.LoadLocation("Europe/Istanbul")
	require.NoError(t, err)

	fs, err := storage.NewFileStorage("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, loc))

	cache := fastcache.New(rdb, "test", logger, m, fastcache.BreakerSettings{ConsecutiveFailures: 100, OpenTimeout: time.Second})
	agg := aggregator.New(fs, aggregator.Options{Clock: clock, Logger: logger, Metrics: m})
	coord := service.NewCoordinator(service.CoordinatorDeps{
		Committer: &service.QueuedCommitter{Cache: cache, Store: fs, Agg: agg, Logger: logger},
		Cache:     cache,
		Agg:       agg,
		Clock:     clock,
		Location:  loc,
		Logger:    logger,
		Metrics:   m,
	})

	return &testApp{
		logger:    logger,
		submitter: coord,
		reader:    &service.Reader{Cache: cache, Agg: agg, Clock: clock, Location: loc, Logger: logger},
		replayer:  replay.New(cache.Queue(fastcache.ModeReliable), fs, replay.Options{Logger: logger, Metrics: m}),
		seeder:    &service.Seeder{Store: fs, Target: cache, Agg: agg, Clock: clock, Location: loc, Logger: logger},
		reg:       reg,
		cache:     cache,
	}, fs, mr
}

func do(t *testing.T, r http.Handler, method, path, body string, auth bool) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestReadings_RoundTrip(t *testing.T) {
	app, _, _ := newQueuedApp(t)
	r := api.NewRouter(app)

	w, body := do(t, r, http.MethodGet, "/api/readings", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2026-03-14", body["date"])
	assert.Equal(t, float64(0), body["total"])
	assert.NotContains(t, body, "error")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, body = do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":33}`, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["adjusted"])
	assert.Equal(t, float64(33), body["newTotal"])
	assert.Equal(t, float64(33), body["newUserCount"])

	w, body = do(t, r, http.MethodPost, "/api/readings", `{"name":"Veli","count":"7"}`, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(40), body["newTotal"])

	_, body = do(t, r, http.MethodGet, "/api/readings", "", false)
	assert.Equal(t, float64(40), body["total"])
	assert.Equal(t, map[string]interface{}{"Ali": float64(33), "Veli": float64(7)}, body["userCounts"])
	settings := body["settings"].(map[string]interface{})
	assert.Equal(t, float64(internal.DefaultResetHour), settings["resetHour"])
}

func TestPostReading_Rejections(t *testing.T) {
	app, _, _ := newQueuedApp(t)
	r := api.NewRouter(app)

	w, body := do(t, r, http.MethodPost, "/api/readings", `{"name":`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Name and count are required", body["error"])

	w, body = do(t, r, http.MethodPost, "/api/readings", `{"count":5}`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Name and count are required", body["error"])

	w, body = do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":10001}`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "10000")

	w, body = do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":-5}`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "Ali")
}

func TestPostReading_ConfirmationFlow(t *testing.T) {
	app, _, mr := newQueuedApp(t)
	r := api.NewRouter(app)

	w, _ := do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":400}`, false)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":-500}`, false)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["requiresConfirmation"])
	assert.Equal(t, float64(400), body["maxSubtractable"])
	assert.Contains(t, body["message"], "400")
	assert.Contains(t, body["message"], "500")

	w, body = do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":-500,"confirmCorrection":true}`, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["adjusted"])
	assert.Equal(t, float64(0), body["newUserCount"])

	queued, err := mr.List("test:sync_queue")
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestPostReading_FallbackHasNoTotals(t *testing.T) {
	app, fs, mr := newQueuedApp(t)
	r := api.NewRouter(app)
	mr.SetError("ERR injected failure")

	w, body := do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":3}`, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.NotContains(t, body, "newTotal")

	agg, err := fs.ReadAggregate(context.Background(), "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(3), agg.Total)

	w, body = do(t, r, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

type stubSubmitter struct{ err error }

func (s stubSubmitter) Submit(context.Context, service.SubmitRequest) (service.Result, error) {
	return service.Result{}, s.err
}

type stubReader struct{ err error }

func (s stubReader) Today(context.Context) (service.Snapshot, error) {
	return service.Snapshot{
		DailyAggregate: internal.DailyAggregate{Date: "2026-03-14", UserCounts: map[string]int64{}},
		Settings:       internal.DefaultSettings(),
	}, s.err
}

func (s stubReader) Progress(ctx context.Context) (service.GoalProgress, error) {
	snap, err := s.Today(ctx)
	return service.CalculateGoalProgress(snap.DailyAggregate, snap.Settings), err
}

func stubApp(t *testing.T, sub api.Submitter, rd api.TodayReader) *testApp {
	gin.SetMode(gin.TestMode)
	return &testApp{
		logger:    internal.NewZapLogger(zaptest.NewLogger(t).Sugar()),
		submitter: sub,
		reader:    rd,
		reg:       prometheus.NewRegistry(),
	}
}

func TestPostReading_StoreFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		key  string
		want interface{}
	}{
		{"unavailable", xerrors.Errorf("fallback append: %w", internal.ErrUnavailable), http.StatusTooManyRequests, "success", false},
		{"unauthenticated", xerrors.Errorf("fallback append: %w", internal.ErrUnauthenticated), http.StatusInternalServerError, "error", "Setup Required"},
		{"unknown", xerrors.New("boom"), http.StatusInternalServerError, "error", "Failed to add reading"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := api.NewRouter(stubApp(t, stubSubmitter{err: tt.err}, stubReader{}))
			w, body := do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":1}`, false)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.want, body[tt.key])
		})
	}
}

func TestGetReadings_Degrades(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unavailable", xerrors.Errorf("read: %w", internal.ErrUnavailable), "Overloaded"},
		{"unauthenticated", xerrors.Errorf("read: %w", internal.ErrUnauthenticated), "Setup Required"},
		{"unknown", xerrors.New("boom"), "Setup Required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := api.NewRouter(stubApp(t, stubSubmitter{}, stubReader{err: tt.err}))
			w, body := do(t, r, http.MethodGet, "/api/readings", "", false)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, body["error"])
			assert.Equal(t, float64(0), body["total"])
			assert.Equal(t, map[string]interface{}{}, body["userCounts"])
		})
	}
}

func TestGoalProgress(t *testing.T) {
	app, _, _ := newQueuedApp(t)
	r := api.NewRouter(app)
	do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":2500}`, false)

	w, body := do(t, r, http.MethodGet, "/api/progress", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	progress := body["progress"].(map[string]interface{})
	assert.Equal(t, float64(internal.DefaultTarget), progress["target"])
	assert.Equal(t, float64(2500), progress["total"])
	assert.Equal(t, float64(internal.DefaultTarget-2500), progress["remaining"])
	assert.Equal(t, float64(3), progress["percent"])
	assert.Equal(t, false, progress["met"])

	r = api.NewRouter(stubApp(t, stubSubmitter{}, stubReader{err: xerrors.Errorf("read: %w", internal.ErrUnavailable)}))
	w, body = do(t, r, http.MethodGet, "/api/progress", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Overloaded", body["error"])
}

func TestCronSync(t *testing.T) {
	app, fs, _ := newQueuedApp(t)
	r := api.NewRouter(app)

	w, _ := do(t, r, http.MethodGet, "/api/cron/sync", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := do(t, r, http.MethodGet, "/api/cron/sync", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Queue empty", body["message"])
	assert.Equal(t, float64(0), body["syncCount"])

	for _, b := range []string{`{"name":"Ali","count":2}`, `{"name":"Veli","count":5}`} {
		w, _ = do(t, r, http.MethodPost, "/api/readings", b, false)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, body = do(t, r, http.MethodGet, "/api/cron/sync", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Synced 2 items", body["message"])
	assert.Equal(t, float64(2), body["syncCount"])

	agg, err := fs.ReadAggregate(context.Background(), "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(7), agg.Total)
}

type busyReplayer struct{}

func (busyReplayer) RunOnce(context.Context) (int, error) { return 0, replay.ErrReplayInProgress }

func TestCronSync_AlreadyRunning(t *testing.T) {
	app := stubApp(t, stubSubmitter{}, stubReader{})
	app.replayer = busyReplayer{}
	r := api.NewRouter(app)

	w, body := do(t, r, http.MethodGet, "/api/cron/sync", "", true)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body, "error")
}

func TestSeed(t *testing.T) {
	app, fs, mr := newQueuedApp(t)
	r := api.NewRouter(app)
	ctx := context.Background()
	require.NoError(t, fs.AppendRow(ctx, internal.Reading{Name: "Ali", Count: 12, Date: "2026-03-14", Timestamp: time.Now()}))
	require.NoError(t, fs.AppendRow(ctx, internal.Reading{Name: "Veli", Count: 8, Date: "2026-03-14", Timestamp: time.Now()}))

	w, _ := do(t, r, http.MethodGet, "/api/seed", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := do(t, r, http.MethodGet, "/api/seed", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Redis seeded successfully", body["message"])
	assert.Equal(t, map[string]interface{}{
		"total":        float64(20),
		"date":         "2026-03-14",
		"userCount":    float64(2),
		"pendingQueue": float64(0),
	}, body["seededData"])

	total, err := mr.Get("test:2026-03-14:total")
	require.NoError(t, err)
	assert.Equal(t, "20", total)
}

func TestCronRoutesNeedFastCache(t *testing.T) {
	r := api.NewRouter(stubApp(t, stubSubmitter{}, stubReader{}))
	w, _ := do(t, r, http.MethodGet, "/api/cron/sync", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = do(t, r, http.MethodGet, "/api/seed", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsAndHealthz(t *testing.T) {
	app, _, _ := newQueuedApp(t)
	r := api.NewRouter(app)
	do(t, r, http.MethodPost, "/api/readings", `{"name":"Ali","count":1}`, false)

	w, _ := do(t, r, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `dailytally_writes_committed_total{path="fast"} 1`)

	w, body := do(t, r, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}
