package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pickrun/internal/cache"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/metrics"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/persistence/memory"
	"github.com/sawpanic/pickrun/internal/pipeline"
	"github.com/sawpanic/pickrun/internal/scheduler"
)

type runnerFunc func(ctx context.Context, opts pipeline.Options) pipeline.Result

func (f runnerFunc) Run(ctx context.Context, opts pipeline.Options) pipeline.Result {
	return f(ctx, opts)
}

func succeed(_ context.Context, opts pipeline.Options) pipeline.Result {
	return pipeline.Result{
		RunID:    opts.RunID,
		Status:   pipeline.StatusCompleted,
		Counters: models.RunCounters{TotalMatches: 2, Predictions: 2, Picks: 1, NoBet: 1},
	}
}

func fail(_ context.Context, opts pipeline.Options) pipeline.Result {
	return pipeline.Result{RunID: opts.RunID, Status: pipeline.StatusFailed, Errors: []string{"no predictions were produced"}}
}

type fakeDatabase struct{ healthy bool }

func (f fakeDatabase) Health(context.Context) persistence.HealthCheck {
	hc := persistence.HealthCheck{Healthy: f.healthy}
	if !f.healthy {
		hc.Errors = []string{"ping failed: connection refused"}
	}
	return hc
}
func (fakeDatabase) Ping(context.Context) error                     { return nil }
func (fakeDatabase) Stats(context.Context) map[string]interface{} { return nil }

type busyTrigger struct{}

func (busyTrigger) TriggerDailyRun(context.Context, scheduler.TriggerOptions) (*scheduler.RunReport, error) {
	return nil, scheduler.ErrRunInProgress
}
func (busyTrigger) Health(context.Context) (scheduler.Health, error) {
	return scheduler.Health{Healthy: true}, nil
}

type fixture struct {
	repo    persistence.Repository
	tracker *hardstop.Tracker
	sched   *scheduler.Scheduler
	deps    Deps
}

func newFixture(t *testing.T, runner scheduler.Runner) *fixture {
	t.Helper()
	repo := memory.NewStore().Repository()
	tracker, err := hardstop.NewTracker(context.Background(), "default", hardstop.DefaultLimits(), repo.HardStop)
	require.NoError(t, err)
	sched, err := scheduler.New(scheduler.DefaultConfig(), runner, repo.Runs, tracker, nil)
	require.NoError(t, err)
	return &fixture{
		repo:    repo,
		tracker: tracker,
		sched:   sched,
		deps: Deps{
			Scheduler: sched,
			Runs:      repo.Runs,
			Decisions: repo.Decisions,
			HardStop:  tracker,
			Metrics:   metrics.NewRegistry(),
			Version:   "test",
		},
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(DefaultServerConfig(), NewHandlers(f.deps))
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealth_Healthy(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	f.deps.Database = fakeDatabase{healthy: true}

	rr := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "pass", resp.Checks["scheduler"].Status)
	assert.Equal(t, "pass", resp.Checks["database"].Status)
	assert.Equal(t, "pass", resp.Checks["hard_stop"].Status)
	assert.Equal(t, "500.00", resp.HardStop.DailyLossLimit)
}

func TestHealth_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, runnerFunc(fail))
	for d := 10; d < 13; d++ {
		_, err := f.sched.TriggerDailyRun(context.Background(), scheduler.TriggerOptions{Date: time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)})
		require.NoError(t, err)
	}

	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "fail", resp.Checks["scheduler"].Status)
	require.NotNil(t, resp.Scheduler)
	assert.Equal(t, 3, resp.Scheduler.ConsecutiveFailures)
}

func TestHealth_DatabaseDown(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	f.deps.Database = fakeDatabase{healthy: false}

	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestTriggerRun(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))

	rr := f.do(t, http.MethodPost, "/runs", `{"date":"2025-03-14","skipIngestion":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report scheduler.RunReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, models.RunCompleted, report.Run.Status)
	assert.Equal(t, 1, report.Run.PicksCount)

	stored, err := f.repo.Runs.GetByDate(context.Background(), time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, report.Run.ID, stored.ID)
}

func TestTriggerRun_EmptyBodyRunsToday(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	rr := f.do(t, http.MethodPost, "/runs", "")
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestTriggerRun_BadRequests(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/runs", `{"date":"14/03/2025"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/runs", `{not json`).Code)
}

func TestTriggerRun_Conflict(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	f.deps.Scheduler = busyTrigger{}
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/runs", "").Code)
}

func TestGetRun_CachesFinishedRun(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	_, err := f.sched.TriggerDailyRun(context.Background(), scheduler.TriggerOptions{Date: day})
	require.NoError(t, err)

	run, err := f.repo.Runs.GetByDate(context.Background(), day)
	require.NoError(t, err)
	want, err := json.Marshal(RunResponse{Run: *run, Decisions: []models.PolicyDecision{}})
	require.NoError(t, err)

	db, mock := redismock.NewClientMock()
	f.deps.Cache = cache.NewWithClient(db, "", time.Minute)
	mock.ExpectGet("pickrun:runs:2025-03-14").RedisNil()
	mock.ExpectSet("pickrun:runs:2025-03-14", want, time.Minute).SetVal("OK")
	mock.ExpectGet("pickrun:runs:2025-03-14").SetVal(string(want))

	miss := f.do(t, http.MethodGet, "/runs/2025-03-14", "")
	require.Equal(t, http.StatusOK, miss.Code, miss.Body.String())
	assert.Equal(t, "MISS", miss.Header().Get("X-Cache"))

	hit := f.do(t, http.MethodGet, "/runs/2025-03-14", "")
	require.Equal(t, http.StatusOK, hit.Code)
	assert.Equal(t, "HIT", hit.Header().Get("X-Cache"))
	assert.JSONEq(t, miss.Body.String(), hit.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_Errors(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/runs/2025-03-14", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/runs/yesterday", "").Code)
}

func TestHardStop_GetAndReset(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))
	for i := 0; i < 5; i++ {
		_, err := f.tracker.RecordOutcome(context.Background(), hardstop.Outcome{Amount: decimal.NewFromInt(100)})
		require.NoError(t, err)
	}

	rr := f.do(t, http.MethodGet, "/hardstop", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var view HardStopResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.True(t, view.Active)
	assert.True(t, view.Halted)
	assert.Equal(t, "500.00", view.DailyLoss)
	assert.Equal(t, 5, view.ConsecutiveLosses)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/hardstop", `{}`).Code)

	rr = f.do(t, http.MethodPost, "/hardstop", `{"reason":"reviewed with risk desk"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.False(t, view.Active)
	assert.Equal(t, "0.00", view.DailyLoss)
	assert.False(t, f.tracker.Snapshot().State.IsActive)
}

func TestMetricsAndNotFound(t *testing.T) {
	f := newFixture(t, runnerFunc(succeed))

	rr := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pickrun_active_runs")

	rr = f.do(t, http.MethodGet, "/candidates", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "not found")
}
