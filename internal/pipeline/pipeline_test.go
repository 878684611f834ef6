package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pickrun/internal/alerts"
	"github.com/sawpanic/pickrun/internal/drift"
	"github.com/sawpanic/pickrun/internal/fallback"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/ingest"
	"github.com/sawpanic/pickrun/internal/metrics"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/persistence/memory"
	"github.com/sawpanic/pickrun/internal/policy"
	"github.com/sawpanic/pickrun/internal/predict"
	"github.com/sawpanic/pickrun/internal/registry"
	"github.com/sawpanic/pickrun/internal/stream"
)

var (
	runDay   = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	tipoff   = time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC)
	gameKeys = []string{"20250314:BOS@NY", "20250314:LAL@GSW", "20250314:MIA@CHI"}
)

func f64(v float64) *float64 { return &v }

type fakeIngestor struct{ result ingest.Result }

func (f fakeIngestor) IngestFromAll(context.Context, time.Time) ingest.Result { return f.result }

// slate builds a three-provider result for the given game keys
func slate(keys []string, failed ...string) ingest.Result {
	res := ingest.Result{Date: runDay, ByProvider: map[string]ingest.ProviderResult{}}
	down := map[string]bool{}
	for _, name := range failed {
		down[name] = true
	}
	fetched := tipoff.Add(-2 * time.Hour)
	for _, name := range []string{"espn", "odds", "ratings"} {
		pr := ingest.ProviderResult{Success: !down[name], Metadata: ingest.ProviderMetadata{Version: "1", FetchedAt: fetched}}
		if down[name] {
			pr.Metadata.Error = "timeout"
			res.Summary.Failed++
		} else {
			res.Summary.Successful++
		}
		res.Summary.Total++
		res.ByProvider[name] = pr
	}
	for _, key := range keys {
		teams := strings.Split(strings.SplitN(key, ":", 2)[1], "@")
		away, home := teams[0], teams[1]
		if !down["espn"] {
			res.Data = append(res.Data, ingest.Record{GameKey: key, Provider: "espn", Kind: ingest.KindSchedule, FetchedAt: fetched,
				Schedule: &ingest.Schedule{HomeTeam: home, AwayTeam: away, CommenceTime: tipoff, Status: ingest.GameScheduled}})
		}
		if !down["odds"] {
			res.Data = append(res.Data, ingest.Record{GameKey: key, Provider: "odds", Kind: ingest.KindOdds, FetchedAt: fetched,
				Odds: &ingest.Odds{HomeDecimal: 1.8, AwayDecimal: 2.1, Spread: f64(-3.5), Total: f64(224.5), Bookmakers: 6}})
		}
		if !down["ratings"] {
			res.Data = append(res.Data, ingest.Record{GameKey: key, Provider: "ratings", Kind: ingest.KindRatings, FetchedAt: fetched,
				Ratings: &ingest.Ratings{HomeElo: 1600, AwayElo: 1500, RestDaysHome: f64(2), RestDaysAway: f64(1)}})
		}
	}
	return res
}

type predictorFunc func(ctx context.Context, in models.PredictionInput) (*models.Prediction, error)

func (f predictorFunc) Predict(ctx context.Context, in models.PredictionInput) (*models.Prediction, error) {
	return f(ctx, in)
}

func strongPrediction(in models.PredictionInput) *models.Prediction {
	a := &models.DataQualityAssessment{OverallScore: 0.9, Passed: true}
	return &models.Prediction{
		ID: uuid.NewString(), RunID: in.RunID, MatchID: in.MatchID,
		HomeTeam: in.Game.HomeTeam, AwayTeam: in.Game.AwayTeam, CommenceTime: in.Game.CommenceTime,
		PredictedWinner: in.Game.HomeTeam, HomeWinProbability: 0.9, Confidence: 0.8, Edge: 0.1, PickOdds: 1.8,
		ModelVersion: "v3.2025", QualityScore: 0.9, QualityPassed: true, Status: models.PredictionPending,
		Fallback: models.FallbackContext{
			FinalLevel:   models.LevelPrimary,
			QualityScore: 0.9,
			Attempts:     []models.FallbackAttempt{{Level: models.LevelPrimary, ModelID: "nba-v3-2025", Assessment: a, Passed: true}},
		},
	}
}

var strong = predictorFunc(func(_ context.Context, in models.PredictionInput) (*models.Prediction, error) {
	return strongPrediction(in), nil
})

type fakeDrift map[string]drift.Result

func (f fakeDrift) Score(_ context.Context, m registry.ModelInfo) drift.Result { return f[m.Version] }

type recordingAlerts struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (r *recordingAlerts) SendAlert(_ context.Context, a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
}

func (r *recordingAlerts) ofType(typ string) []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerts.Alert
	for _, a := range r.sent {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

type fakeCache struct {
	calls int
	err   error
}

func (c *fakeCache) InvalidateDecisions(context.Context, time.Time) (int64, error) {
	c.calls++
	return 2, c.err
}

// scoreTable assesses by match and model id; unknown pairs score zero
type scoreTable map[string]map[string]float64

func (s scoreTable) Assess(in models.PredictionInput, m registry.ModelInfo) models.DataQualityAssessment {
	score := s[in.MatchID][m.ID]
	return models.DataQualityAssessment{OverallScore: score, Passed: score >= 0.6}
}

func testModels() []registry.ModelInfo {
	return []registry.ModelInfo{
		{ID: "nba-v3-2025", Version: "v3.2025", ServiceModelType: "2025", Status: registry.ModelActive},
		{ID: "nba-v3-global", Version: "v3.global", ServiceModelType: "global", Status: registry.ModelActive},
		{ID: "nba-v2", Version: "v2", ServiceModelType: "v2", Status: registry.ModelValidated},
	}
}

type harness struct {
	repo    persistence.Repository
	tracker *hardstop.Tracker
	bus     *stream.StubBus
	alerts  *recordingAlerts
	cache   *fakeCache
	reg     *registry.MemoryRegistry
	runID   string
	config  Config
	deps    Deps
}

func newHarness(t *testing.T, ingestor Ingestor, predictor Predictor) *harness {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewStore().Repository()

	tracker, err := hardstop.NewTracker(ctx, "default", hardstop.DefaultLimits(), repo.HardStop)
	require.NoError(t, err)
	reg, err := registry.NewMemoryRegistry(testModels())
	require.NoError(t, err)
	run, err := repo.Runs.CreateOrReset(ctx, runDay, "trace-1")
	require.NoError(t, err)

	h := &harness{
		repo:    repo,
		tracker: tracker,
		bus:     stream.NewStubBus(),
		alerts:  &recordingAlerts{},
		cache:   &fakeCache{},
		reg:     reg,
		runID:   run.ID,
		config:  DefaultConfig(),
	}
	h.deps = Deps{
		Ingestor:  ingestor,
		Predictor: predictor,
		Policy:    policy.NewEngineWithDefaults(),
		HardStop:  tracker,
		Drift: fakeDrift{
			"v3.2025":   {Score: 0.02, Available: true},
			"v3.global": {Score: 0.03, Available: true},
		},
		Models:    reg,
		Repo:      repo,
		Cache:     h.cache,
		Publisher: stream.NewDecisionPublisher(h.bus),
		Alerts:    h.alerts,
		Metrics:   metrics.NewRegistry(),
	}
	return h
}

func (h *harness) run(t *testing.T, opts Options) Result {
	t.Helper()
	o, err := New(h.config, h.deps)
	require.NoError(t, err)
	opts.RunID = h.runID
	opts.TraceID = "trace-1"
	opts.RunDate = runDay
	return o.Run(context.Background(), opts)
}

func decisionsByMatch(t *testing.T, h *harness) map[string]models.PolicyDecision {
	t.Helper()
	ctx := context.Background()
	preds, err := h.repo.Predictions.ListByRun(ctx, h.runID)
	require.NoError(t, err)
	out := make(map[string]models.PolicyDecision, len(preds))
	for _, p := range preds {
		d, err := h.repo.Decisions.GetByPrediction(ctx, p.ID)
		require.NoError(t, err)
		out[p.MatchID] = *d
	}
	return out
}

func TestRun_FallbackScenariosEndToEnd(t *testing.T) {
	scores := scoreTable{
		gameKeys[0]: {"nba-v3-2025": 0.9},
		gameKeys[1]: {"nba-v3-2025": 0.35, "nba-v3-global": 0.72},
		gameKeys[2]: {"nba-v3-2025": 0.4, "nba-v3-global": 0.3, "nba-v2": 0.2},
	}
	reg, err := registry.NewMemoryRegistry(testModels())
	require.NoError(t, err)
	chain, err := fallback.NewChain([]fallback.LevelConfig{
		{Level: models.LevelPrimary, ModelID: "nba-v3-2025"},
		{Level: models.LevelSecondary, ModelID: "nba-v3-global"},
		{Level: models.LevelLastValidated, ModelID: "nba-v2"},
	}, reg, scores)
	require.NoError(t, err)
	serving := predictServing{prob: 0.9}
	svc, err := predict.NewService(chain, serving, predict.DefaultScoreConfig())
	require.NoError(t, err)

	h := newHarness(t, fakeIngestor{result: slate(gameKeys)}, svc)
	h.deps.Quality = scores
	h.config.RepresentativeModel = "nba-v3-2025"

	res := h.run(t, Options{})

	assert.Equal(t, StatusCompleted, res.Status, res.Errors)
	assert.Equal(t, models.RunCounters{TotalMatches: 3, Predictions: 3, Picks: 2, NoBet: 1}, res.Counters)
	require.NotNil(t, res.DataQualityScore)
	assert.Equal(t, 0.9, *res.DataQualityScore)
	require.Len(t, res.Phases, 4)
	for _, p := range res.Phases {
		assert.Equal(t, metrics.ResultSuccess, p.Status, p.Name)
	}

	decisions := decisionsByMatch(t, h)
	require.Len(t, decisions, 3)

	assert.Equal(t, models.StatusPick, decisions[gameKeys[0]].Status)

	secondary := decisions[gameKeys[1]]
	assert.Equal(t, models.StatusPick, secondary.Status)
	require.NotNil(t, secondary.QualityAssessment)
	assert.Equal(t, 0.72, secondary.QualityAssessment.OverallScore)

	forced := decisions[gameKeys[2]]
	assert.Equal(t, models.StatusNoBet, forced.Status)
	require.NotNil(t, forced.NoBetReason)
	assert.Equal(t, models.NoBetReasonDegradedDataQuality, *forced.NoBetReason)

	preds, err := h.repo.Predictions.ListByRun(context.Background(), h.runID)
	require.NoError(t, err)
	for _, p := range preds {
		assert.Equal(t, models.PredictionProcessed, p.Status)
		if p.MatchID == gameKeys[1] {
			assert.Equal(t, models.LevelSecondary, p.Fallback.FinalLevel)
			assert.Len(t, p.Fallback.Attempts, 2)
		}
		if p.MatchID == gameKeys[2] {
			assert.True(t, p.WasForcedNoBet())
			assert.Zero(t, p.QualityScore)
			assert.Len(t, p.Fallback.Attempts, 4)
		}
	}

	for _, d := range decisions {
		assert.NotNil(t, d.PublishedAt)
		assert.NotEmpty(t, d.TraceID)
		assert.Len(t, d.DataSourceFingerprints, 3)
		if d.Status == models.StatusPick {
			assert.True(t, d.Gates.AllPassed())
			require.NotNil(t, d.QualityAssessment)
			assert.True(t, d.QualityAssessment.Passed)
		}
	}

	stored, err := h.repo.Runs.Get(context.Background(), h.runID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TotalMatches)
	assert.Equal(t, 3, stored.PredictionsCount)
	assert.Equal(t, 2, stored.PicksCount)
	assert.Equal(t, 1, stored.NoBetCount)

	assert.Len(t, h.bus.Messages(stream.TopicDecisionsPublished), 3)
	assert.Equal(t, 1, h.cache.calls)
	assert.Empty(t, h.alerts.sent)
}

type predictServing struct{ prob float64 }

func (s predictServing) PredictSingle(context.Context, string, models.Features) (*predict.SingleResponse, error) {
	return &predict.SingleResponse{HomeWinProbability: s.prob}, nil
}

func TestRun_HardStopHaltsEveryDecision(t *testing.T) {
	h := newHarness(t, fakeIngestor{result: slate(gameKeys[:2])}, strong)
	for i := 0; i < 5; i++ {
		_, err := h.tracker.RecordOutcome(context.Background(), hardstop.Outcome{Amount: decimal.NewFromInt(10)})
		require.NoError(t, err)
	}

	res := h.run(t, Options{})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Counters.HardStop)
	assert.Zero(t, res.Counters.Picks)
	for _, d := range decisionsByMatch(t, h) {
		assert.Equal(t, models.StatusHardStop, d.Status)
		assert.False(t, d.HardStopGate)
		require.NotNil(t, d.HardStopReason)
		assert.Contains(t, *d.HardStopReason, "consecutive losses")
	}
	assert.Len(t, h.alerts.ofType(alerts.TypeHardStop), 1)
}

func TestRun_ZeroPredictionsFails(t *testing.T) {
	failing := predictorFunc(func(context.Context, models.PredictionInput) (*models.Prediction, error) {
		return nil, errors.New("serving unavailable")
	})
	h := newHarness(t, fakeIngestor{result: slate(gameKeys[:2])}, failing)

	res := h.run(t, Options{})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, res.Counters.Predictions)
	assert.Equal(t, []string{"inference: 2 of 2 games failed"}, res.Errors)
	n, err := h.repo.Decisions.CountByRun(context.Background(), h.runID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_ProviderFailureIsPartial(t *testing.T) {
	h := newHarness(t, fakeIngestor{result: slate(gameKeys[:1], "ratings")}, strong)

	res := h.run(t, Options{})

	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, []string{"ingestion: provider ratings failed: timeout"}, res.Errors)
	assert.Equal(t, 1, res.Counters.Picks)
	sent := h.alerts.ofType(alerts.TypeProviderFailure)
	require.Len(t, sent, 1)
	assert.Equal(t, h.runID, sent[0].RunID)
}

func TestRun_AllProvidersDown(t *testing.T) {
	h := newHarness(t, fakeIngestor{result: slate(nil, "espn", "odds", "ratings")}, strong)

	res := h.run(t, Options{})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, metrics.ResultError, res.Phases[0].Status)
	assert.Contains(t, res.Errors, "ingestion: all 3 providers failed")
	assert.NotEmpty(t, h.alerts.ofType(alerts.TypePipelineFailure))
}

func TestRun_PanicYieldsFailedResult(t *testing.T) {
	boom := predictorFunc(func(context.Context, models.PredictionInput) (*models.Prediction, error) {
		panic("nil model")
	})
	h := newHarness(t, fakeIngestor{result: slate(gameKeys[:1])}, boom)

	res := h.run(t, Options{})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, models.RunCounters{}, res.Counters)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "pipeline panic: nil model", res.Errors[0])
	assert.Len(t, h.alerts.ofType(alerts.TypePipelineFailure), 1)
}

func TestRun_InferenceTimeout(t *testing.T) {
	blocking := predictorFunc(func(ctx context.Context, _ models.PredictionInput) (*models.Prediction, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, fakeIngestor{result: slate(gameKeys[:2])}, blocking)
	h.config.PhaseTimeout = 20 * time.Millisecond

	res := h.run(t, Options{})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, metrics.ResultTimeout, res.Phases[1].Status)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "inference phase timed out")
	assert.Equal(t, metrics.ResultSuccess, res.Phases[2].Status, "later phases still run")
}

func TestRun_SkippedPhasesDecideStoredPredictions(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	for _, key := range gameKeys[:2] {
		p := strongPrediction(models.PredictionInput{RunID: h.runID, MatchID: key, Game: models.GameInfo{HomeTeam: "H", AwayTeam: "A"}})
		require.NoError(t, h.repo.Predictions.Create(ctx, p))
	}

	res := h.run(t, Options{SkipIngestion: true, SkipInference: true})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, metrics.ResultSkipped, res.Phases[0].Status)
	assert.Equal(t, metrics.ResultSkipped, res.Phases[1].Status)
	assert.Equal(t, 2, res.Counters.Predictions)
	assert.Equal(t, 2, res.Counters.Picks)

	again := h.run(t, Options{SkipIngestion: true, SkipInference: true})
	assert.Equal(t, 2, again.Counters.Picks)
	n, err := h.repo.Decisions.CountByRun(ctx, h.runID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a rerun must not duplicate decisions")
}

func TestRun_RerunForwardsOnlyNewDecisions(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	store := func(key string) {
		p := strongPrediction(models.PredictionInput{RunID: h.runID, MatchID: key, Game: models.GameInfo{HomeTeam: "H", AwayTeam: "A"}})
		require.NoError(t, h.repo.Predictions.Create(ctx, p))
	}
	store(gameKeys[0])
	store(gameKeys[1])

	res := h.run(t, Options{SkipIngestion: true, SkipInference: true})
	require.Equal(t, StatusCompleted, res.Status, res.Errors)
	assert.Len(t, h.bus.Messages(stream.TopicDecisionsPublished), 2)

	h.run(t, Options{SkipIngestion: true, SkipInference: true})
	assert.Len(t, h.bus.Messages(stream.TopicDecisionsPublished), 2, "nothing new to forward")

	store(gameKeys[2])
	res = h.run(t, Options{SkipIngestion: true, SkipInference: true})
	require.Equal(t, StatusCompleted, res.Status, res.Errors)
	assert.Len(t, h.bus.Messages(stream.TopicDecisionsPublished), 3)

	n, err := h.repo.Decisions.CountByRun(ctx, h.runID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_DriftUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t, fakeIngestor{result: slate(gameKeys[:1])}, strong)
	h.deps.Drift = fakeDrift{}

	res := h.run(t, Options{})

	assert.Equal(t, 1, res.Counters.NoBet)
	d := decisionsByMatch(t, h)[gameKeys[0]]
	assert.False(t, d.DriftGate)
	require.NotNil(t, d.NoBetReason)
	assert.Equal(t, models.GateDrift, *d.NoBetReason)
}

func TestRun_CacheFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, fakeIngestor{result: slate(gameKeys[:1])}, strong)
	h.cache.err = errors.New("redis down")

	res := h.run(t, Options{})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, h.cache.calls)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorContains(t, err, "policy engine")
}
