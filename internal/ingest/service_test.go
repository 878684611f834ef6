package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pickrun/internal/models"
)

type fakeProvider struct {
	name    string
	records []Record
	err     error
	delay   time.Duration
	mu      sync.Mutex
	calls   int
}

func (p *fakeProvider) Name() string     { return p.name }
func (p *fakeProvider) Version() string  { return "test-1" }
func (p *fakeProvider) Endpoint() string { return "https://example.test/" + p.name }
func (p *fakeProvider) Fetch(ctx context.Context, _ time.Time) ([]Record, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.records, p.err
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]bool
}

func (o *recordingObserver) ObserveProviderFetch(provider string, success bool, _ time.Duration, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[provider] = success
}

var commenceAt = time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func scheduleRecord(key string) Record {
	return Record{GameKey: key, Kind: KindSchedule, Schedule: &Schedule{
		HomeTeam: "NYK", AwayTeam: "BOS", CommenceTime: commenceAt, Status: GameScheduled,
	}}
}

func TestService_IngestFromAllAggregates(t *testing.T) {
	key := "20250314:BOS@NYK"
	espn := &fakeProvider{name: "espn", records: []Record{scheduleRecord(key), {GameKey: key, Kind: KindOdds}}}
	odds := &fakeProvider{name: "odds", err: errors.New("quota exhausted")}
	obs := &recordingObserver{calls: map[string]bool{}}

	svc := NewService([]Provider{espn, odds}, DefaultBreakerConfig(), time.Second).WithObserver(obs)
	res := svc.IngestFromAll(context.Background(), commenceAt)

	assert.Equal(t, Summary{Total: 2, Successful: 1, Failed: 1}, res.Summary)
	assert.Len(t, res.Data, 1, "invalid record is rejected")
	assert.True(t, res.ByProvider["espn"].Success)
	assert.Equal(t, 1, res.ByProvider["espn"].Metadata.RejectedCount)
	assert.InDelta(t, 0.5, res.ByProvider["espn"].Metadata.QualityScore, 1e-9)
	assert.Equal(t, "espn", res.Data[0].Provider)

	require.Len(t, res.Errors(), 1)
	assert.Contains(t, res.Errors()[0], "quota exhausted")

	fps := res.Fingerprints()
	require.Len(t, fps, 2)
	assert.Equal(t, "espn", fps[0].Provider)
	assert.Equal(t, "test-1", fps[0].Version)
	assert.False(t, fps[1].Success)
	assert.Equal(t, "1", fps[0].Extra["rejected"])

	assert.Equal(t, map[string]bool{"espn": true, "odds": false}, obs.calls)
}

func TestService_TimeoutIsProviderFailure(t *testing.T) {
	slow := &fakeProvider{name: "slow", delay: time.Second}
	svc := NewService([]Provider{slow}, DefaultBreakerConfig(), 20*time.Millisecond)

	res := svc.IngestFromAll(context.Background(), commenceAt)

	assert.Equal(t, 1, res.Summary.Failed)
	assert.Contains(t, res.ByProvider["slow"].Metadata.Error, "deadline exceeded")
}

func TestService_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	flaky := &fakeProvider{name: "flaky", err: errors.New("503")}
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	svc := NewService([]Provider{flaky}, cfg, 0)

	var transitions []gobreaker.State
	svc.Breakers().OnStateChange(func(_ string, _, to gobreaker.State) { transitions = append(transitions, to) })

	for i := 0; i < 3; i++ {
		svc.IngestFromAll(context.Background(), commenceAt)
	}

	assert.Equal(t, 2, flaky.calls, "open breaker short-circuits the third fetch")
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
	res := svc.IngestFromAll(context.Background(), commenceAt)
	assert.Contains(t, res.ByProvider["flaky"].Metadata.Error, gobreaker.ErrOpenState.Error())
	assert.Equal(t, "open", res.ByProvider["flaky"].Metadata.CircuitBreaker)
}

func TestMerge_BuildsGamesWithSources(t *testing.T) {
	key := "20250314:BOS@NYK"
	res := Result{
		ByProvider: map[string]ProviderResult{
			"espn":    {Success: true, Metadata: ProviderMetadata{FetchedAt: commenceAt.Add(-time.Hour)}},
			"odds":    {Success: true, Metadata: ProviderMetadata{FetchedAt: commenceAt.Add(-2 * time.Hour)}},
			"ratings": {Success: false},
		},
		Data: []Record{
			withProvider(scheduleRecord(key), "espn"),
			{GameKey: key, Provider: "odds", Kind: KindOdds, Odds: &Odds{HomeDecimal: 1.6, AwayDecimal: 2.5, Spread: ptr(-4.5), Total: ptr(221.5)}},
			withProvider(scheduleRecord("20250314:LAL@GSW"), "espn"),
		},
	}

	games := Merge(res)
	require.Len(t, games, 2)
	assert.Equal(t, "20250314:BOS@NYK", games[0].Key)

	g := games[0]
	require.Len(t, g.Sources, 3)
	assert.True(t, g.Sources[0].Success)
	assert.True(t, g.Sources[1].Success)
	assert.False(t, g.Sources[2].Success)
	assert.True(t, g.Sources[2].FetchedAt.IsZero())
	assert.True(t, g.Eligible())

	f := g.Features(DefaultFeatureConfig())
	assert.InDelta(t, -4.5, f[models.FeatureSpread], 1e-9)
	assert.InDelta(t, 0.6097, f[models.FeatureMLHomeProb], 1e-3)
	assert.InDelta(t, 1.0, f[models.FeatureMLHomeProb]+f[models.FeatureMLAwayProb], 1e-9)
	assert.InDelta(t, 1.0, f[models.FeatureSeasonNorm], 1e-9)
	assert.False(t, f.Has(models.FeatureEloDiff), "ratings provider failed, elo stays absent")

	other := games[1]
	assert.False(t, other.Sources[1].Success, "odds delivered nothing for this game")
}

func withProvider(r Record, provider string) Record {
	r.Provider = provider
	return r
}

func TestGame_EligibilityAndRatings(t *testing.T) {
	g := Game{Key: "k", Schedule: &Schedule{Status: GameFinal}}
	assert.False(t, g.Eligible())
	assert.False(t, Game{Key: "k"}.Eligible())

	g = Game{
		Key:      "k",
		Schedule: &Schedule{Status: GameScheduled, CommenceTime: commenceAt},
		Ratings:  &Ratings{HomeElo: 1650, AwayElo: 1550, HomeLast10Wins: ptr(0.7)},
	}
	f := g.Features(DefaultFeatureConfig())
	assert.Equal(t, 100.0, f[models.FeatureEloDiff])
	assert.InDelta(t, 0.625, f[models.FeatureEloDiffNorm], 1e-9)
	assert.Equal(t, 0.7, f[models.FeatureHomeLast10Wins])
	assert.False(t, f.Has(models.FeatureAwayLast10Wins))

	in := g.Input("run-1", "system", DefaultFeatureConfig())
	assert.Equal(t, "k", in.MatchID)
	assert.Equal(t, "run-1", in.RunID)
}

func TestGameKey(t *testing.T) {
	et := time.FixedZone("EST", -5*3600)
	late := time.Date(2025, 3, 15, 2, 30, 0, 0, time.UTC)

	assert.Equal(t, "20250315:BOS@NYK", GameKey(late, nil, "bos", " nyk"))
	assert.Equal(t, "20250314:BOS@NYK", GameKey(late, et, "BOS", "NYK"))
}
