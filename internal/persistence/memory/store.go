// Package memory provides in-process repositories with the same uniqueness
// and atomicity guarantees as the postgres implementation. Used for tests,
// dry runs, and deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
)

// Store holds every repository behind one lock
type Store struct {
	mu          sync.Mutex
	predictions map[string]models.Prediction
	decisions   map[string]models.PolicyDecision // keyed by prediction id
	runs        map[string]models.DailyRun
	hardStop    map[string]models.HardStopState
	now         func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		predictions: make(map[string]models.Prediction),
		decisions:   make(map[string]models.PolicyDecision),
		runs:        make(map[string]models.DailyRun),
		hardStop:    make(map[string]models.HardStopState),
		now:         time.Now,
	}
}

// Repository exposes the store through the persistence interfaces
func (s *Store) Repository() persistence.Repository {
	return persistence.Repository{
		Predictions: (*predictionRepo)(s),
		Decisions:   (*decisionRepo)(s),
		Runs:        (*runRepo)(s),
		HardStop:    (*hardStopRepo)(s),
	}
}

type predictionRepo Store

func (r *predictionRepo) Create(ctx context.Context, p *models.Prediction) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.predictions {
		if existing.RunID == p.RunID && existing.MatchID == p.MatchID {
			return fmt.Errorf("prediction for match %s in run %s: %w", p.MatchID, p.RunID, persistence.ErrDuplicate)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, taken := s.predictions[p.ID]; taken {
		return fmt.Errorf("prediction %s: %w", p.ID, persistence.ErrDuplicate)
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.predictions[p.ID] = *p
	return nil
}

func (r *predictionRepo) Get(ctx context.Context, id string) (*models.Prediction, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.predictions[id]
	if !ok {
		return nil, fmt.Errorf("prediction %s: %w", id, persistence.ErrNotFound)
	}
	return &p, nil
}

func (r *predictionRepo) ListByRun(ctx context.Context, runID string) ([]models.Prediction, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Prediction
	for _, p := range s.predictions {
		if p.RunID == runID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MatchID < out[j].MatchID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *predictionRepo) ListByStatus(ctx context.Context, statuses []models.PredictionStatus, limit int) ([]models.Prediction, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[models.PredictionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []models.Prediction
	for _, p := range s.predictions {
		if want[p.Status] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommenceTime.Before(out[j].CommenceTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *predictionRepo) UpdateStatus(ctx context.Context, id string, status models.PredictionStatus) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.predictions[id]
	if !ok {
		return fmt.Errorf("prediction %s: %w", id, persistence.ErrNotFound)
	}
	p.Status = status
	p.UpdatedAt = s.now()
	s.predictions[id] = p
	return nil
}

func (r *predictionRepo) RecordResult(ctx context.Context, id string, homeScore, awayScore int, correct bool, status models.PredictionStatus) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.predictions[id]
	if !ok {
		return fmt.Errorf("prediction %s: %w", id, persistence.ErrNotFound)
	}
	p.ActualHomeScore = &homeScore
	p.ActualAwayScore = &awayScore
	p.Correct = &correct
	p.Status = status
	p.UpdatedAt = s.now()
	s.predictions[id] = p
	return nil
}

func (r *predictionRepo) RecentConfidences(ctx context.Context, modelVersion string, since time.Time, limit int) ([]float64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Prediction
	for _, p := range s.predictions {
		if p.ModelVersion == modelVersion && !p.CreatedAt.Before(since) && !p.WasForcedNoBet() {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]float64, len(matched))
	for i, p := range matched {
		out[i] = p.Confidence
	}
	return out, nil
}

func (r *predictionRepo) CountByRun(ctx context.Context, runID string) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.predictions {
		if p.RunID == runID {
			n++
		}
	}
	return n, nil
}

type decisionRepo Store

func (r *decisionRepo) Insert(ctx context.Context, d *models.PolicyDecision) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.decisions[d.PredictionID]; exists {
		return fmt.Errorf("decision for prediction %s: %w", d.PredictionID, persistence.ErrDuplicate)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.decisions[d.PredictionID] = *d
	return nil
}

func (r *decisionRepo) GetByPrediction(ctx context.Context, predictionID string) (*models.PolicyDecision, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.decisions[predictionID]
	if !ok {
		return nil, fmt.Errorf("decision for prediction %s: %w", predictionID, persistence.ErrNotFound)
	}
	return &d, nil
}

func (r *decisionRepo) ListByRun(ctx context.Context, runID string) ([]models.PolicyDecision, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PolicyDecision
	for _, d := range s.decisions {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (r *decisionRepo) MarkPublished(ctx context.Context, runID string, at time.Time) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, d := range s.decisions {
		if d.RunID == runID && d.PublishedAt == nil {
			published := at
			d.PublishedAt = &published
			s.decisions[key] = d
			n++
		}
	}
	return n, nil
}

func (r *decisionRepo) CountByRun(ctx context.Context, runID string) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.decisions {
		if d.RunID == runID {
			n++
		}
	}
	return n, nil
}

type runRepo Store

func (r *runRepo) CreateOrReset(ctx context.Context, runDate time.Time, traceID string) (*models.DailyRun, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	day := models.DateOnly(runDate)
	now := s.now()
	for id, run := range s.runs {
		if run.RunDate.Equal(day) {
			reset := models.DailyRun{
				ID:        id,
				RunDate:   day,
				Status:    models.RunPending,
				TraceID:   traceID,
				CreatedAt: run.CreatedAt,
				UpdatedAt: now,
			}
			s.runs[id] = reset
			return &reset, nil
		}
	}
	run := models.DailyRun{
		ID:        uuid.NewString(),
		RunDate:   day,
		Status:    models.RunPending,
		TraceID:   traceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.runs[run.ID] = run
	return &run, nil
}

func (r *runRepo) Get(ctx context.Context, id string) (*models.DailyRun, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, persistence.ErrNotFound)
	}
	return &run, nil
}

func (r *runRepo) GetByDate(ctx context.Context, runDate time.Time) (*models.DailyRun, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	day := models.DateOnly(runDate)
	for _, run := range s.runs {
		if run.RunDate.Equal(day) {
			out := run
			return &out, nil
		}
	}
	return nil, fmt.Errorf("run for %s: %w", day.Format("2006-01-02"), persistence.ErrNotFound)
}

func (r *runRepo) MarkRunning(ctx context.Context, id string, at time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, persistence.ErrNotFound)
	}
	started := at
	run.Status = models.RunRunning
	run.StartedAt = &started
	run.UpdatedAt = s.now()
	s.runs[id] = run
	return nil
}

func (r *runRepo) IncrementCounters(ctx context.Context, id string, delta models.RunCounters) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, persistence.ErrNotFound)
	}
	run.TotalMatches += delta.TotalMatches
	run.PredictionsCount += delta.Predictions
	run.PicksCount += delta.Picks
	run.NoBetCount += delta.NoBet
	run.HardStopCount += delta.HardStop
	run.UpdatedAt = s.now()
	s.runs[id] = run
	return nil
}

func (r *runRepo) Finish(ctx context.Context, run *models.DailyRun) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, persistence.ErrNotFound)
	}
	existing.Status = run.Status
	existing.TotalMatches = run.TotalMatches
	existing.PredictionsCount = run.PredictionsCount
	existing.PicksCount = run.PicksCount
	existing.NoBetCount = run.NoBetCount
	existing.HardStopCount = run.HardStopCount
	existing.DataQualityScore = run.DataQualityScore
	existing.Errors = append(models.ErrorList(nil), run.Errors...)
	existing.CompletedAt = run.CompletedAt
	existing.UpdatedAt = s.now()
	s.runs[run.ID] = existing
	*run = existing
	return nil
}

func (r *runRepo) Recent(ctx context.Context, n int) ([]models.DailyRun, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DailyRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunDate.After(out[j].RunDate) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

type hardStopRepo Store

func (r *hardStopRepo) Get(ctx context.Context, tenantID string) (*models.HardStopState, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.hardStop[tenantID]
	if !ok {
		return nil, fmt.Errorf("hard stop state for %s: %w", tenantID, persistence.ErrNotFound)
	}
	return &st, nil
}

func (r *hardStopRepo) Save(ctx context.Context, state *models.HardStopState) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hardStop[state.TenantID] = *state
	return nil
}
