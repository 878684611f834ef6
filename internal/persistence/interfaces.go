package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/pickrun/internal/models"
)

var (
	// ErrNotFound is returned when a keyed lookup has no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert
	ErrDuplicate = errors.New("duplicate record")
)

// TimeRange represents a time window for queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t lies in [From, To]
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.From) && !t.After(tr.To)
}

// PredictionRepo persists predictions, unique per (run_id, match_id)
type PredictionRepo interface {
	// Create inserts a new prediction, ErrDuplicate if the match already has one in the run
	Create(ctx context.Context, p *models.Prediction) error

	// Get retrieves a prediction by id
	Get(ctx context.Context, id string) (*models.Prediction, error)

	// ListByRun returns every prediction of a run ordered by creation
	ListByRun(ctx context.Context, runID string) ([]models.Prediction, error)

	// ListByStatus returns predictions in the given statuses, oldest game first
	ListByStatus(ctx context.Context, statuses []models.PredictionStatus, limit int) ([]models.Prediction, error)

	// UpdateStatus moves a prediction to a new status
	UpdateStatus(ctx context.Context, id string, status models.PredictionStatus) error

	// RecordResult stores the final score and sets the resolved status
	RecordResult(ctx context.Context, id string, homeScore, awayScore int, correct bool, status models.PredictionStatus) error

	// RecentConfidences returns confidences of a model version's predictions since t
	RecentConfidences(ctx context.Context, modelVersion string, since time.Time, limit int) ([]float64, error)

	// CountByRun returns the number of predictions in a run
	CountByRun(ctx context.Context, runID string) (int, error)
}

// DecisionRepo persists policy decisions, unique per prediction_id
type DecisionRepo interface {
	// Insert stores a decision, ErrDuplicate if the prediction already has one
	Insert(ctx context.Context, d *models.PolicyDecision) error

	// GetByPrediction returns the decision for a prediction
	GetByPrediction(ctx context.Context, predictionID string) (*models.PolicyDecision, error)

	// ListByRun returns every decision of a run
	ListByRun(ctx context.Context, runID string) ([]models.PolicyDecision, error)

	// MarkPublished sets published_at on every unpublished decision of a run
	MarkPublished(ctx context.Context, runID string, at time.Time) (int64, error)

	// CountByRun returns the number of decisions in a run
	CountByRun(ctx context.Context, runID string) (int, error)
}

// RunRepo persists daily runs, unique per run_date
type RunRepo interface {
	// CreateOrReset returns the run for the date, resetting it to PENDING if it exists
	CreateOrReset(ctx context.Context, runDate time.Time, traceID string) (*models.DailyRun, error)

	// Get retrieves a run by id
	Get(ctx context.Context, id string) (*models.DailyRun, error)

	// GetByDate retrieves the run for a calendar date
	GetByDate(ctx context.Context, runDate time.Time) (*models.DailyRun, error)

	// MarkRunning sets status RUNNING and started_at
	MarkRunning(ctx context.Context, id string, at time.Time) error

	// IncrementCounters atomically adds to the run counters
	IncrementCounters(ctx context.Context, id string, delta models.RunCounters) error

	// Finish stores the terminal status, final counters, quality score and errors
	Finish(ctx context.Context, run *models.DailyRun) error

	// Recent returns the n most recent runs, newest first
	Recent(ctx context.Context, n int) ([]models.DailyRun, error)
}

// HardStopRepo persists the per-tenant hard-stop register
type HardStopRepo interface {
	// Get returns the tenant's state, ErrNotFound if it was never saved
	Get(ctx context.Context, tenantID string) (*models.HardStopState, error)

	// Save upserts the tenant's state
	Save(ctx context.Context, state *models.HardStopState) error
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Predictions PredictionRepo
	Decisions   DecisionRepo
	Runs        RunRepo
	HardStop    HardStopRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics
	Stats(ctx context.Context) map[string]interface{}
}
