package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
)

const runColumns = `id, run_date, status, trace_id, total_matches, predictions_count, picks_count,
	no_bet_count, hard_stop_count, data_quality_score, errors, started_at, completed_at,
	created_at, updated_at`

type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo creates a PostgreSQL daily run repository
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runsRepo{db: db, timeout: timeout}
}

// CreateOrReset upserts on run_date. A rerun keeps the row id and creation
// time and clears everything else.
func (r *runsRepo) CreateOrReset(ctx context.Context, runDate time.Time, traceID string) (*models.DailyRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	day := models.DateOnly(runDate)
	query := `
		INSERT INTO daily_runs (id, run_date, status, trace_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_date) DO UPDATE SET
			status = EXCLUDED.status,
			trace_id = EXCLUDED.trace_id,
			total_matches = 0,
			predictions_count = 0,
			picks_count = 0,
			no_bet_count = 0,
			hard_stop_count = 0,
			data_quality_score = NULL,
			errors = '[]'::jsonb,
			started_at = NULL,
			completed_at = NULL,
			updated_at = NOW()
		RETURNING ` + runColumns

	var run models.DailyRun
	if err := r.db.QueryRowxContext(ctx, query, uuid.NewString(), day, models.RunPending, traceID).StructScan(&run); err != nil {
		return nil, wrapErr(err, "create run for %s", day.Format("2006-01-02"))
	}
	return &run, nil
}

func (r *runsRepo) Get(ctx context.Context, id string) (*models.DailyRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var run models.DailyRun
	if err := r.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM daily_runs WHERE id = $1`, id); err != nil {
		return nil, wrapErr(err, "get run %s", id)
	}
	return &run, nil
}

func (r *runsRepo) GetByDate(ctx context.Context, runDate time.Time) (*models.DailyRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	day := models.DateOnly(runDate)
	var run models.DailyRun
	if err := r.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM daily_runs WHERE run_date = $1`, day); err != nil {
		return nil, wrapErr(err, "get run for %s", day.Format("2006-01-02"))
	}
	return &run, nil
}

func (r *runsRepo) MarkRunning(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE daily_runs SET status = $2, started_at = $3, updated_at = NOW() WHERE id = $1`,
		id, models.RunRunning, at)
	if err != nil {
		return wrapErr(err, "mark run %s running", id)
	}
	return requireRow(res, "run %s", id)
}

// IncrementCounters adds in SQL so concurrent phases never lose an update
func (r *runsRepo) IncrementCounters(ctx context.Context, id string, delta models.RunCounters) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE daily_runs SET
			total_matches = total_matches + $2,
			predictions_count = predictions_count + $3,
			picks_count = picks_count + $4,
			no_bet_count = no_bet_count + $5,
			hard_stop_count = hard_stop_count + $6,
			updated_at = NOW()
		WHERE id = $1`,
		id, delta.TotalMatches, delta.Predictions, delta.Picks, delta.NoBet, delta.HardStop)
	if err != nil {
		return wrapErr(err, "increment counters of run %s", id)
	}
	return requireRow(res, "run %s", id)
}

func (r *runsRepo) Finish(ctx context.Context, run *models.DailyRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE daily_runs SET
			status = $2,
			total_matches = $3,
			predictions_count = $4,
			picks_count = $5,
			no_bet_count = $6,
			hard_stop_count = $7,
			data_quality_score = $8,
			errors = $9,
			completed_at = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + runColumns

	err := r.db.QueryRowxContext(ctx, query,
		run.ID, run.Status, run.TotalMatches, run.PredictionsCount, run.PicksCount,
		run.NoBetCount, run.HardStopCount, run.DataQualityScore, run.Errors, run.CompletedAt).
		StructScan(run)
	if err != nil {
		return wrapErr(err, "finish run %s", run.ID)
	}
	return nil
}

func (r *runsRepo) Recent(ctx context.Context, n int) ([]models.DailyRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if n <= 0 {
		n = 10
	}
	var out []models.DailyRun
	query := `SELECT ` + runColumns + ` FROM daily_runs ORDER BY run_date DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &out, query, n); err != nil {
		return nil, wrapErr(err, "list recent runs")
	}
	return out, nil
}
