package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
)

const predictionColumns = `id, run_id, match_id, user_id, home_team, away_team, commence_time,
	predicted_winner, home_win_probability, predicted_home_score, predicted_away_score,
	over_under_line, over_under_pick, confidence, edge, pick_odds, model_version,
	features_hash, quality_score, quality_passed, fallback_context, status,
	actual_home_score, actual_away_score, correct, created_at, updated_at`

type predictionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPredictionsRepo creates a PostgreSQL prediction repository
func NewPredictionsRepo(db *sqlx.DB, timeout time.Duration) persistence.PredictionRepo {
	return &predictionsRepo{db: db, timeout: timeout}
}

func (r *predictionsRepo) Create(ctx context.Context, p *models.Prediction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	query := `
		INSERT INTO predictions (id, run_id, match_id, user_id, home_team, away_team, commence_time,
			predicted_winner, home_win_probability, predicted_home_score, predicted_away_score,
			over_under_line, over_under_pick, confidence, edge, pick_odds, model_version,
			features_hash, quality_score, quality_passed, fallback_context, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		p.ID, p.RunID, p.MatchID, p.UserID, p.HomeTeam, p.AwayTeam, p.CommenceTime,
		p.PredictedWinner, p.HomeWinProbability, p.PredictedHomeScore, p.PredictedAwayScore,
		p.OverUnderLine, p.OverUnderPick, p.Confidence, p.Edge, p.PickOdds, p.ModelVersion,
		p.FeaturesHash, p.QualityScore, p.QualityPassed, p.Fallback, p.Status).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return wrapErr(err, "insert prediction for match %s", p.MatchID)
	}
	return nil
}

func (r *predictionsRepo) Get(ctx context.Context, id string) (*models.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var p models.Prediction
	if err := r.db.GetContext(ctx, &p, `SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id); err != nil {
		return nil, wrapErr(err, "get prediction %s", id)
	}
	return &p, nil
}

func (r *predictionsRepo) ListByRun(ctx context.Context, runID string) ([]models.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.Prediction
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE run_id = $1 ORDER BY created_at, match_id`
	if err := r.db.SelectContext(ctx, &out, query, runID); err != nil {
		return nil, wrapErr(err, "list predictions for run %s", runID)
	}
	return out, nil
}

func (r *predictionsRepo) ListByStatus(ctx context.Context, statuses []models.PredictionStatus, limit int) ([]models.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	if limit <= 0 {
		limit = 1000
	}

	var out []models.Prediction
	query := `SELECT ` + predictionColumns + ` FROM predictions
		WHERE status = ANY($1) ORDER BY commence_time LIMIT $2`
	if err := r.db.SelectContext(ctx, &out, query, pq.Array(names), limit); err != nil {
		return nil, wrapErr(err, "list predictions by status")
	}
	return out, nil
}

func (r *predictionsRepo) UpdateStatus(ctx context.Context, id string, status models.PredictionStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE predictions SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return wrapErr(err, "update prediction %s status", id)
	}
	return requireRow(res, "prediction %s", id)
}

func (r *predictionsRepo) RecordResult(ctx context.Context, id string, homeScore, awayScore int, correct bool, status models.PredictionStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE predictions
		SET actual_home_score = $2, actual_away_score = $3, correct = $4, status = $5, updated_at = NOW()
		WHERE id = $1`, id, homeScore, awayScore, correct, status)
	if err != nil {
		return wrapErr(err, "record result for prediction %s", id)
	}
	return requireRow(res, "prediction %s", id)
}

func (r *predictionsRepo) RecentConfidences(ctx context.Context, modelVersion string, since time.Time, limit int) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	var out []float64
	query := `
		SELECT confidence FROM predictions
		WHERE model_version = $1 AND created_at >= $2
		  AND NOT COALESCE((fallback_context->>'wasForcedNoBet')::boolean, false)
		ORDER BY created_at DESC
		LIMIT $3`
	if err := r.db.SelectContext(ctx, &out, query, modelVersion, since, limit); err != nil {
		return nil, wrapErr(err, "query confidences for model %s", modelVersion)
	}
	return out, nil
}

func (r *predictionsRepo) CountByRun(ctx context.Context, runID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM predictions WHERE run_id = $1`, runID); err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return n, nil
}
