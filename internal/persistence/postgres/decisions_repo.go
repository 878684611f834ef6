package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
)

const decisionColumns = `id, prediction_id, run_id, status, confidence_gate, edge_gate, drift_gate,
	hard_stop_gate, hard_stop_reason, no_bet_reason, recommended_action, recommended_pick,
	rationale, trace_id, data_source_fingerprints, gate_evaluations, quality_assessment,
	executed_at, published_at`

type decisionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDecisionsRepo creates a PostgreSQL policy decision repository
func NewDecisionsRepo(db *sqlx.DB, timeout time.Duration) persistence.DecisionRepo {
	return &decisionsRepo{db: db, timeout: timeout}
}

// Insert stores the decision. The unique index on prediction_id enforces one
// decision per prediction.
func (r *decisionsRepo) Insert(ctx context.Context, d *models.PolicyDecision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	query := `
		INSERT INTO policy_decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.PredictionID, d.RunID, d.Status,
		d.ConfidenceGate, d.EdgeGate, d.DriftGate, d.HardStopGate,
		d.HardStopReason, d.NoBetReason, d.RecommendedAction, d.RecommendedPick,
		d.Rationale, d.TraceID, d.DataSourceFingerprints, d.Evaluations, d.QualityAssessment,
		d.ExecutedAt, d.PublishedAt)
	if err != nil {
		return wrapErr(err, "insert decision for prediction %s", d.PredictionID)
	}
	return nil
}

func (r *decisionsRepo) GetByPrediction(ctx context.Context, predictionID string) (*models.PolicyDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var d models.PolicyDecision
	query := `SELECT ` + decisionColumns + ` FROM policy_decisions WHERE prediction_id = $1`
	if err := r.db.GetContext(ctx, &d, query, predictionID); err != nil {
		return nil, wrapErr(err, "get decision for prediction %s", predictionID)
	}
	return &d, nil
}

func (r *decisionsRepo) ListByRun(ctx context.Context, runID string) ([]models.PolicyDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.PolicyDecision
	query := `SELECT ` + decisionColumns + ` FROM policy_decisions WHERE run_id = $1 ORDER BY executed_at`
	if err := r.db.SelectContext(ctx, &out, query, runID); err != nil {
		return nil, wrapErr(err, "list decisions for run %s", runID)
	}
	return out, nil
}

// MarkPublished only touches rows that were never published, so a repeated
// publication keeps the first timestamp.
func (r *decisionsRepo) MarkPublished(ctx context.Context, runID string, at time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE policy_decisions SET published_at = $2 WHERE run_id = $1 AND published_at IS NULL`, runID, at)
	if err != nil {
		return 0, wrapErr(err, "mark decisions published for run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func (r *decisionsRepo) CountByRun(ctx context.Context, runID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM policy_decisions WHERE run_id = $1`, runID); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return n, nil
}
