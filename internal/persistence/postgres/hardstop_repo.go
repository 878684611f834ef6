package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
)

type hardStopRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewHardStopRepo creates a PostgreSQL hard-stop register repository
func NewHardStopRepo(db *sqlx.DB, timeout time.Duration) persistence.HardStopRepo {
	return &hardStopRepo{db: db, timeout: timeout}
}

func (r *hardStopRepo) Get(ctx context.Context, tenantID string) (*models.HardStopState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var st models.HardStopState
	query := `
		SELECT tenant_id, is_active, daily_loss, consecutive_losses, bankroll_percent,
			trading_day, triggered_at, trigger_reason, last_reset_at, updated_at
		FROM hard_stop_state WHERE tenant_id = $1`
	if err := r.db.GetContext(ctx, &st, query, tenantID); err != nil {
		return nil, wrapErr(err, "get hard stop state for %s", tenantID)
	}
	return &st, nil
}

func (r *hardStopRepo) Save(ctx context.Context, st *models.HardStopState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO hard_stop_state (tenant_id, is_active, daily_loss, consecutive_losses,
			bankroll_percent, trading_day, triggered_at, trigger_reason, last_reset_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			daily_loss = EXCLUDED.daily_loss,
			consecutive_losses = EXCLUDED.consecutive_losses,
			bankroll_percent = EXCLUDED.bankroll_percent,
			trading_day = EXCLUDED.trading_day,
			triggered_at = EXCLUDED.triggered_at,
			trigger_reason = EXCLUDED.trigger_reason,
			last_reset_at = EXCLUDED.last_reset_at,
			updated_at = NOW()
		RETURNING updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		st.TenantID, st.IsActive, st.DailyLoss, st.ConsecutiveLosses, st.BankrollPercent,
		st.TradingDay, st.TriggeredAt, st.TriggerReason, st.LastResetAt).
		Scan(&st.UpdatedAt)
	if err != nil {
		return wrapErr(err, "save hard stop state for %s", st.TenantID)
	}
	return nil
}

// Repository builds all PostgreSQL repositories on one connection pool
func Repository(db *sqlx.DB, timeout time.Duration) persistence.Repository {
	return persistence.Repository{
		Predictions: NewPredictionsRepo(db, timeout),
		Decisions:   NewDecisionsRepo(db, timeout),
		Runs:        NewRunsRepo(db, timeout),
		HardStop:    NewHardStopRepo(db, timeout),
	}
}
