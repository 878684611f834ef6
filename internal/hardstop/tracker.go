// Package hardstop owns the per-tenant risk register. All mutations go through
// a single lock and every mutation persists and returns a new snapshot.
package hardstop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
)

var hundred = decimal.NewFromInt(100)

// Limits defines the risk thresholds that trigger a hard stop
type Limits struct {
	DailyLossLimit       decimal.Decimal `yaml:"daily_loss_limit"`
	MaxConsecutiveLosses int             `yaml:"max_consecutive_losses"`
	MaxBankrollPercent   decimal.Decimal `yaml:"max_bankroll_percent"`
	Bankroll             decimal.Decimal `yaml:"bankroll"`
}

// DefaultLimits returns conservative production limits
func DefaultLimits() Limits {
	return Limits{
		DailyLossLimit:       decimal.NewFromInt(500),
		MaxConsecutiveLosses: 5,
		MaxBankrollPercent:   decimal.NewFromInt(10),
		Bankroll:             decimal.NewFromInt(5000),
	}
}

// Validate checks limit consistency
func (l Limits) Validate() error {
	if !l.DailyLossLimit.IsPositive() {
		return fmt.Errorf("daily_loss_limit must be positive: %s", l.DailyLossLimit)
	}
	if l.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("max_consecutive_losses must be positive: %d", l.MaxConsecutiveLosses)
	}
	if !l.MaxBankrollPercent.IsPositive() || l.MaxBankrollPercent.GreaterThan(hundred) {
		return fmt.Errorf("max_bankroll_percent must be within (0,100]: %s", l.MaxBankrollPercent)
	}
	if !l.Bankroll.IsPositive() {
		return fmt.Errorf("bankroll must be positive: %s", l.Bankroll)
	}
	return nil
}

// Breach returns the first limit the state breaches, or "" if none
func (l Limits) Breach(s models.HardStopState) string {
	switch {
	case s.DailyLoss.GreaterThanOrEqual(l.DailyLossLimit):
		return fmt.Sprintf("daily loss %s reached limit %s", s.DailyLoss.StringFixed(2), l.DailyLossLimit.StringFixed(2))
	case s.ConsecutiveLosses >= l.MaxConsecutiveLosses:
		return fmt.Sprintf("%d consecutive losses reached limit %d", s.ConsecutiveLosses, l.MaxConsecutiveLosses)
	case s.BankrollPercent.GreaterThanOrEqual(l.MaxBankrollPercent):
		return fmt.Sprintf("daily loss is %s%% of bankroll, limit %s%%", s.BankrollPercent.StringFixed(2), l.MaxBankrollPercent.StringFixed(2))
	}
	return ""
}

// Snapshot is an immutable copy of the register plus the limits it was
// evaluated against
type Snapshot struct {
	State  models.HardStopState
	Limits Limits
}

// Halted reports whether decisions must stop, with the reason. A register
// that breaches a limit halts even if it was not yet flagged active.
func (s Snapshot) Halted() (bool, string) {
	if s.State.IsActive {
		reason := "hard stop active"
		if s.State.TriggerReason != nil {
			reason = *s.State.TriggerReason
		}
		return true, reason
	}
	if reason := s.Limits.Breach(s.State); reason != "" {
		return true, reason
	}
	return false, ""
}

// Outcome is a settled bet result
type Outcome struct {
	Win    bool
	Amount decimal.Decimal
}

// Tracker is the single writer of a tenant's hard-stop register
type Tracker struct {
	mu       sync.Mutex
	tenantID string
	limits   Limits
	state    models.HardStopState
	store    persistence.HardStopRepo
	now      func() time.Time
}

// NewTracker loads the tenant's register from the store, starting clean if
// the tenant has none
func NewTracker(ctx context.Context, tenantID string, limits Limits, store persistence.HardStopRepo) (*Tracker, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hard stop limits: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("hard stop tracker needs a store")
	}
	t := &Tracker{
		tenantID: tenantID,
		limits:   limits,
		store:    store,
		now:      time.Now,
	}
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// WithClock overrides the tracker's time source
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

// load must be called with mu held or before the tracker is shared
func (t *Tracker) load(ctx context.Context) error {
	state, err := t.store.Get(ctx, t.tenantID)
	if errors.Is(err, persistence.ErrNotFound) {
		t.state = models.HardStopState{
			TenantID:        t.tenantID,
			DailyLoss:       decimal.Zero,
			BankrollPercent: decimal.Zero,
			UpdatedAt:       t.now(),
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load hard stop state: %w", err)
	}
	t.state = *state
	return nil
}

func (t *Tracker) snapshot() Snapshot {
	s := t.state
	return Snapshot{State: s, Limits: t.limits}
}

// persist must be called with mu held. The in-memory state only advances once
// the store accepted the new register.
func (t *Tracker) persist(ctx context.Context, next models.HardStopState) (Snapshot, error) {
	next.UpdatedAt = t.now()
	if err := t.store.Save(ctx, &next); err != nil {
		return t.snapshot(), fmt.Errorf("failed to save hard stop state: %w", err)
	}
	t.state = next
	return t.snapshot(), nil
}

// Snapshot returns the latest committed register
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Refresh reloads the register from the store so writes from another
// process are observed
func (t *Tracker) Refresh(ctx context.Context) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(ctx); err != nil {
		return t.snapshot(), err
	}
	return t.snapshot(), nil
}

// RecordOutcome applies a settled result. Losses accumulate into the daily
// loss, wins only break the losing streak.
func (t *Tracker) RecordOutcome(ctx context.Context, o Outcome) (Snapshot, error) {
	if o.Amount.IsNegative() {
		return t.Snapshot(), fmt.Errorf("outcome amount cannot be negative: %s", o.Amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.state
	if o.Win {
		next.ConsecutiveLosses = 0
	} else {
		next.DailyLoss = next.DailyLoss.Add(o.Amount)
		next.ConsecutiveLosses++
	}
	next.BankrollPercent = next.DailyLoss.Div(t.limits.Bankroll).Mul(hundred).Round(4)

	if !next.IsActive {
		if reason := t.limits.Breach(next); reason != "" {
			now := t.now()
			next.IsActive = true
			next.TriggeredAt = &now
			next.TriggerReason = &reason
			log.Warn().
				Str("tenant_id", t.tenantID).
				Str("reason", reason).
				Str("daily_loss", next.DailyLoss.StringFixed(2)).
				Int("consecutive_losses", next.ConsecutiveLosses).
				Msg("Hard stop triggered")
		}
	}

	return t.persist(ctx, next)
}

// Reset clears every counter and the active flag
func (t *Tracker) Reset(ctx context.Context, reason string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reset(ctx, reason, t.state.TradingDay)
}

func (t *Tracker) reset(ctx context.Context, reason string, day *time.Time) (Snapshot, error) {
	now := t.now()
	next := models.HardStopState{
		TenantID:        t.tenantID,
		DailyLoss:       decimal.Zero,
		BankrollPercent: decimal.Zero,
		TradingDay:      day,
		LastResetAt:     &now,
	}
	snap, err := t.persist(ctx, next)
	if err == nil {
		log.Info().Str("tenant_id", t.tenantID).Str("reason", reason).Msg("Hard stop reset")
	}
	return snap, err
}

// StartDay rolls the register forward to a new trading day. The same day or
// an earlier one (a backfill) leaves the register untouched; only an operator
// Reset clears a hard stop within the current day.
func (t *Tracker) StartDay(ctx context.Context, day time.Time) (Snapshot, error) {
	day = models.DateOnly(day)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.TradingDay != nil && !day.After(*t.state.TradingDay) {
		return t.snapshot(), nil
	}
	return t.reset(ctx, "new trading day "+day.Format("2006-01-02"), &day)
}

// Guard refreshes the register from the store and runs fn with it while
// holding the single-writer lock, so no other decision can interleave
func (t *Tracker) Guard(ctx context.Context, fn func(Snapshot) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.load(ctx); err != nil {
		return err
	}
	return fn(t.snapshot())
}

// Limits returns the configured limits
func (t *Tracker) Limits() Limits {
	return t.limits
}
