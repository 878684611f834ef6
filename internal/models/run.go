package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyRun is one pipeline execution for one calendar date
type DailyRun struct {
	ID               string    `json:"id" db:"id"`
	RunDate          time.Time `json:"runDate" db:"run_date"`
	Status           RunStatus `json:"status" db:"status"`
	TraceID          string    `json:"traceId" db:"trace_id"`
	TotalMatches     int       `json:"totalMatches" db:"total_matches"`
	PredictionsCount int       `json:"predictionsCount" db:"predictions_count"`
	PicksCount       int       `json:"picksCount" db:"picks_count"`
	NoBetCount       int       `json:"noBetCount" db:"no_bet_count"`
	HardStopCount    int       `json:"hardStopCount" db:"hard_stop_count"`
	DataQualityScore *float64  `json:"dataQualityScore,omitempty" db:"data_quality_score"`
	Errors           ErrorList `json:"errors,omitempty" db:"errors"`

	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// RunCounters is an increment applied to a DailyRun's counters
type RunCounters struct {
	TotalMatches int `json:"totalMatches"`
	Predictions  int `json:"predictions"`
	Picks        int `json:"picks"`
	NoBet        int `json:"noBet"`
	HardStop     int `json:"hardStop"`
}

// Add returns the element-wise sum of two counter sets
func (c RunCounters) Add(o RunCounters) RunCounters {
	return RunCounters{
		TotalMatches: c.TotalMatches + o.TotalMatches,
		Predictions:  c.Predictions + o.Predictions,
		Picks:        c.Picks + o.Picks,
		NoBet:        c.NoBet + o.NoBet,
		HardStop:     c.HardStop + o.HardStop,
	}
}

// ForStatus returns a counter increment of one decision with the given status
func ForStatus(s DecisionStatus) RunCounters {
	switch s {
	case StatusPick:
		return RunCounters{Picks: 1}
	case StatusHardStop:
		return RunCounters{HardStop: 1}
	default:
		return RunCounters{NoBet: 1}
	}
}

// DateOnly truncates t to midnight UTC of its calendar date in t's location
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// HardStopState is the per-tenant risk register
type HardStopState struct {
	TenantID          string          `json:"tenantId" db:"tenant_id"`
	IsActive          bool            `json:"isActive" db:"is_active"`
	DailyLoss         decimal.Decimal `json:"dailyLoss" db:"daily_loss"`
	ConsecutiveLosses int             `json:"consecutiveLosses" db:"consecutive_losses"`
	BankrollPercent   decimal.Decimal `json:"bankrollPercent" db:"bankroll_percent"`
	TradingDay        *time.Time      `json:"tradingDay,omitempty" db:"trading_day"`
	TriggeredAt       *time.Time      `json:"triggeredAt,omitempty" db:"triggered_at"`
	TriggerReason     *string         `json:"triggerReason,omitempty" db:"trigger_reason"`
	LastResetAt       *time.Time      `json:"lastResetAt,omitempty" db:"last_reset_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}
