// Package models holds the data contracts shared by the daily run pipeline:
// prediction inputs, quality assessments, fallback attempts, predictions,
// policy decisions, daily runs and the hard-stop risk register.
package models

// DecisionStatus is the final outcome of policy evaluation for one prediction.
// The string values are consumed by reporting and audit and must not change.
type DecisionStatus string

const (
	StatusPick     DecisionStatus = "PICK"
	StatusNoBet    DecisionStatus = "NO_BET"
	StatusHardStop DecisionStatus = "HARD_STOP"
)

// Valid reports whether s is one of the known decision statuses
func (s DecisionStatus) Valid() bool {
	switch s {
	case StatusPick, StatusNoBet, StatusHardStop:
		return true
	}
	return false
}

// FallbackLevel names a step of the model fallback chain
type FallbackLevel string

const (
	LevelPrimary       FallbackLevel = "primary"
	LevelSecondary     FallbackLevel = "secondary"
	LevelLastValidated FallbackLevel = "last_validated"
	LevelForceNoBet    FallbackLevel = "force_no_bet"
)

// Terminal reports whether the level ends the chain without a model
func (l FallbackLevel) Terminal() bool {
	return l == LevelForceNoBet
}

// DefaultLevelOrder is the fixed order the fallback chain walks
var DefaultLevelOrder = []FallbackLevel{LevelPrimary, LevelSecondary, LevelLastValidated}

// NoBetReasonDegradedDataQuality is recorded when every fallback level failed
// the data quality gate.
const NoBetReasonDegradedDataQuality = "degraded_data_quality"

// PredictionStatus tracks a prediction from creation to outcome resolution
type PredictionStatus string

const (
	PredictionPending   PredictionStatus = "pending"
	PredictionProcessed PredictionStatus = "processed"
	PredictionConfirmed PredictionStatus = "confirmed"
	PredictionCancelled PredictionStatus = "cancelled"
)

// RunStatus is the lifecycle state of a DailyRun record
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Recommended actions attached to a decision
const (
	ActionBetHome = "BET_HOME_ML"
	ActionBetAway = "BET_AWAY_ML"
	ActionAbstain = "ABSTAIN"
	ActionHalt    = "HALT"
)

// Gate names as they appear in audit payloads
const (
	GateHardStop   = "hardStopGate"
	GateQuality    = "dataQualityGate"
	GateConfidence = "confidenceGate"
	GateEdge       = "edgeGate"
	GateDrift      = "driftGate"
)
