package models

import (
	"database/sql/driver"
	"time"
)

// Gates carries the four boolean gate outcomes of a decision. A true value
// means the gate passed; hardStopGate=false means a hard stop was in force.
type Gates struct {
	ConfidenceGate bool `json:"confidenceGate" db:"confidence_gate"`
	EdgeGate       bool `json:"edgeGate" db:"edge_gate"`
	DriftGate      bool `json:"driftGate" db:"drift_gate"`
	HardStopGate   bool `json:"hardStopGate" db:"hard_stop_gate"`
}

// AllPassed reports whether every gate passed
func (g Gates) AllPassed() bool {
	return g.ConfidenceGate && g.EdgeGate && g.DriftGate && g.HardStopGate
}

// GateEvaluation is the audit record of one gate check
type GateEvaluation struct {
	Gate      string  `json:"gate"`
	Evaluated bool    `json:"evaluated"`
	Passed    bool    `json:"passed"`
	Actual    float64 `json:"actual"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason,omitempty"`
}

// GateEvaluations is stored as JSONB on the decision
type GateEvaluations []GateEvaluation

// Value implements driver.Valuer
func (g GateEvaluations) Value() (driver.Value, error) {
	if g == nil {
		return jsonValue([]GateEvaluation{})
	}
	return jsonValue([]GateEvaluation(g))
}

// Scan implements sql.Scanner
func (g *GateEvaluations) Scan(src interface{}) error {
	return scanJSON(src, (*[]GateEvaluation)(g))
}

// DataSourceFingerprint records what a provider delivered at ingestion time.
// Known provider attributes have explicit fields; Extra carries anything else.
type DataSourceFingerprint struct {
	Provider     string            `json:"provider"`
	Version      string            `json:"version"`
	Success      bool              `json:"success"`
	RecordCount  int               `json:"recordCount"`
	QualityScore float64           `json:"qualityScore"`
	FetchedAt    time.Time         `json:"fetchedAt"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Error        string            `json:"error,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Fingerprints is stored as JSONB on the decision
type Fingerprints []DataSourceFingerprint

// Value implements driver.Valuer
func (f Fingerprints) Value() (driver.Value, error) {
	if f == nil {
		return jsonValue([]DataSourceFingerprint{})
	}
	return jsonValue([]DataSourceFingerprint(f))
}

// Scan implements sql.Scanner
func (f *Fingerprints) Scan(src interface{}) error {
	return scanJSON(src, (*[]DataSourceFingerprint)(f))
}

// PolicyDecision is the authoritative record for one prediction. It is
// created once and only ever updated to set PublishedAt.
type PolicyDecision struct {
	ID           string         `json:"id" db:"id"`
	PredictionID string         `json:"predictionId" db:"prediction_id"`
	RunID        string         `json:"runId" db:"run_id"`
	Status       DecisionStatus `json:"status" db:"status"`
	Gates

	HardStopReason    *string `json:"hardStopReason,omitempty" db:"hard_stop_reason"`
	NoBetReason       *string `json:"noBetReason,omitempty" db:"no_bet_reason"`
	RecommendedAction *string `json:"recommendedAction,omitempty" db:"recommended_action"`
	RecommendedPick   *string `json:"recommendedPick,omitempty" db:"recommended_pick"`
	Rationale         string  `json:"rationale" db:"rationale"`
	TraceID           string  `json:"traceId" db:"trace_id"`

	DataSourceFingerprints Fingerprints           `json:"dataSourceFingerprints" db:"data_source_fingerprints"`
	Evaluations            GateEvaluations        `json:"evaluations" db:"gate_evaluations"`
	QualityAssessment      *DataQualityAssessment `json:"qualityAssessment,omitempty" db:"quality_assessment"`

	ExecutedAt  time.Time  `json:"executedAt" db:"executed_at"`
	PublishedAt *time.Time `json:"publishedAt,omitempty" db:"published_at"`
}

// StringPtr returns a pointer to s, or nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
