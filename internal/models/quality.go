package models

import (
	"database/sql/driver"
	"math"
	"time"
)

// Feature names understood by the model-serving service, in serving order
const (
	FeatureEloDiff        = "elo_diff"
	FeatureEloDiffNorm    = "elo_diff_norm"
	FeatureHomeLast10Wins = "home_last10_wins"
	FeatureAwayLast10Wins = "away_last10_wins"
	FeatureSpread         = "spread_num"
	FeatureOverUnder      = "over_under"
	FeatureMLHomeProb     = "ml_home_prob"
	FeatureMLAwayProb     = "ml_away_prob"
	FeatureRestDaysHome   = "rest_days_home"
	FeatureRestDaysAway   = "rest_days_away"
	FeatureSeasonNorm     = "season_norm"
)

// FeatureOrder is the column order expected by the model-serving service
var FeatureOrder = []string{
	FeatureEloDiff, FeatureEloDiffNorm, FeatureHomeLast10Wins, FeatureAwayLast10Wins,
	FeatureSpread, FeatureOverUnder, FeatureMLHomeProb, FeatureMLAwayProb,
	FeatureRestDaysHome, FeatureRestDaysAway, FeatureSeasonNorm,
}

// Features holds the model features present for one game. Absent keys are
// missing features, not zeros.
type Features map[string]float64

// Has reports whether the feature is present
func (f Features) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Finite reports whether the feature is present and a finite number
func (f Features) Finite(name string) bool {
	v, ok := f[name]
	return ok && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SourceObservation describes what one provider delivered for a game
type SourceObservation struct {
	Provider    string    `json:"provider"`
	Success     bool      `json:"success"`
	FetchedAt   time.Time `json:"fetchedAt"`
	RecordCount int       `json:"recordCount"`
}

// GameInfo identifies the matchup behind a prediction input
type GameInfo struct {
	HomeTeam     string    `json:"homeTeam"`
	AwayTeam     string    `json:"awayTeam"`
	CommenceTime time.Time `json:"commenceTime"`
	Status       string    `json:"status"`
	// Consensus decimal odds, zero when no market was ingested
	HomeOdds float64 `json:"homeOdds,omitempty"`
	AwayOdds float64 `json:"awayOdds,omitempty"`
}

// PredictionInput is one match/model candidate to be scored in a run
type PredictionInput struct {
	MatchID       string              `json:"matchId"`
	RunID         string              `json:"runId"`
	UserID        string              `json:"userId"`
	ModelVersion  string              `json:"modelVersion"`
	RawConfidence float64             `json:"rawConfidence"`
	Game          GameInfo            `json:"game"`
	Features      Features            `json:"features"`
	Sources       []SourceObservation `json:"sources"`
}

// Source returns the observation for a provider, if any
func (in PredictionInput) Source(provider string) (SourceObservation, bool) {
	for _, s := range in.Sources {
		if s.Provider == provider {
			return s, true
		}
	}
	return SourceObservation{}, false
}

// Quality check names used in FailedChecks
const (
	CheckSourceAvailability = "source_availability"
	CheckSchemaValidity     = "schema_validity"
	CheckFreshness          = "freshness"
	CheckCompleteness       = "completeness"
	CheckOverallScore       = "overall_score"
)

// DataQualityAssessment is the quality gate output for one (input, model) pair
type DataQualityAssessment struct {
	OverallScore       float64  `json:"overallScore"`
	SourceAvailability float64  `json:"sourceAvailability"`
	SchemaValidity     float64  `json:"schemaValidity"`
	Freshness          float64  `json:"freshness"`
	Completeness       float64  `json:"completeness"`
	Passed             bool     `json:"passed"`
	FailedChecks       []string `json:"failedChecks"`
}

// Value implements driver.Valuer
func (a DataQualityAssessment) Value() (driver.Value, error) {
	return jsonValue(a)
}

// Scan implements sql.Scanner
func (a *DataQualityAssessment) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// FallbackAttempt records one level tried by the fallback chain
type FallbackAttempt struct {
	Level      FallbackLevel          `json:"level"`
	ModelID    string                 `json:"modelId,omitempty"`
	Assessment *DataQualityAssessment `json:"assessment,omitempty"`
	Passed     bool                   `json:"passed"`
	Error      string                 `json:"error,omitempty"`
}

// FallbackContext is the audit trail embedded into every fallback decision
type FallbackContext struct {
	Attempts       []FallbackAttempt `json:"attempts"`
	FinalLevel     FallbackLevel     `json:"finalLevel"`
	WasForcedNoBet bool              `json:"wasForcedNoBet"`
	QualityScore   float64           `json:"qualityScore"`
	// BestAttemptedScore is audit-only; it never feeds a decision
	BestAttemptedScore float64 `json:"bestAttemptedScore"`
}

// Value implements driver.Valuer
func (c FallbackContext) Value() (driver.Value, error) {
	return jsonValue(c)
}

// Scan implements sql.Scanner
func (c *FallbackContext) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// PassingAssessment returns the assessment of the level that passed, if any
func (c FallbackContext) PassingAssessment() *DataQualityAssessment {
	for i := range c.Attempts {
		if c.Attempts[i].Passed {
			return c.Attempts[i].Assessment
		}
	}
	return nil
}
