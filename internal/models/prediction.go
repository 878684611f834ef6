package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Over/under picks
const (
	OverUnderOver  = "over"
	OverUnderUnder = "under"
	OverUnderNone  = "none"
)

// Prediction is the ML output for one match in one run
type Prediction struct {
	ID      string `json:"id" db:"id"`
	RunID   string `json:"runId" db:"run_id"`
	MatchID string `json:"matchId" db:"match_id"`
	UserID  string `json:"userId" db:"user_id"`

	HomeTeam     string    `json:"homeTeam" db:"home_team"`
	AwayTeam     string    `json:"awayTeam" db:"away_team"`
	CommenceTime time.Time `json:"commenceTime" db:"commence_time"`

	PredictedWinner    string   `json:"predictedWinner" db:"predicted_winner"`
	HomeWinProbability float64  `json:"homeWinProbability" db:"home_win_probability"`
	PredictedHomeScore float64  `json:"predictedHomeScore" db:"predicted_home_score"`
	PredictedAwayScore float64  `json:"predictedAwayScore" db:"predicted_away_score"`
	OverUnderLine      *float64 `json:"overUnderLine,omitempty" db:"over_under_line"`
	OverUnderPick      string   `json:"overUnderPick" db:"over_under_pick"`

	Confidence   float64 `json:"confidence" db:"confidence"`
	Edge         float64 `json:"edge" db:"edge"`
	PickOdds     float64 `json:"pickOdds" db:"pick_odds"` // decimal odds of the predicted winner
	ModelVersion string  `json:"modelVersion" db:"model_version"`
	FeaturesHash string  `json:"featuresHash" db:"features_hash"`

	QualityScore  float64         `json:"qualityScore" db:"quality_score"`
	QualityPassed bool            `json:"qualityPassed" db:"quality_passed"`
	Fallback      FallbackContext `json:"fallback" db:"fallback_context"`

	Status          PredictionStatus `json:"status" db:"status"`
	ActualHomeScore *int             `json:"actualHomeScore,omitempty" db:"actual_home_score"`
	ActualAwayScore *int             `json:"actualAwayScore,omitempty" db:"actual_away_score"`
	Correct         *bool            `json:"correct,omitempty" db:"correct"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// PicksHome reports whether the predicted winner is the home team
func (p Prediction) PicksHome() bool {
	return p.PredictedWinner != "" && p.PredictedWinner == p.HomeTeam
}

// WasForcedNoBet reports whether the fallback chain forced a no-bet
func (p Prediction) WasForcedNoBet() bool {
	return p.Fallback.WasForcedNoBet
}

// HashFeatures returns a stable hash of the feature vector in serving order.
// Missing features are hashed as "-" so presence changes the hash.
func HashFeatures(f Features) string {
	var b strings.Builder
	for _, name := range FeatureOrder {
		b.WriteString(name)
		b.WriteByte('=')
		if v, ok := f[name]; ok {
			b.WriteString(fmt.Sprintf("%.6f", v))
		} else {
			b.WriteByte('-')
		}
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
