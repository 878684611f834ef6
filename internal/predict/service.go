package predict

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/fallback"
	"github.com/sawpanic/pickrun/internal/models"
)

// ScoreConfig shapes the derived score and totals predictions
type ScoreConfig struct {
	// MarginScale converts the home win logit into a points margin
	MarginScale float64 `yaml:"margin_scale"`
	// PointsPerRestDay shifts a team's expected points per rest day above
	// or below RestBaseline
	PointsPerRestDay float64 `yaml:"points_per_rest_day"`
	RestBaseline     float64 `yaml:"rest_baseline"`
	MaxRestShift     float64 `yaml:"max_rest_shift"`
	// MinTotalEdge is the distance from the line below which no
	// over/under pick is made
	MinTotalEdge float64 `yaml:"min_total_edge"`
}

// DefaultScoreConfig returns the basketball defaults
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		MarginScale:      8,
		PointsPerRestDay: 1,
		RestBaseline:     2,
		MaxRestShift:     3,
		MinTotalEdge:     1,
	}
}

// Service is the prediction service fronted by the fallback chain
type Service struct {
	chain   *fallback.Chain
	serving Serving
	scores  ScoreConfig
	now     func() time.Time
}

// NewService creates a prediction service
func NewService(chain *fallback.Chain, serving Serving, scores ScoreConfig) (*Service, error) {
	if chain == nil || serving == nil {
		return nil, fmt.Errorf("prediction service needs a fallback chain and a serving client")
	}
	if scores.MarginScale <= 0 {
		return nil, fmt.Errorf("margin_scale must be positive")
	}
	return &Service{chain: chain, serving: serving, scores: scores, now: time.Now}, nil
}

// WithClock overrides the creation timestamp source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Predict runs the fallback chain and, when a level passed, scores the game
// with that level's model. A forced no-bet yields a prediction with no
// winner and zero confidence so it still gets exactly one decision. The
// returned error is a per-game failure of the serving call.
func (s *Service) Predict(ctx context.Context, input models.PredictionInput) (*models.Prediction, error) {
	result := s.chain.Evaluate(ctx, input)
	now := s.now().UTC()

	p := &models.Prediction{
		ID:           uuid.NewString(),
		RunID:        input.RunID,
		MatchID:      input.MatchID,
		UserID:       input.UserID,
		HomeTeam:     input.Game.HomeTeam,
		AwayTeam:     input.Game.AwayTeam,
		CommenceTime: input.Game.CommenceTime,
		ModelVersion: input.ModelVersion,
		FeaturesHash: models.HashFeatures(input.Features),
		QualityScore: result.QualityScore,
		Fallback:     result.Decision.Context,
		Status:       models.PredictionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p.OverUnderPick = models.OverUnderNone
	if line, ok := finite(input.Features, models.FeatureOverUnder); ok {
		p.OverUnderLine = &line
	}

	if !result.Decision.Eligible {
		return p, nil
	}

	model := result.Decision.Model
	p.ModelVersion = model.Version
	p.QualityPassed = result.Decision.Assessment != nil && result.Decision.Assessment.Passed

	resp, err := s.serving.PredictSingle(ctx, model.ServiceModelType, input.Features)
	if err != nil {
		return nil, fmt.Errorf("failed to predict %s with %s: %w", input.MatchID, model.ID, err)
	}

	s.shape(p, input, resp.HomeWinProbability)

	log.Debug().
		Str("match_id", input.MatchID).
		Str("model", model.ID).
		Str("level", string(result.FinalLevel)).
		Float64("home_prob", p.HomeWinProbability).
		Float64("confidence", p.Confidence).
		Float64("edge", p.Edge).
		Float64("latency_ms", resp.LatencyMs).
		Msg("Game scored")
	return p, nil
}

// shape fills winner, confidence, edge, odds and score predictions from the
// home win probability
func (s *Service) shape(p *models.Prediction, input models.PredictionInput, homeProb float64) {
	p.HomeWinProbability = homeProb
	p.Confidence = math.Abs(homeProb-0.5) * 2

	home := homeProb >= 0.5
	if home {
		p.PredictedWinner = input.Game.HomeTeam
		p.PickOdds = input.Game.HomeOdds
	} else {
		p.PredictedWinner = input.Game.AwayTeam
		p.PickOdds = input.Game.AwayOdds
	}
	p.Edge = Edge(homeProb, home, input.Features)

	total := ServingDefaults[models.FeatureOverUnder]
	if p.OverUnderLine != nil {
		total = *p.OverUnderLine
	}
	total += s.restShift(input.Features)
	margin := Margin(homeProb, s.scores.MarginScale)
	p.PredictedHomeScore = round1((total + margin) / 2)
	p.PredictedAwayScore = round1((total - margin) / 2)

	if p.OverUnderLine != nil {
		predicted := p.PredictedHomeScore + p.PredictedAwayScore
		switch {
		case predicted-*p.OverUnderLine >= s.scores.MinTotalEdge:
			p.OverUnderPick = models.OverUnderOver
		case *p.OverUnderLine-predicted >= s.scores.MinTotalEdge:
			p.OverUnderPick = models.OverUnderUnder
		}
	}
}

// restShift moves the expected total by each team's rest relative to the
// baseline, clamped per team
func (s *Service) restShift(f models.Features) float64 {
	shift := 0.0
	for _, name := range []string{models.FeatureRestDaysHome, models.FeatureRestDaysAway} {
		rest, ok := finite(f, name)
		if !ok {
			continue
		}
		d := (rest - s.scores.RestBaseline) * s.scores.PointsPerRestDay
		shift += math.Max(-s.scores.MaxRestShift, math.Min(s.scores.MaxRestShift, d))
	}
	return shift
}

// Edge is the model probability of the picked side minus the market's
// vig-free implied probability of that side. Without a market it is 0.
func Edge(homeProb float64, pickHome bool, f models.Features) float64 {
	if pickHome {
		if implied, ok := finite(f, models.FeatureMLHomeProb); ok {
			return homeProb - implied
		}
		return 0
	}
	if implied, ok := finite(f, models.FeatureMLAwayProb); ok {
		return (1 - homeProb) - implied
	}
	return 0
}

// Margin is the expected home points margin for a home win probability
func Margin(homeProb, scale float64) float64 {
	p := math.Max(0.01, math.Min(0.99, homeProb))
	return math.Log(p/(1-p)) * scale
}

func finite(f models.Features, name string) (float64, bool) {
	if !f.Finite(name) {
		return 0, false
	}
	return f[name], true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
