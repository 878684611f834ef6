// Package fallback walks a fixed, ordered list of model levels and returns the
// first level whose data quality passes, or a forced no-bet when none does.
package fallback

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/quality"
	"github.com/sawpanic/pickrun/internal/registry"
)

// LevelConfig binds a fallback level to a registered model
type LevelConfig struct {
	Level   models.FallbackLevel `yaml:"level"`
	ModelID string               `yaml:"model_id"`
}

// Decision is the outcome of a chain evaluation. Eligible means the input may
// proceed to policy evaluation with Model; otherwise Status is NO_BET.
type Decision struct {
	Status      models.DecisionStatus
	Eligible    bool
	Model       *registry.ModelInfo
	Assessment  *models.DataQualityAssessment
	NoBetReason string
	Context     models.FallbackContext
}

// Result is the full chain evaluation
type Result struct {
	Decision       Decision
	FinalLevel     models.FallbackLevel
	Attempts       []models.FallbackAttempt
	WasForcedNoBet bool
	QualityScore   float64
}

// Chain is the fallback state machine
type Chain struct {
	levels   []LevelConfig
	registry registry.Registry
	assessor quality.Assessor
}

// NewChain validates the level list. Levels must be non-terminal, unique and
// in the canonical primary → secondary → last_validated order.
func NewChain(levels []LevelConfig, reg registry.Registry, assessor quality.Assessor) (*Chain, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("fallback chain needs at least one level")
	}
	if reg == nil || assessor == nil {
		return nil, fmt.Errorf("fallback chain needs a registry and a quality assessor")
	}
	rank := make(map[models.FallbackLevel]int, len(models.DefaultLevelOrder))
	for i, l := range models.DefaultLevelOrder {
		rank[l] = i
	}
	last := -1
	for _, lc := range levels {
		r, known := rank[lc.Level]
		if !known {
			return nil, fmt.Errorf("invalid fallback level %q", lc.Level)
		}
		if r <= last {
			return nil, fmt.Errorf("fallback level %q is duplicated or out of order", lc.Level)
		}
		if lc.ModelID == "" {
			return nil, fmt.Errorf("fallback level %q has no model_id", lc.Level)
		}
		last = r
	}
	return &Chain{
		levels:   append([]LevelConfig(nil), levels...),
		registry: reg,
		assessor: assessor,
	}, nil
}

// Levels returns the configured level order
func (c *Chain) Levels() []LevelConfig {
	return append([]LevelConfig(nil), c.levels...)
}

// Evaluate tries every configured level in order and always returns a result.
// The attempt list ends at the first passing level or at force_no_bet.
func (c *Chain) Evaluate(ctx context.Context, input models.PredictionInput) Result {
	var attempts []models.FallbackAttempt
	best := 0.0

	for _, lc := range c.levels {
		attempt, model := c.tryLevel(ctx, lc, input)
		attempts = append(attempts, attempt)

		if attempt.Assessment != nil && attempt.Assessment.OverallScore > best {
			best = attempt.Assessment.OverallScore
		}
		if attempt.Passed {
			fc := models.FallbackContext{
				Attempts:           attempts,
				FinalLevel:         lc.Level,
				QualityScore:       attempt.Assessment.OverallScore,
				BestAttemptedScore: best,
			}
			log.Debug().
				Str("match_id", input.MatchID).
				Str("level", string(lc.Level)).
				Str("model_id", model.ID).
				Int("attempts", len(attempts)).
				Msg("Fallback chain resolved")
			return Result{
				Decision: Decision{
					Status:     models.StatusPick,
					Eligible:   true,
					Model:      model,
					Assessment: attempt.Assessment,
					Context:    fc,
				},
				FinalLevel:   lc.Level,
				Attempts:     attempts,
				QualityScore: fc.QualityScore,
			}
		}
	}

	return c.forceNoBet(input, attempts, best)
}

// tryLevel resolves the level's model and assesses the input against it. A
// lookup failure is a failed attempt, never an error.
func (c *Chain) tryLevel(ctx context.Context, lc LevelConfig, input models.PredictionInput) (models.FallbackAttempt, *registry.ModelInfo) {
	attempt := models.FallbackAttempt{Level: lc.Level, ModelID: lc.ModelID}

	model, err := c.registry.GetModel(ctx, lc.ModelID)
	if err != nil {
		attempt.Error = err.Error()
		log.Warn().Err(err).
			Str("match_id", input.MatchID).
			Str("level", string(lc.Level)).
			Msg("Fallback level model lookup failed")
		return attempt, nil
	}

	assessment := c.assessor.Assess(input, *model)
	attempt.Assessment = &assessment
	attempt.Passed = assessment.Passed
	return attempt, model
}

// forceNoBet is the terminal state. The quality score is zeroed so that no
// failing level's score can travel with the decision.
func (c *Chain) forceNoBet(input models.PredictionInput, attempts []models.FallbackAttempt, best float64) Result {
	attempts = append(attempts, models.FallbackAttempt{Level: models.LevelForceNoBet})
	fc := models.FallbackContext{
		Attempts:           attempts,
		FinalLevel:         models.LevelForceNoBet,
		WasForcedNoBet:     true,
		QualityScore:       0,
		BestAttemptedScore: best,
	}

	log.Info().
		Str("match_id", input.MatchID).
		Int("attempts", len(attempts)).
		Float64("best_attempted", best).
		Msg("All fallback levels failed data quality, forcing no-bet")

	return Result{
		Decision: Decision{
			Status:      models.StatusNoBet,
			NoBetReason: models.NoBetReasonDegradedDataQuality,
			Context:     fc,
		},
		FinalLevel:     models.LevelForceNoBet,
		Attempts:       attempts,
		WasForcedNoBet: true,
		QualityScore:   0,
	}
}
