// Package quality scores a prediction input against a model's data
// requirements and decides whether the pair is reliable enough to serve.
package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/registry"
)

// ScoringWeights defines component weights for the overall score
type ScoringWeights struct {
	SourceAvailability float64 `yaml:"source_availability"`
	SchemaValidity     float64 `yaml:"schema_validity"`
	Freshness          float64 `yaml:"freshness"`
	Completeness       float64 `yaml:"completeness"`
}

func (w ScoringWeights) sum() float64 {
	return w.SourceAvailability + w.SchemaValidity + w.Freshness + w.Completeness
}

// Config holds the gate thresholds
type Config struct {
	Weights               ScoringWeights `yaml:"weights"`
	ReliabilityThreshold  float64        `yaml:"reliability_threshold"`
	MinSourceAvailability float64        `yaml:"min_source_availability"`
	MinSchemaValidity     float64        `yaml:"min_schema_validity"`
	MinCompleteness       float64        `yaml:"min_completeness"`
	// MinFreshness of 0 leaves freshness to the weighted score alone
	MinFreshness float64 `yaml:"min_freshness"`
	// StaleDecayFactor is the multiple of a model's MaxStaleness at which
	// freshness reaches zero
	StaleDecayFactor float64 `yaml:"stale_decay_factor"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Weights: ScoringWeights{
			SourceAvailability: 0.30,
			SchemaValidity:     0.25,
			Freshness:          0.20,
			Completeness:       0.25,
		},
		ReliabilityThreshold:  0.60,
		MinSourceAvailability: 0.50,
		MinSchemaValidity:     0.80,
		MinCompleteness:       0.70,
		StaleDecayFactor:      3.0,
	}
}

// Validate checks that weights and thresholds are usable
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"source_availability": w.SourceAvailability,
		"schema_validity":     w.SchemaValidity,
		"freshness":           w.Freshness,
		"completeness":        w.Completeness,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s cannot be negative: %.3f", name, v)
		}
	}
	if math.Abs(w.sum()-1.0) > 0.001 {
		return fmt.Errorf("weights must sum to 1.0, got %.3f", w.sum())
	}
	for name, v := range map[string]float64{
		"reliability_threshold":   c.ReliabilityThreshold,
		"min_source_availability": c.MinSourceAvailability,
		"min_schema_validity":     c.MinSchemaValidity,
		"min_completeness":        c.MinCompleteness,
		"min_freshness":           c.MinFreshness,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1]: %.3f", name, v)
		}
	}
	if c.StaleDecayFactor < 1 {
		return fmt.Errorf("stale_decay_factor must be >= 1: %.2f", c.StaleDecayFactor)
	}
	return nil
}

// Assessor scores one (input, model) pair
type Assessor interface {
	Assess(input models.PredictionInput, model registry.ModelInfo) models.DataQualityAssessment
}

// Gate is the default Assessor. It has no side effects and never fails:
// a missing source or feature contributes zero to its sub-score.
type Gate struct {
	config Config
	now    func() time.Time
}

// NewGate creates a quality gate
func NewGate(config Config) (*Gate, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quality config: %w", err)
	}
	return &Gate{config: config, now: time.Now}, nil
}

// NewGateWithDefaults creates a quality gate with production defaults
func NewGateWithDefaults() *Gate {
	return &Gate{config: DefaultConfig(), now: time.Now}
}

// WithClock overrides the gate's time source
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Config returns the active thresholds
func (g *Gate) Config() Config {
	return g.config
}

// Assess implements Assessor
func (g *Gate) Assess(input models.PredictionInput, model registry.ModelInfo) models.DataQualityAssessment {
	a := models.DataQualityAssessment{
		SourceAvailability: g.sourceAvailability(input, model),
		SchemaValidity:     g.schemaValidity(input, model),
		Freshness:          g.freshness(input, model),
		Completeness:       g.completeness(input, model),
		FailedChecks:       []string{},
	}

	w := g.config.Weights
	a.OverallScore = clamp01((a.SourceAvailability*w.SourceAvailability +
		a.SchemaValidity*w.SchemaValidity +
		a.Freshness*w.Freshness +
		a.Completeness*w.Completeness) / w.sum())

	if a.SourceAvailability < g.config.MinSourceAvailability {
		a.FailedChecks = append(a.FailedChecks, models.CheckSourceAvailability)
	}
	if a.SchemaValidity < g.config.MinSchemaValidity {
		a.FailedChecks = append(a.FailedChecks, models.CheckSchemaValidity)
	}
	if a.Freshness < g.config.MinFreshness {
		a.FailedChecks = append(a.FailedChecks, models.CheckFreshness)
	}
	if a.Completeness < g.config.MinCompleteness {
		a.FailedChecks = append(a.FailedChecks, models.CheckCompleteness)
	}
	if a.OverallScore < g.config.ReliabilityThreshold {
		a.FailedChecks = append(a.FailedChecks, models.CheckOverallScore)
	}

	a.Passed = a.OverallScore >= g.config.ReliabilityThreshold &&
		a.SourceAvailability >= g.config.MinSourceAvailability &&
		a.SchemaValidity >= g.config.MinSchemaValidity &&
		a.Completeness >= g.config.MinCompleteness &&
		a.Freshness >= g.config.MinFreshness

	log.Debug().
		Str("match_id", input.MatchID).
		Str("model_id", model.ID).
		Float64("overall", a.OverallScore).
		Bool("passed", a.Passed).
		Strs("failed_checks", a.FailedChecks).
		Msg("Data quality assessed")

	return a
}

func (g *Gate) sourceAvailability(input models.PredictionInput, model registry.ModelInfo) float64 {
	if len(model.RequiredSources) == 0 {
		return 1.0
	}
	ok := 0
	for _, name := range model.RequiredSources {
		if src, found := input.Source(name); found && src.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(model.RequiredSources))
}

func (g *Gate) schemaValidity(input models.PredictionInput, model registry.ModelInfo) float64 {
	if len(input.Features) == 0 {
		return 0
	}
	valid := 0
	for name, v := range input.Features {
		if !input.Features.Finite(name) {
			continue
		}
		if r, bounded := model.FeatureRanges[name]; bounded && !r.Contains(v) {
			continue
		}
		valid++
	}
	return float64(valid) / float64(len(input.Features))
}

// freshness is 1 while the stalest required source is within MaxStaleness,
// then decays linearly to 0 at StaleDecayFactor times MaxStaleness
func (g *Gate) freshness(input models.PredictionInput, model registry.ModelInfo) float64 {
	if len(model.RequiredSources) == 0 || model.MaxStaleness <= 0 {
		return 1.0
	}
	now := g.now()
	var stalest time.Duration
	for _, name := range model.RequiredSources {
		src, found := input.Source(name)
		if !found || src.FetchedAt.IsZero() {
			return 0
		}
		if age := now.Sub(src.FetchedAt); age > stalest {
			stalest = age
		}
	}
	if stalest <= model.MaxStaleness {
		return 1.0
	}
	limit := time.Duration(float64(model.MaxStaleness) * g.config.StaleDecayFactor)
	if stalest >= limit {
		return 0
	}
	return clamp01(1.0 - float64(stalest-model.MaxStaleness)/float64(limit-model.MaxStaleness))
}

func (g *Gate) completeness(input models.PredictionInput, model registry.ModelInfo) float64 {
	required := model.RequiredFeatures
	if len(required) == 0 {
		required = models.FeatureOrder
	}
	present := 0
	for _, name := range required {
		if input.Features.Has(name) {
			present++
		}
	}
	return float64(present) / float64(len(required))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
