package policy

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// ReasonCode identifies why a threshold configuration was rejected
type ReasonCode string

const (
	ReasonBelowFloor     ReasonCode = "BELOW_PLATFORM_FLOOR"
	ReasonAboveCeiling   ReasonCode = "ABOVE_PLATFORM_CEILING"
	ReasonInvalidNumber  ReasonCode = "INVALID_NUMBER"
	ReasonUnknownProfile ReasonCode = "UNKNOWN_PROFILE"
)

// ValidationError describes a governance rejection
type ValidationError struct {
	Reason  ReasonCode
	Field   string
	Value   float64
	Floor   float64
	Ceiling float64
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s (field=%s, value=%.4f, allowed=[%.4f, %.4f])",
		e.Reason, e.Message, e.Field, e.Value, e.Floor, e.Ceiling)
}

// Boundary is a platform-enforced [floor, ceiling] pair
type Boundary struct {
	Floor   float64 `yaml:"floor" json:"floor"`
	Ceiling float64 `yaml:"ceiling" json:"ceiling"`
}

// Governance holds the platform boundaries no tenant profile may cross
type Governance struct {
	ConfidenceMin Boundary `yaml:"confidence_min" json:"confidenceMin"`
	EdgeMin       Boundary `yaml:"edge_min" json:"edgeMin"`
	MaxDriftScore Boundary `yaml:"max_drift_score" json:"maxDriftScore"`
}

// DefaultGovernance returns the platform boundaries
func DefaultGovernance() Governance {
	return Governance{
		ConfidenceMin: Boundary{Floor: 0.65, Ceiling: 0.95},
		EdgeMin:       Boundary{Floor: 0.05, Ceiling: 0.50},
		MaxDriftScore: Boundary{Floor: 0.0, Ceiling: 0.30},
	}
}

func checkBoundary(field string, value float64, b Boundary) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return ValidationError{
			Reason: ReasonInvalidNumber, Field: field, Value: value, Floor: b.Floor, Ceiling: b.Ceiling,
			Message: fmt.Sprintf("%s is not a finite number", field),
		}
	}
	if value < b.Floor {
		return ValidationError{
			Reason: ReasonBelowFloor, Field: field, Value: value, Floor: b.Floor, Ceiling: b.Ceiling,
			Message: fmt.Sprintf("%s %.4f is below the platform floor %.4f", field, value, b.Floor),
		}
	}
	if value > b.Ceiling {
		return ValidationError{
			Reason: ReasonAboveCeiling, Field: field, Value: value, Floor: b.Floor, Ceiling: b.Ceiling,
			Message: fmt.Sprintf("%s %.4f is above the platform ceiling %.4f", field, value, b.Ceiling),
		}
	}
	return nil
}

// Validate rejects thresholds outside the platform boundaries. It runs before
// any threshold set can reach the gates.
func (g Governance) Validate(t Thresholds) error {
	validators := []func() error{
		func() error { return checkBoundary("confidence_min", t.ConfidenceMin, g.ConfidenceMin) },
		func() error { return checkBoundary("edge_min", t.EdgeMin, g.EdgeMin) },
		func() error { return checkBoundary("max_drift_score", t.MaxDriftScore, g.MaxDriftScore) },
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			log.Warn().Err(err).Msg("Threshold configuration rejected by governance")
			return err
		}
	}

	log.Debug().
		Float64("confidence_min", t.ConfidenceMin).
		Float64("edge_min", t.EdgeMin).
		Float64("max_drift_score", t.MaxDriftScore).
		Msg("Threshold configuration within governance boundaries")
	return nil
}

// validateSelf checks that the boundaries are well formed and no looser than
// DefaultGovernance. Configured governance may only narrow the platform range.
func (g Governance) validateSelf() error {
	platform := DefaultGovernance()
	for _, c := range []struct {
		name      string
		b, limits Boundary
	}{
		{"confidence_min", g.ConfidenceMin, platform.ConfidenceMin},
		{"edge_min", g.EdgeMin, platform.EdgeMin},
		{"max_drift_score", g.MaxDriftScore, platform.MaxDriftScore},
	} {
		if c.b.Floor > c.b.Ceiling {
			return fmt.Errorf("governance %s floor %.4f exceeds ceiling %.4f", c.name, c.b.Floor, c.b.Ceiling)
		}
		if err := checkBoundary("governance."+c.name+".floor", c.b.Floor, c.limits); err != nil {
			return err
		}
		if err := checkBoundary("governance."+c.name+".ceiling", c.b.Ceiling, c.limits); err != nil {
			return err
		}
	}
	return nil
}

// WithDefaults fills boundaries left unset in a partial governance block
func (g Governance) WithDefaults() Governance {
	platform := DefaultGovernance()
	if g.ConfidenceMin == (Boundary{}) {
		g.ConfidenceMin = platform.ConfidenceMin
	}
	if g.EdgeMin == (Boundary{}) {
		g.EdgeMin = platform.EdgeMin
	}
	if g.MaxDriftScore == (Boundary{}) {
		g.MaxDriftScore = platform.MaxDriftScore
	}
	return g
}
