// Package policy turns a prediction into a PICK, NO_BET or HARD_STOP decision.
// Gates run in a fixed order: hard stop, data quality, confidence, edge, drift.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/models"
)

// DriftSignal is the drift score for the prediction's model. An unavailable
// signal fails the drift gate.
type DriftSignal struct {
	Score     float64
	Available bool
}

// Request is everything one evaluation consumes
type Request struct {
	Prediction models.Prediction
	Drift      DriftSignal
	HardStop   hardstop.Snapshot
}

// Outcome is the decision-shaped result of one evaluation
type Outcome struct {
	Status            models.DecisionStatus
	Gates             models.Gates
	Evaluations       models.GateEvaluations
	HardStopReason    string
	NoBetReason       string
	RecommendedAction string
	RecommendedPick   string
	Rationale         string
	Thresholds        Thresholds
}

// Engine evaluates predictions against the active thresholds
type Engine struct {
	mu         sync.RWMutex
	thresholds Thresholds
	profile    string
	governance Governance
	profiles   map[string]Thresholds
}

// NewEngine validates the config and applies its active profile, if any
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	e := &Engine{
		thresholds: cfg.Thresholds,
		governance: cfg.Governance,
		profiles:   make(map[string]Thresholds, len(cfg.Profiles)),
	}
	for name, t := range cfg.Profiles {
		e.profiles[name] = t
	}
	if cfg.ActiveProfile != "" {
		if err := e.ApplyProfile(cfg.ActiveProfile); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// NewEngineWithDefaults creates an engine with platform defaults
func NewEngineWithDefaults() *Engine {
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("default policy config is invalid: %v", err))
	}
	return e
}

// Thresholds returns the active thresholds
func (e *Engine) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// ActiveProfile returns the applied profile name, "" for the base thresholds
func (e *Engine) ActiveProfile() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profile
}

// SetThresholds replaces the active thresholds after governance validation.
// A rejected set leaves the active thresholds untouched.
func (e *Engine) SetThresholds(t Thresholds) error {
	if err := e.governance.Validate(t); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = t
	e.profile = ""
	return nil
}

// ApplyProfile activates a named tenant profile after governance validation
func (e *Engine) ApplyProfile(name string) error {
	e.mu.RLock()
	t, ok := e.profiles[name]
	e.mu.RUnlock()
	if !ok {
		return ValidationError{
			Reason:  ReasonUnknownProfile,
			Field:   "profile",
			Message: fmt.Sprintf("profile %q is not defined", name),
		}
	}
	if err := e.governance.Validate(t); err != nil {
		return fmt.Errorf("profile %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = t
	e.profile = name
	log.Info().Str("profile", name).
		Float64("confidence_min", t.ConfidenceMin).
		Float64("edge_min", t.EdgeMin).
		Float64("max_drift_score", t.MaxDriftScore).
		Msg("Policy profile applied")
	return nil
}

// Evaluate runs every gate for one prediction. Only the hard-stop gate short
// circuits; the other gates are always evaluated so the audit trail is complete.
func (e *Engine) Evaluate(req Request) Outcome {
	t := e.Thresholds()
	p := req.Prediction
	out := Outcome{Thresholds: t}

	if halted, reason := req.HardStop.Halted(); halted {
		out.Status = models.StatusHardStop
		out.HardStopReason = reason
		out.RecommendedAction = models.ActionHalt
		out.Rationale = "hard stop in force: " + reason
		out.Evaluations = models.GateEvaluations{
			{Gate: models.GateHardStop, Evaluated: true, Passed: false, Reason: reason},
			{Gate: models.GateQuality, Reason: "skipped: hard stop"},
			{Gate: models.GateConfidence, Threshold: t.ConfidenceMin, Reason: "skipped: hard stop"},
			{Gate: models.GateEdge, Threshold: t.EdgeMin, Reason: "skipped: hard stop"},
			{Gate: models.GateDrift, Threshold: t.MaxDriftScore, Reason: "skipped: hard stop"},
		}
		log.Debug().Str("match_id", p.MatchID).Str("reason", reason).Msg("Decision halted by hard stop")
		return out
	}
	out.Gates.HardStopGate = true

	qualityOK := p.QualityPassed && !p.WasForcedNoBet()
	out.Gates.ConfidenceGate = p.Confidence >= t.ConfidenceMin
	out.Gates.EdgeGate = p.Edge >= t.EdgeMin
	out.Gates.DriftGate = req.Drift.Available && req.Drift.Score <= t.MaxDriftScore

	driftEval := models.GateEvaluation{
		Gate: models.GateDrift, Evaluated: true, Passed: out.Gates.DriftGate,
		Actual: req.Drift.Score, Threshold: t.MaxDriftScore,
	}
	if !req.Drift.Available {
		driftEval.Reason = "drift score unavailable"
	}
	out.Evaluations = models.GateEvaluations{
		{Gate: models.GateHardStop, Evaluated: true, Passed: true},
		{Gate: models.GateQuality, Evaluated: true, Passed: qualityOK, Actual: p.QualityScore},
		{Gate: models.GateConfidence, Evaluated: true, Passed: out.Gates.ConfidenceGate, Actual: p.Confidence, Threshold: t.ConfidenceMin},
		{Gate: models.GateEdge, Evaluated: true, Passed: out.Gates.EdgeGate, Actual: p.Edge, Threshold: t.EdgeMin},
		driftEval,
	}

	var failed []string
	if !qualityOK {
		out.NoBetReason = models.NoBetReasonDegradedDataQuality
		failed = append(failed, fmt.Sprintf("%s: data quality did not pass (score %.2f)", models.NoBetReasonDegradedDataQuality, p.QualityScore))
	}
	if !out.Gates.ConfidenceGate {
		failed = append(failed, fmt.Sprintf("%s: confidence %.3f below %.3f", models.GateConfidence, p.Confidence, t.ConfidenceMin))
	}
	if !out.Gates.EdgeGate {
		failed = append(failed, fmt.Sprintf("%s: edge %.3f below %.3f", models.GateEdge, p.Edge, t.EdgeMin))
	}
	if !out.Gates.DriftGate {
		if req.Drift.Available {
			failed = append(failed, fmt.Sprintf("%s: drift %.3f above %.3f", models.GateDrift, req.Drift.Score, t.MaxDriftScore))
		} else {
			failed = append(failed, fmt.Sprintf("%s: drift score unavailable", models.GateDrift))
		}
	}
	if p.PredictedWinner == "" {
		failed = append(failed, "no_winner: prediction has no predicted winner")
	}

	if len(failed) > 0 {
		out.Status = models.StatusNoBet
		out.RecommendedAction = models.ActionAbstain
		if out.NoBetReason == "" {
			out.NoBetReason = strings.SplitN(failed[0], ":", 2)[0]
		}
		out.Rationale = strings.Join(failed, "; ")
		return out
	}

	out.Status = models.StatusPick
	out.RecommendedPick = p.PredictedWinner
	if p.PicksHome() {
		out.RecommendedAction = models.ActionBetHome
	} else {
		out.RecommendedAction = models.ActionBetAway
	}
	out.Rationale = fmt.Sprintf("all gates passed: %s with confidence %.3f, edge %.3f, drift %.3f",
		p.PredictedWinner, p.Confidence, p.Edge, req.Drift.Score)
	return out
}

// Apply copies an outcome onto a decision record
func (o Outcome) Apply(d *models.PolicyDecision) {
	d.Status = o.Status
	d.Gates = o.Gates
	d.Evaluations = o.Evaluations
	d.HardStopReason = models.StringPtr(o.HardStopReason)
	d.NoBetReason = models.StringPtr(o.NoBetReason)
	d.RecommendedAction = models.StringPtr(o.RecommendedAction)
	d.RecommendedPick = models.StringPtr(o.RecommendedPick)
	d.Rationale = o.Rationale
}
