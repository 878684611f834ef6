package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/pickrun/internal/alerts"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/ingest"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/policy"
)

// ingest fetches every provider, keeps fingerprints for the audit trail and
// scores one representative game for the run-level quality score. Provider
// failures are recorded and alerted, never returned.
func (o *Orchestrator) ingest(ctx context.Context, st *runState) error {
	res := o.deps.Ingestor.IngestFromAll(ctx, st.opts.RunDate)
	st.fingerprints = res.Fingerprints()

	if failures := res.Errors(); len(failures) > 0 {
		for _, msg := range failures {
			st.addError("%s: %s", PhaseIngestion, msg)
			o.deps.Metrics.RecordRunError(PhaseIngestion)
		}
		o.alert(ctx, st, alerts.Alert{
			Type:     alerts.TypeProviderFailure,
			Severity: alerts.SeverityWarning,
			Message:  fmt.Sprintf("%d of %d providers failed", res.Summary.Failed, res.Summary.Total),
			Context:  map[string]string{"errors": strings.Join(failures, "; ")},
		})
	}
	if res.Summary.Total > 0 && res.Summary.Successful == 0 {
		return fmt.Errorf("all %d providers failed", res.Summary.Total)
	}

	for _, g := range ingest.Merge(res) {
		if g.Eligible() {
			st.games = append(st.games, g)
		}
	}
	o.increment(ctx, st, models.RunCounters{TotalMatches: len(st.games)})
	o.representativeQuality(ctx, st)

	st.logger.Info().
		Int("providers", res.Summary.Total).
		Int("failed_providers", res.Summary.Failed).
		Int("records", len(res.Data)).
		Int("eligible_games", len(st.games)).
		Msg("Ingestion complete")
	return ctx.Err()
}

func (o *Orchestrator) representativeQuality(ctx context.Context, st *runState) {
	if len(st.games) == 0 || o.deps.Quality == nil || o.deps.Models == nil || o.config.RepresentativeModel == "" {
		return
	}
	model, err := o.deps.Models.GetModel(ctx, o.config.RepresentativeModel)
	if err != nil {
		st.logger.Warn().Err(err).Str("model", o.config.RepresentativeModel).Msg("Representative model unavailable, run quality not scored")
		return
	}
	input := st.games[0].Input(st.opts.RunID, o.config.UserID, o.config.Features)
	a := o.deps.Quality.Assess(input, *model)
	score := a.OverallScore
	st.quality = &score
	st.logger.Debug().
		Str("match_id", input.MatchID).
		Float64("quality", score).
		Strs("failed_checks", a.FailedChecks).
		Msg("Run data quality scored")
}

// infer predicts every eligible game. A per-game failure is logged and the
// game skipped. A prediction already stored for this run counts as done.
func (o *Orchestrator) infer(ctx context.Context, st *runState) error {
	st.inferred = true
	failed := 0
	for i, g := range st.games {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped after %d of %d games: %w", i, len(st.games), err)
		}
		input := g.Input(st.opts.RunID, o.config.UserID, o.config.Features)

		p, err := o.deps.Predictor.Predict(ctx, input)
		if err != nil {
			failed++
			st.logger.Warn().Err(err).Str("match_id", g.Key).Msg("Prediction failed, game skipped")
			continue
		}
		if err := o.deps.Repo.Predictions.Create(ctx, p); err != nil {
			if errors.Is(err, persistence.ErrDuplicate) {
				st.logger.Info().Str("match_id", g.Key).Msg("Match already predicted in this run")
				o.increment(ctx, st, models.RunCounters{Predictions: 1})
				continue
			}
			failed++
			st.logger.Error().Err(err).Str("match_id", g.Key).Msg("Failed to persist prediction")
			continue
		}
		o.increment(ctx, st, models.RunCounters{Predictions: 1})
	}
	if failed > 0 {
		st.addError("%s: %d of %d games failed", PhaseInference, failed, len(st.games))
		o.deps.Metrics.RecordRunError(PhaseInference)
	}
	st.logger.Info().
		Int("games", len(st.games)).
		Int("predictions", st.counters.Predictions).
		Int("failed", failed).
		Msg("Inference complete")
	return nil
}

// evaluate gives every prediction of the run exactly one decision. Each
// decision is made and stored while holding the hard-stop guard, so decisions
// are serialized against the register.
func (o *Orchestrator) evaluate(ctx context.Context, st *runState) error {
	if st.opts.RunID == "" {
		return fmt.Errorf("no run id")
	}
	predictions, err := o.deps.Repo.Predictions.ListByRun(ctx, st.opts.RunID)
	if err != nil {
		return fmt.Errorf("failed to list predictions: %w", err)
	}
	if !st.inferred {
		o.increment(ctx, st, models.RunCounters{Predictions: len(predictions)})
	}

	drifts := make(map[string]policy.DriftSignal)
	failed := 0
	for _, p := range predictions {
		status, err := o.decide(ctx, st, p, drifts)
		if err != nil {
			failed++
			st.addError("%s: match %s: %v", PhasePolicy, p.MatchID, err)
			o.deps.Metrics.RecordRunError(PhasePolicy)
			st.logger.Error().Err(err).Str("match_id", p.MatchID).Msg("Policy evaluation failed")
			continue
		}
		o.increment(ctx, st, models.ForStatus(status))
	}

	st.logger.Info().
		Int("predictions", len(predictions)).
		Int("picks", st.counters.Picks).
		Int("no_bet", st.counters.NoBet).
		Int("hard_stop", st.counters.HardStop).
		Int("failed", failed).
		Msg("Policy evaluation complete")
	return nil
}

func (o *Orchestrator) decide(ctx context.Context, st *runState, p models.Prediction, drifts map[string]policy.DriftSignal) (models.DecisionStatus, error) {
	existing, err := o.deps.Repo.Decisions.GetByPrediction(ctx, p.ID)
	if err == nil {
		return existing.Status, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return "", fmt.Errorf("failed to look up decision: %w", err)
	}

	signal := o.driftFor(ctx, st, p.ModelVersion, drifts)

	var decision models.PolicyDecision
	var snap hardstop.Snapshot
	err = o.deps.HardStop.Guard(ctx, func(s hardstop.Snapshot) error {
		snap = s
		outcome := o.deps.Policy.Evaluate(policy.Request{Prediction: p, Drift: signal, HardStop: s})
		decision = models.PolicyDecision{
			ID:                     uuid.NewString(),
			PredictionID:           p.ID,
			RunID:                  p.RunID,
			TraceID:                uuid.NewString(),
			DataSourceFingerprints: st.fingerprints,
			QualityAssessment:      assessmentOf(p),
			ExecutedAt:             o.now().UTC(),
		}
		outcome.Apply(&decision)
		return o.deps.Repo.Decisions.Insert(ctx, &decision)
	})
	if errors.Is(err, persistence.ErrDuplicate) {
		existing, getErr := o.deps.Repo.Decisions.GetByPrediction(ctx, p.ID)
		if getErr != nil {
			return "", fmt.Errorf("failed to read concurrent decision: %w", getErr)
		}
		return existing.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to store decision: %w", err)
	}

	if err := o.deps.Repo.Predictions.UpdateStatus(ctx, p.ID, models.PredictionProcessed); err != nil {
		st.logger.Warn().Err(err).Str("prediction_id", p.ID).Msg("Failed to mark prediction processed")
	}
	o.deps.Metrics.RecordDecision(string(decision.Status), string(p.Fallback.FinalLevel))
	o.deps.Metrics.SetHardStop(snap.State.IsActive)

	if decision.Status == models.StatusHardStop && !st.hardStopAlerted {
		st.hardStopAlerted = true
		o.alert(ctx, st, alerts.Alert{
			Type:     alerts.TypeHardStop,
			Severity: alerts.SeverityCritical,
			Message:  "decisions halted: " + derefString(decision.HardStopReason),
		})
	}

	st.logger.Debug().
		Str("match_id", p.MatchID).
		Str("decision_trace_id", decision.TraceID).
		Str("status", string(decision.Status)).
		Str("rationale", decision.Rationale).
		Msg("Decision recorded")
	return decision.Status, nil
}

// driftFor resolves a model version to its drift signal once per run. An
// unknown version is an unavailable signal.
func (o *Orchestrator) driftFor(ctx context.Context, st *runState, version string, cache map[string]policy.DriftSignal) policy.DriftSignal {
	if signal, ok := cache[version]; ok {
		return signal
	}
	signal := policy.DriftSignal{}
	if version != "" && o.deps.Drift != nil && o.deps.Models != nil {
		model, err := o.deps.Models.FindByVersion(ctx, version)
		if err != nil {
			st.logger.Warn().Err(err).Str("model_version", version).Msg("Model version not in registry, drift unavailable")
		} else {
			r := o.deps.Drift.Score(ctx, *model)
			signal = policy.DriftSignal{Score: r.Score, Available: r.Available}
			if r.Available {
				o.deps.Metrics.SetDrift(version, r.Score)
			}
		}
	}
	cache[version] = signal
	return signal
}

// publish stamps publishedAt on the run's unpublished decisions, forwards
// those to the decision stream and invalidates read caches. Only the
// publishedAt update can fail the phase.
func (o *Orchestrator) publish(ctx context.Context, st *runState) error {
	if st.opts.RunID == "" {
		return fmt.Errorf("no run id")
	}
	// postgres keeps microseconds; the stamp must compare equal after a round trip
	at := o.now().UTC().Truncate(time.Microsecond)
	n, err := o.deps.Repo.Decisions.MarkPublished(ctx, st.opts.RunID, at)
	if err != nil {
		return fmt.Errorf("failed to mark decisions published: %w", err)
	}

	if o.deps.Publisher != nil && n > 0 {
		o.forward(ctx, st, at)
	}

	removed, err := o.deps.Cache.InvalidateDecisions(ctx, st.opts.RunDate)
	o.deps.Metrics.RecordCacheInvalidation(err == nil)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Cache invalidation failed")
	}

	st.logger.Info().
		Int64("published", n).
		Int64("cache_keys_removed", removed).
		Msg("Publication complete")
	return nil
}

// forward sends the decisions stamped at this publication. Decisions a
// previous execution of the run already published are not sent again.
func (o *Orchestrator) forward(ctx context.Context, st *runState, at time.Time) {
	decisions, err := o.deps.Repo.Decisions.ListByRun(ctx, st.opts.RunID)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Failed to list decisions for the stream")
		return
	}
	predictions, err := o.deps.Repo.Predictions.ListByRun(ctx, st.opts.RunID)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Failed to list predictions for the stream")
		return
	}
	byID := make(map[string]models.Prediction, len(predictions))
	for _, p := range predictions {
		byID[p.ID] = p
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].ExecutedAt.Before(decisions[j].ExecutedAt) })

	sent := 0
	for _, d := range decisions {
		if d.PublishedAt == nil || !d.PublishedAt.Equal(at) {
			continue
		}
		if err := o.deps.Publisher.PublishDecision(ctx, d, byID[d.PredictionID]); err != nil {
			st.logger.Warn().Err(err).Str("decision_id", d.ID).Msg("Failed to publish decision event")
			continue
		}
		sent++
	}
	st.logger.Debug().Int("events", sent).Msg("Decision events published")
}

// assessmentOf returns the assessment that let the prediction through, or
// the last failing one for a forced no-bet
func assessmentOf(p models.Prediction) *models.DataQualityAssessment {
	if a := p.Fallback.PassingAssessment(); a != nil {
		return a
	}
	for i := len(p.Fallback.Attempts) - 1; i >= 0; i-- {
		if a := p.Fallback.Attempts[i].Assessment; a != nil {
			return a
		}
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
