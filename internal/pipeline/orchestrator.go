// Package pipeline runs one daily run as an explicit list of named, timed
// phases: ingestion, inference, policy and publication. Phases never roll
// back earlier phases; failures become entries in the run's error list.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/alerts"
	"github.com/sawpanic/pickrun/internal/cache"
	"github.com/sawpanic/pickrun/internal/drift"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/ingest"
	"github.com/sawpanic/pickrun/internal/metrics"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/policy"
	"github.com/sawpanic/pickrun/internal/quality"
	"github.com/sawpanic/pickrun/internal/registry"
)

// Status is the terminal state of a pipeline execution
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Phase names
const (
	PhaseIngestion   = "ingestion"
	PhaseInference   = "inference"
	PhasePolicy      = "policy"
	PhasePublication = "publication"
)

// Ingestor fetches every provider for a date
type Ingestor interface {
	IngestFromAll(ctx context.Context, date time.Time) ingest.Result
}

// Predictor scores one game through the fallback chain
type Predictor interface {
	Predict(ctx context.Context, input models.PredictionInput) (*models.Prediction, error)
}

// DriftScorer measures drift for a model
type DriftScorer interface {
	Score(ctx context.Context, model registry.ModelInfo) drift.Result
}

// ModelCatalog resolves models by id and by version
type ModelCatalog interface {
	GetModel(ctx context.Context, id string) (*registry.ModelInfo, error)
	FindByVersion(ctx context.Context, version string) (*registry.ModelInfo, error)
}

// HardStopGuard serializes decisions against the hard-stop register
type HardStopGuard interface {
	Guard(ctx context.Context, fn func(hardstop.Snapshot) error) error
}

// DecisionPublisher forwards published decisions downstream
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, d models.PolicyDecision, p models.Prediction) error
}

// Config holds orchestrator settings
type Config struct {
	PhaseTimeout        time.Duration        `yaml:"phase_timeout"`
	SkipIngestion       bool                 `yaml:"skip_ingestion"`
	SkipInference       bool                 `yaml:"skip_inference"`
	UserID              string               `yaml:"user_id"`
	RepresentativeModel string               `yaml:"representative_model"`
	Features            ingest.FeatureConfig `yaml:"features"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		PhaseTimeout: 5 * time.Minute,
		UserID:       "system",
		Features:     ingest.DefaultFeatureConfig(),
	}
}

// Deps are the orchestrator's collaborators. Ingestor, Predictor, Drift,
// Models, Quality, Cache, Publisher, Alerts and Metrics are optional.
type Deps struct {
	Ingestor  Ingestor
	Predictor Predictor
	Policy    *policy.Engine
	HardStop  HardStopGuard
	Drift     DriftScorer
	Models    ModelCatalog
	Quality   quality.Assessor
	Repo      persistence.Repository
	Cache     cache.Invalidator
	Publisher DecisionPublisher
	Alerts    alerts.Sender
	Metrics   *metrics.Registry
}

// Options identify one execution
type Options struct {
	RunID         string
	TraceID       string
	RunDate       time.Time
	SkipIngestion bool
	SkipInference bool
}

// PhaseResult is the outcome of one phase
type PhaseResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is what the orchestrator hands back to the scheduler
type Result struct {
	RunID            string             `json:"runId"`
	TraceID          string             `json:"traceId"`
	Status           Status             `json:"status"`
	Counters         models.RunCounters `json:"counters"`
	DataQualityScore *float64           `json:"dataQualityScore,omitempty"`
	Phases           []PhaseResult      `json:"phases"`
	Errors           []string           `json:"errors"`
	Duration         time.Duration      `json:"duration"`
}

// PhaseDuration returns the duration of a named phase, zero if it did not run
func (r Result) PhaseDuration(name string) time.Duration {
	for _, p := range r.Phases {
		if p.Name == name {
			return p.Duration
		}
	}
	return 0
}

// Orchestrator executes daily runs
type Orchestrator struct {
	config Config
	deps   Deps
	now    func() time.Time
}

// New validates the collaborators and fills optional ones with no-ops
func New(config Config, deps Deps) (*Orchestrator, error) {
	if deps.Policy == nil {
		return nil, fmt.Errorf("pipeline needs a policy engine")
	}
	if deps.HardStop == nil {
		return nil, fmt.Errorf("pipeline needs a hard stop guard")
	}
	if deps.Repo.Predictions == nil || deps.Repo.Decisions == nil || deps.Repo.Runs == nil {
		return nil, fmt.Errorf("pipeline needs prediction, decision and run repositories")
	}
	if config.PhaseTimeout <= 0 {
		config.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if config.Features.SeasonSpan == 0 {
		config.Features = ingest.DefaultFeatureConfig()
	}
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	return &Orchestrator{config: config, deps: deps, now: time.Now}, nil
}

// WithClock overrides the orchestrator's time source
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// phase is one named pipeline step. A zero timeout runs under the caller's
// context only.
type phase struct {
	name    string
	skip    bool
	timeout time.Duration
	run     func(ctx context.Context, st *runState) error
}

func (o *Orchestrator) phases(opts Options) []phase {
	return []phase{
		{name: PhaseIngestion, skip: opts.SkipIngestion || o.config.SkipIngestion || o.deps.Ingestor == nil, timeout: o.config.PhaseTimeout, run: o.ingest},
		{name: PhaseInference, skip: opts.SkipInference || o.config.SkipInference || o.deps.Predictor == nil, timeout: o.config.PhaseTimeout, run: o.infer},
		{name: PhasePolicy, run: o.evaluate},
		{name: PhasePublication, run: o.publish},
	}
}

// runState is shared by the phases of one execution
type runState struct {
	opts   Options
	logger zerolog.Logger

	fingerprints models.Fingerprints
	games        []ingest.Game
	inferred     bool
	counters     models.RunCounters
	quality      *float64
	errors       []string

	hardStopAlerted bool
}

func (st *runState) addError(format string, args ...interface{}) {
	st.errors = append(st.errors, fmt.Sprintf(format, args...))
}

// Run executes every phase in order and always returns a result. A panic
// anywhere yields a failed result with zero counts.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (result Result) {
	start := o.now()
	if opts.RunDate.IsZero() {
		opts.RunDate = models.DateOnly(start)
	}
	st := &runState{
		opts:   opts,
		logger: log.With().Str("run_id", opts.RunID).Str("trace_id", opts.TraceID).Logger(),
	}

	o.deps.Metrics.RunStarted()
	defer o.deps.Metrics.RunFinished()

	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("pipeline panic: %v", rec)
			st.logger.Error().Str("stack", string(debug.Stack())).Msg(msg)
			result = Result{
				RunID:    opts.RunID,
				TraceID:  opts.TraceID,
				Status:   StatusFailed,
				Phases:   result.Phases,
				Errors:   []string{msg},
				Duration: o.now().Sub(start),
			}
			o.alert(ctx, st, alerts.Alert{Type: alerts.TypePipelineFailure, Severity: alerts.SeverityCritical, Message: msg})
			o.deps.Metrics.RecordRun(string(StatusFailed), nil)
		}
	}()

	st.logger.Info().Str("run_date", opts.RunDate.Format("2006-01-02")).Msg("Daily run started")

	result = Result{RunID: opts.RunID, TraceID: opts.TraceID}
	for _, ph := range o.phases(opts) {
		result.Phases = append(result.Phases, o.execute(ctx, ph, st))
	}

	result.Counters = st.counters
	result.DataQualityScore = st.quality
	result.Errors = st.errors
	result.Duration = o.now().Sub(start)
	switch {
	case st.counters.Predictions == 0:
		result.Status = StatusFailed
		if len(result.Errors) == 0 {
			result.Errors = []string{"no predictions were produced"}
		}
	case len(st.errors) == 0:
		result.Status = StatusCompleted
	default:
		result.Status = StatusPartial
	}

	o.deps.Metrics.RecordRun(string(result.Status), result.DataQualityScore)
	st.logger.Info().
		Str("status", string(result.Status)).
		Int("matches", result.Counters.TotalMatches).
		Int("predictions", result.Counters.Predictions).
		Int("picks", result.Counters.Picks).
		Int("no_bet", result.Counters.NoBet).
		Int("hard_stop", result.Counters.HardStop).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Daily run finished")
	return result
}

func (o *Orchestrator) execute(ctx context.Context, ph phase, st *runState) PhaseResult {
	timer := o.deps.Metrics.StartPhase(ph.name)
	if ph.skip {
		timer.Stop(metrics.ResultSkipped)
		st.logger.Info().Str("phase", ph.name).Msg("Phase skipped")
		return PhaseResult{Name: ph.name, Status: metrics.ResultSkipped}
	}

	phaseCtx := ctx
	if ph.timeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, ph.timeout)
		defer cancel()
	}

	err := ph.run(phaseCtx, st)

	status := metrics.ResultSuccess
	res := PhaseResult{Name: ph.name}
	if err != nil {
		status = metrics.ResultError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
			status = metrics.ResultTimeout
			err = fmt.Errorf("%s phase timed out after %s: %w", ph.name, ph.timeout, err)
		}
		res.Error = err.Error()
		st.addError("%s: %v", ph.name, err)
		o.deps.Metrics.RecordRunError(ph.name)
		st.logger.Error().Err(err).Str("phase", ph.name).Msg("Phase failed")
		o.alert(ctx, st, alerts.Alert{
			Type:     alerts.TypePipelineFailure,
			Severity: alerts.SeverityCritical,
			Message:  fmt.Sprintf("%s phase failed: %v", ph.name, err),
		})
	}
	res.Status = status
	res.Duration = timer.Stop(status)
	return res
}

func (o *Orchestrator) alert(ctx context.Context, st *runState, a alerts.Alert) {
	if o.deps.Alerts == nil {
		return
	}
	a.RunID = st.opts.RunID
	a.TraceID = st.opts.TraceID
	o.deps.Alerts.SendAlert(ctx, a)
}

func (o *Orchestrator) increment(ctx context.Context, st *runState, delta models.RunCounters) {
	st.counters = st.counters.Add(delta)
	if st.opts.RunID == "" {
		return
	}
	if err := o.deps.Repo.Runs.IncrementCounters(ctx, st.opts.RunID, delta); err != nil {
		st.logger.Warn().Err(err).Msg("Failed to increment run counters")
	}
}
