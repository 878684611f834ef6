package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/alerts"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/pipeline"
)

// ErrRunInProgress is returned when a trigger arrives while a run executes
var ErrRunInProgress = errors.New("a daily run is already in progress")

const (
	// healthWindow is the number of recent runs inspected for failures
	healthWindow = 5
	// maxConsecutiveFailures within the window before the scheduler is unhealthy
	maxConsecutiveFailures = 3
	historySize            = 30
)

// Runner executes one pipeline run
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) pipeline.Result
}

// DayStarter rolls the hard-stop register over to a new trading day
type DayStarter interface {
	StartDay(ctx context.Context, day time.Time) (hardstop.Snapshot, error)
}

// Config holds the daily schedule
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	RunAt    string `yaml:"run_at"`   // HH:MM wall clock
	Timezone string `yaml:"timezone"` // IANA name
}

// DefaultConfig runs at 10:00 US Eastern, before the first tip-off
func DefaultConfig() Config {
	return Config{Enabled: true, RunAt: "10:00", Timezone: "America/New_York"}
}

// Validate parses the run time and timezone
func (c Config) Validate() error {
	if _, _, err := parseClock(c.RunAt); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Timezone, err)
	}
	return nil
}

func parseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid run_at %q, want HH:MM: %w", v, err)
	}
	return t.Hour(), t.Minute(), nil
}

// TriggerOptions control one run. A zero Date means today in the scheduler's
// timezone.
type TriggerOptions struct {
	Date          time.Time
	SkipIngestion bool
	SkipInference bool
	Trigger       string // "scheduled" or "manual", for logs only
}

// RunReport is the persisted run plus the pipeline's own result
type RunReport struct {
	Run    *models.DailyRun `json:"run"`
	Result pipeline.Result  `json:"result"`
}

// Health summarizes recent run outcomes
type Health struct {
	Healthy             bool       `json:"healthy"`
	Running             bool       `json:"running"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	RecentRuns          int        `json:"recentRuns"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	NextRunAt           *time.Time `json:"nextRunAt,omitempty"`
}

// Scheduler creates DailyRun records and drives the pipeline once per run.
// Scheduled and manual triggers share TriggerDailyRun.
type Scheduler struct {
	config   Config
	loc      *time.Location
	hour     int
	minute   int
	runner   Runner
	runs     persistence.RunRepo
	tracker  DayStarter
	alerts   alerts.Sender
	now      func() time.Time
	mu       sync.Mutex
	running  bool
	started  bool
}

// New creates a scheduler. alertSender may be nil.
func New(config Config, runner Runner, runs persistence.RunRepo, tracker DayStarter, alertSender alerts.Sender) (*Scheduler, error) {
	if runner == nil || runs == nil || tracker == nil {
		return nil, fmt.Errorf("scheduler needs a runner, a run repository and a hard-stop tracker")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	hour, minute, _ := parseClock(config.RunAt)
	loc, _ := time.LoadLocation(config.Timezone)
	return &Scheduler{
		config:  config,
		loc:     loc,
		hour:    hour,
		minute:  minute,
		runner:  runner,
		runs:    runs,
		tracker: tracker,
		alerts:  alertSender,
		now:     time.Now,
	}, nil
}

// WithClock overrides the scheduler's time source
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// TriggerDailyRun creates or resets the run for the date, executes the
// pipeline and records the terminal status. Pipeline failures are reported in
// the returned run; an error means the run record itself could not be
// written.
func (s *Scheduler) TriggerDailyRun(ctx context.Context, opts TriggerOptions) (*RunReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	date := opts.Date
	if date.IsZero() {
		date = s.now().In(s.loc)
	}
	date = models.DateOnly(date)
	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}

	traceID := uuid.NewString()
	logger := log.With().Str("trace_id", traceID).Str("run_date", date.Format("2006-01-02")).Logger()

	run, err := s.runs.CreateOrReset(ctx, date, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create daily run: %w", err)
	}
	logger.Info().Str("run_id", run.ID).Str("trigger", opts.Trigger).Msg("Daily run triggered")

	var setupErrors []string
	if _, err := s.tracker.StartDay(ctx, date); err != nil {
		logger.Error().Err(err).Msg("Failed to roll hard-stop register to the run date")
		setupErrors = append(setupErrors, fmt.Sprintf("hard stop: failed to start trading day: %v", err))
	}

	if err := s.runs.MarkRunning(ctx, run.ID, s.now()); err != nil {
		return nil, fmt.Errorf("failed to mark run %s running: %w", run.ID, err)
	}

	result := s.runner.Run(ctx, pipeline.Options{
		RunID:         run.ID,
		TraceID:       traceID,
		RunDate:       date,
		SkipIngestion: opts.SkipIngestion,
		SkipInference: opts.SkipInference,
	})

	completed := s.now()
	run.Status = models.RunCompleted
	if result.Status == pipeline.StatusFailed {
		run.Status = models.RunFailed
	}
	run.TotalMatches = result.Counters.TotalMatches
	run.PredictionsCount = result.Counters.Predictions
	run.PicksCount = result.Counters.Picks
	run.NoBetCount = result.Counters.NoBet
	run.HardStopCount = result.Counters.HardStop
	run.DataQualityScore = result.DataQualityScore
	run.Errors = append(models.ErrorList(setupErrors), result.Errors...)
	run.CompletedAt = &completed

	// the terminal status is written even when the trigger was cancelled
	if err := s.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
		return nil, fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}

	if run.Status == models.RunFailed && s.alerts != nil {
		msg := "daily run failed"
		if len(run.Errors) > 0 {
			msg = run.Errors[0]
		}
		s.alerts.SendAlert(ctx, alerts.Alert{
			Type:     alerts.TypeRunFailed,
			Severity: alerts.SeverityCritical,
			Message:  msg,
			RunID:    run.ID,
			TraceID:  traceID,
			Context:  map[string]string{"run_date": date.Format("2006-01-02"), "errors": fmt.Sprint(len(run.Errors))},
		})
	}

	logger.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Str("pipeline_status", string(result.Status)).
		Int("predictions", run.PredictionsCount).
		Int("picks", run.PicksCount).
		Dur("duration", result.Duration).
		Msg("Daily run recorded")

	return &RunReport{Run: run, Result: result}, nil
}

// Health is unhealthy when the most recent runs contain a streak of
// consecutive failures
func (s *Scheduler) Health(ctx context.Context) (Health, error) {
	recent, err := s.runs.Recent(ctx, historySize)
	if err != nil {
		return Health{}, fmt.Errorf("failed to load recent runs: %w", err)
	}

	h := evaluate(recent)
	s.mu.Lock()
	h.Running = s.running
	started := s.started
	s.mu.Unlock()
	if started {
		next := s.NextRun(s.now())
		h.NextRunAt = &next
	}
	return h, nil
}

func evaluate(recent []models.DailyRun) Health {
	var h Health
	window := recent
	if len(window) > healthWindow {
		window = window[:healthWindow]
	}
	h.RecentRuns = len(window)

	streak := 0
	for _, run := range window {
		if run.Status == models.RunFailed {
			streak++
			if streak > h.ConsecutiveFailures {
				h.ConsecutiveFailures = streak
			}
		} else {
			streak = 0
		}
	}
	h.Healthy = h.ConsecutiveFailures < maxConsecutiveFailures

	for i := range recent {
		run := recent[i]
		at := run.CompletedAt
		if at == nil {
			at = &run.UpdatedAt
		}
		switch run.Status {
		case models.RunCompleted:
			if h.LastSuccessAt == nil {
				h.LastSuccessAt = at
			}
		case models.RunFailed:
			if h.LastFailureAt == nil {
				h.LastFailureAt = at
			}
		}
	}
	return h
}

// NextRun returns the first configured wall-clock time strictly after t
func (s *Scheduler) NextRun(t time.Time) time.Time {
	local := t.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// Start triggers a run at the configured time every day until ctx ends
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
	}()

	for {
		now := s.now()
		next := s.NextRun(now)
		log.Info().Time("next_run", next).Msg("Scheduler waiting for next run")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Scheduler stopped")
			return nil
		case <-timer.C:
		}

		if _, err := s.TriggerDailyRun(ctx, TriggerOptions{Trigger: "scheduled"}); err != nil {
			log.Error().Err(err).Msg("Scheduled run failed")
		}
	}
}
