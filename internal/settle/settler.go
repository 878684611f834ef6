// Package settle resolves predictions once their games finish and feeds the
// results of published picks into the hard-stop register.
package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/pickrun/internal/alerts"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/ingest"
	"github.com/sawpanic/pickrun/internal/metrics"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
)

// ResultSource delivers schedules with final scores for a date
type ResultSource interface {
	IngestFromAll(ctx context.Context, date time.Time) ingest.Result
}

// OutcomeRecorder is the hard-stop register's write side
type OutcomeRecorder interface {
	Snapshot() hardstop.Snapshot
	RecordOutcome(ctx context.Context, o hardstop.Outcome) (hardstop.Snapshot, error)
}

// Config holds settlement settings
type Config struct {
	Stake        decimal.Decimal `yaml:"stake"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	BatchSize    int             `yaml:"batch_size"`
}

// DefaultConfig returns a flat 100 unit stake checked every 30 minutes
func DefaultConfig() Config {
	return Config{
		Stake:        decimal.NewFromInt(100),
		PollInterval: 30 * time.Minute,
		BatchSize:    500,
	}
}

// Report summarizes one settlement pass
type Report struct {
	Checked   int      `json:"checked"`
	Confirmed int      `json:"confirmed"`
	Cancelled int      `json:"cancelled"`
	Wins      int      `json:"wins"`
	Losses    int      `json:"losses"`
	Open      int      `json:"open"`
	Errors    []string `json:"errors,omitempty"`
}

// Settler resolves open predictions
type Settler struct {
	config  Config
	source  ResultSource
	repo    persistence.Repository
	tracker OutcomeRecorder
	alerts  alerts.Sender
	metrics *metrics.Registry
	now     func() time.Time
}

// NewSettler creates a settler. alertSender and m may be nil.
func NewSettler(config Config, source ResultSource, repo persistence.Repository, tracker OutcomeRecorder, alertSender alerts.Sender, m *metrics.Registry) (*Settler, error) {
	if source == nil || tracker == nil || repo.Predictions == nil || repo.Decisions == nil {
		return nil, fmt.Errorf("settler needs a result source, a tracker and prediction and decision repositories")
	}
	if config.Stake.IsNegative() || config.Stake.IsZero() {
		return nil, fmt.Errorf("settlement stake must be positive: %s", config.Stake)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Settler{config: config, source: source, repo: repo, tracker: tracker, alerts: alertSender, metrics: m, now: time.Now}, nil
}

// WithClock overrides the settler's time source
func (s *Settler) WithClock(now func() time.Time) *Settler {
	s.now = now
	return s
}

// Start settles immediately and then on every poll interval until ctx ends
func (s *Settler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Settle(ctx); err != nil {
			log.Error().Err(err).Msg("Settlement pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Settle resolves every open prediction whose game has started. Games are
// fetched once per date and outcomes are applied in tip-off order so the
// losing streak counts in the order games finished.
func (s *Settler) Settle(ctx context.Context) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during settlement: %v", r)
		}
	}()

	open, err := s.repo.Predictions.ListByStatus(ctx,
		[]models.PredictionStatus{models.PredictionPending, models.PredictionProcessed}, s.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list open predictions: %w", err)
	}

	now := s.now()
	games := make(map[string]map[string]ingest.Game)
	for _, p := range open {
		if p.CommenceTime.After(now) {
			report.Open++
			continue
		}
		report.Checked++

		date, err := gameDate(p)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		day := date.Format("2006-01-02")
		if _, fetched := games[day]; !fetched {
			games[day] = s.fetch(ctx, date)
		}

		g, ok := games[day][p.MatchID]
		if !ok || g.Schedule == nil {
			report.Open++
			continue
		}
		if err := s.resolve(ctx, p, *g.Schedule, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("match %s: %v", p.MatchID, err))
			log.Error().Err(err).Str("match_id", p.MatchID).Msg("Failed to settle prediction")
		}
	}

	log.Info().
		Int("checked", report.Checked).
		Int("confirmed", report.Confirmed).
		Int("cancelled", report.Cancelled).
		Int("wins", report.Wins).
		Int("losses", report.Losses).
		Int("open", report.Open).
		Int("errors", len(report.Errors)).
		Msg("Settlement pass complete")
	return report, nil
}

func (s *Settler) fetch(ctx context.Context, date time.Time) map[string]ingest.Game {
	res := s.source.IngestFromAll(ctx, date)
	for _, msg := range res.Errors() {
		log.Warn().Str("date", date.Format("2006-01-02")).Msg(msg)
	}
	out := make(map[string]ingest.Game)
	for _, g := range ingest.Merge(res) {
		out[g.Key] = g
	}
	return out
}

func (s *Settler) resolve(ctx context.Context, p models.Prediction, sched ingest.Schedule, report *Report) error {
	switch sched.Status {
	case ingest.GameCancelled, ingest.GamePostponed:
		if err := s.repo.Predictions.UpdateStatus(ctx, p.ID, models.PredictionCancelled); err != nil {
			return err
		}
		report.Cancelled++
		log.Info().Str("match_id", p.MatchID).Str("status", sched.Status).Msg("Prediction cancelled")
		return nil
	case ingest.GameFinal:
	default:
		report.Open++
		return nil
	}
	if sched.HomeScore == nil || sched.AwayScore == nil {
		report.Open++
		return nil
	}

	home, away := *sched.HomeScore, *sched.AwayScore
	correct := Correct(p, home, away)
	if err := s.repo.Predictions.RecordResult(ctx, p.ID, home, away, correct, models.PredictionConfirmed); err != nil {
		return err
	}
	report.Confirmed++

	d, err := s.repo.Decisions.GetByPrediction(ctx, p.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status != models.StatusPick || d.PublishedAt == nil {
		return nil
	}

	outcome := Payout(s.config.Stake, p.PickOdds, correct)
	wasActive := s.tracker.Snapshot().State.IsActive
	snap, err := s.tracker.RecordOutcome(ctx, outcome)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	if correct {
		report.Wins++
	} else {
		report.Losses++
	}
	s.metrics.SetHardStop(snap.State.IsActive)
	if snap.State.IsActive && !wasActive && s.alerts != nil {
		reason := ""
		if snap.State.TriggerReason != nil {
			reason = *snap.State.TriggerReason
		}
		s.alerts.SendAlert(ctx, alerts.Alert{
			Type:     alerts.TypeHardStop,
			Severity: alerts.SeverityCritical,
			Message:  "hard stop triggered: " + reason,
			Context:  map[string]string{"match_id": p.MatchID, "daily_loss": snap.State.DailyLoss.StringFixed(2)},
		})
	}

	log.Info().
		Str("match_id", p.MatchID).
		Bool("win", correct).
		Str("amount", outcome.Amount.StringFixed(2)).
		Int("consecutive_losses", snap.State.ConsecutiveLosses).
		Msg("Pick settled")
	return nil
}

// Correct reports whether the predicted winner won. A prediction without a
// winner, or a tied score, is never correct.
func Correct(p models.Prediction, home, away int) bool {
	switch {
	case p.PredictedWinner == "" || home == away:
		return false
	case home > away:
		return p.PredictedWinner == p.HomeTeam
	default:
		return p.PredictedWinner == p.AwayTeam
	}
}

// Payout converts a settled pick into a register outcome: a win pays
// stake*(odds-1), a loss costs the stake
func Payout(stake decimal.Decimal, odds float64, win bool) hardstop.Outcome {
	if !win {
		return hardstop.Outcome{Amount: stake}
	}
	if odds <= 1 {
		return hardstop.Outcome{Win: true, Amount: decimal.Zero}
	}
	return hardstop.Outcome{Win: true, Amount: stake.Mul(decimal.NewFromFloat(odds).Sub(decimal.NewFromInt(1))).Round(2)}
}

// gameDate reads the calendar date from the YYYYMMDD prefix of a game key
func gameDate(p models.Prediction) (time.Time, error) {
	if len(p.MatchID) < 8 {
		return time.Time{}, fmt.Errorf("match %q has no date prefix", p.MatchID)
	}
	d, err := time.Parse("20060102", p.MatchID[:8])
	if err != nil {
		return time.Time{}, fmt.Errorf("match %q has an invalid date prefix: %w", p.MatchID, err)
	}
	return d, nil
}
