package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/alerts"
	"github.com/sawpanic/pickrun/internal/cache"
	"github.com/sawpanic/pickrun/internal/config"
	"github.com/sawpanic/pickrun/internal/drift"
	"github.com/sawpanic/pickrun/internal/fallback"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/infrastructure/db"
	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/pickrun/internal/ingest"
	"github.com/sawpanic/pickrun/internal/ingest/providers"
	httpapi "github.com/sawpanic/pickrun/internal/interfaces/http"
	"github.com/sawpanic/pickrun/internal/metrics"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/persistence/memory"
	"github.com/sawpanic/pickrun/internal/pipeline"
	"github.com/sawpanic/pickrun/internal/policy"
	"github.com/sawpanic/pickrun/internal/predict"
	"github.com/sawpanic/pickrun/internal/quality"
	"github.com/sawpanic/pickrun/internal/registry"
	"github.com/sawpanic/pickrun/internal/scheduler"
	"github.com/sawpanic/pickrun/internal/settle"
	"github.com/sawpanic/pickrun/internal/stream"
)

// app holds every wired component for one process
type app struct {
	cfg       *config.Config
	metrics   *metrics.Registry
	database  *db.Manager
	repo      persistence.Repository
	tracker   *hardstop.Tracker
	alerts    *alerts.Dispatcher
	cache     *cache.RedisCache
	ingestor  *ingest.Service
	pipeline  *pipeline.Orchestrator
	scheduler *scheduler.Scheduler
	settler   *settle.Settler

	closers []func() error
}

// newApp builds the component graph from configuration. Optional
// infrastructure (PostgreSQL, Redis, the decision stream, chat alerts) is
// only connected when configured.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	if err := a.openStore(ctx); err != nil {
		return err
	}

	var err error

	a.tracker, err = hardstop.NewTracker(ctx, cfg.HardStop.TenantID, cfg.HardStop.Limits, a.repo.HardStop)
	if err != nil {
		return fmt.Errorf("failed to load hard stop register: %w", err)
	}
	a.metrics.SetHardStop(a.tracker.Snapshot().State.IsActive)

	if a.alerts, err = buildAlerts(cfg.Alerts, a.metrics); err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		a.alerts.Wait()
		return nil
	})

	if cfg.Redis.Enabled {
		if a.cache, err = cache.NewRedisCache(cfg.Redis.Config); err != nil {
			return err
		}
		a.closers = append(a.closers, a.cache.Close)
	}

	loc, err := cfg.Providers.Location()
	if err != nil {
		return err
	}
	sources, err := providers.Build(cfg.Providers.Sources, loc)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}
	a.ingestor = ingest.NewService(sources, cfg.Providers.Breaker, cfg.Providers.Timeout).WithObserver(a.metrics)

	models, err := registry.NewMemoryRegistry(cfg.Models)
	if err != nil {
		return fmt.Errorf("failed to seed model registry: %w", err)
	}
	gate, err := quality.NewGate(cfg.Quality)
	if err != nil {
		return err
	}
	chain, err := fallback.NewChain(cfg.Fallback, models, gate)
	if err != nil {
		return fmt.Errorf("failed to build fallback chain: %w", err)
	}
	serving := predict.NewClient(cfg.PredictionService.BaseURL, httpclient.NewClient(cfg.PredictionService.Client))
	predictor, err := predict.NewService(chain, serving, cfg.PredictionService.Scores)
	if err != nil {
		return err
	}
	monitor, err := drift.NewMonitor(cfg.Drift, a.repo.Predictions)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return fmt.Errorf("failed to build policy engine: %w", err)
	}

	deps := pipeline.Deps{
		Ingestor:  a.ingestor,
		Predictor: predictor,
		Policy:    engine,
		HardStop:  a.tracker,
		Drift:     monitor,
		Models:    models,
		Quality:   gate,
		Repo:      a.repo,
		Alerts:    a.alerts,
		Metrics:   a.metrics,
	}
	if a.cache != nil {
		deps.Cache = a.cache
	}
	if cfg.Stream.Enabled {
		deps.Publisher = a.openStream(cfg.Stream)
	}
	if a.pipeline, err = pipeline.New(cfg.Pipeline, deps); err != nil {
		return err
	}

	a.scheduler, err = scheduler.New(cfg.Scheduler, a.pipeline, a.repo.Runs, a.tracker, a.alerts)
	if err != nil {
		return err
	}
	a.settler, err = settle.NewSettler(cfg.Settlement, a.ingestor, a.repo, a.tracker, a.alerts, a.metrics)
	if err != nil {
		return err
	}
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	mgr, err := db.NewManager(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	a.database = mgr
	a.closers = append(a.closers, mgr.Close)

	if repo := mgr.Repository(); repo != nil {
		a.repo = *repo
		return nil
	}
	log.Warn().Msg("Database disabled, using in-memory store (state is lost on exit)")
	a.repo = memory.NewStore().Repository()
	return nil
}

func (a *app) openStream(cfg config.StreamConfig) *stream.DecisionPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a.closers = append(a.closers, client.Close)
	log.Info().Str("addr", cfg.Addr).Str("topic", stream.TopicDecisionsPublished).Msg("Decision stream enabled")
	return stream.NewDecisionPublisher(stream.NewRedisBus(client, cfg.MaxLen))
}

func buildAlerts(cfg config.AlertsConfig, recorder alerts.Recorder) (*alerts.Dispatcher, error) {
	minSeverity, err := alerts.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		return nil, err
	}
	var channels []alerts.Channel
	if cfg.Log {
		channels = append(channels, alerts.LogChannel{})
	}
	if cfg.SlackWebhookURL != "" {
		client := httpclient.NewClient(httpclient.ClientConfig{RequestTimeout: cfg.Timeout, MaxRetries: 2})
		channels = append(channels, alerts.NewSlack(cfg.SlackWebhookURL, client))
	}
	if cfg.TelegramBotToken != "" {
		tg, err := alerts.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, "")
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	d := alerts.NewDispatcher(channels, minSeverity, cfg.Timeout).WithRecorder(recorder)
	log.Debug().Strs("channels", d.Channels()).Msg("Alert channels configured")
	return d, nil
}

// server builds the operator HTTP server over the wired components
func (a *app) server() *httpapi.Server {
	deps := httpapi.Deps{
		Scheduler: a.scheduler,
		Runs:      a.repo.Runs,
		Decisions: a.repo.Decisions,
		HardStop:  a.tracker,
		Database:  a.database.Health(),
		Metrics:   a.metrics,
		Version:   version,
	}
	if a.cache != nil {
		deps.Cache = a.cache
	}
	sc := httpapi.DefaultServerConfig()
	sc.Addr = a.cfg.HTTP.Addr
	sc.ReadTimeout = a.cfg.HTTP.ReadTimeout
	sc.WriteTimeout = a.cfg.HTTP.WriteTimeout
	return httpapi.NewServer(sc, httpapi.NewHandlers(deps))
}

// Close releases connections in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to close resource")
		}
	}
	a.closers = nil
}
