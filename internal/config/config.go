// Package config loads the application configuration from YAML, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/pickrun/internal/alerts"
	"github.com/sawpanic/pickrun/internal/cache"
	"github.com/sawpanic/pickrun/internal/drift"
	"github.com/sawpanic/pickrun/internal/fallback"
	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/infrastructure/db"
	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/pickrun/internal/ingest"
	"github.com/sawpanic/pickrun/internal/ingest/providers"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/pipeline"
	"github.com/sawpanic/pickrun/internal/policy"
	"github.com/sawpanic/pickrun/internal/predict"
	"github.com/sawpanic/pickrun/internal/quality"
	"github.com/sawpanic/pickrun/internal/registry"
	"github.com/sawpanic/pickrun/internal/scheduler"
	"github.com/sawpanic/pickrun/internal/settle"
)

// DefaultPath is where the CLI looks for the config file
const DefaultPath = "config/pickrun.yaml"

// Config is the complete application configuration
type Config struct {
	Database          db.Config               `yaml:"database"`
	Redis             RedisConfig             `yaml:"redis"`
	Pipeline          pipeline.Config         `yaml:"pipeline"`
	Quality           quality.Config          `yaml:"quality"`
	Policy            policy.Config           `yaml:"policy"`
	HardStop          HardStopConfig          `yaml:"hard_stop"`
	Settlement        settle.Config           `yaml:"settlement"`
	Fallback          []fallback.LevelConfig  `yaml:"fallback"`
	Models            []registry.ModelInfo    `yaml:"models"`
	Providers         ProvidersConfig         `yaml:"providers"`
	PredictionService PredictionServiceConfig `yaml:"prediction_service"`
	Drift             drift.Config            `yaml:"drift"`
	Alerts            AlertsConfig            `yaml:"alerts"`
	Stream            StreamConfig            `yaml:"stream"`
	Scheduler         scheduler.Config        `yaml:"scheduler"`
	HTTP              HTTPConfig              `yaml:"http"`
	Logging           LoggingConfig           `yaml:"logging"`
}

// RedisConfig enables the decision read cache
type RedisConfig struct {
	Enabled      bool `yaml:"enabled"`
	cache.Config `yaml:",inline"`
}

// HardStopConfig holds the risk register's tenant and limits
type HardStopConfig struct {
	TenantID        string `yaml:"tenant_id"`
	hardstop.Limits `yaml:",inline"`
}

// ProvidersConfig configures ingestion
type ProvidersConfig struct {
	// Timezone decides the calendar date of a game key
	Timezone string               `yaml:"timezone"`
	Timeout  time.Duration        `yaml:"timeout"`
	Breaker  ingest.BreakerConfig `yaml:"breaker"`
	Sources  []providers.Config   `yaml:"sources"`
}

// Location resolves the provider timezone
func (p ProvidersConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid providers timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// PredictionServiceConfig configures the model-serving client
type PredictionServiceConfig struct {
	BaseURL string                  `yaml:"base_url"`
	Client  httpclient.ClientConfig `yaml:"client"`
	Scores  predict.ScoreConfig     `yaml:"scores"`
}

// AlertsConfig configures alert channels. Empty credentials disable a channel.
type AlertsConfig struct {
	MinSeverity      string        `yaml:"min_severity"`
	Timeout          time.Duration `yaml:"timeout"`
	Log              bool          `yaml:"log"`
	SlackWebhookURL  string        `yaml:"slack_webhook_url"`
	TelegramBotToken string        `yaml:"telegram_bot_token"`
	TelegramChatID   string        `yaml:"telegram_chat_id"`
}

// StreamConfig configures the decision event stream
type StreamConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	MaxLen   int64  `yaml:"max_len"`
}

// HTTPConfig configures the operator HTTP server
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig configures zerolog output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console or json
}

// Default returns a complete configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads the YAML file at path, loads .env when present, applies
// environment overrides and defaults, and validates the result. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	c := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", path).Msg("Config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	c.ApplyEnv()
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// ApplyEnv overrides secrets and connection strings from the environment
func (c *Config) ApplyEnv() {
	c.Database.ApplyEnv()

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
		if c.Stream.Addr == "" {
			c.Stream.Addr = v
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
		if c.Stream.Password == "" {
			c.Stream.Password = v
		}
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Alerts.SlackWebhookURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Alerts.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Alerts.TelegramChatID = v
	}
	if v := os.Getenv("ODDS_API_KEY"); v != "" {
		for i := range c.Providers.Sources {
			if c.Providers.Sources[i].Kind == providers.KindOddsAPI {
				c.Providers.Sources[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("PREDICTION_SERVICE_URL"); v != "" {
		c.PredictionService.BaseURL = v
	}
	if v := os.Getenv("PICKRUN_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("PICKRUN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PICKRUN_SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Enabled = b
		}
	}
}

// ApplyDefaults fills every unset field. Sections that are entirely unset
// take their package defaults.
func (c *Config) ApplyDefaults() {
	c.Database.ApplyDefaults()

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "pickrun:"
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 5 * time.Minute
	}

	pd := pipeline.DefaultConfig()
	if c.Pipeline.PhaseTimeout <= 0 {
		c.Pipeline.PhaseTimeout = pd.PhaseTimeout
	}
	if c.Pipeline.UserID == "" {
		c.Pipeline.UserID = pd.UserID
	}
	if c.Pipeline.Features == (ingest.FeatureConfig{}) {
		c.Pipeline.Features = pd.Features
	}
	if c.Pipeline.RepresentativeModel == "" && len(c.Fallback) > 0 {
		c.Pipeline.RepresentativeModel = c.Fallback[0].ModelID
	}

	if c.Quality == (quality.Config{}) {
		c.Quality = quality.DefaultConfig()
	}
	if c.Quality.StaleDecayFactor <= 0 {
		c.Quality.StaleDecayFactor = quality.DefaultConfig().StaleDecayFactor
	}

	pol := policy.DefaultConfig()
	if c.Policy.Thresholds == (policy.Thresholds{}) {
		c.Policy.Thresholds = pol.Thresholds
	}
	c.Policy.Governance = c.Policy.Governance.WithDefaults()
	if c.Policy.Profiles == nil {
		c.Policy.Profiles = pol.Profiles
	}

	if c.HardStop.TenantID == "" {
		c.HardStop.TenantID = "default"
	}
	limits := hardstop.DefaultLimits()
	if c.HardStop.DailyLossLimit.IsZero() {
		c.HardStop.DailyLossLimit = limits.DailyLossLimit
	}
	if c.HardStop.MaxConsecutiveLosses == 0 {
		c.HardStop.MaxConsecutiveLosses = limits.MaxConsecutiveLosses
	}
	if c.HardStop.MaxBankrollPercent.IsZero() {
		c.HardStop.MaxBankrollPercent = limits.MaxBankrollPercent
	}
	if c.HardStop.Bankroll.IsZero() {
		c.HardStop.Bankroll = limits.Bankroll
	}

	sd := settle.DefaultConfig()
	if c.Settlement.Stake.IsZero() {
		c.Settlement.Stake = sd.Stake
	}
	if c.Settlement.PollInterval <= 0 {
		c.Settlement.PollInterval = sd.PollInterval
	}
	if c.Settlement.BatchSize <= 0 {
		c.Settlement.BatchSize = sd.BatchSize
	}

	if len(c.Models) == 0 {
		c.Models = DefaultModels()
	}
	if len(c.Fallback) == 0 {
		c.Fallback = []fallback.LevelConfig{
			{Level: models.LevelPrimary, ModelID: "nba-v3-2025"},
			{Level: models.LevelSecondary, ModelID: "nba-v3-global"},
			{Level: models.LevelLastValidated, ModelID: "nba-v2"},
		}
		if c.Pipeline.RepresentativeModel == "" {
			c.Pipeline.RepresentativeModel = c.Fallback[0].ModelID
		}
	}

	if c.Providers.Timezone == "" {
		c.Providers.Timezone = "America/New_York"
	}
	if c.Providers.Timeout <= 0 {
		c.Providers.Timeout = 30 * time.Second
	}
	if c.Providers.Breaker == (ingest.BreakerConfig{}) {
		c.Providers.Breaker = ingest.DefaultBreakerConfig()
	}
	for i := range c.Providers.Sources {
		applyClientDefaults(&c.Providers.Sources[i].Client)
	}

	if c.PredictionService.BaseURL == "" {
		c.PredictionService.BaseURL = "http://localhost:8000"
	}
	applyClientDefaults(&c.PredictionService.Client)
	if c.PredictionService.Scores == (predict.ScoreConfig{}) {
		c.PredictionService.Scores = predict.DefaultScoreConfig()
	}

	if c.Drift == (drift.Config{}) {
		c.Drift = drift.DefaultConfig()
	}

	if c.Alerts.MinSeverity == "" {
		c.Alerts.MinSeverity = "warning"
	}
	if c.Alerts.Timeout <= 0 {
		c.Alerts.Timeout = 10 * time.Second
	}

	if c.Stream.Addr == "" {
		c.Stream.Addr = "localhost:6379"
	}
	if c.Stream.MaxLen == 0 {
		c.Stream.MaxLen = 10000
	}

	sc := scheduler.DefaultConfig()
	if c.Scheduler.RunAt == "" {
		c.Scheduler.RunAt = sc.RunAt
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = sc.Timezone
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 10 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
}

func applyClientDefaults(cc *httpclient.ClientConfig) {
	d := httpclient.DefaultClientConfig()
	if *cc == (httpclient.ClientConfig{}) {
		*cc = d
		return
	}
	if cc.MaxConcurrency <= 0 {
		cc.MaxConcurrency = d.MaxConcurrency
	}
	if cc.RequestTimeout <= 0 {
		cc.RequestTimeout = d.RequestTimeout
	}
	if cc.MaxRetries < 0 {
		cc.MaxRetries = 0
	}
	if cc.BackoffBase <= 0 {
		cc.BackoffBase = d.BackoffBase
	}
	if cc.BackoffMax <= 0 {
		cc.BackoffMax = d.BackoffMax
	}
	if cc.RequestsPerSecond <= 0 {
		cc.RequestsPerSecond = d.RequestsPerSecond
	}
	if cc.Burst <= 0 {
		cc.Burst = d.Burst
	}
	if cc.UserAgent == "" {
		cc.UserAgent = d.UserAgent
	}
}

// DefaultModels is the registry seed used when the config names no models:
// the season model, the all-seasons model and the last validated model
func DefaultModels() []registry.ModelInfo {
	sources := []string{"espn", "odds", "ratings"}
	features := []string{
		models.FeatureEloDiff, models.FeatureMLHomeProb, models.FeatureMLAwayProb,
		models.FeatureSpread, models.FeatureOverUnder,
	}
	ranges := map[string]registry.FeatureRange{
		models.FeatureEloDiff:    {Min: -800, Max: 800},
		models.FeatureMLHomeProb: {Min: 0, Max: 1},
		models.FeatureMLAwayProb: {Min: 0, Max: 1},
		models.FeatureSpread:     {Min: -30, Max: 30},
		models.FeatureOverUnder:  {Min: 150, Max: 300},
	}
	model := func(id, version, serviceType string, status registry.ModelStatus) registry.ModelInfo {
		return registry.ModelInfo{
			ID:               id,
			Version:          version,
			ServiceModelType: serviceType,
			Status:           status,
			RequiredSources:  sources,
			RequiredFeatures: features,
			FeatureRanges:    ranges,
			MaxStaleness:     6 * time.Hour,
		}
	}
	return []registry.ModelInfo{
		model("nba-v3-2025", "v3.2025", "2025", registry.ModelActive),
		model("nba-v3-global", "v3.global", "global", registry.ModelActive),
		model("nba-v2", "v2", "v2", registry.ModelValidated),
	}
}

// Validate checks every section. Policy thresholds and tenant profiles are
// validated against the governance boundaries here, so a bad profile fails
// at startup rather than at first use.
func (c *Config) Validate() error {
	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required when enabled")
	}
	if c.Pipeline.PhaseTimeout <= 0 {
		return fmt.Errorf("pipeline: phase_timeout must be positive")
	}
	if err := c.Quality.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := c.HardStop.Limits.Validate(); err != nil {
		return fmt.Errorf("hard_stop: %w", err)
	}
	if !c.Settlement.Stake.IsPositive() {
		return fmt.Errorf("settlement: stake must be positive")
	}
	if err := c.Drift.Validate(); err != nil {
		return fmt.Errorf("drift: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := c.Providers.Location(); err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	if _, err := alerts.ParseSeverity(c.Alerts.MinSeverity); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	if (c.Alerts.TelegramBotToken == "") != (c.Alerts.TelegramChatID == "") {
		return fmt.Errorf("alerts: telegram_bot_token and telegram_chat_id must be set together")
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}

	// every fallback level must resolve to a seeded model
	reg, err := registry.NewMemoryRegistry(c.Models)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}
	seeded := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		seeded[m.ID] = true
	}
	for _, lc := range c.Fallback {
		if !seeded[lc.ModelID] {
			return fmt.Errorf("fallback: level %s references unknown model %q", lc.Level, lc.ModelID)
		}
	}
	if _, err := fallback.NewChain(c.Fallback, reg, quality.NewGateWithDefaults()); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	return nil
}
