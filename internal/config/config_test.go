package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/policy"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PG_DSN", "PG_ENABLED", "PG_MAX_OPEN_CONNS", "PG_MAX_IDLE_CONNS", "PG_QUERY_TIMEOUT",
		"REDIS_ADDR", "REDIS_PASSWORD", "SLACK_WEBHOOK_URL", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
		"ODDS_API_KEY", "PREDICTION_SERVICE_URL", "PICKRUN_HTTP_ADDR", "PICKRUN_LOG_LEVEL", "PICKRUN_SCHEDULER_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pickrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 5*time.Minute, c.Pipeline.PhaseTimeout)
	assert.Equal(t, "nba-v3-2025", c.Pipeline.RepresentativeModel)
	assert.Len(t, c.Fallback, 3)
	assert.Equal(t, models.LevelLastValidated, c.Fallback[2].Level)
	assert.True(t, c.HardStop.DailyLossLimit.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "default", c.HardStop.TenantID)
	assert.Equal(t, "10:00", c.Scheduler.RunAt)
	assert.False(t, c.Database.Enabled)
	assert.Equal(t, 3, c.PredictionService.Client.MaxRetries)
}

const sample = `
pipeline:
  phase_timeout: 2m
policy:
  thresholds:
    confidence_min: 0.70
    edge_min: 0.06
    max_drift_score: 0.10
  profiles:
    cautious:
      confidence_min: 0.80
      edge_min: 0.08
      max_drift_score: 0.05
  active_profile: cautious
hard_stop:
  tenant_id: desk-1
  daily_loss_limit: "300"
  max_consecutive_losses: 4
  max_bankroll_percent: "8"
  bankroll: "4000"
settlement:
  stake: "50"
providers:
  timezone: America/Chicago
  sources:
    - name: espn
      kind: espn
      enabled: true
      base_url: https://site.api.espn.com
    - name: odds
      kind: odds_api
      enabled: true
      base_url: https://api.the-odds-api.com
scheduler:
  run_at: "09:30"
  timezone: America/Chicago
logging:
  level: debug
  format: json
`

func TestLoad_FileAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ODDS_API_KEY", "secret")
	t.Setenv("PG_DSN", "postgres://localhost/pickrun")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PREDICTION_SERVICE_URL", "http://serving:8000")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, c.Pipeline.PhaseTimeout)
	assert.Equal(t, "cautious", c.Policy.ActiveProfile)
	assert.InDelta(t, 0.80, c.Policy.Profiles["cautious"].ConfidenceMin, 1e-9)
	assert.Equal(t, "desk-1", c.HardStop.TenantID)
	assert.True(t, c.HardStop.DailyLossLimit.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 4, c.HardStop.MaxConsecutiveLosses)
	assert.True(t, c.Settlement.Stake.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "09:30", c.Scheduler.RunAt)
	assert.Equal(t, "json", c.Logging.Format)

	assert.Equal(t, "secret", c.Providers.Sources[1].APIKey)
	assert.Empty(t, c.Providers.Sources[0].APIKey)
	assert.Equal(t, 3, c.Providers.Sources[0].Client.MaxRetries)
	assert.True(t, c.Database.Enabled)
	assert.Equal(t, "postgres://localhost/pickrun", c.Database.DSN)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
	assert.Equal(t, "redis:6379", c.Stream.Addr)
	assert.Equal(t, "http://serving:8000", c.PredictionService.BaseURL)
	assert.Equal(t, "42", c.Alerts.TelegramChatID)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTP.Addr)
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "pipeline: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoad_ProfileOutsideGovernance(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, `
policy:
  profiles:
    reckless:
      confidence_min: 0.50
      edge_min: 0.05
      max_drift_score: 0.10
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy profile reckless")

	var verr policy.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, policy.ReasonBelowFloor, verr.Reason)
}

func TestLoad_GovernanceCannotLoosenPlatformBounds(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, `
policy:
  governance:
    confidence_min:
      floor: 0.1
      ceiling: 0.95
  thresholds:
    confidence_min: 0.4
    edge_min: 0.05
    max_drift_score: 0.15
`))
	require.Error(t, err)

	var verr policy.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, policy.ReasonBelowFloor, verr.Reason)
	assert.Equal(t, "governance.confidence_min.floor", verr.Field)
}

func TestLoad_GovernanceMayNarrow(t *testing.T) {
	clearEnv(t)
	c, err := Load(writeConfig(t, `
policy:
  governance:
    max_drift_score:
      floor: 0.0
      ceiling: 0.20
  thresholds:
    confidence_min: 0.70
    edge_min: 0.06
    max_drift_score: 0.25
`))
	require.Error(t, err, "thresholds must fit the narrowed bound")

	var verr policy.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, policy.ReasonAboveCeiling, verr.Reason)
	assert.Equal(t, "max_drift_score", verr.Field)

	c, err = Load(writeConfig(t, `
policy:
  governance:
    max_drift_score:
      floor: 0.0
      ceiling: 0.20
`))
	require.NoError(t, err)
	assert.Equal(t, policy.Boundary{Floor: 0.0, Ceiling: 0.20}, c.Policy.Governance.MaxDriftScore)
	assert.Equal(t, policy.DefaultGovernance().ConfidenceMin, c.Policy.Governance.ConfidenceMin)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown fallback model", func(c *Config) { c.Fallback[1].ModelID = "nba-v9" }, "unknown model"},
		{"fallback out of order", func(c *Config) { c.Fallback[0], c.Fallback[1] = c.Fallback[1], c.Fallback[0] }, "out of order"},
		{"telegram half configured", func(c *Config) { c.Alerts.TelegramBotToken = "tok" }, "set together"},
		{"bad severity", func(c *Config) { c.Alerts.MinSeverity = "loud" }, "unknown alert severity"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "unknown format"},
		{"zero stake", func(c *Config) { c.Settlement.Stake = decimal.Zero }, "stake must be positive"},
		{"database without dsn", func(c *Config) { c.Database.Enabled = true }, "dsn is required"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "addr is required"},
		{"bad timezone", func(c *Config) { c.Providers.Timezone = "Nowhere/Land" }, "invalid providers timezone"},
		{"bad run time", func(c *Config) { c.Scheduler.RunAt = "noon" }, "invalid run_at"},
		{"bad hard stop", func(c *Config) { c.HardStop.MaxConsecutiveLosses = -1 }, "max_consecutive_losses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}
