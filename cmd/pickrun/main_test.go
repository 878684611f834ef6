package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pickrun/internal/config"
)

func TestSetupLogging_JSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	f, err := os.Create(filepath.Join(t.TempDir(), "log.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, setupLogging(config.LoggingConfig{Level: "warn", Format: "json"}, f))
	log.Info().Msg("dropped")
	log.Warn().Str("run_id", "r1").Msg("kept")

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"message":"kept"`)
	assert.Contains(t, string(data), `"run_id":"r1"`)
}

func TestSetupLogging_BadLevel(t *testing.T) {
	err := setupLogging(config.LoggingConfig{Level: "loud"}, os.Stderr)
	assert.ErrorContains(t, err, "invalid log level")
}

func TestNewApp_DefaultsWireInMemory(t *testing.T) {
	a, err := newApp(context.Background(), config.Default())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.cache)
	assert.False(t, a.database.IsEnabled())
	assert.False(t, a.tracker.Snapshot().State.IsActive)

	rec := httptest.NewRecorder()
	a.server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestNewApp_BadAlertSeverity(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.MinSeverity = "loud"
	_, err := newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown alert severity")
}
