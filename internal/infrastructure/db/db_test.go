package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewManagerWithDB(sqlx.NewDb(mockDB, "postgres"), Config{QueryTimeout: time.Second}), mock
}

func TestNewManager_Disabled(t *testing.T) {
	m, err := NewManager(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.False(t, m.IsEnabled())
	assert.Nil(t, m.Repository())

	h := m.Health().Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Contains(t, h.Errors, "persistence disabled, runs are kept in memory")
	assert.NoError(t, m.Health().Ping(context.Background()))
	assert.Error(t, m.Migrate(context.Background()))
	assert.NoError(t, m.Close())
}

func TestNewManager_EnabledWithoutDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	_, err := NewManager(context.Background(), cfg)
	assert.ErrorContains(t, err, "DSN is required")
}

func TestManager_Repositories(t *testing.T) {
	m, _ := mockManager(t)
	require.NotNil(t, m.Repository())
	assert.NotNil(t, m.Repository().Predictions)
	assert.NotNil(t, m.Repository().Decisions)
	assert.NotNil(t, m.Repository().Runs)
	assert.NotNil(t, m.Repository().HardStop)
	assert.True(t, m.IsEnabled())
}

func TestHealth_PingFailure(t *testing.T) {
	m, mock := mockManager(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	h := m.Health().Health(context.Background())
	assert.False(t, h.Healthy)
	require.Len(t, h.Errors, 1)
	assert.Contains(t, h.Errors[0], "connection refused")
	assert.Contains(t, h.ConnectionPool, "open")
}

func TestHealth_OK(t *testing.T) {
	m, mock := mockManager(t)
	mock.ExpectPing()

	h := m.Health().Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, true, m.Health().Stats(context.Background())["enabled"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	m, mock := mockManager(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS daily_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, m.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RollsBackOnError(t *testing.T) {
	m, mock := mockManager(t)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := m.Migrate(context.Background())
	assert.ErrorContains(t, err, "failed to apply schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchema_HasUniquenessConstraints(t *testing.T) {
	s := Schema()
	assert.Contains(t, s, "run_date           DATE NOT NULL UNIQUE")
	assert.Contains(t, s, "UNIQUE (run_id, match_id)")
	assert.Contains(t, s, "prediction_id            UUID NOT NULL UNIQUE")
}

func TestConfig_EnvAndValidate(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://localhost/pickrun")
	t.Setenv("PG_QUERY_TIMEOUT", "5s")
	t.Setenv("PG_MAX_OPEN_CONNS", "nope")

	cfg := Config{}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	require.NoError(t, cfg.Validate())

	cfg.MaxIdleConns = 50
	assert.ErrorContains(t, cfg.Validate(), "max_idle_conns")
}
