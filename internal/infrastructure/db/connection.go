// Package db owns the PostgreSQL connection pool, the schema migration and
// the repository wiring. A disabled manager reports healthy and hands out no
// repository, so callers fall back to the in-memory store.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/persistence/postgres"
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Enabled         bool          `yaml:"enabled"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DefaultConfig returns reasonable defaults for database connections
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		Enabled:         false,
	}
}

// Manager manages database connections and repository instances
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager opens and pings the pool. A disabled config returns a manager
// without a connection.
func NewManager(ctx context.Context, config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{config: config, health: &healthChecker{enabled: false}}, nil
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := NewManagerWithDB(db, config)
	if config.AutoMigrate {
		if err := m.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	log.Info().
		Int("max_open_conns", config.MaxOpenConns).
		Dur("query_timeout", config.QueryTimeout).
		Msg("Database connected")
	return m, nil
}

// NewManagerWithDB wires repositories onto an existing pool
func NewManagerWithDB(db *sqlx.DB, config Config) *Manager {
	config.Enabled = true
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}
	repos := postgres.Repository(db, config.QueryTimeout)
	return &Manager{
		db:     db,
		config: config,
		repos:  &repos,
		health: &healthChecker{enabled: true, db: db, timeout: config.QueryTimeout},
	}
}

// Repository returns the repository collection, or nil if database is disabled
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// Health returns the health checker interface
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// DB returns the underlying database connection
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled returns whether database persistence is enabled
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth
type healthChecker struct {
	enabled bool
	db      *sqlx.DB
	timeout time.Duration
}

func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	check := persistence.HealthCheck{Healthy: true, LastCheck: time.Now()}
	if !h.enabled {
		check.Errors = []string{"persistence disabled, runs are kept in memory"}
		return check
	}

	start := time.Now()
	if err := h.Ping(ctx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, fmt.Sprintf("ping failed: %v", err))
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()

	check.ConnectionPool = make(map[string]int)
	for k, v := range h.pool() {
		check.ConnectionPool[k] = int(v)
	}
	return check
}

// pool reads sql.DBStats into named counters
func (h *healthChecker) pool() map[string]int64 {
	st := h.db.Stats()
	return map[string]int64{
		"max_open":         int64(st.MaxOpenConnections),
		"open":             int64(st.OpenConnections),
		"in_use":           int64(st.InUse),
		"idle":             int64(st.Idle),
		"wait_count":       st.WaitCount,
		"wait_duration_ms": st.WaitDuration.Milliseconds(),
	}
}

func (h *healthChecker) Ping(ctx context.Context) error {
	if !h.enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(ctx)
}

func (h *healthChecker) Stats(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{"enabled": h.enabled}
	if !h.enabled {
		return out
	}
	for k, v := range h.pool() {
		out[k] = v
	}
	return out
}
