package db

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides the database config from PG_* environment variables.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		c.DSN = dsn
		c.Enabled = true
	}
	if v := os.Getenv("PG_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Enabled = b
		}
	}
	if v := os.Getenv("PG_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxOpenConns = n
		}
	}
	if v := os.Getenv("PG_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxIdleConns = n
		}
	}
	if v := os.Getenv("PG_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.QueryTimeout = d
		}
	}
}

// ApplyDefaults fills zero pool settings
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = def.MaxOpenConns
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = def.ConnMaxIdleTime
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = def.QueryTimeout
	}
}

// Validate rejects an enabled config without a DSN or with an inverted pool
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.DSN == "" {
		return fmt.Errorf("database.dsn is required when the database is enabled")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be positive")
	}
	return nil
}
