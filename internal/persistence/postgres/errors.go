// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx. Every call runs under the repository's query timeout.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/sawpanic/pickrun/internal/persistence"
)

const uniqueViolation = "23505"

// wrapErr maps driver errors onto the persistence sentinels
func wrapErr(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, persistence.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, persistence.ErrDuplicate)
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// requireRow turns a zero-row update into ErrNotFound
func requireRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), persistence.ErrNotFound)
	}
	return nil
}
