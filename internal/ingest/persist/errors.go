package persist

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// IntegrityError marks a persistence integrity violation: a constraint
// failure that is not one of the expected dedup conflicts (those never
// surface, they are resolved by re-read inside the store). It is the only
// error class that fails a file.
type IntegrityError struct {
	Op         string
	Constraint string
	Err        error
}

func (e *IntegrityError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("persistence integrity violation in %s (constraint %s): %v", e.Op, e.Constraint, e.Err)
	}
	return fmt.Sprintf("persistence integrity violation in %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// classify maps a store error to the persistence error model. Postgres class
// 23 (integrity constraint violation) becomes an IntegrityError; anything
// else (connection loss, timeouts) passes through as a plain, retryable error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
		return &IntegrityError{Op: op, Constraint: pgErr.ConstraintName, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
