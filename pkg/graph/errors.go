package graph

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a node or edge does not exist. Namespace,
// type, and source backrefs are immutable by construction: NodeUpdate
// carries no fields for them.
var ErrNotFound = errors.New("not found")

// RetryableError marks a transient storage failure (connection drop,
// deadlock, serialization conflict). The queue retries these by letting
// the lease expire; constraint violations are not wrapped and fail the
// event.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient storage error.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// classify wraps transient Postgres errors in RetryableError and passes
// everything else (constraint violations included) through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// 40001 serialization_failure, 40P01 deadlock_detected,
		// 57P03 cannot_connect_now, 08xxx connection errors.
		case "40001", "40P01", "57P03":
			return &RetryableError{Err: err}
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return &RetryableError{Err: err}
		}
		return err
	}
	// Network-level failures surface as non-PgError errors from pgx.
	if pgconn.SafeToRetry(err) {
		return &RetryableError{Err: err}
	}
	return err
}
