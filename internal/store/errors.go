package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a unique constraint or a lock rejected the write; the caller
	// lost a race and should re-read authoritative state.
	ErrConflict = errors.New("unique constraint conflict")
	// ErrDuplicateMessage means the external message id is already stored.
	ErrDuplicateMessage = errors.New("duplicate external message id")
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// isTransientConflict reports errors a retry with fresh reads can resolve.
func isTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlStateUniqueViolation, sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return true
	default:
		return false
	}
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isTransientConflict(err):
		return errors.Join(ErrConflict, err)
	default:
		return err
	}
}
