package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors shared by every repository backend.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrRunInFlight is returned when creating a run for an entity that already has one in flight.
	ErrRunInFlight = errors.New("storage: entity already has a run in flight")

	// ErrRunImmutable is returned when saving a run that has already reached a terminal state.
	ErrRunImmutable = errors.New("storage: run is terminal and cannot be modified")

	// ErrConflict is returned when an approval handle already carries a different final decision.
	ErrConflict = errors.New("storage: decision already recorded")
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// isRetriable returns true for Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// isUniqueViolation reports whether err violates the named unique constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
