package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrStoreUnavailable means the store could not be reached. Callers must
	// not assume any change was applied.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotClaimed is returned when a conditional transition lost its race.
	ErrNotClaimed = errors.New("record not in expected state")
)

// classify wraps connectivity failures in ErrStoreUnavailable. Errors the
// server itself returned (constraint violations, bad SQL) pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
