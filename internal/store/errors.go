package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a query matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a unique
	// constraint. Callers use it to detect races (concurrent identity
	// resolution) and redeliveries (webhook dedupe, edge-case dedupe).
	ErrDuplicate = errors.New("store: duplicate")
)

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
