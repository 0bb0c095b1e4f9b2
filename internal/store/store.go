// Package store provides the persistence layer for ApptPipe.
//
// Two backends share one schema: SQLite (the default, a single file under the state directory)
// and PostgreSQL. Both enforce the active-slot uniqueness of appointments with a partial unique
// index, so concurrent bookings of the same (phone, date, time) collapse onto one row.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrEventIDInUse is returned when an insert or update would bind a calendar event id that
// another appointment already references.
var ErrEventIDInUse = errors.New("store: external event id already bound")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // Database connection string or file path
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" or "sqlite3".
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return "postgres"
	default:
		return "sqlite3"
	}
}

// Store is the full persistence surface used by the application.
type Store interface {
	AppointmentRepo
	PatientRepo
	FlowStateRepo
	DedupRepo
	OutboxRepo
	JobRepo
	Close() error
}

// Open picks the backend from the DSN and opens it.
func Open(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(ctx, WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(ctx, WithSQLiteDSN(dsn))
}
