// Package calsync keeps the appointment store and the external calendar in agreement.
//
// The Engine reconciles bound appointments against a window of calendar events, retries
// appointments that never reached the calendar, collapses duplicate records and duplicate events,
// and imports orphaned events on request. The Coordinator gates every entry point so that at most
// one of these runs at a time and not more often than a minimum interval. Service ties both
// together for the HTTP, CLI and scheduled triggers.
package calsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// Store is the part of the record store the engine reads and writes.
type Store interface {
	QueryAppointments(ctx context.Context, f store.AppointmentFilter) ([]models.Appointment, error)
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	InsertAppointment(ctx context.Context, a models.Appointment) (int64, bool, error)
	UpdateAppointment(ctx context.Context, id int64, u store.AppointmentUpdate) error
	DeleteAppointment(ctx context.Context, id int64) error
	UpsertPatient(ctx context.Context, p models.Patient) error
}

// Calendar is the calendar surface the engine needs; *calendar.Gateway implements it.
type Calendar interface {
	ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]models.CalendarEvent, error)
	CreateEvent(ctx context.Context, d calendar.EventDetails) (string, error)
	UpdateEvent(ctx context.Context, eventID string, d calendar.EventDetails) error
	DeleteEvent(ctx context.Context, eventID string) error
}

var (
	_ Store    = (store.Store)(nil)
	_ Calendar = (*calendar.Gateway)(nil)
)

// StoreError reports a record store read failure. It fails the current cycle only.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("calsync: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Defaults for Policy.
const (
	DefaultForwardWindow  = 30 * 24 * time.Hour
	DefaultLookback       = 24 * time.Hour
	DefaultRecreateWindow = 24 * time.Hour
)

// Policy holds the tunable judgment calls of reconciliation.
type Policy struct {
	// Forward and Lookback bound the calendar listing around now.
	Forward  time.Duration
	Lookback time.Duration
	// RecreateWindow is the maximum appointment age for which a missing event is recreated.
	// Zero means DefaultRecreateWindow; a negative value disables recreation.
	RecreateWindow time.Duration
	// TimeTolerance is the largest start difference treated as equal. Zero requires exact equality.
	TimeTolerance time.Duration
	// Location interprets appointment dates and times.
	Location *time.Location
}

// DefaultPolicy returns the stock policy in loc.
func DefaultPolicy(loc *time.Location) Policy {
	return Policy{
		Forward:        DefaultForwardWindow,
		Lookback:       DefaultLookback,
		RecreateWindow: DefaultRecreateWindow,
		Location:       loc,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Forward <= 0 {
		p.Forward = DefaultForwardWindow
	}
	if p.Lookback < 0 {
		p.Lookback = 0
	} else if p.Lookback == 0 {
		p.Lookback = DefaultLookback
	}
	if p.RecreateWindow == 0 {
		p.RecreateWindow = DefaultRecreateWindow
	}
	if p.TimeTolerance < 0 {
		p.TimeTolerance = 0
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return p
}

type loggerKey struct{}

// withLogger attaches a run-scoped logger to ctx.
func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
