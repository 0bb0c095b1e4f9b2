// Package app builds ApptPipe's components from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/BTreeMap/ApptPipe/internal/booking"
	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/calsync"
	"github.com/BTreeMap/ApptPipe/internal/config"
	"github.com/BTreeMap/ApptPipe/internal/lockfile"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// App holds the components shared by every command.
type App struct {
	Config   config.Config
	Location *time.Location
	Store    store.Store
	// Calendar is nil when no calendar provider is configured; Sync is nil with it.
	Calendar *calendar.Gateway
	Sync     *calsync.Service
	Booking  *booking.Service
	Registry *prometheus.Registry

	lock *lockfile.Lock
}

// New validates cfg, locks the state directory for command and builds the shared components.
func New(ctx context.Context, cfg config.Config, command string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	lock, err := lockfile.Acquire(cfg.StateDir, command)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Location: loc, lock: lock}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	st, err := store.Open(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Store = st

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	syncMetrics, err := calsync.NewMetrics(a.Registry)
	if err != nil {
		return err
	}
	bookingMetrics, err := booking.NewMetrics(a.Registry)
	if err != nil {
		return err
	}

	a.Calendar, err = newCalendar(ctx, cfg, a.Location)
	if err != nil {
		return err
	}

	hours, err := cfg.Hours()
	if err != nil {
		return err
	}
	var cal booking.Calendar
	if a.Calendar != nil {
		cal = a.Calendar
		policy, err := cfg.Policy()
		if err != nil {
			return err
		}
		engine := calsync.NewEngine(st, a.Calendar, policy, calsync.WithMetrics(syncMetrics))
		a.Sync = calsync.NewService(engine, calsync.NewCoordinator(cfg.Sync.MinInterval), syncMetrics)
	} else {
		slog.Warn("App.build: no calendar configured, sync disabled")
	}
	a.Booking = booking.NewService(st, cal, hours, booking.WithMetrics(bookingMetrics))
	return nil
}

// newCalendar builds the configured calendar gateway, or nil for none.
func newCalendar(ctx context.Context, cfg config.Config, loc *time.Location) (*calendar.Gateway, error) {
	switch cfg.CalendarProvider() {
	case config.CalendarMock:
		slog.Warn("newCalendar: using the in-memory calendar, events are lost on exit")
		return calendar.NewGateway(calendar.NewMockProvider(), nil), nil
	case config.CalendarGoogle:
		tokens := calendar.FileTokenStore{Path: cfg.TokenFile()}
		initial, err := tokens.Load()
		if err != nil {
			return nil, err
		}
		if initial == nil {
			if cfg.Calendar.RefreshToken == "" {
				return nil, fmt.Errorf("no calendar token in %s and GOOGLE_REFRESH_TOKEN not set", tokens.Path)
			}
			initial = &oauth2.Token{RefreshToken: cfg.Calendar.RefreshToken}
		}
		conf := &oauth2.Config{
			ClientID:     cfg.Calendar.ClientID,
			ClientSecret: cfg.Calendar.ClientSecret,
			Endpoint:     endpoints.Google,
			Scopes:       []string{gcal.CalendarEventsScope},
		}
		tm := calendar.NewTokenManager(conf, initial, calendar.WithTokenStore(tokens))
		provider, err := calendar.NewGoogleProvider(ctx, cfg.Calendar.CalendarID, loc, calendar.GoogleClientOptions(tm)...)
		if err != nil {
			return nil, err
		}
		slog.Info("newCalendar: using Google Calendar", "calendar_id", cfg.Calendar.CalendarID)
		return calendar.NewGateway(provider, tm), nil
	default:
		return nil, nil
	}
}

// ErrSyncDisabled is returned by sync commands when no calendar is configured.
var ErrSyncDisabled = errors.New("calendar sync not configured")

// RunOnce runs one gated sync operation of kind with a manual trigger.
func (a *App) RunOnce(ctx context.Context, kind string) (calsync.RunReport, error) {
	if a.Sync == nil {
		return calsync.RunReport{}, ErrSyncDisabled
	}
	switch kind {
	case calsync.KindSync:
		return a.Sync.Run(ctx, calsync.TriggerManual)
	case calsync.KindSweep:
		return a.Sync.Sweep(ctx, calsync.TriggerManual)
	case calsync.KindImport:
		return a.Sync.ImportOrphans(ctx, calsync.TriggerManual)
	default:
		return calsync.RunReport{}, fmt.Errorf("unknown sync operation %q", kind)
	}
}

// Close releases the store and the state directory lock.
func (a *App) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			slog.Error("App.Close: close store failed", "error", err)
		}
	}
	if err := a.lock.Release(); err != nil {
		slog.Error("App.Close: release lock failed", "error", err)
	}
}
