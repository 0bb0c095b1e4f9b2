// Package calendar is the gateway to the external calendar that mirrors clinic appointments.
//
// A Provider speaks to one backend (Google Calendar in production, MockProvider in tests). The
// Gateway wraps a provider with credential refresh and bounded retries so callers only ever see
// the three taxonomy errors below.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

var (
	// ErrAuthExpired means the credentials are stale and could not be refreshed.
	ErrAuthExpired = errors.New("calendar: credentials expired")
	// ErrNotFound means the referenced event does not exist (or was deleted).
	ErrNotFound = errors.New("calendar: event not found")
	// ErrProviderUnavailable is a transient network, quota or server failure.
	ErrProviderUnavailable = errors.New("calendar: provider unavailable")
)

// Provider is a single calendar backend. Implementations map their failures onto the
// package's sentinel errors.
type Provider interface {
	// ListEvents returns timed events with timeMin <= start < timeMax, in listing order. Events
	// already under way at timeMin are excluded.
	ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]models.CalendarEvent, error)
	InsertEvent(ctx context.Context, d EventDetails) (string, error)
	UpdateEvent(ctx context.Context, eventID string, d EventDetails) error
	DeleteEvent(ctx context.Context, eventID string) error
}

// Credentials is refreshed by the Gateway before every operation.
type Credentials interface {
	// EnsureValid refreshes an absent or expired access token. Refresh failures are
	// reported as ErrAuthExpired.
	EnsureValid(ctx context.Context) error
	// Invalidate forces the next EnsureValid to refresh.
	Invalidate()
}
