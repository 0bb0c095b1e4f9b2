package calendar

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// DefaultMaxAttempts bounds how often a transiently failing operation is tried.
const DefaultMaxAttempts = 3

// Gateway is the calendar surface used by the rest of ApptPipe. Before every operation it
// ensures credentials; a stale-credential failure triggers one refresh-and-retry, and
// ErrProviderUnavailable is retried with exponential backoff up to the attempt bound.
type Gateway struct {
	provider    Provider
	creds       Credentials
	maxAttempts uint
	newBackOff  func() backoff.BackOff
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n uint) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithBackOff sets the backoff policy factory; tests use a zero backoff.
func WithBackOff(factory func() backoff.BackOff) GatewayOption {
	return func(g *Gateway) {
		if factory != nil {
			g.newBackOff = factory
		}
	}
}

// NewGateway wraps provider. creds may be nil for providers that need no authentication.
func NewGateway(provider Provider, creds Credentials, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:    provider,
		creds:       creds,
		maxAttempts: DefaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ListEvents returns the provider's events with timeMin <= start < timeMax.
func (g *Gateway) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]models.CalendarEvent, error) {
	return call(ctx, g, "list", func(ctx context.Context) ([]models.CalendarEvent, error) {
		return g.provider.ListEvents(ctx, timeMin, timeMax)
	})
}

// CreateEvent creates an event and returns its provider id.
func (g *Gateway) CreateEvent(ctx context.Context, d EventDetails) (string, error) {
	return call(ctx, g, "create", func(ctx context.Context) (string, error) {
		return g.provider.InsertEvent(ctx, d)
	})
}

// UpdateEvent rewrites the event's time and text. A missing event yields ErrNotFound.
func (g *Gateway) UpdateEvent(ctx context.Context, eventID string, d EventDetails) error {
	_, err := call(ctx, g, "update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.provider.UpdateEvent(ctx, eventID, d)
	})
	return err
}

// DeleteEvent removes the event. Deleting an event that is already gone succeeds.
func (g *Gateway) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := call(ctx, g, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.provider.DeleteEvent(ctx, eventID)
	})
	if errors.Is(err, ErrNotFound) {
		slog.Debug("Gateway.DeleteEvent: event already gone", "eventID", eventID)
		return nil
	}
	return err
}

func (g *Gateway) ensure(ctx context.Context) error {
	if g.creds == nil {
		return nil
	}
	return g.creds.EnsureValid(ctx)
}

// retryable reports whether err should go round the backoff loop again.
func retryable(err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}

func call[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	refreshed := false
	attempt := 0
	operation := func() (T, error) {
		attempt++
		if err := g.ensure(ctx); err != nil {
			return zero, retryable(err)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrAuthExpired) && !refreshed && g.creds != nil {
			refreshed = true
			slog.Info("Gateway.call: credentials rejected, refreshing", "op", op)
			g.creds.Invalidate()
			if err := g.ensure(ctx); err != nil {
				return zero, retryable(err)
			}
			v, err = fn(ctx)
			if err == nil {
				return v, nil
			}
		}
		if errors.Is(err, ErrProviderUnavailable) {
			slog.Warn("Gateway.call: provider unavailable", "op", op, "attempt", attempt, "error", err)
		}
		return zero, retryable(err)
	}
	return backoff.Retry[T](ctx, operation,
		backoff.WithBackOff(g.newBackOff()),
		backoff.WithMaxTries(g.maxAttempts),
	)
}
