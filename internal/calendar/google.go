package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

const appointmentIDProperty = "apptpipe_appointment_id"

// GoogleProvider talks to one Google Calendar.
type GoogleProvider struct {
	svc        *gcal.Service
	calendarID string
	loc        *time.Location
}

var _ Provider = (*GoogleProvider)(nil)

// NewGoogleProvider builds a provider for calendarID. Event times are written in loc.
// Authentication comes from opts, typically option.WithTokenSource(tokenManager).
func NewGoogleProvider(ctx context.Context, calendarID string, loc *time.Location, opts ...option.ClientOption) (*GoogleProvider, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.UTC
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &GoogleProvider{svc: svc, calendarID: calendarID, loc: loc}, nil
}

// GoogleClientOptions returns the client options that authenticate through ts.
func GoogleClientOptions(ts oauth2.TokenSource) []option.ClientOption {
	return []option.ClientOption{option.WithTokenSource(ts)}
}

func (p *GoogleProvider) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]models.CalendarEvent, error) {
	var out []models.CalendarEvent
	call := p.svc.Events.List(p.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(250)
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			ev, ok := p.convert(item)
			if !ok {
				continue
			}
			// Google's timeMin bounds the event end, so events already under way come back too.
			if ev.Start.Before(timeMin) {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, mapGoogleError(err)
	}
	slog.Debug("GoogleProvider.ListEvents", "calendarID", p.calendarID, "count", len(out))
	return out, nil
}

// convert skips all-day events and events with unreadable times.
func (p *GoogleProvider) convert(item *gcal.Event) (models.CalendarEvent, bool) {
	if item.Start == nil || item.Start.DateTime == "" {
		return models.CalendarEvent{}, false
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		slog.Warn("GoogleProvider.convert: unparseable start", "eventID", item.Id, "start", item.Start.DateTime)
		return models.CalendarEvent{}, false
	}
	end := start.Add(models.DefaultDurationMinutes * time.Minute)
	if item.End != nil && item.End.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			end = t
		}
	}
	status := models.EventStatusActive
	if item.Status == "cancelled" {
		status = models.EventStatusCancelled
	}
	return models.CalendarEvent{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Start:       start.In(p.loc),
		End:         end.In(p.loc),
		Status:      status,
	}, true
}

func (p *GoogleProvider) InsertEvent(ctx context.Context, d EventDetails) (string, error) {
	created, err := p.svc.Events.Insert(p.calendarID, p.toGoogle(d)).Context(ctx).Do()
	if err != nil {
		return "", mapGoogleError(err)
	}
	return created.Id, nil
}

func (p *GoogleProvider) UpdateEvent(ctx context.Context, eventID string, d EventDetails) error {
	_, err := p.svc.Events.Patch(p.calendarID, eventID, p.toGoogle(d)).Context(ctx).Do()
	if err != nil {
		return mapGoogleError(err)
	}
	return nil
}

func (p *GoogleProvider) DeleteEvent(ctx context.Context, eventID string) error {
	if err := p.svc.Events.Delete(p.calendarID, eventID).Context(ctx).Do(); err != nil {
		return mapGoogleError(err)
	}
	return nil
}

func (p *GoogleProvider) toGoogle(d EventDetails) *gcal.Event {
	ev := &gcal.Event{
		Summary:     d.Summary(),
		Description: d.Description(),
		Start:       &gcal.EventDateTime{DateTime: d.Start.In(p.loc).Format(time.RFC3339), TimeZone: p.loc.String()},
		End:         &gcal.EventDateTime{DateTime: d.End().In(p.loc).Format(time.RFC3339), TimeZone: p.loc.String()},
	}
	if d.AppointmentID > 0 {
		ev.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{appointmentIDProperty: strconv.FormatInt(d.AppointmentID, 10)},
		}
	}
	return ev
}

// mapGoogleError translates API and transport failures into the package taxonomy.
func mapGoogleError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAuthExpired, err)
		case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		case gerr.Code == http.StatusForbidden && isRateLimitReason(gerr):
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return err
	}
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrProviderUnavailable) {
		// Already classified by the token source.
		return err
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return classifyTokenError(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return err
}

func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
