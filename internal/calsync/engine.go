package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// ReconcileSummary counts what one reconciliation pass saw and did.
type ReconcileSummary struct {
	Bound          int      `json:"bound"`
	OutOfWindow    int      `json:"out_of_window"`
	Events         int      `json:"events"`
	InSync         int      `json:"in_sync"`
	Recreated      int      `json:"recreated"`
	Updated        int      `json:"updated"`
	DriftSkipped   int      `json:"drift_skipped"`
	Orphans        int      `json:"orphans"`
	OrphanIDs      []string `json:"orphan_ids,omitempty"`
	RetryAttempted int      `json:"retry_attempted"`
	RetryCreated   int      `json:"retry_created"`
	Invalid        int      `json:"invalid"`
	Failed         int      `json:"failed"`
}

// Writes returns the number of successful writes to either side.
func (s ReconcileSummary) Writes() int {
	return s.Recreated + s.Updated + s.RetryCreated
}

// Engine reconciles the record store with the calendar. It holds no state between calls.
type Engine struct {
	store   Store
	cal     Calendar
	policy  Policy
	now     func() time.Time
	metrics *Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics records per-item outcomes in m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine over st and cal. Zero policy fields take their defaults.
func NewEngine(st Store, cal Calendar, policy Policy, opts ...EngineOption) *Engine {
	e := &Engine{store: st, cal: cal, policy: policy.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) window(now time.Time) (time.Time, time.Time) {
	return now.Add(-e.policy.Lookback), now.Add(e.policy.Forward)
}

type pendingUpdate struct {
	appt    models.Appointment
	details calendar.EventDetails
	event   models.CalendarEvent
}

// Reconcile compares scheduled appointments bound to an event with the calendar window and
// repairs drift and time mismatches, then runs RetryUnsynced. Per-item failures are counted
// and logged; an error is returned only when a side cannot be read, or when calendar
// credentials cannot be refreshed.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	log := logger(ctx)
	now := e.now()
	timeMin, timeMax := e.window(now)

	appts, err := e.store.QueryAppointments(ctx, store.AppointmentFilter{
		Statuses:   []models.AppointmentStatus{models.StatusScheduled},
		HasEventID: store.Bool(true),
	})
	if err != nil {
		return sum, &StoreError{Op: "query bound appointments", Err: err}
	}
	events, err := e.cal.ListEvents(ctx, timeMin, timeMax)
	if err != nil {
		return sum, fmt.Errorf("calsync: list calendar events: %w", err)
	}
	sum.Events = len(events)

	// Map A holds every bound appointment with a readable slot; the window only matters when
	// its event is missing. Orphans are judged against every bound id.
	bound := make(map[string]models.Appointment, len(appts))
	details := make(map[string]calendar.EventDetails, len(appts))
	order := make([]string, 0, len(appts))
	boundIDs := make(map[string]struct{}, len(appts))
	for _, a := range appts {
		boundIDs[a.ExternalEventID] = struct{}{}
		d, err := calendar.DetailsFromAppointment(a, e.policy.Location)
		if err != nil {
			sum.Invalid++
			log.Warn("Engine.Reconcile: skipping appointment with invalid slot", "appointmentID", a.ID, "error", err)
			continue
		}
		if _, dup := bound[a.ExternalEventID]; dup {
			continue
		}
		bound[a.ExternalEventID] = a
		details[a.ExternalEventID] = d
		order = append(order, a.ExternalEventID)
	}
	sum.Bound = len(bound)

	// Map B.
	listed := make(map[string]models.CalendarEvent, len(events))
	for _, ev := range events {
		if ev.Status == models.EventStatusCancelled {
			continue
		}
		listed[ev.ID] = ev
	}

	var recreate []models.Appointment
	var updates []pendingUpdate
	for _, id := range order {
		a := bound[id]
		d := details[id]
		start := d.Start
		ev, ok := listed[id]
		if !ok && (start.Before(timeMin) || !start.Before(timeMax)) {
			// An unlisted event outside the window is not evidence of deletion.
			sum.OutOfWindow++
			continue
		}
		if !ok {
			age := now.Sub(a.CreatedAt)
			if e.policy.RecreateWindow >= 0 && age <= e.policy.RecreateWindow {
				recreate = append(recreate, a)
				continue
			}
			sum.DriftSkipped++
			e.metrics.item("drift_skipped")
			log.Warn("Engine.Reconcile: drift left in place, appointment too old to recreate its event",
				"appointmentID", a.ID, "eventID", id, "age", age.Round(time.Minute))
			continue
		}
		if e.sameStart(start, ev.Start) {
			sum.InSync++
			continue
		}
		updates = append(updates, pendingUpdate{appt: a, details: d, event: ev})
	}

	for _, ev := range events {
		if _, ok := boundIDs[ev.ID]; ok || ev.Status == models.EventStatusCancelled {
			continue
		}
		sum.Orphans++
		sum.OrphanIDs = append(sum.OrphanIDs, ev.ID)
		log.Info("Engine.Reconcile: orphan event", "eventID", ev.ID, "start", ev.Start, "summary", ev.Summary)
	}
	e.metrics.items("orphan", sum.Orphans)

	for _, a := range recreate {
		newID, err := e.createAndBind(ctx, a)
		if err != nil {
			sum.Failed++
			e.metrics.item("failed")
			log.Error("Engine.Reconcile: recreate event failed", "appointmentID", a.ID, "eventID", a.ExternalEventID, "error", err)
			if errors.Is(err, calendar.ErrAuthExpired) {
				return sum, fmt.Errorf("calsync: recreate event: %w", err)
			}
			continue
		}
		sum.Recreated++
		e.metrics.item("recreated")
		log.Info("Engine.Reconcile: recreated missing event", "appointmentID", a.ID, "oldEventID", a.ExternalEventID, "eventID", newID)
	}

	for _, u := range updates {
		if err := e.cal.UpdateEvent(ctx, u.event.ID, u.details); err != nil {
			sum.Failed++
			e.metrics.item("failed")
			log.Error("Engine.Reconcile: push time to calendar failed", "appointmentID", u.appt.ID, "eventID", u.event.ID, "error", err)
			if errors.Is(err, calendar.ErrAuthExpired) {
				return sum, fmt.Errorf("calsync: update event: %w", err)
			}
			continue
		}
		sum.Updated++
		e.metrics.item("updated")
		log.Info("Engine.Reconcile: pushed appointment time to calendar",
			"appointmentID", u.appt.ID, "eventID", u.event.ID, "from", u.event.Start, "to", u.details.Start)
	}

	attempted, created, failed, err := e.RetryUnsynced(ctx)
	sum.RetryAttempted, sum.RetryCreated = attempted, created
	sum.Failed += failed
	if err != nil {
		return sum, err
	}

	log.Info("Engine.Reconcile: done", "bound", sum.Bound, "events", sum.Events, "inSync", sum.InSync,
		"recreated", sum.Recreated, "updated", sum.Updated, "driftSkipped", sum.DriftSkipped,
		"orphans", sum.Orphans, "retryCreated", sum.RetryCreated, "failed", sum.Failed)
	return sum, nil
}

// RetryUnsynced creates calendar events for scheduled appointments that have none, writing
// the new ids back. It returns how many were attempted, created and failed.
func (e *Engine) RetryUnsynced(ctx context.Context) (attempted, created, failed int, err error) {
	log := logger(ctx)
	appts, err := e.store.QueryAppointments(ctx, store.AppointmentFilter{
		Statuses:   []models.AppointmentStatus{models.StatusScheduled},
		HasEventID: store.Bool(false),
	})
	if err != nil {
		return 0, 0, 0, &StoreError{Op: "query unsynced appointments", Err: err}
	}
	for _, a := range appts {
		attempted++
		id, err := e.createAndBind(ctx, a)
		if err != nil {
			failed++
			e.metrics.item("failed")
			log.Warn("Engine.RetryUnsynced: create event failed", "appointmentID", a.ID, "error", err)
			if errors.Is(err, calendar.ErrAuthExpired) {
				return attempted, created, failed, fmt.Errorf("calsync: retry unsynced: %w", err)
			}
			continue
		}
		created++
		e.metrics.item("retry_created")
		log.Info("Engine.RetryUnsynced: event created", "appointmentID", a.ID, "eventID", id)
	}
	return attempted, created, failed, nil
}

// createAndBind creates the appointment's event and stores its id. If the write-back fails the
// new event is removed again so it does not linger as an orphan.
func (e *Engine) createAndBind(ctx context.Context, a models.Appointment) (string, error) {
	d, err := calendar.DetailsFromAppointment(a, e.policy.Location)
	if err != nil {
		return "", err
	}
	id, err := e.cal.CreateEvent(ctx, d)
	if err != nil {
		return "", err
	}
	if err := e.store.UpdateAppointment(ctx, a.ID, store.AppointmentUpdate{ExternalEventID: store.String(id)}); err != nil {
		if delErr := e.cal.DeleteEvent(ctx, id); delErr != nil {
			logger(ctx).Warn("Engine.createAndBind: could not remove unbound event", "eventID", id, "error", delErr)
		}
		return "", fmt.Errorf("bind event %s to appointment %d: %w", id, a.ID, err)
	}
	return id, nil
}

func (e *Engine) sameStart(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= e.policy.TimeTolerance
}
