// Package booking implements the patient-facing side of ApptPipe: booking, cancelling and
// rescheduling appointments, the reminder jobs that follow a booking, the time-based lifecycle
// of old appointments, and the WhatsApp menu bot that drives it all.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// Errors returned for bookings the clinic cannot accept.
var (
	ErrInPast          = errors.New("booking: slot is in the past")
	ErrTooFarAhead     = errors.New("booking: slot is beyond the booking horizon")
	ErrClosedDay       = errors.New("booking: clinic is closed that day")
	ErrOutsideHours    = errors.New("booking: slot is outside working hours")
	ErrSlotUnavailable = errors.New("booking: slot is already booked")
	ErrNotOwner        = errors.New("booking: appointment belongs to another patient")
	ErrNotActive       = errors.New("booking: appointment is no longer active")
)

// Store is the persistence the booking service needs.
type Store interface {
	store.AppointmentRepo
	store.PatientRepo
	store.JobRepo
	store.OutboxRepo
}

// Calendar is the part of the calendar gateway used to mirror bookings.
type Calendar interface {
	CreateEvent(ctx context.Context, d calendar.EventDetails) (string, error)
	UpdateEvent(ctx context.Context, eventID string, d calendar.EventDetails) error
	DeleteEvent(ctx context.Context, eventID string) error
}

var (
	_ Store    = (store.Store)(nil)
	_ Calendar = (*calendar.Gateway)(nil)
)

// Defaults for Hours.
const (
	DefaultOpen           = "09:00"
	DefaultClose          = "18:00"
	DefaultMaxAdvanceDays = 30
	DefaultReminderLead   = 24 * time.Hour
	DefaultArchiveAfter   = 30 * 24 * time.Hour
)

// DefaultWorkingDays is Monday through Friday.
var DefaultWorkingDays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// Hours describes when the clinic accepts appointments.
type Hours struct {
	Location        *time.Location
	Open            string // HH:MM, first slot start
	Close           string // HH:MM, last slot must end by then
	WorkingDays     []time.Weekday
	DurationMinutes int
	MaxAdvanceDays  int
	ReminderLead    time.Duration
	ArchiveAfter    time.Duration
}

func (h Hours) withDefaults() Hours {
	if h.Location == nil {
		h.Location = time.UTC
	}
	if h.Open == "" {
		h.Open = DefaultOpen
	}
	if h.Close == "" {
		h.Close = DefaultClose
	}
	if len(h.WorkingDays) == 0 {
		h.WorkingDays = DefaultWorkingDays
	}
	if h.DurationMinutes <= 0 {
		h.DurationMinutes = models.DefaultDurationMinutes
	}
	if h.MaxAdvanceDays <= 0 {
		h.MaxAdvanceDays = DefaultMaxAdvanceDays
	}
	if h.ReminderLead <= 0 {
		h.ReminderLead = DefaultReminderLead
	}
	if h.ArchiveAfter <= 0 {
		h.ArchiveAfter = DefaultArchiveAfter
	}
	return h
}

// Validate checks the opening times.
func (h Hours) Validate() error {
	h = h.withDefaults()
	if err := models.ValidateTime(h.Open); err != nil {
		return err
	}
	if err := models.ValidateTime(h.Close); err != nil {
		return err
	}
	if h.Close <= h.Open {
		return fmt.Errorf("closing time %s must be after opening time %s", h.Close, h.Open)
	}
	return nil
}

func (h Hours) isWorkingDay(d time.Weekday) bool {
	for _, wd := range h.WorkingDays {
		if wd == d {
			return true
		}
	}
	return false
}

func (h Hours) duration() time.Duration {
	return time.Duration(h.DurationMinutes) * time.Minute
}

// Service books and manages appointments.
type Service struct {
	store   Store
	cal     Calendar
	hours   Hours
	now     func() time.Time
	metrics *Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMetrics records booking outcomes in m.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a booking service. cal may be nil when no calendar is configured.
func NewService(st Store, cal Calendar, hours Hours, opts ...ServiceOption) *Service {
	s := &Service{store: st, cal: cal, hours: hours.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hours returns the effective clinic hours.
func (s *Service) Hours() Hours { return s.hours }

// checkSlot enforces the clinic's booking rules for a slot starting at start.
func (s *Service) checkSlot(start time.Time) error {
	now := s.now()
	if !start.After(now) {
		return ErrInPast
	}
	local := start.In(s.hours.Location)
	horizon := now.In(s.hours.Location).AddDate(0, 0, s.hours.MaxAdvanceDays)
	if local.After(horizon) {
		return ErrTooFarAhead
	}
	if !s.hours.isWorkingDay(local.Weekday()) {
		return ErrClosedDay
	}
	date := local.Format(models.DateLayout)
	open, _ := models.ParseSlot(date, s.hours.Open, s.hours.Location)
	closing, _ := models.ParseSlot(date, s.hours.Close, s.hours.Location)
	if local.Before(open) || local.Add(s.hours.duration()).After(closing) {
		return ErrOutsideHours
	}
	return nil
}

// conflicting returns the active appointment other than exclude that overlaps [start, start+d).
func (s *Service) conflicting(ctx context.Context, start time.Time, d time.Duration, exclude int64) (*models.Appointment, error) {
	date, _ := models.FormatSlot(start, s.hours.Location)
	existing, err := s.store.QueryAppointments(ctx, store.AppointmentFilter{Statuses: models.ActiveStatuses, Date: date})
	if err != nil {
		return nil, fmt.Errorf("query appointments on %s: %w", date, err)
	}
	for i := range existing {
		a := existing[i]
		if a.ID == exclude {
			continue
		}
		aStart, err := a.Start(s.hours.Location)
		if err != nil {
			continue
		}
		if start.Before(aStart.Add(a.Duration())) && aStart.Before(start.Add(d)) {
			return &a, nil
		}
	}
	return nil, nil
}

// Book creates an appointment for phone at date and clock. Booking the same slot twice for the
// same patient returns the existing appointment with existed set.
func (s *Service) Book(ctx context.Context, phone, name, date, clock string) (appt models.Appointment, existed bool, err error) {
	defer func() { s.metrics.observe("book", err) }()

	phone, err = models.CanonicalPhone(phone)
	if err != nil {
		return models.Appointment{}, false, err
	}
	start, err := models.ParseSlot(date, clock, s.hours.Location)
	if err != nil {
		return models.Appointment{}, false, err
	}
	if err := s.checkSlot(start); err != nil {
		return models.Appointment{}, false, err
	}
	other, err := s.conflicting(ctx, start, s.hours.duration(), 0)
	if err != nil {
		return models.Appointment{}, false, err
	}
	if other != nil && other.Phone != phone {
		return models.Appointment{}, false, ErrSlotUnavailable
	}

	name = models.NormalizePatientName(name)
	if err := s.store.UpsertPatient(ctx, models.Patient{Phone: phone, Name: name}); err != nil {
		return models.Appointment{}, false, fmt.Errorf("upsert patient: %w", err)
	}

	id, existed, err := s.store.InsertAppointment(ctx, models.Appointment{
		Phone:           phone,
		PatientName:     name,
		Date:            date,
		Time:            clock,
		DurationMinutes: s.hours.DurationMinutes,
		Status:          models.StatusScheduled,
	})
	if err != nil {
		return models.Appointment{}, false, fmt.Errorf("insert appointment: %w", err)
	}
	if existed {
		slog.Info("Service.Book: slot already booked by patient", "appointmentID", id, "phone", phone)
		got, err := s.store.GetAppointment(ctx, id)
		if err != nil {
			return models.Appointment{}, true, err
		}
		return *got, true, nil
	}
	if other != nil {
		// Another booking of this patient overlaps; keep the new one and let the patient cancel.
		slog.Warn("Service.Book: patient has an overlapping appointment", "appointmentID", id, "overlapping", other.ID)
	}

	got, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return models.Appointment{}, false, err
	}
	appt = *got
	if eventID := s.pushEvent(ctx, appt); eventID != "" {
		appt.ExternalEventID = eventID
	}
	s.scheduleReminder(ctx, appt)
	slog.Info("Service.Book: appointment booked", "appointmentID", appt.ID, "phone", phone, "date", date, "time", clock)
	return appt, false, nil
}

// pushEvent creates or updates the calendar event of a. Failures are logged and left for the
// sync engine's retry pass. It returns the event id now bound to a, if any.
func (s *Service) pushEvent(ctx context.Context, a models.Appointment) string {
	if s.cal == nil {
		return ""
	}
	details, err := calendar.DetailsFromAppointment(a, s.hours.Location)
	if err != nil {
		slog.Error("Service.pushEvent: invalid appointment", "error", err, "appointmentID", a.ID)
		return ""
	}
	if a.HasEvent() {
		err := s.cal.UpdateEvent(ctx, a.ExternalEventID, details)
		if err == nil {
			return a.ExternalEventID
		}
		if !errors.Is(err, calendar.ErrNotFound) {
			slog.Warn("Service.pushEvent: update failed, leaving for sync", "error", err, "appointmentID", a.ID, "eventID", a.ExternalEventID)
			return a.ExternalEventID
		}
		slog.Info("Service.pushEvent: event gone, creating a new one", "appointmentID", a.ID, "eventID", a.ExternalEventID)
	}
	eventID, err := s.cal.CreateEvent(ctx, details)
	if err != nil {
		slog.Warn("Service.pushEvent: create failed, leaving for sync", "error", err, "appointmentID", a.ID)
		if a.HasEvent() {
			// The old id points at nothing; clear it so the retry pass picks the appointment up.
			if err := s.store.UpdateAppointment(ctx, a.ID, store.AppointmentUpdate{ExternalEventID: store.String("")}); err != nil {
				slog.Error("Service.pushEvent: clear event id failed", "error", err, "appointmentID", a.ID)
			}
		}
		return ""
	}
	if err := s.store.UpdateAppointment(ctx, a.ID, store.AppointmentUpdate{ExternalEventID: store.String(eventID)}); err != nil {
		slog.Error("Service.pushEvent: write-back failed, removing event", "error", err, "appointmentID", a.ID, "eventID", eventID)
		if delErr := s.cal.DeleteEvent(ctx, eventID); delErr != nil {
			slog.Error("Service.pushEvent: remove unbound event failed", "error", delErr, "eventID", eventID)
		}
		return ""
	}
	return eventID
}

// owned loads appointment id and checks that it belongs to phone and is still active.
func (s *Service) owned(ctx context.Context, phone string, id int64) (*models.Appointment, error) {
	phone, err := models.CanonicalPhone(phone)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Phone != phone {
		return nil, ErrNotOwner
	}
	if !a.Status.IsActive() {
		return nil, ErrNotActive
	}
	return a, nil
}

// Cancel cancels appointment id of phone, removes its calendar event and its reminders.
func (s *Service) Cancel(ctx context.Context, phone string, id int64) (err error) {
	defer func() { s.metrics.observe("cancel", err) }()

	a, err := s.owned(ctx, phone, id)
	if err != nil {
		return err
	}
	if err := s.store.MarkStatus(ctx, id, models.StatusCancelled); err != nil {
		return fmt.Errorf("cancel appointment %d: %w", id, err)
	}
	if a.HasEvent() && s.cal != nil {
		if err := s.cal.DeleteEvent(ctx, a.ExternalEventID); err != nil {
			// The event stays bound to the cancelled record so it is never imported back.
			slog.Warn("Service.Cancel: delete event failed", "error", err, "appointmentID", id, "eventID", a.ExternalEventID)
		} else if err := s.store.UpdateAppointment(ctx, id, store.AppointmentUpdate{ExternalEventID: store.String("")}); err != nil {
			slog.Error("Service.Cancel: clear event id failed", "error", err, "appointmentID", id)
		}
	}
	s.cancelReminders(ctx, id)
	slog.Info("Service.Cancel: appointment cancelled", "appointmentID", id, "phone", a.Phone)
	return nil
}

// Reschedule moves appointment id of phone to date and clock, in place.
func (s *Service) Reschedule(ctx context.Context, phone string, id int64, date, clock string) (appt models.Appointment, err error) {
	defer func() { s.metrics.observe("reschedule", err) }()

	a, err := s.owned(ctx, phone, id)
	if err != nil {
		return models.Appointment{}, err
	}
	start, err := models.ParseSlot(date, clock, s.hours.Location)
	if err != nil {
		return models.Appointment{}, err
	}
	if err := s.checkSlot(start); err != nil {
		return models.Appointment{}, err
	}
	other, err := s.conflicting(ctx, start, a.Duration(), id)
	if err != nil {
		return models.Appointment{}, err
	}
	if other != nil {
		return models.Appointment{}, ErrSlotUnavailable
	}
	err = s.store.UpdateAppointment(ctx, id, store.AppointmentUpdate{Date: &date, Time: &clock})
	if errors.Is(err, store.ErrSlotTaken) {
		return models.Appointment{}, ErrSlotUnavailable
	}
	if err != nil {
		return models.Appointment{}, fmt.Errorf("reschedule appointment %d: %w", id, err)
	}
	got, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return models.Appointment{}, err
	}
	appt = *got
	appt.ExternalEventID = s.pushEvent(ctx, appt)
	s.cancelReminders(ctx, id)
	s.scheduleReminder(ctx, appt)
	slog.Info("Service.Reschedule: appointment moved", "appointmentID", id, "date", date, "time", clock)
	return appt, nil
}

// Upcoming lists the active appointments of phone that have not started yet.
func (s *Service) Upcoming(ctx context.Context, phone string) ([]models.Appointment, error) {
	phone, err := models.CanonicalPhone(phone)
	if err != nil {
		return nil, err
	}
	now := s.now()
	today, _ := models.FormatSlot(now, s.hours.Location)
	all, err := s.store.QueryAppointments(ctx, store.AppointmentFilter{
		Statuses: models.ActiveStatuses,
		Phone:    phone,
		FromDate: today,
	})
	if err != nil {
		return nil, fmt.Errorf("query upcoming for %s: %w", phone, err)
	}
	upcoming := all[:0]
	for _, a := range all {
		start, err := a.Start(s.hours.Location)
		if err != nil || !start.After(now) {
			continue
		}
		upcoming = append(upcoming, a)
	}
	return upcoming, nil
}

// AvailableSlots returns the bookable HH:MM start times on date.
func (s *Service) AvailableSlots(ctx context.Context, date string) ([]string, error) {
	if err := models.ValidateDate(date); err != nil {
		return nil, err
	}
	open, _ := models.ParseSlot(date, s.hours.Open, s.hours.Location)
	closing, _ := models.ParseSlot(date, s.hours.Close, s.hours.Location)
	if !s.hours.isWorkingDay(open.Weekday()) {
		return nil, nil
	}
	booked, err := s.store.QueryAppointments(ctx, store.AppointmentFilter{Statuses: models.ActiveStatuses, Date: date})
	if err != nil {
		return nil, fmt.Errorf("query appointments on %s: %w", date, err)
	}
	d := s.hours.duration()
	var slots []string
	for t := open; !t.Add(d).After(closing); t = t.Add(d) {
		if s.checkSlot(t) != nil {
			continue
		}
		free := true
		for _, a := range booked {
			aStart, err := a.Start(s.hours.Location)
			if err != nil {
				continue
			}
			if t.Before(aStart.Add(a.Duration())) && aStart.Before(t.Add(d)) {
				free = false
				break
			}
		}
		if free {
			_, clock := models.FormatSlot(t, s.hours.Location)
			slots = append(slots, clock)
		}
	}
	return slots, nil
}

// ProcessLifecycle completes appointments that have ended and archives completed ones older
// than the archive age.
func (s *Service) ProcessLifecycle(ctx context.Context) (completed, archived int, err error) {
	now := s.now()
	today, _ := models.FormatSlot(now, s.hours.Location)
	past, err := s.store.QueryAppointments(ctx, store.AppointmentFilter{
		Statuses: models.ActiveStatuses,
		ToDate:   today,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("query past appointments: %w", err)
	}
	var errs []error
	for _, a := range past {
		start, err := a.Start(s.hours.Location)
		if err != nil || start.Add(a.Duration()).After(now) {
			continue
		}
		if err := s.store.MarkStatus(ctx, a.ID, models.StatusCompleted); err != nil {
			errs = append(errs, fmt.Errorf("complete appointment %d: %w", a.ID, err))
			continue
		}
		completed++
	}
	archived, err = s.store.ArchiveCompletedBefore(ctx, now.Add(-s.hours.ArchiveAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("archive completed: %w", err))
	}
	if completed > 0 || archived > 0 {
		slog.Info("Service.ProcessLifecycle: statuses advanced", "completed", completed, "archived", archived)
	}
	return completed, archived, errors.Join(errs...)
}

// FormatAppointment renders a for a patient message.
func (s *Service) FormatAppointment(a models.Appointment) string {
	start, err := a.Start(s.hours.Location)
	if err != nil {
		return a.Date + " " + a.Time
	}
	var b strings.Builder
	b.WriteString(weekdayNames[start.Weekday()])
	b.WriteString(" ")
	b.WriteString(start.Format("02/01/2006"))
	b.WriteString(" a las ")
	b.WriteString(a.Time)
	return b.String()
}

var weekdayNames = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}
