package store

import (
	"context"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// AppointmentFilter selects appointments. Zero-valued fields do not constrain the query.
type AppointmentFilter struct {
	Statuses []models.AppointmentStatus
	Phone    string
	Date     string
	Time     string
	EventID  string
	// HasEventID restricts to rows with (true) or without (false) an external event id.
	HasEventID *bool
	FromDate   string // inclusive, YYYY-MM-DD
	ToDate     string // inclusive, YYYY-MM-DD
	Limit      int
}

// AppointmentUpdate is a partial update; nil fields are left untouched.
// Setting ExternalEventID to "" clears the binding.
type AppointmentUpdate struct {
	PatientName     *string
	Date            *string
	Time            *string
	DurationMinutes *int
	Status          *models.AppointmentStatus
	ExternalEventID *string
	Notes           *string
}

// IsEmpty reports whether the update changes nothing.
func (u AppointmentUpdate) IsEmpty() bool {
	return u.PatientName == nil && u.Date == nil && u.Time == nil && u.DurationMinutes == nil &&
		u.Status == nil && u.ExternalEventID == nil && u.Notes == nil
}

// AppointmentRepo is the record store for appointments.
type AppointmentRepo interface {
	// InsertAppointment creates an appointment. If an active appointment already holds the same
	// (phone, date, time) its id is returned with existed=true and nothing is written.
	InsertAppointment(ctx context.Context, a models.Appointment) (id int64, existed bool, err error)

	// GetAppointment returns ErrNotFound when no row has the id.
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)

	// QueryAppointments returns matching rows ordered by date, time, created_at, id.
	QueryAppointments(ctx context.Context, f AppointmentFilter) ([]models.Appointment, error)

	UpdateAppointment(ctx context.Context, id int64, u AppointmentUpdate) error
	MarkStatus(ctx context.Context, id int64, status models.AppointmentStatus) error
	DeleteAppointment(ctx context.Context, id int64) error

	// ArchiveCompletedBefore moves completed appointments last touched before cutoff to archived.
	ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PatientRepo stores patients keyed by canonical phone.
type PatientRepo interface {
	UpsertPatient(ctx context.Context, p models.Patient) error
	// GetPatient returns nil, nil when the phone is unknown.
	GetPatient(ctx context.Context, phone string) (*models.Patient, error)
}

// Bool returns a pointer to b, for AppointmentFilter.HasEventID.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s, for AppointmentUpdate fields.
func String(s string) *string { return &s }
