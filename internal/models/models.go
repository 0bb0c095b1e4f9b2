// Package models defines the core data structures for ApptPipe.
//
// It includes appointments, patients and calendar events shared by the store, the calendar
// gateway, the sync engine and the conversational layer.
package models

import (
	"time"
)

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusPending   AppointmentStatus = "pending"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusArchived  AppointmentStatus = "archived"
)

// ActiveStatuses lists the statuses that count as a live booking.
var ActiveStatuses = []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusPending}

// IsActive reports whether the status counts as a live booking.
func (s AppointmentStatus) IsActive() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusPending:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is one the store accepts.
func (s AppointmentStatus) IsValid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusPending, StatusCancelled, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

// Default values for appointments.
const (
	// DefaultDurationMinutes is used when an appointment is created without a duration.
	DefaultDurationMinutes = 30
	// DateLayout is the storage layout for appointment dates.
	DateLayout = "2006-01-02"
	// TimeLayout is the storage layout for appointment times.
	TimeLayout = "15:04"
)

// Appointment is a booking held in the record store.
type Appointment struct {
	ID              int64             `json:"id"`
	Phone           string            `json:"phone"`
	PatientName     string            `json:"patient_name,omitempty"`
	Date            string            `json:"date"`
	Time            string            `json:"time"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          AppointmentStatus `json:"status"`
	ExternalEventID string            `json:"external_event_id,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HasEvent reports whether the appointment references a calendar event.
func (a Appointment) HasEvent() bool {
	return a.ExternalEventID != ""
}

// SlotKey identifies the (phone, date, time) triple guarded by the duplicate-prevention invariant.
func (a Appointment) SlotKey() string {
	return a.Phone + "|" + a.Date + "|" + a.Time
}

// Duration returns the appointment length, falling back to the default.
func (a Appointment) Duration() time.Duration {
	if a.DurationMinutes <= 0 {
		return DefaultDurationMinutes * time.Minute
	}
	return time.Duration(a.DurationMinutes) * time.Minute
}

// Start resolves the appointment's date and time to an instant in loc.
func (a Appointment) Start(loc *time.Location) (time.Time, error) {
	return ParseSlot(a.Date, a.Time, loc)
}

// Patient is a person known to the clinic by phone number.
type Patient struct {
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventStatus is the status of a calendar event as reported by the provider.
type EventStatus string

const (
	EventStatusActive    EventStatus = "active"
	EventStatusCancelled EventStatus = "cancelled"
)

// CalendarEvent mirrors an event held by the external calendar provider.
type CalendarEvent struct {
	ID          string      `json:"id"`
	Summary     string      `json:"summary,omitempty"`
	Description string      `json:"description,omitempty"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Status      EventStatus `json:"status"`
}

// Response is an inbound text message from a patient.
type Response struct {
	MessageID string `json:"message_id,omitempty"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}

// Status values used in API envelopes.
const (
	APIStatusOK    = "ok"
	APIStatusError = "error"
)

// APIResponse is the JSON envelope returned by the HTTP API.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success builds a success envelope carrying result.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage builds a success envelope with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error builds an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
