package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// JobKindReminder is the durable job kind that reminds a patient of an appointment.
const JobKindReminder = "appointment_reminder"

// Outbox message kinds.
const (
	OutboxKindReply    = "reply"
	OutboxKindReminder = "reminder"
)

// ReminderPayload is the JSON payload of appointment_reminder jobs.
type ReminderPayload struct {
	AppointmentID int64  `json:"appointment_id"`
	Date          string `json:"date"`
	Time          string `json:"time"`
}

// TextPayload is the JSON payload of outbox messages.
type TextPayload struct {
	Body string `json:"body"`
}

func reminderKey(id int64) string {
	return "reminder:" + strconv.FormatInt(id, 10)
}

// scheduleReminder enqueues the reminder job of a. Slots closer than the reminder lead get none;
// the booking confirmation already covers them.
func (s *Service) scheduleReminder(ctx context.Context, a models.Appointment) {
	start, err := a.Start(s.hours.Location)
	if err != nil {
		return
	}
	runAt := start.Add(-s.hours.ReminderLead)
	if !runAt.After(s.now()) {
		slog.Debug("Service.scheduleReminder: slot too close for a reminder", "appointmentID", a.ID)
		return
	}
	payload, err := json.Marshal(ReminderPayload{AppointmentID: a.ID, Date: a.Date, Time: a.Time})
	if err != nil {
		slog.Error("Service.scheduleReminder: marshal payload failed", "error", err, "appointmentID", a.ID)
		return
	}
	jobID, err := s.store.EnqueueJob(ctx, JobKindReminder, runAt, string(payload), reminderKey(a.ID))
	if err != nil {
		slog.Error("Service.scheduleReminder: enqueue failed", "error", err, "appointmentID", a.ID)
		return
	}
	slog.Debug("Service.scheduleReminder: reminder scheduled", "appointmentID", a.ID, "jobID", jobID, "runAt", runAt)
}

func (s *Service) cancelReminders(ctx context.Context, id int64) {
	n, err := s.store.CancelJobsByDedupeKey(ctx, reminderKey(id))
	if err != nil {
		slog.Error("Service.cancelReminders: cancel failed", "error", err, "appointmentID", id)
		return
	}
	if n > 0 {
		slog.Debug("Service.cancelReminders: reminders cancelled", "appointmentID", id, "count", n)
	}
}

// RegisterJobHandlers registers the booking job handlers with runner.
func (s *Service) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindReminder, s.handleReminder)
}

// handleReminder queues the reminder text if the appointment is still active at the slot the
// job was scheduled for.
func (s *Service) handleReminder(ctx context.Context, payload string) error {
	var p ReminderPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return store.Permanent(fmt.Errorf("invalid %s payload: %w", JobKindReminder, err))
	}
	a, err := s.store.GetAppointment(ctx, p.AppointmentID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("JobHandler.appointment_reminder: appointment gone, skipping", "appointmentID", p.AppointmentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load appointment %d: %w", p.AppointmentID, err)
	}
	if !a.Status.IsActive() || a.Date != p.Date || a.Time != p.Time {
		slog.Info("JobHandler.appointment_reminder: appointment changed, skipping", "appointmentID", a.ID, "status", a.Status)
		return nil
	}
	body := fmt.Sprintf("Recordatorio: tienes una cita el %s. Responde 3 si necesitas cancelarla.", s.FormatAppointment(*a))
	dedupe := reminderKey(a.ID) + ":" + a.Date + "T" + a.Time
	if err := enqueueText(ctx, s.store, a.Phone, OutboxKindReminder, body, dedupe); err != nil {
		return err
	}
	slog.Info("JobHandler.appointment_reminder: reminder queued", "appointmentID", a.ID)
	return nil
}

func enqueueText(ctx context.Context, outbox store.OutboxRepo, to, kind, body, dedupeKey string) error {
	payload, err := json.Marshal(TextPayload{Body: body})
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", kind, err)
	}
	if _, err := outbox.EnqueueOutboxMessage(ctx, to, kind, string(payload), dedupeKey); err != nil {
		return fmt.Errorf("enqueue %s message for %s: %w", kind, to, err)
	}
	return nil
}

// TextSender delivers a text to a canonical phone.
type TextSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// NewOutboxSendFunc adapts sender for store.OutboxSender.
func NewOutboxSendFunc(sender TextSender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p TextPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("invalid outbox payload %s: %w", msg.ID, err)
		}
		return sender.SendMessage(ctx, msg.Recipient, p.Body)
	}
}
