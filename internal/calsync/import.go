package calsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// ImportNote is written to the notes of appointments created from calendar events.
const ImportNote = "imported from calendar"

// ImportSummary counts the outcome of an orphan import.
type ImportSummary struct {
	Orphans     int `json:"orphans"`
	Imported    int `json:"imported"`
	Linked      int `json:"linked"`
	SlotTaken   int `json:"slot_taken"`
	Unparseable int `json:"unparseable"`
	Failed      int `json:"failed"`
}

// ImportOrphans creates appointments for calendar events in the window that no appointment
// references. The patient phone is read from the event text; events without one are counted as
// unparseable and left alone. When the slot already has an active appointment without an event,
// the orphan is linked to it instead.
func (e *Engine) ImportOrphans(ctx context.Context) (ImportSummary, error) {
	var sum ImportSummary
	log := logger(ctx)
	timeMin, timeMax := e.window(e.now())

	events, err := e.cal.ListEvents(ctx, timeMin, timeMax)
	if err != nil {
		return sum, fmt.Errorf("calsync: list calendar events: %w", err)
	}
	// Any status counts: an event bound to a cancelled appointment is not an orphan.
	appts, err := e.store.QueryAppointments(ctx, store.AppointmentFilter{HasEventID: store.Bool(true)})
	if err != nil {
		return sum, &StoreError{Op: "query bound appointments", Err: err}
	}
	referenced := make(map[string]bool, len(appts))
	for _, a := range appts {
		referenced[a.ExternalEventID] = true
	}

	for _, ev := range events {
		if referenced[ev.ID] || ev.Status == models.EventStatusCancelled {
			continue
		}
		sum.Orphans++
		parsed := calendar.ParseEventText(ev.Summary, ev.Description)
		if parsed.Phone == "" {
			sum.Unparseable++
			log.Info("Engine.ImportOrphans: no patient phone in event", "eventID", ev.ID, "summary", ev.Summary)
			continue
		}
		date, clock := models.FormatSlot(ev.Start, e.policy.Location)
		appt := models.Appointment{
			Phone:           parsed.Phone,
			PatientName:     models.NormalizePatientName(parsed.PatientName),
			Date:            date,
			Time:            clock,
			Status:          models.StatusScheduled,
			ExternalEventID: ev.ID,
			Notes:           ImportNote,
		}
		if mins := int(ev.End.Sub(ev.Start).Minutes()); mins > 0 {
			appt.DurationMinutes = mins
		}

		id, existed, err := e.store.InsertAppointment(ctx, appt)
		switch {
		case errors.Is(err, models.ErrInvalidInput):
			sum.Unparseable++
			log.Info("Engine.ImportOrphans: event does not describe a valid appointment", "eventID", ev.ID, "error", err)
			continue
		case errors.Is(err, store.ErrEventIDInUse):
			// Bound concurrently since the listing.
			continue
		case err != nil:
			sum.Failed++
			e.metrics.item("failed")
			log.Error("Engine.ImportOrphans: insert failed", "eventID", ev.ID, "error", err)
			continue
		}

		if !existed {
			sum.Imported++
			e.metrics.item("imported")
			if appt.PatientName != "" {
				if err := e.store.UpsertPatient(ctx, models.Patient{Phone: appt.Phone, Name: appt.PatientName}); err != nil {
					log.Warn("Engine.ImportOrphans: upsert patient failed", "phone", appt.Phone, "error", err)
				}
			}
			log.Info("Engine.ImportOrphans: imported event", "eventID", ev.ID, "appointmentID", id, "date", date, "time", clock)
			continue
		}

		existing, err := e.store.GetAppointment(ctx, id)
		if err != nil {
			sum.Failed++
			log.Error("Engine.ImportOrphans: load existing appointment failed", "appointmentID", id, "error", err)
			continue
		}
		if existing.HasEvent() {
			sum.SlotTaken++
			log.Info("Engine.ImportOrphans: slot already booked with another event", "eventID", ev.ID, "appointmentID", id)
			continue
		}
		if err := e.store.UpdateAppointment(ctx, id, store.AppointmentUpdate{ExternalEventID: store.String(ev.ID)}); err != nil {
			sum.Failed++
			log.Error("Engine.ImportOrphans: link event failed", "eventID", ev.ID, "appointmentID", id, "error", err)
			continue
		}
		sum.Linked++
		log.Info("Engine.ImportOrphans: linked event to existing appointment", "eventID", ev.ID, "appointmentID", id)
	}
	return sum, nil
}
