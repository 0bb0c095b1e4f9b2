package calsync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// SweepSummary counts duplicate groups found and items removed.
type SweepSummary struct {
	StoreGroups     int `json:"store_groups"`
	StoreDeleted    int `json:"store_deleted"`
	CalendarGroups  int `json:"calendar_groups"`
	CalendarDeleted int `json:"calendar_deleted"`
	Failed          int `json:"failed"`
}

// Sweep runs the store sweep and then the calendar sweep. Both always run; their errors are joined.
func (e *Engine) Sweep(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary
	storeErr := e.SweepStore(ctx, &sum)
	calErr := e.SweepCalendar(ctx, &sum)
	return sum, errors.Join(storeErr, calErr)
}

// SweepStore collapses active appointments sharing (phone, date, time) onto the earliest
// created one. When the survivor has no calendar event but a removed duplicate did, the
// survivor adopts that event.
func (e *Engine) SweepStore(ctx context.Context, sum *SweepSummary) error {
	log := logger(ctx)
	appts, err := e.store.QueryAppointments(ctx, store.AppointmentFilter{Statuses: models.ActiveStatuses})
	if err != nil {
		return &StoreError{Op: "query active appointments", Err: err}
	}

	groups := make(map[string][]models.Appointment)
	var keys []string
	for _, a := range appts {
		k := a.SlotKey()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], a)
	}

	for _, k := range keys {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		sum.StoreGroups++
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
		keeper := group[0]
		adopt := ""
		for _, dup := range group[1:] {
			if err := e.store.DeleteAppointment(ctx, dup.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				sum.Failed++
				e.metrics.item("failed")
				log.Error("Engine.SweepStore: delete duplicate failed", "appointmentID", dup.ID, "keepID", keeper.ID, "error", err)
				continue
			}
			sum.StoreDeleted++
			e.metrics.item("store_deleted")
			log.Info("Engine.SweepStore: removed duplicate appointment", "appointmentID", dup.ID, "keepID", keeper.ID, "slot", k)
			if adopt == "" && dup.HasEvent() {
				adopt = dup.ExternalEventID
			}
		}
		if !keeper.HasEvent() && adopt != "" {
			if err := e.store.UpdateAppointment(ctx, keeper.ID, store.AppointmentUpdate{ExternalEventID: store.String(adopt)}); err != nil {
				sum.Failed++
				log.Warn("Engine.SweepStore: could not move event to surviving appointment", "appointmentID", keeper.ID, "eventID", adopt, "error", err)
			}
		}
	}
	return nil
}

// SweepCalendar collapses calendar events sharing a start minute. Within a group, events not
// referenced by an active appointment are removed; of the referenced ones only the first in
// listing order is kept. A group with no referenced event keeps its first event.
func (e *Engine) SweepCalendar(ctx context.Context, sum *SweepSummary) error {
	log := logger(ctx)
	now := e.now()
	timeMin, timeMax := e.window(now)

	events, err := e.cal.ListEvents(ctx, timeMin, timeMax)
	if err != nil {
		return fmt.Errorf("calsync: list calendar events: %w", err)
	}
	appts, err := e.store.QueryAppointments(ctx, store.AppointmentFilter{
		Statuses:   models.ActiveStatuses,
		HasEventID: store.Bool(true),
	})
	if err != nil {
		return &StoreError{Op: "query bound appointments", Err: err}
	}
	referenced := make(map[string]bool, len(appts))
	for _, a := range appts {
		referenced[a.ExternalEventID] = true
	}

	groups := make(map[string][]models.CalendarEvent)
	var keys []string
	for _, ev := range events {
		if ev.Status == models.EventStatusCancelled {
			continue
		}
		k := ev.Start.In(e.policy.Location).Format(models.DateLayout + " " + models.TimeLayout)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], ev)
	}

	for _, k := range keys {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		sum.CalendarGroups++
		keep := group[0].ID
		for _, ev := range group {
			if referenced[ev.ID] {
				keep = ev.ID
				break
			}
		}
		for _, ev := range group {
			if ev.ID == keep {
				continue
			}
			if err := e.cal.DeleteEvent(ctx, ev.ID); err != nil && !errors.Is(err, calendar.ErrNotFound) {
				sum.Failed++
				e.metrics.item("failed")
				log.Error("Engine.SweepCalendar: delete duplicate event failed", "eventID", ev.ID, "slot", k, "error", err)
				if errors.Is(err, calendar.ErrAuthExpired) {
					return fmt.Errorf("calsync: delete duplicate event: %w", err)
				}
				continue
			}
			sum.CalendarDeleted++
			e.metrics.item("calendar_deleted")
			log.Info("Engine.SweepCalendar: removed duplicate event", "eventID", ev.ID, "keepID", keep, "slot", k,
				"referenced", referenced[ev.ID])
		}
	}
	return nil
}
