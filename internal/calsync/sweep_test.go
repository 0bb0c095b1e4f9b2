package calsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
)

func TestSweepStore_KeepsEarliestCreated(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	st := newMemStore()
	late := st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", CreatedAt: t0.Add(2 * time.Hour)})
	early := st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", CreatedAt: t0})
	mid := st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", Status: models.StatusConfirmed, CreatedAt: t0.Add(time.Hour)})
	other := st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "10:00", CreatedAt: t0})
	cancelled := st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", Status: models.StatusCancelled, CreatedAt: t0.Add(-time.Hour)})
	e, _ := newTestEngine(t, st, t0)

	var sum SweepSummary
	require.NoError(t, e.SweepStore(context.Background(), &sum))
	assert.Equal(t, 1, sum.StoreGroups)
	assert.Equal(t, 2, sum.StoreDeleted)

	_, ok := st.get(early)
	assert.True(t, ok)
	_, ok = st.get(late)
	assert.False(t, ok)
	_, ok = st.get(mid)
	assert.False(t, ok)
	_, ok = st.get(other)
	assert.True(t, ok)
	_, ok = st.get(cancelled)
	assert.True(t, ok, "inactive records are not part of any group")

	// A second pass finds nothing.
	var again SweepSummary
	require.NoError(t, e.SweepStore(context.Background(), &again))
	assert.Zero(t, again.StoreGroups)
}

func TestSweepStore_TieBreaksOnID(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	st := newMemStore()
	first := st.seed(models.Appointment{ID: 1, Phone: "9876543210", Date: "2025-04-10", Time: "09:00", CreatedAt: t0})
	second := st.seed(models.Appointment{ID: 2, Phone: "9876543210", Date: "2025-04-10", Time: "09:00", CreatedAt: t0})
	e, _ := newTestEngine(t, st, t0)

	var sum SweepSummary
	require.NoError(t, e.SweepStore(context.Background(), &sum))
	_, ok := st.get(first)
	assert.True(t, ok)
	_, ok = st.get(second)
	assert.False(t, ok)
}

func TestSweepStore_SurvivorAdoptsEvent(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	st := newMemStore()
	keeper := st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", CreatedAt: t0})
	st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", ExternalEventID: "evt-dup", CreatedAt: t0.Add(time.Minute)})
	e, _ := newTestEngine(t, st, t0)

	var sum SweepSummary
	require.NoError(t, e.SweepStore(context.Background(), &sum))
	a, _ := st.get(keeper)
	assert.Equal(t, "evt-dup", a.ExternalEventID)
}

func TestSweepCalendar_DeletesUnreferencedDuplicates(t *testing.T) {
	now := at("2025-04-09", "12:00")
	st := newMemStore()
	e, mock := newTestEngine(t, st, now)
	slot := at("2025-04-10", "09:00")
	ev1 := mock.AddEvent(models.CalendarEvent{ID: "evt-a", Start: slot})
	ev2 := mock.AddEvent(models.CalendarEvent{ID: "evt-b", Start: slot})
	ev3 := mock.AddEvent(models.CalendarEvent{ID: "evt-c", Start: slot})
	st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", ExternalEventID: ev3})

	var sum SweepSummary
	require.NoError(t, e.SweepCalendar(context.Background(), &sum))
	assert.Equal(t, 1, sum.CalendarGroups)
	assert.Equal(t, 2, sum.CalendarDeleted)

	_, ok := mock.Event(ev1)
	assert.False(t, ok)
	_, ok = mock.Event(ev2)
	assert.False(t, ok)
	_, ok = mock.Event(ev3)
	assert.True(t, ok)
}

func TestSweepCalendar_NoReferencedEventKeepsFirst(t *testing.T) {
	now := at("2025-04-09", "12:00")
	e, mock := newTestEngine(t, newMemStore(), now)
	slot := at("2025-04-10", "09:00")
	first := mock.AddEvent(models.CalendarEvent{ID: "first", Start: slot})
	mock.AddEvent(models.CalendarEvent{ID: "second", Start: slot.Add(30 * time.Second)})
	single := mock.AddEvent(models.CalendarEvent{ID: "single", Start: slot.Add(time.Hour)})

	var sum SweepSummary
	require.NoError(t, e.SweepCalendar(context.Background(), &sum))
	assert.Equal(t, 1, sum.CalendarDeleted)
	_, ok := mock.Event(first)
	assert.True(t, ok)
	_, ok = mock.Event(single)
	assert.True(t, ok)
	_, ok = mock.Event("second")
	assert.False(t, ok, "events in the same minute are duplicates")
}

func TestSweepCalendar_SeveralReferencedKeepsFirstListed(t *testing.T) {
	now := at("2025-04-09", "12:00")
	st := newMemStore()
	e, mock := newTestEngine(t, st, now)
	slot := at("2025-04-10", "09:00")
	mock.AddEvent(models.CalendarEvent{ID: "stray", Start: slot})
	mock.AddEvent(models.CalendarEvent{ID: "valid-1", Start: slot})
	mock.AddEvent(models.CalendarEvent{ID: "valid-2", Start: slot})
	st.seed(models.Appointment{Phone: "1111111111", Date: "2025-04-10", Time: "09:00", ExternalEventID: "valid-2"})
	st.seed(models.Appointment{Phone: "2222222222", Date: "2025-04-10", Time: "09:00", ExternalEventID: "valid-1"})

	var sum SweepSummary
	require.NoError(t, e.SweepCalendar(context.Background(), &sum))
	remaining := mock.Events()
	require.Len(t, remaining, 1)
	assert.Equal(t, "valid-1", remaining[0].ID)
}

func TestSweepCalendar_AlreadyDeletedIsNotAnError(t *testing.T) {
	now := at("2025-04-09", "12:00")
	e, mock := newTestEngine(t, newMemStore(), now)
	slot := at("2025-04-10", "09:00")
	mock.AddEvent(models.CalendarEvent{ID: "a", Start: slot})
	mock.AddEvent(models.CalendarEvent{ID: "b", Start: slot})
	mock.FailNext(calendar.OpDelete, calendar.ErrNotFound)

	var sum SweepSummary
	require.NoError(t, e.SweepCalendar(context.Background(), &sum))
	assert.Equal(t, 1, sum.CalendarDeleted)
	assert.Zero(t, sum.Failed)
}

func TestSweep_RunsBothSides(t *testing.T) {
	now := at("2025-04-09", "12:00")
	st := newMemStore()
	e, mock := newTestEngine(t, st, now)
	slot := at("2025-04-10", "09:00")
	mock.AddEvent(models.CalendarEvent{ID: "keep", Start: slot})
	mock.AddEvent(models.CalendarEvent{ID: "drop", Start: slot})
	st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", ExternalEventID: "keep", CreatedAt: now.Add(-time.Hour)})
	st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00", ExternalEventID: "drop", CreatedAt: now})

	sum, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StoreDeleted)
	assert.Equal(t, 1, sum.CalendarDeleted)
	remaining := mock.Events()
	require.Len(t, remaining, 1)
	assert.Equal(t, "keep", remaining[0].ID)
}
