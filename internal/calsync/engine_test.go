package calsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

func TestReconcile_RecreatesMissingEventForRecentAppointment(t *testing.T) {
	now := at("2025-04-10", "07:00")
	st := newMemStore()
	st.seed(models.Appointment{
		ID: 7, Phone: "9876543210", PatientName: "Ana", Date: "2025-04-10", Time: "09:00",
		ExternalEventID: "evt-1", CreatedAt: now.Add(-2 * time.Hour),
	})
	e, mock := newTestEngine(t, st, now)

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Recreated)
	assert.Equal(t, 1, mock.Calls(calendar.OpInsert))

	a, _ := st.get(7)
	require.NotEqual(t, "evt-1", a.ExternalEventID)
	ev, ok := mock.Event(a.ExternalEventID)
	require.True(t, ok)
	assert.True(t, ev.Start.Equal(at("2025-04-10", "09:00")))
	assert.Equal(t, "Appointment: Ana", ev.Summary)
}

func TestReconcile_RecreateWindowEdges(t *testing.T) {
	now := at("2025-04-10", "07:00")
	st := newMemStore()
	recent := st.seed(models.Appointment{
		Phone: "1111111111", Date: "2025-04-11", Time: "09:00",
		ExternalEventID: "gone-recent", CreatedAt: now.Add(-(23*time.Hour + 59*time.Minute)),
	})
	old := st.seed(models.Appointment{
		Phone: "2222222222", Date: "2025-04-11", Time: "10:00",
		ExternalEventID: "gone-old", CreatedAt: now.Add(-(24*time.Hour + time.Minute)),
	})
	e, mock := newTestEngine(t, st, now)

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Recreated)
	assert.Equal(t, 1, sum.DriftSkipped)
	assert.Equal(t, 1, mock.Calls(calendar.OpInsert))

	a, _ := st.get(recent)
	assert.NotEqual(t, "gone-recent", a.ExternalEventID)
	b, _ := st.get(old)
	assert.Equal(t, "gone-old", b.ExternalEventID)
}

func TestReconcile_NegativeRecreateWindowDisablesRecreation(t *testing.T) {
	now := at("2025-04-10", "07:00")
	st := newMemStore()
	st.seed(models.Appointment{
		Phone: "1111111111", Date: "2025-04-11", Time: "09:00",
		ExternalEventID: "gone", CreatedAt: now.Add(-time.Minute),
	})
	mock := calendar.NewMockProvider()
	policy := DefaultPolicy(time.UTC)
	policy.RecreateWindow = -1
	e := NewEngine(st, calendar.NewGateway(mock, nil), policy, WithClock(func() time.Time { return now }))

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Recreated)
	assert.Equal(t, 1, sum.DriftSkipped)
}

func TestReconcile_TimeMismatchPushesLocalTime(t *testing.T) {
	now := at("2025-02-28", "12:00")
	st := newMemStore()
	e, mock := newTestEngine(t, st, now)
	id := mock.AddEvent(models.CalendarEvent{ID: "evt-m", Summary: "Appointment: Ana", Start: at("2025-03-01", "10:30")})
	st.seed(models.Appointment{
		Phone: "9876543210", PatientName: "Ana", Date: "2025-03-01", Time: "10:00",
		ExternalEventID: id, CreatedAt: now.Add(-72 * time.Hour),
	})
	writesBefore := st.writeCount()

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, mock.Calls(calendar.OpUpdate))
	assert.Equal(t, writesBefore, st.writeCount(), "local record must not be written")

	ev, _ := mock.Event(id)
	assert.True(t, ev.Start.Equal(at("2025-03-01", "10:00")))
}

func TestReconcile_ToleranceAbsorbsSmallDifferences(t *testing.T) {
	now := at("2025-02-28", "12:00")
	st := newMemStore()
	mock := calendar.NewMockProvider()
	id := mock.AddEvent(models.CalendarEvent{Start: at("2025-03-01", "10:01")})
	st.seed(models.Appointment{Phone: "9876543210", Date: "2025-03-01", Time: "10:00", ExternalEventID: id})
	policy := DefaultPolicy(time.UTC)
	policy.TimeTolerance = 2 * time.Minute
	e := NewEngine(st, calendar.NewGateway(mock, nil), policy, WithClock(func() time.Time { return now }))

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.InSync)
	assert.Equal(t, 0, mock.Calls(calendar.OpUpdate))
}

func TestReconcile_OrphanSurvives(t *testing.T) {
	now := at("2025-04-01", "08:00")
	st := newMemStore()
	e, mock := newTestEngine(t, st, now)
	orphan := models.CalendarEvent{ID: "walk-in", Summary: "Walk-in", Start: at("2025-04-02", "09:00")}
	mock.AddEvent(orphan)

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Orphans)
	assert.Equal(t, []string{"walk-in"}, sum.OrphanIDs)
	assert.Zero(t, mock.Calls(calendar.OpDelete))
	assert.Zero(t, mock.Calls(calendar.OpUpdate))

	ev, ok := mock.Event("walk-in")
	require.True(t, ok)
	assert.Equal(t, "Walk-in", ev.Summary)
	assert.True(t, ev.Start.Equal(orphan.Start))
	assert.Zero(t, st.writeCount())
}

func TestReconcile_IsIdempotent(t *testing.T) {
	now := at("2025-04-01", "08:00")
	st := newMemStore()
	e, mock := newTestEngine(t, st, now)

	inSync := mock.AddEvent(models.CalendarEvent{Start: at("2025-04-03", "09:00")})
	st.seed(models.Appointment{Phone: "1111111111", Date: "2025-04-03", Time: "09:00", ExternalEventID: inSync})
	moved := mock.AddEvent(models.CalendarEvent{Start: at("2025-04-04", "11:30")})
	st.seed(models.Appointment{Phone: "2222222222", Date: "2025-04-04", Time: "11:00", ExternalEventID: moved})
	st.seed(models.Appointment{Phone: "3333333333", Date: "2025-04-05", Time: "12:00", ExternalEventID: "deleted", CreatedAt: now.Add(-time.Hour)})
	st.seed(models.Appointment{Phone: "4444444444", Date: "2025-04-06", Time: "13:00"})
	mock.AddEvent(models.CalendarEvent{ID: "orphan", Start: at("2025-04-07", "14:00")})

	first, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.InSync)
	assert.Equal(t, 1, first.Updated)
	assert.Equal(t, 1, first.Recreated)
	assert.Equal(t, 1, first.RetryCreated)
	assert.Equal(t, 1, first.Orphans)

	writes := st.writeCount()
	calls := mock.Calls(calendar.OpInsert) + mock.Calls(calendar.OpUpdate) + mock.Calls(calendar.OpDelete)

	second, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Writes())
	assert.Equal(t, 4, second.InSync)
	assert.Equal(t, writes, st.writeCount())
	assert.Equal(t, calls, mock.Calls(calendar.OpInsert)+mock.Calls(calendar.OpUpdate)+mock.Calls(calendar.OpDelete))
}

func TestReconcile_AppointmentsOutsideWindowAreNotDrift(t *testing.T) {
	now := at("2025-04-01", "08:00")
	st := newMemStore()
	st.seed(models.Appointment{Phone: "1111111111", Date: "2025-06-01", Time: "09:00", ExternalEventID: "far", CreatedAt: now})
	e, mock := newTestEngine(t, st, now)

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OutOfWindow)
	assert.Zero(t, sum.Recreated)
	assert.Zero(t, mock.Calls(calendar.OpInsert))
}

func TestReconcile_ListedEventWithFarAppointmentGetsItsTime(t *testing.T) {
	now := at("2025-04-01", "08:00")
	st := newMemStore()
	e, mock := newTestEngine(t, st, now)
	id := mock.AddEvent(models.CalendarEvent{Summary: "Appointment: Ana", Start: at("2025-04-05", "09:00")})
	st.seed(models.Appointment{
		Phone: "1111111111", PatientName: "Ana", Date: "2025-06-01", Time: "09:00",
		ExternalEventID: id, CreatedAt: now.Add(-48 * time.Hour),
	})

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.Calls(calendar.OpUpdate))
	assert.Equal(t, 1, sum.Updated)
	assert.Zero(t, sum.Orphans)
	assert.Empty(t, sum.OrphanIDs)
	assert.Zero(t, sum.OutOfWindow)

	ev, ok := mock.Event(id)
	require.True(t, ok)
	assert.True(t, ev.Start.Equal(at("2025-06-01", "09:00")), "event start %v", ev.Start)
}

func TestReconcile_PerItemFailuresAreIsolated(t *testing.T) {
	now := at("2025-04-01", "08:00")
	st := newMemStore()
	first := st.seed(models.Appointment{Phone: "1111111111", Date: "2025-04-02", Time: "09:00"})
	second := st.seed(models.Appointment{Phone: "2222222222", Date: "2025-04-02", Time: "10:00"})
	e, mock := newTestEngine(t, st, now)
	mock.FailNext(calendar.OpInsert, calendar.ErrProviderUnavailable, calendar.ErrProviderUnavailable, calendar.ErrProviderUnavailable)

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.RetryAttempted)
	assert.Equal(t, 1, sum.RetryCreated)
	assert.Equal(t, 1, sum.Failed)

	a, _ := st.get(first)
	b, _ := st.get(second)
	assert.Empty(t, a.ExternalEventID, "first create exhausted its retries")
	assert.NotEmpty(t, b.ExternalEventID)
}

func TestReconcile_InvalidSlotIsSkipped(t *testing.T) {
	now := at("2025-04-01", "08:00")
	st := newMemStore()
	good := st.seed(models.Appointment{Phone: "2222222222", Date: "2025-04-02", Time: "09:00"})
	e, mock := newTestEngine(t, st, now)
	id := mock.AddEvent(models.CalendarEvent{Start: at("2025-04-03", "09:00")})
	bad := st.seed(models.Appointment{Phone: "1111111111", Date: "2025-13-45", Time: "09:00", ExternalEventID: id})

	var buf bytes.Buffer
	ctx := withLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	sum, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Invalid)
	assert.Zero(t, mock.Calls(calendar.OpUpdate))
	assert.Zero(t, sum.Orphans, "the event is still bound, even if its slot is unreadable")
	a, _ := st.get(good)
	assert.NotEmpty(t, a.ExternalEventID)

	assert.Contains(t, buf.String(), "skipping appointment with invalid slot")
	assert.Contains(t, buf.String(), fmt.Sprintf("appointmentID=%d", bad))
}

func TestReconcile_StoreReadFailure(t *testing.T) {
	st := newMemStore()
	st.failQuery = errors.New("disk I/O error")
	e, _ := newTestEngine(t, st, time.Now())

	_, err := e.Reconcile(context.Background())
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "query bound appointments", storeErr.Op)
}

func TestReconcile_CalendarListFailure(t *testing.T) {
	st := newMemStore()
	e, mock := newTestEngine(t, st, time.Now())
	mock.FailNext(calendar.OpList, calendar.ErrAuthExpired)

	_, err := e.Reconcile(context.Background())
	assert.ErrorIs(t, err, calendar.ErrAuthExpired)
}

func TestReconcile_WriteBackFailureRemovesNewEvent(t *testing.T) {
	now := at("2025-04-01", "08:00")
	st := newMemStore()
	id := st.seed(models.Appointment{Phone: "1111111111", Date: "2025-04-02", Time: "09:00"})
	e, mock := newTestEngine(t, st, now)
	// The appointment vanishes between the query and the write-back.
	e.store = &vanishingStore{memStore: st, id: id}

	sum, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, mock.Events())
}

type vanishingStore struct {
	*memStore
	id int64
}

func (v *vanishingStore) UpdateAppointment(ctx context.Context, id int64, u store.AppointmentUpdate) error {
	if id == v.id {
		_ = v.memStore.DeleteAppointment(ctx, id)
	}
	return v.memStore.UpdateAppointment(ctx, id, u)
}
