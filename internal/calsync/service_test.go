package calsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/scheduler"
)

func newTestService(t *testing.T, st Store, now time.Time, minInterval time.Duration) (*Service, *calendar.MockProvider, *Metrics) {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	e, mock := newTestEngine(t, st, now)
	e.metrics = metrics
	return NewService(e, NewCoordinator(minInterval), metrics), mock, metrics
}

func TestService_RunReconcilesAndSweeps(t *testing.T) {
	now := at("2025-04-09", "12:00")
	st := newMemStore()
	svc, mock, metrics := newTestService(t, st, now, DefaultMinInterval)
	st.seed(models.Appointment{Phone: "9876543210", Date: "2025-04-10", Time: "09:00"})
	mock.AddEvent(models.CalendarEvent{ID: "stray", Start: at("2025-04-10", "09:00")})

	report, err := svc.Run(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, KindSync, report.Kind)
	assert.Equal(t, TriggerManual, report.Trigger)
	require.NotNil(t, report.Reconcile)
	require.NotNil(t, report.Sweep)
	assert.Equal(t, 1, report.Reconcile.RetryCreated)
	assert.Equal(t, 1, report.Sweep.CalendarDeleted, "the stray duplicate goes, the bound event stays")
	assert.Len(t, mock.Events(), 1)

	status := svc.Status()
	assert.False(t, status.Coordinator.Running)
	require.NotNil(t, status.LastReport)
	assert.Equal(t, report.RunID, status.LastReport.RunID)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.runs.WithLabelValues(KindSync, "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.itemCount.WithLabelValues("retry_created")))
}

func TestService_GateRefusesSecondRun(t *testing.T) {
	svc, _, metrics := newTestService(t, newMemStore(), time.Now(), DefaultMinInterval)

	_, err := svc.Run(context.Background(), TriggerManual)
	require.NoError(t, err)
	_, err = svc.Sweep(context.Background(), TriggerPeriodic)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.runs.WithLabelValues(KindSweep, "skipped")))
}

func TestService_FailureReleasesGate(t *testing.T) {
	st := newMemStore()
	st.failQuery = errors.New("database is locked")
	svc, _, _ := newTestService(t, st, time.Now(), 0)

	report, err := svc.Run(context.Background(), TriggerManual)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.NotEmpty(t, report.Error)
	assert.False(t, svc.Status().Coordinator.Running)

	st.mu.Lock()
	st.failQuery = nil
	st.mu.Unlock()
	_, err = svc.Run(context.Background(), TriggerManual)
	assert.NoError(t, err)
}

func TestService_ImportOrphans(t *testing.T) {
	now := at("2025-04-01", "08:00")
	svc, mock, _ := newTestService(t, newMemStore(), now, 0)
	mock.AddEvent(models.CalendarEvent{Description: "Phone: 9876543210", Start: at("2025-04-02", "10:00")})

	report, err := svc.ImportOrphans(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, report.Import)
	assert.Equal(t, 1, report.Import.Imported)
	assert.Nil(t, report.Reconcile)
}

func TestService_ScheduleRunsStartupSync(t *testing.T) {
	svc, _, _ := newTestService(t, newMemStore(), time.Now(), DefaultMinInterval)
	sched := scheduler.NewScheduler(time.UTC)
	defer sched.Stop()

	cancel, err := svc.Schedule(context.Background(), sched, 30*time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, 1, sched.Len())

	require.Eventually(t, func() bool {
		st := svc.Status()
		return st.LastReport != nil && st.LastReport.Trigger == TriggerStartup
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)
	first.item("updated")
	assert.Equal(t, 1.0, promtest.ToFloat64(second.itemCount.WithLabelValues("updated")))

	var nilMetrics *Metrics
	nilMetrics.item("updated")
	nilMetrics.observeRun(KindSync, "ok", time.Second, time.Now())
}
