package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ApptPipe/internal/calsync"
	"github.com/BTreeMap/ApptPipe/internal/config"
	"github.com/BTreeMap/ApptPipe/internal/lockfile"
	"github.com/BTreeMap/ApptPipe/internal/models"
)

func testConfig(t *testing.T, calendarProvider string) config.Config {
	t.Helper()
	return config.Config{
		StateDir:    t.TempDir(),
		APIAddr:     "127.0.0.1:0",
		Gateway:     config.GatewayNone,
		CountryCode: "52",
		Calendar:    config.CalendarConfig{Provider: calendarProvider},
		Clinic: config.ClinicConfig{
			Timezone: "UTC",
			Open:     "09:00",
			Close:    "18:00",
		},
		Sync: config.SyncConfig{
			Interval:     time.Hour,
			StartupDelay: time.Hour,
		},
		LifecycleCron: "@every 1h",
		OutboxPoll:    20 * time.Millisecond,
		JobPoll:       20 * time.Millisecond,
	}
}

// nextWeekday returns a date a few days ahead that falls Monday to Friday.
func nextWeekday() string {
	d := time.Now().UTC().AddDate(0, 0, 2)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d.Format(models.DateLayout)
}

func TestNew_MockCalendarWiresSync(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, config.CalendarMock), "test")
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Calendar)
	require.NotNil(t, a.Sync)
	require.NotNil(t, a.Booking)

	ctx := context.Background()
	appt, existed, err := a.Booking.Book(ctx, "5512345678", "Ana", nextWeekday(), "10:00")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.True(t, appt.HasEvent())

	report, err := a.RunOnce(ctx, calsync.KindSync)
	require.NoError(t, err)
	require.NotNil(t, report.Reconcile)
	assert.Equal(t, 1, report.Reconcile.InSync)
	assert.Zero(t, report.Reconcile.Failed)

	report, err = a.RunOnce(ctx, calsync.KindSweep)
	require.NoError(t, err)
	assert.NotNil(t, report.Sweep)

	_, err = a.RunOnce(ctx, "bogus")
	assert.Error(t, err)
}

func TestNew_NoCalendarDisablesSync(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, config.CalendarNone), "test")
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Calendar)
	assert.Nil(t, a.Sync)

	_, err = a.RunOnce(context.Background(), calsync.KindSync)
	assert.ErrorIs(t, err, ErrSyncDisabled)

	appt, _, err := a.Booking.Book(context.Background(), "5512345678", "Ana", nextWeekday(), "11:00")
	require.NoError(t, err)
	assert.False(t, appt.HasEvent())
}

func TestNew_StateDirIsLocked(t *testing.T) {
	cfg := testConfig(t, config.CalendarNone)
	a, err := New(context.Background(), cfg, "serve")
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, "sync")
	require.Error(t, err)
	assert.True(t, errors.Is(err, lockfile.ErrLocked))

	a.Close()
	b, err := New(context.Background(), cfg, "sync")
	require.NoError(t, err)
	b.Close()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, config.CalendarNone)
	cfg.Gateway = "telegraph"
	_, err := New(context.Background(), cfg, "test")
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, config.CalendarMock), "serve")
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
