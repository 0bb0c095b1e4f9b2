package calsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// memStore is an in-memory Store. Unlike the SQL stores it accepts seeded duplicates, so the
// sweep has something to collapse.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	appts     map[int64]*models.Appointment
	patients  map[string]models.Patient
	writes    int
	failQuery error
}

func newMemStore() *memStore {
	return &memStore{nextID: 100, appts: make(map[int64]*models.Appointment), patients: make(map[string]models.Patient)}
}

// seed stores a without any uniqueness checks.
func (m *memStore) seed(a models.Appointment) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		m.nextID++
		a.ID = m.nextID
	}
	if a.Status == "" {
		a.Status = models.StatusScheduled
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = models.DefaultDurationMinutes
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.appts[a.ID] = &a
	return a.ID
}

func (m *memStore) get(id int64) (models.Appointment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return models.Appointment{}, false
	}
	return *a, true
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) QueryAppointments(ctx context.Context, f store.AppointmentFilter) ([]models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failQuery != nil {
		return nil, m.failQuery
	}
	var out []models.Appointment
	for _, a := range m.appts {
		if len(f.Statuses) > 0 {
			match := false
			for _, s := range f.Statuses {
				if a.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if f.Phone != "" && a.Phone != f.Phone || f.Date != "" && a.Date != f.Date || f.Time != "" && a.Time != f.Time {
			continue
		}
		if f.EventID != "" && a.ExternalEventID != f.EventID {
			continue
		}
		if f.HasEventID != nil && a.HasEvent() != *f.HasEventID {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	a, ok := m.get(id)
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (m *memStore) InsertAppointment(ctx context.Context, a models.Appointment) (int64, bool, error) {
	if err := a.Validate(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.appts {
		if existing.Status.IsActive() && existing.SlotKey() == a.SlotKey() && a.Status.IsActive() {
			return existing.ID, true, nil
		}
		if a.ExternalEventID != "" && existing.ExternalEventID == a.ExternalEventID {
			return 0, false, store.ErrEventIDInUse
		}
	}
	m.nextID++
	a.ID = m.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.appts[a.ID] = &a
	m.writes++
	return a.ID, false, nil
}

func (m *memStore) UpdateAppointment(ctx context.Context, id int64, u store.AppointmentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	if u.ExternalEventID != nil {
		a.ExternalEventID = *u.ExternalEventID
	}
	if u.Date != nil {
		a.Date = *u.Date
	}
	if u.Time != nil {
		a.Time = *u.Time
	}
	if u.Status != nil {
		a.Status = *u.Status
	}
	m.writes++
	return nil
}

func (m *memStore) DeleteAppointment(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[id]; !ok {
		return fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	delete(m.appts, id)
	m.writes++
	return nil
}

func (m *memStore) UpsertPatient(ctx context.Context, p models.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.Phone] = p
	return nil
}

var _ Store = (*memStore)(nil)

func newTestEngine(t *testing.T, st Store, now time.Time) (*Engine, *calendar.MockProvider) {
	t.Helper()
	mock := calendar.NewMockProvider()
	gw := calendar.NewGateway(mock, nil, calendar.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	return NewEngine(st, gw, DefaultPolicy(time.UTC), WithClock(func() time.Time { return now })), mock
}

func at(date, clock string) time.Time {
	t, err := time.ParseInLocation(models.DateLayout+" "+models.TimeLayout, date+" "+clock, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}
