package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// MockProvider is an in-memory Provider for tests. Listing order is start time, then
// insertion order, like a real calendar listing with SingleEvents.
type MockProvider struct {
	mu     sync.Mutex
	events map[string]*mockEvent
	seq    int
	fail   map[string][]error
	calls  map[string]int
}

type mockEvent struct {
	ev  models.CalendarEvent
	seq int
}

var _ Provider = (*MockProvider)(nil)

// Operation names accepted by FailNext and Calls.
const (
	OpList   = "list"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// NewMockProvider returns an empty mock calendar.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		events: make(map[string]*mockEvent),
		fail:   make(map[string][]error),
		calls:  make(map[string]int),
	}
}

// FailNext queues errs to be returned by the next calls of op, one per call.
func (m *MockProvider) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = append(m.fail[op], errs...)
}

// Calls returns how often op was invoked.
func (m *MockProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// AddEvent stores a raw event, as if created outside ApptPipe. An empty ID is generated.
func (m *MockProvider) AddEvent(ev models.CalendarEvent) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = models.EventStatusActive
	}
	if ev.End.IsZero() {
		ev.End = ev.Start.Add(models.DefaultDurationMinutes * time.Minute)
	}
	m.seq++
	m.events[ev.ID] = &mockEvent{ev: ev, seq: m.seq}
	return ev.ID
}

// Event returns the stored event by id.
func (m *MockProvider) Event(id string) (models.CalendarEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return models.CalendarEvent{}, false
	}
	return e.ev, true
}

// Events returns every stored event in listing order.
func (m *MockProvider) Events() []models.CalendarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(time.Time{}, time.Time{})
}

// Remove deletes an event behind ApptPipe's back.
func (m *MockProvider) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
}

func (m *MockProvider) begin(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if q := m.fail[op]; len(q) > 0 {
		err := q[0]
		m.fail[op] = q[1:]
		return err
	}
	return nil
}

func (m *MockProvider) sortedLocked(timeMin, timeMax time.Time) []models.CalendarEvent {
	list := make([]*mockEvent, 0, len(m.events))
	for _, e := range m.events {
		if !timeMin.IsZero() && e.ev.Start.Before(timeMin) {
			continue
		}
		if !timeMax.IsZero() && !e.ev.Start.Before(timeMax) {
			continue
		}
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ev.Start.Equal(list[j].ev.Start) {
			return list[i].ev.Start.Before(list[j].ev.Start)
		}
		return list[i].seq < list[j].seq
	})
	out := make([]models.CalendarEvent, len(list))
	for i, e := range list {
		out[i] = e.ev
	}
	return out
}

func (m *MockProvider) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]models.CalendarEvent, error) {
	if err := m.begin(OpList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(timeMin, timeMax), nil
}

func (m *MockProvider) InsertEvent(ctx context.Context, d EventDetails) (string, error) {
	if err := m.begin(OpInsert); err != nil {
		return "", err
	}
	return m.AddEvent(models.CalendarEvent{
		Summary:     d.Summary(),
		Description: d.Description(),
		Start:       d.Start,
		End:         d.End(),
	}), nil
}

func (m *MockProvider) UpdateEvent(ctx context.Context, eventID string, d EventDetails) error {
	if err := m.begin(OpUpdate); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	e.ev.Summary = d.Summary()
	e.ev.Description = d.Description()
	e.ev.Start = d.Start
	e.ev.End = d.End()
	return nil
}

func (m *MockProvider) DeleteEvent(ctx context.Context, eventID string) error {
	if err := m.begin(OpDelete); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	delete(m.events, eventID)
	return nil
}
