// Package testutil provides common test utilities and helpers for ApptPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// NewSQLiteStore opens a fresh SQLite store in a temporary directory and closes it when the
// test ends.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), store.WithSQLiteDSN(filepath.Join(t.TempDir(), "apptpipe.db")))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedAppointment inserts a and fails the test if the slot is already held.
func SeedAppointment(t *testing.T, st store.AppointmentRepo, a models.Appointment) int64 {
	t.Helper()
	id, existed, err := st.InsertAppointment(context.Background(), a)
	if err != nil {
		t.Fatalf("failed to seed appointment %s: %v", a.SlotKey(), err)
	}
	if existed {
		t.Fatalf("seed appointment %s already exists", a.SlotKey())
	}
	return id
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rr *httptest.ResponseRecorder, label string) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("%s: expected status %d, got %d (body %q)", label, expected, rr.Code, rr.Body.String())
	}
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", data, err)
	}
}
