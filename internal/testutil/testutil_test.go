package testutil

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

func TestNewSQLiteStoreAndSeed(t *testing.T) {
	st := NewSQLiteStore(t)
	id := SeedAppointment(t, st, models.Appointment{Phone: "5512345678", Date: "2025-04-09", Time: "10:00"})

	got, err := st.GetAppointment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAppointment failed: %v", err)
	}
	if got.Status != models.StatusScheduled {
		t.Errorf("expected status %q, got %q", models.StatusScheduled, got.Status)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteHeader(204)
	AssertHTTPStatus(t, 204, rr, "no content")
}

func TestMustUnmarshalJSON(t *testing.T) {
	var got models.APIResponse
	MustUnmarshalJSON(t, []byte(`{"status":"ok","message":"hi"}`), &got)
	if got.Status != models.APIStatusOK || got.Message != "hi" {
		t.Errorf("unexpected envelope %+v", got)
	}
}
