package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ApptPipe/internal/calsync"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

func allowOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path)
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// syncEnabled answers 503 when no calendar is configured.
func (s *Server) syncEnabled(w http.ResponseWriter) bool {
	if s.sync != nil {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "Calendar sync not configured")
	return false
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowOnly(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "apptpipe"}))
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	s.runGated(w, r, "sync", s.sync.Run)
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	s.runGated(w, r, "sweep", s.sync.Sweep)
}

func (s *Server) importHandler(w http.ResponseWriter, r *http.Request) {
	s.runGated(w, r, "import", s.sync.ImportOrphans)
}

// runGated executes one gated sync operation and reports its outcome. A busy coordinator is a
// 409; a run that finished with errors is a 502 carrying the report.
func (s *Server) runGated(w http.ResponseWriter, r *http.Request, name string, op func(context.Context, calsync.Trigger) (calsync.RunReport, error)) {
	if !allowOnly(w, r, http.MethodPost) || !s.syncEnabled(w) {
		return
	}
	// The run completes even if the caller hangs up.
	ctx := context.WithoutCancel(r.Context())
	report, err := op(ctx, calsync.TriggerManual)
	switch {
	case errors.Is(err, calsync.ErrBusy):
		slog.Info("Server.runGated: refused, sync busy", "op", name)
		writeJSONResponse(w, http.StatusConflict, models.APIResponse{
			Status:  models.APIStatusError,
			Message: "Sync already running or ran too recently",
			Result:  s.sync.Status().Coordinator,
		})
	case err != nil:
		slog.Error("Server.runGated: finished with errors", "op", name, "error", err, "run_id", report.RunID)
		writeJSONResponse(w, http.StatusBadGateway, models.APIResponse{
			Status:  models.APIStatusError,
			Message: err.Error(),
			Result:  report,
		})
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(report))
	}
}

func (s *Server) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !allowOnly(w, r, http.MethodGet) || !s.syncEnabled(w) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sync.Status()))
}

// appointmentsHandler lists appointments filtered by phone, date and status.
func (s *Server) appointmentsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowOnly(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	var f store.AppointmentFilter
	if phone := q.Get("phone"); phone != "" {
		canonical, err := models.CanonicalPhone(phone)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Phone = canonical
	}
	if date := q.Get("date"); date != "" {
		if err := models.ValidateDate(date); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Date = date
	}
	if status := q.Get("status"); status != "" {
		st := models.AppointmentStatus(status)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "Unknown status: "+status)
			return
		}
		f.Statuses = []models.AppointmentStatus{st}
	}

	appts, err := s.appointments.QueryAppointments(r.Context(), f)
	if err != nil {
		slog.Error("Server.appointmentsHandler: query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to query appointments")
		return
	}
	if appts == nil {
		appts = []models.Appointment{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(appts))
}
