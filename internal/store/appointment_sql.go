package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// ErrSlotTaken is returned when an update would create a second active appointment for the
// same (phone, date, time).
var ErrSlotTaken = errors.New("store: slot already has an active appointment")

var (
	_ AppointmentRepo = (*SQLiteStore)(nil)
	_ AppointmentRepo = (*PostgresStore)(nil)
	_ PatientRepo     = (*SQLiteStore)(nil)
	_ PatientRepo     = (*PostgresStore)(nil)
)

const appointmentColumns = `id, phone, patient_name, date, time, duration_minutes, status,
	external_event_id, notes, created_at, updated_at`

func (b *sqlBase) InsertAppointment(ctx context.Context, a models.Appointment) (int64, bool, error) {
	if err := a.Validate(); err != nil {
		return 0, false, err
	}
	ts := utcNow()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = ts
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = ts

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin insert appointment: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, b.rebind(
		`INSERT INTO appointments (phone, patient_name, date, time, duration_minutes, status,
			external_event_id, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING
		 RETURNING id`),
		a.Phone, nilIfEmpty(a.PatientName), a.Date, a.Time, a.DurationMinutes, string(a.Status),
		nilIfEmpty(a.ExternalEventID), nilIfEmpty(a.Notes), a.CreatedAt, a.UpdatedAt,
	).Scan(&id)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("commit insert appointment: %w", err)
		}
		slog.Debug("Store.InsertAppointment: created", "appointmentID", id, "phone", a.Phone, "date", a.Date, "time", a.Time)
		return id, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("insert appointment: %w", err)
	}

	// Nothing inserted: a unique index rejected the row.
	if a.Status.IsActive() {
		err = tx.QueryRowContext(ctx, b.rebind(
			`SELECT id FROM appointments
			 WHERE phone = ? AND date = ? AND time = ? AND status IN ('scheduled', 'confirmed', 'pending')
			 ORDER BY id ASC LIMIT 1`),
			a.Phone, a.Date, a.Time,
		).Scan(&id)
		if err == nil {
			if err := tx.Commit(); err != nil {
				return 0, false, fmt.Errorf("commit insert appointment: %w", err)
			}
			slog.Debug("Store.InsertAppointment: slot already booked", "appointmentID", id, "phone", a.Phone, "date", a.Date, "time", a.Time)
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("lookup existing appointment: %w", err)
		}
	}
	if a.ExternalEventID != "" {
		return 0, false, fmt.Errorf("%w: %s", ErrEventIDInUse, a.ExternalEventID)
	}
	return 0, false, fmt.Errorf("insert appointment: conflict without matching active slot")
}

func (b *sqlBase) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`), id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %d: %w", id, err)
	}
	return &a, nil
}

func (b *sqlBase) QueryAppointments(ctx context.Context, f AppointmentFilter) ([]models.Appointment, error) {
	var where []string
	var args []interface{}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Phone != "" {
		where = append(where, "phone = ?")
		args = append(args, f.Phone)
	}
	if f.Date != "" {
		where = append(where, "date = ?")
		args = append(args, f.Date)
	}
	if f.Time != "" {
		where = append(where, "time = ?")
		args = append(args, f.Time)
	}
	if f.EventID != "" {
		where = append(where, "external_event_id = ?")
		args = append(args, f.EventID)
	}
	if f.HasEventID != nil {
		if *f.HasEventID {
			where = append(where, "(external_event_id IS NOT NULL AND external_event_id != '')")
		} else {
			where = append(where, "(external_event_id IS NULL OR external_event_id = '')")
		}
	}
	if f.FromDate != "" {
		where = append(where, "date >= ?")
		args = append(args, f.FromDate)
	}
	if f.ToDate != "" {
		where = append(where, "date <= ?")
		args = append(args, f.ToDate)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC, time ASC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return out, nil
}

func (b *sqlBase) UpdateAppointment(ctx context.Context, id int64, u AppointmentUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	var set []string
	var args []interface{}
	if u.PatientName != nil {
		set = append(set, "patient_name = ?")
		args = append(args, nilIfEmpty(*u.PatientName))
	}
	if u.Date != nil {
		if err := models.ValidateDate(*u.Date); err != nil {
			return err
		}
		set = append(set, "date = ?")
		args = append(args, *u.Date)
	}
	if u.Time != nil {
		if err := models.ValidateTime(*u.Time); err != nil {
			return err
		}
		set = append(set, "time = ?")
		args = append(args, *u.Time)
	}
	if u.DurationMinutes != nil {
		set = append(set, "duration_minutes = ?")
		args = append(args, *u.DurationMinutes)
	}
	if u.Status != nil {
		if !u.Status.IsValid() {
			return &models.ValidationError{Field: "status", Value: string(*u.Status), Msg: "unknown status"}
		}
		set = append(set, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.ExternalEventID != nil {
		set = append(set, "external_event_id = ?")
		args = append(args, nilIfEmpty(*u.ExternalEventID))
	}
	if u.Notes != nil {
		set = append(set, "notes = ?")
		args = append(args, nilIfEmpty(*u.Notes))
	}
	set = append(set, "updated_at = ?")
	args = append(args, utcNow(), id)

	res, err := b.db.ExecContext(ctx, b.rebind(`UPDATE appointments SET `+strings.Join(set, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update appointment %d: %w", id, classifyConstraint(err))
	}
	return requireAffected(res, "appointment", id)
}

func (b *sqlBase) MarkStatus(ctx context.Context, id int64, status models.AppointmentStatus) error {
	return b.UpdateAppointment(ctx, id, AppointmentUpdate{Status: &status})
}

func (b *sqlBase) DeleteAppointment(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM appointments WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete appointment %d: %w", id, err)
	}
	return requireAffected(res, "appointment", id)
}

func (b *sqlBase) ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ts := utcNow()
	res, err := b.db.ExecContext(ctx, b.rebind(
		`UPDATE appointments SET status = 'archived', updated_at = ?
		 WHERE status = 'completed' AND updated_at < ?`),
		ts, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("archive completed appointments: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *sqlBase) UpsertPatient(ctx context.Context, p models.Patient) error {
	phone, err := models.CanonicalPhone(p.Phone)
	if err != nil {
		return err
	}
	ts := utcNow()
	_, err = b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO patients (phone, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (phone) DO UPDATE SET
		   name = CASE WHEN excluded.name IS NULL OR excluded.name = '' THEN patients.name ELSE excluded.name END,
		   updated_at = excluded.updated_at`),
		phone, nilIfEmpty(p.Name), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", phone, err)
	}
	return nil
}

func (b *sqlBase) GetPatient(ctx context.Context, phone string) (*models.Patient, error) {
	var p models.Patient
	var name sql.NullString
	err := b.db.QueryRowContext(ctx, b.rebind(
		`SELECT phone, name, created_at, updated_at FROM patients WHERE phone = ?`), phone,
	).Scan(&p.Phone, &name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", phone, err)
	}
	p.Name = name.String
	return &p, nil
}

func scanAppointment(row rowScanner) (models.Appointment, error) {
	var a models.Appointment
	var name, eventID, notes sql.NullString
	var status string
	err := row.Scan(&a.ID, &a.Phone, &name, &a.Date, &a.Time, &a.DurationMinutes, &status,
		&eventID, &notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.PatientName = name.String
	a.ExternalEventID = eventID.String
	a.Notes = notes.String
	a.Status = models.AppointmentStatus(status)
	return a, nil
}

func requireAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d rows affected: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

// classifyConstraint maps driver unique violations on the appointments indexes to
// ErrSlotTaken or ErrEventIDInUse.
func classifyConstraint(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "event_id") {
			return fmt.Errorf("%w: %v", ErrEventIDInUse, err)
		}
		return fmt.Errorf("%w: %v", ErrSlotTaken, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		if strings.Contains(liteErr.Error(), "external_event_id") {
			return fmt.Errorf("%w: %v", ErrEventIDInUse, err)
		}
		return fmt.Errorf("%w: %v", ErrSlotTaken, err)
	}
	return err
}
