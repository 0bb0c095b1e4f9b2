package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// EventDetails is what ApptPipe writes into a calendar event.
type EventDetails struct {
	AppointmentID int64
	PatientName   string
	Phone         string
	Start         time.Time
	Duration      time.Duration
	Notes         string
}

// End is Start plus Duration, falling back to the default appointment length.
func (d EventDetails) End() time.Time {
	dur := d.Duration
	if dur <= 0 {
		dur = models.DefaultDurationMinutes * time.Minute
	}
	return d.Start.Add(dur)
}

// DetailsFromAppointment resolves an appointment's slot in loc and builds its event details.
func DetailsFromAppointment(a models.Appointment, loc *time.Location) (EventDetails, error) {
	start, err := a.Start(loc)
	if err != nil {
		return EventDetails{}, err
	}
	return EventDetails{
		AppointmentID: a.ID,
		PatientName:   a.PatientName,
		Phone:         a.Phone,
		Start:         start,
		Duration:      a.Duration(),
		Notes:         a.Notes,
	}, nil
}

const (
	summaryPrefix  = "Appointment: "
	patientLabel   = "Patient: "
	phoneLabel     = "Phone: "
	appointmentLbl = "Appointment ID: "
	notesLabel     = "Notes: "
)

// Summary is the event title: the patient name, or the phone when the name is unknown.
func (d EventDetails) Summary() string {
	who := strings.TrimSpace(d.PatientName)
	if who == "" {
		who = d.Phone
	}
	return summaryPrefix + who
}

// Description encodes the patient on labelled lines so imports can recover it.
func (d EventDetails) Description() string {
	var b strings.Builder
	if d.PatientName != "" {
		b.WriteString(patientLabel + d.PatientName + "\n")
	}
	b.WriteString(phoneLabel + d.Phone + "\n")
	if d.AppointmentID > 0 {
		fmt.Fprintf(&b, "%s%d\n", appointmentLbl, d.AppointmentID)
	}
	if d.Notes != "" {
		b.WriteString(notesLabel + d.Notes + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParsedEvent is the patient information recovered from an event's text.
type ParsedEvent struct {
	PatientName   string
	Phone         string
	AppointmentID int64
	Notes         string
}

var (
	phoneRun  = regexp.MustCompile(`\+?\d[\d ().-]{8,}\d`)
	dateOrHHM = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}:\d{2}`)
)

// ParseEventText recovers the patient from an event written by Description, or from a
// hand-made event whose summary or description mentions a phone number.
func ParseEventText(summary, description string) ParsedEvent {
	var p ParsedEvent
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, patientLabel):
			p.PatientName = strings.TrimSpace(strings.TrimPrefix(line, patientLabel))
		case strings.HasPrefix(line, phoneLabel):
			if phone, err := models.CanonicalPhone(strings.TrimPrefix(line, phoneLabel)); err == nil {
				p.Phone = phone
			}
		case strings.HasPrefix(line, appointmentLbl):
			if id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, appointmentLbl)), 10, 64); err == nil {
				p.AppointmentID = id
			}
		case strings.HasPrefix(line, notesLabel):
			p.Notes = strings.TrimSpace(strings.TrimPrefix(line, notesLabel))
		}
	}
	if p.Phone == "" {
		for _, text := range []string{description, summary} {
			if m := phoneRun.FindString(dateOrHHM.ReplaceAllString(text, " ")); m != "" {
				if phone, err := models.CanonicalPhone(m); err == nil {
					p.Phone = phone
					break
				}
			}
		}
	}
	if p.PatientName == "" {
		name := strings.TrimSpace(strings.TrimPrefix(summary, summaryPrefix))
		if name != "" && !phoneRun.MatchString(name) {
			p.PatientName = name
		}
	}
	return p
}
