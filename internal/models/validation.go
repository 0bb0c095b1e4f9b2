package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// PhoneDigits is the length of a canonical patient phone number.
const PhoneDigits = 10

// ErrInvalidInput is matched by every ValidationError via errors.Is.
var ErrInvalidInput = errors.New("invalid input")

// ValidationError reports a malformed field value.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}

// Is makes errors.Is(err, ErrInvalidInput) true for validation failures.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

var nonDigits = regexp.MustCompile(`\D`)

// CanonicalPhone strips formatting and country prefixes, returning the last ten digits.
func CanonicalPhone(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) < PhoneDigits {
		return "", &ValidationError{Field: "phone", Value: raw, Msg: fmt.Sprintf("need at least %d digits", PhoneDigits)}
	}
	return digits[len(digits)-PhoneDigits:], nil
}

// ValidateDate checks a YYYY-MM-DD date string.
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return &ValidationError{Field: "date", Value: date, Msg: "expected YYYY-MM-DD"}
	}
	return nil
}

// ValidateTime checks an HH:MM time string.
func ValidateTime(clock string) error {
	if len(clock) != len(TimeLayout) {
		return &ValidationError{Field: "time", Value: clock, Msg: "expected HH:MM"}
	}
	if _, err := time.Parse(TimeLayout, clock); err != nil {
		return &ValidationError{Field: "time", Value: clock, Msg: "expected HH:MM"}
	}
	return nil
}

// ParseSlot resolves a date and time to an instant in loc.
func ParseSlot(date, clock string, loc *time.Location) (time.Time, error) {
	if err := ValidateDate(date); err != nil {
		return time.Time{}, err
	}
	if err := ValidateTime(clock); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "slot", Value: date + " " + clock, Msg: err.Error()}
	}
	return t, nil
}

// FormatSlot splits an instant into the store's date and time strings, in loc.
func FormatSlot(t time.Time, loc *time.Location) (date, clock string) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return local.Format(DateLayout), local.Format(TimeLayout)
}

// Validate checks the fields the store relies on.
func (a *Appointment) Validate() error {
	phone, err := CanonicalPhone(a.Phone)
	if err != nil {
		return err
	}
	a.Phone = phone
	if err := ValidateDate(a.Date); err != nil {
		return err
	}
	if err := ValidateTime(a.Time); err != nil {
		return err
	}
	if a.DurationMinutes < 0 {
		return &ValidationError{Field: "duration", Value: fmt.Sprint(a.DurationMinutes), Msg: "must not be negative"}
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = DefaultDurationMinutes
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if !a.Status.IsValid() {
		return &ValidationError{Field: "status", Value: string(a.Status), Msg: "unknown status"}
	}
	return nil
}

// NormalizePatientName collapses whitespace and title-cases a free-text name.
func NormalizePatientName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	// Casers carry state and are not shared between goroutines.
	return cases.Title(language.Und).String(strings.ToLower(strings.Join(fields, " ")))
}
