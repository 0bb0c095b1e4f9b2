// Package config assembles ApptPipe's configuration from a .env file, environment variables
// and an optional YAML clinic file. Command-line flags are layered on top by cmd/ApptPipe.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/ApptPipe/internal/booking"
	"github.com/BTreeMap/ApptPipe/internal/calsync"
	"github.com/BTreeMap/ApptPipe/internal/messaging"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ApptPipe state data
	DefaultStateDir = "/var/lib/apptpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "apptpipe.db"
	// DefaultWhatsAppDBFileName holds the WhatsApp session when no DSN is given.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTokenFileName holds the calendar OAuth token.
	DefaultTokenFileName = "google_token.json"
	DefaultAPIAddr       = ":8080"
	DefaultTimezone      = "America/Mexico_City"
	DefaultSyncInterval  = 30 * time.Minute
	DefaultStartupDelay  = 30 * time.Second
	DefaultLifecycleCron = "@every 1h"
	DefaultPollInterval  = 5 * time.Second
)

// Messaging gateways.
const (
	GatewayWhatsApp = "whatsapp"
	GatewayTwilio   = "twilio"
	GatewayNone     = "none"
)

// Calendar providers.
const (
	CalendarGoogle = "google"
	CalendarMock   = "mock"
	CalendarNone   = "none"
)

// Config is the complete runtime configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	LogLevel    string

	Gateway     string
	CountryCode string
	WhatsApp    WhatsAppConfig
	Twilio      TwilioConfig

	OpenAIKey   string
	OpenAIModel string

	Calendar CalendarConfig
	Clinic   ClinicConfig
	Sync     SyncConfig

	LifecycleCron string
	OutboxPoll    time.Duration
	JobPoll       time.Duration
}

// WhatsAppConfig configures the whatsmeow gateway.
type WhatsAppConfig struct {
	DSN         string
	QROutput    string
	NumericCode bool
}

// TwilioConfig configures the Twilio gateway.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	// WebhookURL is the public URL Twilio posts to; signatures are checked when set.
	WebhookURL string
}

// CalendarConfig configures the calendar provider.
type CalendarConfig struct {
	Provider     string
	CalendarID   string
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenFile    string
}

// ClinicConfig is the clinic section of the YAML file.
type ClinicConfig struct {
	Timezone        string        `yaml:"timezone"`
	Open            string        `yaml:"open"`
	Close           string        `yaml:"close"`
	WorkingDays     []string      `yaml:"working_days"`
	DurationMinutes int           `yaml:"duration_minutes"`
	MaxAdvanceDays  int           `yaml:"max_advance_days"`
	ReminderLead    time.Duration `yaml:"reminder_lead"`
	ArchiveAfter    time.Duration `yaml:"archive_after"`
}

// SyncConfig is the sync section of the YAML file.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StartupDelay   time.Duration `yaml:"startup_delay"`
	MinInterval    time.Duration `yaml:"min_interval"`
	Forward        time.Duration `yaml:"forward_window"`
	Lookback       time.Duration `yaml:"lookback"`
	RecreateWindow time.Duration `yaml:"recreate_window"`
	TimeTolerance  time.Duration `yaml:"time_tolerance"`
}

type fileConfig struct {
	Clinic ClinicConfig `yaml:"clinic"`
	Sync   SyncConfig   `yaml:"sync"`
}

// Load reads .env (if present) and the environment, then overlays the clinic file named by
// APPTPIPE_CLINIC_FILE or, when unset, clinic.yaml in the state directory if it exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("Load: loaded .env file")
	}

	stateDir := util.GetEnv("APPTPIPE_STATE_DIR", DefaultStateDir)
	cfg := Config{
		StateDir:    stateDir,
		DatabaseURL: util.GetEnv("DATABASE_URL", ""),
		APIAddr:     util.GetEnv("API_ADDR", DefaultAPIAddr),
		LogLevel:    util.GetEnv("APPTPIPE_LOG_LEVEL", "info"),
		Gateway:     strings.ToLower(util.GetEnv("APPTPIPE_GATEWAY", GatewayWhatsApp)),
		CountryCode: util.GetEnv("APPTPIPE_COUNTRY_CODE", messaging.DefaultCountryCode),
		WhatsApp: WhatsAppConfig{
			DSN:         util.GetEnv("WHATSAPP_DB_DSN", ""),
			QROutput:    util.GetEnv("WHATSAPP_QR_OUTPUT", ""),
			NumericCode: util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		},
		Twilio: TwilioConfig{
			AccountSID: util.GetEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  util.GetEnv("TWILIO_AUTH_TOKEN", ""),
			From:       util.GetEnv("TWILIO_WHATSAPP_FROM", ""),
			WebhookURL: util.GetEnv("TWILIO_WEBHOOK_URL", ""),
		},
		OpenAIKey:   util.GetEnv("OPENAI_API_KEY", ""),
		OpenAIModel: util.GetEnv("OPENAI_MODEL", ""),
		Calendar: CalendarConfig{
			Provider:     strings.ToLower(util.GetEnv("APPTPIPE_CALENDAR", "")),
			CalendarID:   util.GetEnv("GOOGLE_CALENDAR_ID", "primary"),
			ClientID:     util.GetEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: util.GetEnv("GOOGLE_CLIENT_SECRET", ""),
			RefreshToken: util.GetEnv("GOOGLE_REFRESH_TOKEN", ""),
			TokenFile:    util.GetEnv("GOOGLE_TOKEN_FILE", ""),
		},
		Clinic: ClinicConfig{
			Timezone:        util.GetEnv("APPTPIPE_TIMEZONE", DefaultTimezone),
			Open:            util.GetEnv("APPTPIPE_OPEN", booking.DefaultOpen),
			Close:           util.GetEnv("APPTPIPE_CLOSE", booking.DefaultClose),
			DurationMinutes: util.ParseIntEnv("APPTPIPE_APPOINTMENT_MINUTES", models.DefaultDurationMinutes),
			MaxAdvanceDays:  util.ParseIntEnv("APPTPIPE_MAX_ADVANCE_DAYS", booking.DefaultMaxAdvanceDays),
			ReminderLead:    util.ParseDurationEnv("APPTPIPE_REMINDER_LEAD", booking.DefaultReminderLead),
			ArchiveAfter:    util.ParseDurationEnv("APPTPIPE_ARCHIVE_AFTER", booking.DefaultArchiveAfter),
		},
		Sync: SyncConfig{
			Interval:       util.ParseDurationEnv("APPTPIPE_SYNC_INTERVAL", DefaultSyncInterval),
			StartupDelay:   util.ParseDurationEnv("APPTPIPE_SYNC_STARTUP_DELAY", DefaultStartupDelay),
			MinInterval:    util.ParseDurationEnv("APPTPIPE_SYNC_MIN_INTERVAL", calsync.DefaultMinInterval),
			Forward:        util.ParseDurationEnv("APPTPIPE_SYNC_FORWARD", calsync.DefaultForwardWindow),
			Lookback:       util.ParseDurationEnv("APPTPIPE_SYNC_LOOKBACK", calsync.DefaultLookback),
			RecreateWindow: util.ParseDurationEnv("APPTPIPE_SYNC_RECREATE_WINDOW", calsync.DefaultRecreateWindow),
			TimeTolerance:  util.ParseDurationEnv("APPTPIPE_SYNC_TIME_TOLERANCE", 0),
		},
		LifecycleCron: util.GetEnv("APPTPIPE_LIFECYCLE_CRON", DefaultLifecycleCron),
		OutboxPoll:    util.ParseDurationEnv("APPTPIPE_OUTBOX_POLL", DefaultPollInterval),
		JobPoll:       util.ParseDurationEnv("APPTPIPE_JOB_POLL", DefaultPollInterval),
	}
	if days := util.GetEnv("APPTPIPE_WORKING_DAYS", ""); days != "" {
		cfg.Clinic.WorkingDays = strings.Split(days, ",")
	}

	clinicFile := util.GetEnv("APPTPIPE_CLINIC_FILE", "")
	if clinicFile == "" {
		candidate := filepath.Join(stateDir, "clinic.yaml")
		if _, err := os.Stat(candidate); err == nil {
			clinicFile = candidate
		}
	}
	if clinicFile != "" {
		if err := cfg.LoadClinicFile(clinicFile); err != nil {
			return Config{}, err
		}
	}

	slog.Debug("Load: configuration loaded",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"gateway", cfg.Gateway,
		"calendar", cfg.CalendarProvider(),
		"openai_key_set", cfg.OpenAIKey != "",
		"clinic_file", clinicFile)
	return cfg, nil
}

// LoadClinicFile overlays the clinic and sync settings present in the YAML file at path.
// Keys missing from the file keep their current values.
func (c *Config) LoadClinicFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read clinic file: %w", err)
	}
	fc := fileConfig{Clinic: c.Clinic, Sync: c.Sync}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse clinic file %s: %w", path, err)
	}
	c.Clinic, c.Sync = fc.Clinic, fc.Sync
	slog.Debug("Config.LoadClinicFile: clinic settings loaded", "path", path, "timezone", c.Clinic.Timezone)
	return nil
}

// DSN is the record store DSN: DATABASE_URL, or SQLite in the state directory.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// WhatsAppDSN is the whatsmeow session DSN, defaulting to the record store's Postgres or a
// separate SQLite file.
func (c Config) WhatsAppDSN() string {
	if c.WhatsApp.DSN != "" {
		return c.WhatsApp.DSN
	}
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultWhatsAppDBFileName)
}

// TokenFile is where the calendar token is persisted.
func (c Config) TokenFile() string {
	if c.Calendar.TokenFile != "" {
		return c.Calendar.TokenFile
	}
	return filepath.Join(c.StateDir, DefaultTokenFileName)
}

// CalendarProvider resolves an empty provider setting: google when client credentials are
// present, none otherwise.
func (c Config) CalendarProvider() string {
	if c.Calendar.Provider != "" {
		return c.Calendar.Provider
	}
	if c.Calendar.ClientID != "" && c.Calendar.ClientSecret != "" {
		return CalendarGoogle
	}
	return CalendarNone
}

// Location loads the clinic timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Clinic.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Clinic.Timezone, err)
	}
	return loc, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// WorkingDays parses the clinic's working days ("mon", "Tuesday", ...).
func (c Config) WorkingDays() ([]time.Weekday, error) {
	var days []time.Weekday
	for _, raw := range c.Clinic.WorkingDays {
		name := strings.ToLower(strings.TrimSpace(raw))
		if len(name) < 3 {
			return nil, fmt.Errorf("unknown working day %q", raw)
		}
		d, ok := weekdays[name[:3]]
		if !ok {
			return nil, fmt.Errorf("unknown working day %q", raw)
		}
		days = append(days, d)
	}
	return days, nil
}

// Hours builds the booking hours.
func (c Config) Hours() (booking.Hours, error) {
	loc, err := c.Location()
	if err != nil {
		return booking.Hours{}, err
	}
	days, err := c.WorkingDays()
	if err != nil {
		return booking.Hours{}, err
	}
	h := booking.Hours{
		Location:        loc,
		Open:            c.Clinic.Open,
		Close:           c.Clinic.Close,
		WorkingDays:     days,
		DurationMinutes: c.Clinic.DurationMinutes,
		MaxAdvanceDays:  c.Clinic.MaxAdvanceDays,
		ReminderLead:    c.Clinic.ReminderLead,
		ArchiveAfter:    c.Clinic.ArchiveAfter,
	}
	return h, h.Validate()
}

// Policy builds the sync policy.
func (c Config) Policy() (calsync.Policy, error) {
	loc, err := c.Location()
	if err != nil {
		return calsync.Policy{}, err
	}
	p := calsync.DefaultPolicy(loc)
	if c.Sync.Forward > 0 {
		p.Forward = c.Sync.Forward
	}
	if c.Sync.Lookback > 0 {
		p.Lookback = c.Sync.Lookback
	}
	if c.Sync.RecreateWindow != 0 {
		p.RecreateWindow = c.Sync.RecreateWindow
	}
	p.TimeTolerance = c.Sync.TimeTolerance
	return p, nil
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state directory not set"))
	}
	switch c.Gateway {
	case GatewayWhatsApp, GatewayNone:
	case GatewayTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.From == "" {
			errs = append(errs, errors.New("twilio gateway needs TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_WHATSAPP_FROM"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown gateway %q", c.Gateway))
	}
	switch c.CalendarProvider() {
	case CalendarNone, CalendarMock:
	case CalendarGoogle:
		if c.Calendar.ClientID == "" || c.Calendar.ClientSecret == "" {
			errs = append(errs, errors.New("google calendar needs GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown calendar provider %q", c.Calendar.Provider))
	}
	if _, err := c.Hours(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.Interval < 0 || c.Sync.MinInterval < 0 {
		errs = append(errs, errors.New("sync intervals must not be negative"))
	}
	return errors.Join(errs...)
}
