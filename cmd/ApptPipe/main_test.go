package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/BTreeMap/ApptPipe/internal/app"
	"github.com/BTreeMap/ApptPipe/internal/calsync"
	"github.com/BTreeMap/ApptPipe/internal/config"
)

// setTestEnv isolates the command from the caller's environment.
func setTestEnv(t *testing.T, calendar string) string {
	t.Helper()
	stateDir := t.TempDir()
	t.Setenv("APPTPIPE_STATE_DIR", stateDir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("APPTPIPE_CLINIC_FILE", "")
	t.Setenv("APPTPIPE_GATEWAY", config.GatewayNone)
	t.Setenv("APPTPIPE_CALENDAR", calendar)
	t.Setenv("APPTPIPE_TIMEZONE", "UTC")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")
	return stateDir
}

func TestApplyFlagsOverridesOnlyChangedFlags(t *testing.T) {
	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if err := serve.ParseFlags([]string{"--state-dir", "/tmp/appt", "--gateway", "TWILIO", "--numeric-code"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg := config.Config{
		StateDir: "/var/lib/apptpipe",
		APIAddr:  ":9000",
		Gateway:  config.GatewayWhatsApp,
	}
	applyFlags(serve, &cfg)

	if cfg.StateDir != "/tmp/appt" {
		t.Errorf("StateDir = %q, want /tmp/appt", cfg.StateDir)
	}
	if cfg.Gateway != config.GatewayTwilio {
		t.Errorf("Gateway = %q, want %q", cfg.Gateway, config.GatewayTwilio)
	}
	if !cfg.WhatsApp.NumericCode {
		t.Error("NumericCode not applied")
	}
	if cfg.APIAddr != ":9000" {
		t.Errorf("APIAddr = %q, unset flag must keep the environment value", cfg.APIAddr)
	}
}

func TestStateDirFlagMovesDefaultDatabase(t *testing.T) {
	root := newRootCommand()
	syncCmd, _, err := root.Find([]string{"sync"})
	if err != nil {
		t.Fatalf("find sync: %v", err)
	}
	if err := syncCmd.ParseFlags([]string{"--state-dir", "/tmp/new_state"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := config.Config{StateDir: config.DefaultStateDir}
	applyFlags(syncCmd, &cfg)

	if got, want := cfg.DSN(), "/tmp/new_state/"+config.DefaultDBFileName; got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestSyncCommandPrintsReport(t *testing.T) {
	setTestEnv(t, config.CalendarMock)

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"sync", "--log-level", "error"})
	if err := root.Execute(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	var report calsync.RunReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report %q: %v", out.String(), err)
	}
	if report.Kind != calsync.KindSync {
		t.Errorf("Kind = %q, want %q", report.Kind, calsync.KindSync)
	}
	if report.Trigger != calsync.TriggerManual {
		t.Errorf("Trigger = %q, want %q", report.Trigger, calsync.TriggerManual)
	}
	if report.Reconcile == nil {
		t.Error("report has no reconcile summary")
	}
}

func TestSyncCommandWithoutCalendar(t *testing.T) {
	setTestEnv(t, config.CalendarNone)

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"import-orphans", "--log-level", "error"})
	err := root.Execute()
	if !errors.Is(err, app.ErrSyncDisabled) {
		t.Fatalf("err = %v, want ErrSyncDisabled", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestInitializeLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		if err := initializeLogger(io.Discard, level); err != nil {
			t.Errorf("initializeLogger(%q) = %v", level, err)
		}
	}
	if err := initializeLogger(io.Discard, "loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
