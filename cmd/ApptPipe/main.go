package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/ApptPipe/internal/app"
	"github.com/BTreeMap/ApptPipe/internal/calsync"
	"github.com/BTreeMap/ApptPipe/internal/config"
	"github.com/BTreeMap/ApptPipe/internal/util"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:          "apptpipe",
		Short:        "ApptPipe - WhatsApp appointment scheduling with calendar sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logLevel
			if level == "" {
				level = util.GetEnv("APPTPIPE_LOG_LEVEL", "info")
			}
			return initializeLogger(cmd.ErrOrStderr(), level)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides $APPTPIPE_LOG_LEVEL)")
	pf.String("state-dir", "", "state directory for ApptPipe data (overrides $APPTPIPE_STATE_DIR)")
	pf.String("db-dsn", "", "record store DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	pf.String("calendar", "", "calendar provider: google, mock or none (overrides $APPTPIPE_CALENDAR)")

	serve := newServeCommand()
	sf := serve.Flags()
	sf.String("api-addr", "", "API server address (overrides $API_ADDR)")
	sf.String("gateway", "", "messaging gateway: whatsapp, twilio or none (overrides $APPTPIPE_GATEWAY)")
	sf.String("qr-output", "", "path to write login QR code")
	sf.Bool("numeric-code", false, "use numeric login code instead of QR code")
	sf.String("openai-api-key", "", "OpenAI API key for free-text menu routing (overrides $OPENAI_API_KEY)")

	cmd.AddCommand(serve)
	cmd.AddCommand(newOneShotCommand("sync", calsync.KindSync, "Reconcile appointments with the calendar, then sweep duplicates"))
	cmd.AddCommand(newOneShotCommand("sweep", calsync.KindSweep, "Remove duplicate appointments and calendar events"))
	cmd.AddCommand(newOneShotCommand("import-orphans", calsync.KindImport, "Create appointments for calendar events no appointment references"))
	return cmd
}

// initializeLogger installs a text slog handler at level.
func initializeLogger(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig reads the environment and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(cmd, &cfg)
	slog.Debug("loadConfig: final configuration", "state_dir", cfg.StateDir, "dsn_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr, "gateway", cfg.Gateway, "calendar", cfg.CalendarProvider())
	return cfg, nil
}

// applyFlags overrides cfg with the flags set on the command line. Unset flags keep the
// environment's value.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string) {
		if f := cmd.Flag(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	set("state-dir", &cfg.StateDir)
	set("db-dsn", &cfg.DatabaseURL)
	set("calendar", &cfg.Calendar.Provider)
	set("api-addr", &cfg.APIAddr)
	set("gateway", &cfg.Gateway)
	set("qr-output", &cfg.WhatsApp.QROutput)
	set("openai-api-key", &cfg.OpenAIKey)
	if f := cmd.Flag("numeric-code"); f != nil && f.Changed {
		cfg.WhatsApp.NumericCode = f.Value.String() == "true"
	}
	cfg.Calendar.Provider = strings.ToLower(cfg.Calendar.Provider)
	cfg.Gateway = strings.ToLower(cfg.Gateway)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging bot, API server and scheduled calendar sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("Bootstrapping ApptPipe", "state_dir", cfg.StateDir)
			a, err := app.New(ctx, cfg, "serve")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Serve(ctx); err != nil {
				return err
			}
			slog.Info("ApptPipe exited successfully")
			return nil
		},
	}
}

// newOneShotCommand runs one gated sync operation and prints its report as JSON.
func newOneShotCommand(use, kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := app.New(ctx, cfg, use)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.RunOnce(ctx, kind)
			if runErr == nil || report.RunID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}
