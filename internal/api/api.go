// Package api serves ApptPipe's HTTP surface: health, the sync operations and their status,
// appointment listings, Prometheus metrics and, with the Twilio gateway, the inbound webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/ApptPipe/internal/calsync"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	// DefaultWriteTimeout leaves room for a full sync run behind POST /sync.
	DefaultWriteTimeout = 5 * time.Minute
)

// SyncService is the gated sync surface the API exposes.
type SyncService interface {
	Run(ctx context.Context, trigger calsync.Trigger) (calsync.RunReport, error)
	Sweep(ctx context.Context, trigger calsync.Trigger) (calsync.RunReport, error)
	ImportOrphans(ctx context.Context, trigger calsync.Trigger) (calsync.RunReport, error)
	Status() calsync.Status
}

var _ SyncService = (*calsync.Service)(nil)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	Gatherer      prometheus.Gatherer
	TwilioWebhook http.HandlerFunc
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithTwilioWebhook mounts h at /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server is the HTTP API.
type Server struct {
	sync         SyncService
	appointments store.AppointmentRepo
	opts         Opts
	handler      http.Handler
}

// NewServer builds the server and its routes. sync may be nil when no calendar is configured.
func NewServer(sync SyncService, appointments store.AppointmentRepo, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, Gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{sync: sync, appointments: appointments, opts: o}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/sync", s.syncHandler)
	mux.HandleFunc("/sync/sweep", s.sweepHandler)
	mux.HandleFunc("/sync/import", s.importHandler)
	mux.HandleFunc("/sync/status", s.syncStatusHandler)
	mux.HandleFunc("/appointments", s.appointmentsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	if o.TwilioWebhook != nil {
		mux.HandleFunc("/webhooks/twilio", o.TwilioWebhook)
	}
	s.handler = mux
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
