package calsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ApptPipe/internal/scheduler"
)

// ErrBusy is returned when the coordinator refuses a run.
var ErrBusy = errors.New("calsync: sync already running or ran too recently")

// Trigger names what started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerPeriodic Trigger = "periodic"
	TriggerStartup  Trigger = "startup"
)

// Operation kinds reported in RunReport.Kind.
const (
	KindSync   = "sync"
	KindSweep  = "sweep"
	KindImport = "import"
)

// RunReport describes one gated operation.
type RunReport struct {
	RunID      string            `json:"run_id"`
	Kind       string            `json:"kind"`
	Trigger    Trigger           `json:"trigger"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Reconcile  *ReconcileSummary `json:"reconcile,omitempty"`
	Sweep      *SweepSummary     `json:"sweep,omitempty"`
	Import     *ImportSummary    `json:"import,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Status is the service state exposed to operators.
type Status struct {
	Coordinator CoordinatorStatus `json:"coordinator"`
	LastReport  *RunReport        `json:"last_report,omitempty"`
}

// Service runs engine operations behind the coordinator gate.
type Service struct {
	engine  *Engine
	coord   *Coordinator
	metrics *Metrics

	mu   sync.Mutex
	last *RunReport
}

// NewService wires an engine to a coordinator. metrics may be nil.
func NewService(engine *Engine, coord *Coordinator, metrics *Metrics) *Service {
	return &Service{engine: engine, coord: coord, metrics: metrics}
}

// Run performs a full cycle: reconcile (with the retry-unsynced pass) followed by the
// duplicate sweep. Every phase runs even if an earlier one failed; the report carries the
// joined error. ErrBusy is returned without a report when the gate is closed.
func (s *Service) Run(ctx context.Context, trigger Trigger) (RunReport, error) {
	return s.gated(ctx, KindSync, trigger, func(ctx context.Context, r *RunReport) error {
		rec, recErr := s.engine.Reconcile(ctx)
		r.Reconcile = &rec
		sw, swErr := s.engine.Sweep(ctx)
		r.Sweep = &sw
		return errors.Join(recErr, swErr)
	})
}

// Sweep runs only the duplicate sweep.
func (s *Service) Sweep(ctx context.Context, trigger Trigger) (RunReport, error) {
	return s.gated(ctx, KindSweep, trigger, func(ctx context.Context, r *RunReport) error {
		sw, err := s.engine.Sweep(ctx)
		r.Sweep = &sw
		return err
	})
}

// ImportOrphans runs the explicit orphan import.
func (s *Service) ImportOrphans(ctx context.Context, trigger Trigger) (RunReport, error) {
	return s.gated(ctx, KindImport, trigger, func(ctx context.Context, r *RunReport) error {
		imp, err := s.engine.ImportOrphans(ctx)
		r.Import = &imp
		return err
	})
}

func (s *Service) gated(ctx context.Context, kind string, trigger Trigger, fn func(context.Context, *RunReport) error) (RunReport, error) {
	if !s.coord.Start() {
		s.metrics.observeRun(kind, "skipped", 0, time.Time{})
		slog.Debug("Service.gated: skipped", "kind", kind, "trigger", trigger)
		return RunReport{}, ErrBusy
	}
	defer s.coord.Stop()

	report := RunReport{
		RunID:     uuid.NewString(),
		Kind:      kind,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	log := slog.With("run_id", report.RunID, "kind", kind, "trigger", trigger)
	log.Info("Service.gated: started")

	err := fn(withLogger(ctx, log), &report)
	report.FinishedAt = time.Now()
	result := "ok"
	if err != nil {
		result = "error"
		report.Error = err.Error()
		log.Error("Service.gated: finished with errors", "error", err, "duration", report.FinishedAt.Sub(report.StartedAt))
	} else {
		log.Info("Service.gated: finished", "duration", report.FinishedAt.Sub(report.StartedAt))
	}
	s.metrics.observeRun(kind, result, report.FinishedAt.Sub(report.StartedAt), report.FinishedAt)

	s.mu.Lock()
	saved := report
	s.last = &saved
	s.mu.Unlock()
	return report, err
}

// Status returns the gate state and the last report.
func (s *Service) Status() Status {
	st := Status{Coordinator: s.coord.Status()}
	s.mu.Lock()
	if s.last != nil {
		r := *s.last
		st.LastReport = &r
	}
	s.mu.Unlock()
	return st
}

// Schedule registers the periodic sync with sched and a one-shot startup sync after
// startupDelay (skipped when negative). Runs use ctx; the returned function cancels a startup
// run that has not fired yet.
func (s *Service) Schedule(ctx context.Context, sched *scheduler.Scheduler, interval, startupDelay time.Duration) (func(), error) {
	if interval > 0 {
		err := sched.Every(interval, func() {
			s.runQuietly(ctx, TriggerPeriodic)
		})
		if err != nil {
			return nil, err
		}
	}
	if startupDelay < 0 {
		return func() {}, nil
	}
	timer := time.AfterFunc(startupDelay, func() {
		s.runQuietly(ctx, TriggerStartup)
	})
	return func() { timer.Stop() }, nil
}

func (s *Service) runQuietly(ctx context.Context, trigger Trigger) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Run(ctx, trigger); err != nil && !errors.Is(err, ErrBusy) {
		slog.Warn("Service.runQuietly: sync cycle failed, will retry next cycle", "trigger", trigger, "error", err)
	}
}
