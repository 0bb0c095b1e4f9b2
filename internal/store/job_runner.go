package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job's work given its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// ErrPermanentJob marks a handler error that retrying cannot fix; the job is cancelled.
var ErrPermanentJob = errors.New("store: permanent job failure")

// Permanent wraps err so the runner cancels the job instead of scheduling a retry.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanentJob, err)
}

// Defaults for JobRunner.
const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultJobStaleThreshold = 5 * time.Minute
	DefaultJobClaimLimit     = 10
	DefaultJobRetryBase      = 30 * time.Second
)

// JobRunner periodically claims due jobs and dispatches them to handlers by kind.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	retryBase      time.Duration
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithJobRetryBase sets the first retry delay; it doubles per attempt.
func WithJobRetryBase(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.retryBase = d
		}
	}
}

// WithJobClaimLimit caps how many jobs one poll claims.
func WithJobClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// NewJobRunner creates a JobRunner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultJobStaleThreshold,
		claimLimit:     DefaultJobClaimLimit,
		retryBase:      DefaultJobRetryBase,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers the handler for kind, replacing any earlier one.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process died. Call once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, time.Now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until the context is cancelled. It always returns nil so it can run under an errgroup.
func (r *JobRunner) Run(ctx context.Context) error {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return nil
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// retryDelay is retryBase doubled per attempt already made.
func (r *JobRunner) retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	return r.retryBase * time.Duration(1<<attempt)
}

func (r *JobRunner) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}
	for _, job := range jobs {
		r.dispatch(ctx, job, now)
	}
}

func (r *JobRunner) dispatch(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.dispatch: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.dispatch: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	err := handler(ctx, job.PayloadJSON)
	switch {
	case err == nil:
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.dispatch: complete job error", "id", job.ID, "error", err)
			return
		}
		slog.Debug("JobRunner.dispatch: job completed", "id", job.ID, "kind", job.Kind)
	case errors.Is(err, ErrPermanentJob):
		slog.Error("JobRunner.dispatch: job failed permanently, cancelling", "id", job.ID, "kind", job.Kind, "error", err)
		if err := r.repo.CancelJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.dispatch: cancel job error", "id", job.ID, "error", err)
		}
	default:
		delay := r.retryDelay(job.Attempt)
		slog.Error("JobRunner.dispatch: job execution failed", "id", job.ID, "kind", job.Kind,
			"attempt", job.Attempt, "retryIn", delay, "error", err)
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(delay)); err != nil {
			slog.Error("JobRunner.dispatch: fail job error", "id", job.ID, "error", err)
		}
	}
}
