// Package scheduler provides the cron clock for ApptPipe's periodic work.
//
// Periodic calendar sync, appointment lifecycle maintenance and similar housekeeping are
// registered here. A job that is still running when its next tick arrives is skipped rather than
// stacked.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler evaluating expressions in loc.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := slogCronLogger{}
	// Standard 5-field parser (min, hour, dom, month, dow) plus descriptors such as @every.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", expr, err)
	}
	return nil
}

// Every schedules task at a fixed interval, starting one interval from now.
func (s *Scheduler) Every(interval time.Duration, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("schedule: interval must be positive, got %s", interval)
	}
	return s.AddJob("@every "+interval.String(), task)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogCronLogger routes cron's logging through slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
