package calsync

import (
	"sync"
	"time"
)

// DefaultMinInterval is the shortest allowed gap between two gated runs.
const DefaultMinInterval = 5 * time.Minute

// Coordinator is a process-local mutual-exclusion and rate-limiting gate. It is not a queue:
// a caller that fails Start simply does not run.
type Coordinator struct {
	mu          sync.Mutex
	running     bool
	lastRunAt   time.Time
	minInterval time.Duration
	now         func() time.Time
}

// CoordinatorStatus is a snapshot of the gate.
type CoordinatorStatus struct {
	Running     bool          `json:"running"`
	LastRunAt   time.Time     `json:"last_run_at"`
	MinInterval time.Duration `json:"min_interval"`
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock replaces time.Now.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator returns an idle, never-run gate. A non-positive minInterval disables rate limiting.
func NewCoordinator(minInterval time.Duration, opts ...CoordinatorOption) *Coordinator {
	if minInterval < 0 {
		minInterval = 0
	}
	c := &Coordinator{minInterval: minInterval, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start claims the gate. It returns false when a run is in progress or the previous run
// started less than minInterval ago.
func (c *Coordinator) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	now := c.now()
	if !c.lastRunAt.IsZero() && now.Sub(c.lastRunAt) < c.minInterval {
		return false
	}
	c.running = true
	c.lastRunAt = now
	return true
}

// Stop releases the gate. It is safe to call when not running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// Status returns the current gate state.
func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CoordinatorStatus{Running: c.running, LastRunAt: c.lastRunAt, MinInterval: c.minInterval}
}
