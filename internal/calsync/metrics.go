package calsync

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for sync activity. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	itemCount   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics registers the sync collectors with reg (the default registerer when nil).
// Collectors already registered under the same names are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apptpipe",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Gated sync operations by kind and result.",
		}, []string{"kind", "result"}),
		itemCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apptpipe",
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Per-item sync outcomes.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apptpipe",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of gated sync operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apptpipe",
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful operation by kind.",
		}, []string{"kind"}),
	}
	if err := register(reg, &m.runs); err != nil {
		return nil, err
	}
	if err := register(reg, &m.itemCount); err != nil {
		return nil, err
	}
	if err := register(reg, &m.duration); err != nil {
		return nil, err
	}
	if err := register(reg, &m.lastSuccess); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return fmt.Errorf("register sync metrics: %w", err)
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return fmt.Errorf("register sync metrics: %w", err)
		}
		*c = existing
	}
	return nil
}

func (m *Metrics) item(outcome string) {
	m.items(outcome, 1)
}

func (m *Metrics) items(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.itemCount.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) observeRun(kind, result string, d time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(kind, result).Inc()
	if result == "skipped" {
		return
	}
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
	if result == "ok" {
		m.lastSuccess.WithLabelValues(kind).Set(float64(finished.Unix()))
	}
}
