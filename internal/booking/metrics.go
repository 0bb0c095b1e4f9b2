package booking

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts booking operations. A nil *Metrics records nothing.
type Metrics struct {
	ops *prometheus.CounterVec
}

// NewMetrics registers the booking collectors with reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apptpipe",
		Subsystem: "booking",
		Name:      "operations_total",
		Help:      "Booking operations by kind and result.",
	}, []string{"op", "result"})
	if err := reg.Register(ops); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register booking metrics: %w", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("register booking metrics: %w", err)
		}
		ops = existing
	}
	return &Metrics{ops: ops}, nil
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInPast), errors.Is(err, ErrTooFarAhead), errors.Is(err, ErrClosedDay),
		errors.Is(err, ErrOutsideHours), errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotActive):
		return "rejected"
	default:
		return "error"
	}
}
