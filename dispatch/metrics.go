package dispatch

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "llm_warehouse"

// Delivery outcomes used as the "outcome" label.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

type metrics struct {
	records  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	delivery *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// newMetrics builds the dispatcher collectors and registers them on reg when
// it is non-nil. Collectors already registered by an earlier dispatcher are
// reused so a re-created dispatcher keeps counting into the same series.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_total",
			Help:      "Call records accepted for delivery, by SDK method",
		}, []string{"method"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_dropped_total",
			Help:      "Call records dropped before delivery, by reason",
		}, []string{"reason"}),
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Per-backend delivery attempts, by outcome",
		}, []string{"backend", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one record to one backend",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend"}),
	}
	if reg == nil {
		return m
	}
	m.records = register(reg, m.records)
	m.dropped = register(reg, m.dropped)
	m.delivery = register(reg, m.delivery)
	m.duration = register(reg, m.duration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observeDelivery(backend string, err error, elapsed time.Duration) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.delivery.WithLabelValues(backend, outcome).Inc()
	m.duration.WithLabelValues(backend).Observe(elapsed.Seconds())
}
