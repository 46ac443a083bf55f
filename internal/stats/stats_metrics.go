package stats

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the response tracker.
type Metrics struct {
	WriteFailures *prometheus.CounterVec
}

// NewMetrics registers and returns tracker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_stats_write_failures_total",
			Help: "Aggregate writes skipped because the store was unavailable, by event.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.WriteFailures)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnWriteFailure: func(event string) {
			m.WriteFailures.WithLabelValues(event).Inc()
		},
	}
}
