package intake

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for message intake.
type Metrics struct {
	MessagesTotal  *prometheus.CounterVec
	FallbacksTotal prometheus.Counter
}

// NewMetrics registers and returns intake metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_intake_messages_total",
			Help: "Messages seen by the intake pipeline by result.",
		}, []string{"result"}),
		FallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_intake_classifier_fallbacks_total",
			Help: "Messages scored with the fallback score because the classifier was unavailable.",
		}),
	}
	reg.MustRegister(m.MessagesTotal, m.FallbacksTotal)
	return m
}

// Hooks returns pipeline hooks that record to these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnMessage:  func(result string) { m.MessagesTotal.WithLabelValues(result).Inc() },
		OnFallback: func() { m.FallbacksTotal.Inc() },
	}
}
