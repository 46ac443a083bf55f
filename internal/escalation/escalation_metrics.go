package escalation

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/lifeline/internal/alert"
)

// Metrics holds Prometheus metrics for the escalation engine.
type Metrics struct {
	WatchesTotal     *prometheus.CounterVec
	CancelsTotal     prometheus.Counter
	EscalationsTotal *prometheus.CounterVec
	SweepDue         prometheus.Gauge
	SweepDuration    prometheus.Histogram
}

// NewMetrics registers and returns escalation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_escalation_watches_total",
			Help: "Alerts placed under an escalation watch, by tier.",
		}, []string{"tier"}),
		CancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_escalation_cancels_total",
			Help: "Escalation watches cancelled by acknowledgment.",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_escalations_total",
			Help: "Automatic escalations by tier and whether the assistant reached the subject.",
		}, []string{"tier", "assistant_contacted"}),
		SweepDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifeline_escalation_sweep_due",
			Help: "Due timers found by the last sweep.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_escalation_sweep_duration_seconds",
			Help:    "Duration of escalation sweeps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}),
	}

	reg.MustRegister(
		m.WatchesTotal,
		m.CancelsTotal,
		m.EscalationsTotal,
		m.SweepDue,
		m.SweepDuration,
	)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnWatch: func(tier alert.Tier) {
			m.WatchesTotal.WithLabelValues(string(tier)).Inc()
		},
		OnCancel: func() {
			m.CancelsTotal.Inc()
		},
		OnEscalated: func(tier alert.Tier, contacted bool) {
			m.EscalationsTotal.WithLabelValues(string(tier), strconv.FormatBool(contacted)).Inc()
		},
		OnSweep: func(due int, d time.Duration) {
			m.SweepDue.Set(float64(due))
			m.SweepDuration.Observe(d.Seconds())
		},
	}
}
