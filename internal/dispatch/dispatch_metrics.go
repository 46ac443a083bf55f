package dispatch

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/lifeline/internal/alert"
)

// Metrics holds Prometheus metrics for the dispatcher.
type Metrics struct {
	OutcomesTotal      *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	AcksTotal          prometheus.Counter
	TimeToAck          prometheus.Histogram
	OptOutsTotal       prometheus.Counter
	DegradedTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_dispatch_outcomes_total",
			Help: "Dispatched events by result and tier.",
		}, []string{"result", "tier"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_notifications_total",
			Help: "Alert notifications by tier and delivery status.",
		}, []string{"tier", "delivered"}),
		AcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_acknowledgments_total",
			Help: "Alerts acknowledged by a responder.",
		}),
		TimeToAck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_time_to_acknowledge_seconds",
			Help:    "Time from alert creation to acknowledgment in seconds.",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10), // 15s .. ~2h
		}),
		OptOutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_opt_outs_total",
			Help: "Subjects opted out of outreach.",
		}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_dispatch_degraded_total",
			Help: "Dispatch steps that continued without the store, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.OutcomesTotal,
		m.NotificationsTotal,
		m.AcksTotal,
		m.TimeToAck,
		m.OptOutsTotal,
		m.DegradedTotal,
	)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnOutcome: func(result string, tier alert.Tier) {
			m.OutcomesTotal.WithLabelValues(result, string(tier)).Inc()
		},
		OnNotification: func(tier alert.Tier, delivered bool) {
			m.NotificationsTotal.WithLabelValues(string(tier), strconv.FormatBool(delivered)).Inc()
		},
		OnAcknowledged: func(d time.Duration) {
			m.AcksTotal.Inc()
			m.TimeToAck.Observe(d.Seconds())
		},
		OnOptOut: func() {
			m.OptOutsTotal.Inc()
		},
		OnDegraded: func(op string) {
			m.DegradedTotal.WithLabelValues(op).Inc()
		},
	}
}
