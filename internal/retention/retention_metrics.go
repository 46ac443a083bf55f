package retention

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for retention cleanups.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RemovedTotal  *prometheus.CounterVec
	RepairedTotal *prometheus.CounterVec
	Duration      prometheus.Histogram
}

// NewMetrics registers and returns retention metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_retention_runs_total",
			Help: "Retention cleanup runs by result.",
		}, []string{"result"}),
		RemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_retention_removed_total",
			Help: "Entries removed by retention cleanup by category.",
		}, []string{"category"}),
		RepairedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_retention_repaired_total",
			Help: "Keys found without expiry and repaired, by category.",
		}, []string{"category"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_retention_duration_seconds",
			Help:    "Duration of retention cleanup runs.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.RunsTotal, m.RemovedTotal, m.RepairedTotal, m.Duration)
	return m
}

// Hooks returns sweeper hooks that record to these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCleanup: func(r *Report, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.RunsTotal.WithLabelValues(result).Inc()
			for c, n := range r.RemovedByCategory {
				m.RemovedTotal.WithLabelValues(c).Add(float64(n))
			}
			for c, n := range r.RepairedByCategory {
				m.RepairedTotal.WithLabelValues(c).Add(float64(n))
			}
			m.Duration.Observe(float64(r.DurationMs) / 1000)
		},
	}
}
