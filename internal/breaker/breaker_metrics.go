package breaker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for circuit breakers.
type Metrics struct {
	State       *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Calls       *prometheus.CounterVec
}

// NewMetrics registers and returns breaker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifeline_breaker_state",
			Help: "Current circuit state per dependency (0=closed, 1=half_open, 2=open).",
		}, []string{"dependency"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_breaker_transitions_total",
			Help: "Circuit state transitions per dependency.",
		}, []string{"dependency", "from", "to"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_breaker_calls_total",
			Help: "Calls through the breaker by outcome (success, failure, rejected).",
		}, []string{"dependency", "outcome"}),
	}
	reg.MustRegister(m.State, m.Transitions, m.Calls)
	return m
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnStateChange: func(name string, from, to State) {
			m.State.WithLabelValues(name).Set(stateValue(to))
			if from != to {
				m.Transitions.WithLabelValues(name, string(from), string(to)).Inc()
			}
		},
		OnCall: func(name, outcome string) {
			m.Calls.WithLabelValues(name, outcome).Inc()
		},
	}
}
