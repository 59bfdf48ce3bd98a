package clients

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CircuitBreakerMetrics exports breaker state for every named breaker.
type CircuitBreakerMetrics struct {
	// state values: 0=closed, 1=half-open, 2=open
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewCircuitBreakerMetrics registers the breaker collectors on reg.
func NewCircuitBreakerMetrics(reg prometheus.Registerer) *CircuitBreakerMetrics {
	m := &CircuitBreakerMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_state_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
	}
	reg.MustRegister(m.state, m.transitions)
	return m
}

// OnStateChange is suitable for CircuitBreakerConfig.OnStateChange.
func (m *CircuitBreakerMetrics) OnStateChange(name string, from, to CircuitBreakerState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}
