package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are optional; a nil *Metrics or nil field records nothing.
type Metrics struct {
	Zaps    *prometheus.CounterVec // labels: status
	ZapSats prometheus.Counter
	Replies prometheus.Counter
	Skips   *prometheus.CounterVec // labels: reason
}

func (m *Metrics) zap(status string, amountSat int64) {
	if m == nil {
		return
	}
	if m.Zaps != nil {
		m.Zaps.WithLabelValues(status).Inc()
	}
	if m.ZapSats != nil {
		m.ZapSats.Add(float64(amountSat))
	}
}

func (m *Metrics) reply() {
	if m != nil && m.Replies != nil {
		m.Replies.Inc()
	}
}

func (m *Metrics) skip(reason string) {
	if m != nil && m.Skips != nil {
		m.Skips.WithLabelValues(reason).Inc()
	}
}
