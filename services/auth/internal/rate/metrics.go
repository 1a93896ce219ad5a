package rate

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Decisions   *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
	Degraded    prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_rate_limit_decisions_total",
				Help: "Rate limit decisions by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_rate_limit_store_errors_total",
				Help: "Rate limit store calls that failed after retries.",
			},
			[]string{"backend"},
		),
		Degraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authcore_rate_limit_degraded",
				Help: "1 while decisions are served from the in-memory fallback.",
			},
		),
	}

	registry.MustRegister(m.Decisions, m.StoreErrors, m.Degraded)
	return m
}

func (m *Metrics) observeDecision(op Operation, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(op), outcome).Inc()
}

func (m *Metrics) observeStoreError(backend string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(backend).Inc()
}

func (m *Metrics) setDegraded(v bool) {
	if m == nil {
		return
	}
	if v {
		m.Degraded.Set(1)
	} else {
		m.Degraded.Set(0)
	}
}
