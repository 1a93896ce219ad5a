package security

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	MFAVerifications *prometheus.CounterVec
	FieldCryptoOps   *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MFAVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_mfa_verifications_total",
				Help: "MFA factor verifications by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		FieldCryptoOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_field_crypto_operations_total",
				Help: "Field protect/reveal operations by outcome.",
			},
			[]string{"op", "outcome"},
		),
	}

	registry.MustRegister(m.MFAVerifications, m.FieldCryptoOps)
	return m
}

func (m *Metrics) mfa(method, outcome string) {
	if m == nil {
		return
	}
	m.MFAVerifications.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) crypto(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.FieldCryptoOps.WithLabelValues(op, outcome).Inc()
}
