package payment

import "github.com/prometheus/client_golang/prometheus"

func (m *Metrics) ActionsCounter(action, outcome string) prometheus.Counter {
	return m.actions.WithLabelValues(action, outcome)
}

func (m *Metrics) RefundOverflowCounter() prometheus.Counter {
	return m.refundOverflows
}
