package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the service's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	actions         *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	mergedRecords   prometheus.Counter
	conflicts       prometheus.Counter
	refundOverflows prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_actions_total",
			Help: "Merchant actions by type and outcome",
		}, []string{"action", "outcome"}),
		actionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_action_duration_seconds",
			Help:    "Duration of merchant actions including the gateway call",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_notifications_total",
			Help: "Gateway notifications by outcome",
		}, []string{"outcome"}),
		mergedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_merged_records_total",
			Help: "Transaction records merged into order ledgers",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_save_conflicts_total",
			Help: "Version conflicts hit while persisting a ledger",
		}),
		refundOverflows: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_refund_overflow_total",
			Help: "Notified refunds that push refunds past the settled total",
		}),
	}
}

func (m *Metrics) observeAction(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) merged(n int) {
	if m == nil {
		return
	}
	m.mergedRecords.Add(float64(n))
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) refundOverflow() {
	if m == nil {
		return
	}
	m.refundOverflows.Inc()
}
