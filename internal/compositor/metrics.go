package compositor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the compositor's Prometheus instrumentation. All fields
// are safe to use at their zero value via NewMetrics, which registers
// them against the provided registerer (pass prometheus.DefaultRegisterer
// in production, a fresh prometheus.NewRegistry() in tests).
type Metrics struct {
	MountedServers   prometheus.Gauge
	PendingDropped   prometheus.Counter
	ToolCallLatency  *prometheus.HistogramVec
	ApprovalsPending prometheus.Gauge
}

// NewMetrics constructs and registers the compositor's metrics. A nil
// registerer disables registration (MustRegister is skipped) while still
// returning usable, unregistered collectors — convenient for unit tests
// that don't want to pollute the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MountedServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "compositor",
			Name:      "mounted_servers",
			Help:      "Number of currently mounted backends.",
		}),
		PendingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "compositor",
			Name:      "pending_notifications_dropped_total",
			Help:      "Notifications dropped from the pending queue due to overflow.",
		}),
		ToolCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "compositor",
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of tool calls crossing the policy gateway.",
		}, []string{"prefix", "decision"}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "compositor",
			Name:      "approvals_pending",
			Help:      "Number of ApprovalRecords currently awaiting resolution.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MountedServers, m.PendingDropped, m.ToolCallLatency, m.ApprovalsPending)
	}
	return m
}
