package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetdash"

// Feed message outcomes.
const (
	ResultApplied     = "applied"
	ResultIgnored     = "ignored"
	ResultDecodeError = "decode_error"
)

// Metrics holds the collectors shared by the dashboard components. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	feedMessages     *prometheus.CounterVec
	feedConnected    prometheus.Gauge
	commands         *prometheus.CounterVec
	permissionDenied *prometheus.CounterVec
	dashboards       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_total",
			Help:      "Status feed messages by reconciliation outcome.",
		}, []string{"result"}),
		feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "Number of dashboards with a connected status feed.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Machine and user commands dispatched, by action and result.",
		}, []string{"action", "result"}),
		permissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_denied_total",
			Help:      "Actions suppressed by the permission gate.",
		}, []string{"capability"}),
		dashboards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboards_open",
			Help:      "Open per-user dashboards.",
		}),
	}
	reg.MustRegister(
		m.feedMessages,
		m.feedConnected,
		m.commands,
		m.permissionDenied,
		m.dashboards,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterMetrics mounts the metrics handler on mux.
func (m *Metrics) RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}

func (m *Metrics) FeedMessage(result string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedConnected(delta float64) {
	if m == nil {
		return
	}
	m.feedConnected.Add(delta)
}

func (m *Metrics) Command(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(action, result).Inc()
}

func (m *Metrics) PermissionDenied(capability string) {
	if m == nil {
		return
	}
	m.permissionDenied.WithLabelValues(capability).Inc()
}

func (m *Metrics) DashboardOpened() {
	if m == nil {
		return
	}
	m.dashboards.Inc()
}

func (m *Metrics) DashboardClosed() {
	if m == nil {
		return
	}
	m.dashboards.Dec()
}
